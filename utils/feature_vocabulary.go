package utils

import (
	_ "embed"
	"fmt"
	"strings"
)

// FeatureVocabulary is the ordered rubric the model rates, 0 to 100 each.
var FeatureVocabulary = []string{
	"Dominant",
	"Unpleasant",
	"Trustworthy",
	"Warm",
	"Competent",
	"Agentic",
	"Experienced",
	"Open",
	"Conscientious",
	"Neurotic",
	"Extravert",
	"Kind",
	"Honest",
	"Creative",
	"Lazy",
	"Loyal",
	"Stubborn",
	"Shy",
	"Intelligent",
	"Socially competent",
	"Brave",
	"Selfish",
	"Successful",
	"Ambitious",
	"Impulsive",
	"Punctual",
	"Immoral",
	"Submissive",
	"Pleasant",
	"Introvert",
	"Agreeable",
	"Nude",
	"Old",
	"Attractive",
	"Masculine",
	"Feminine",
	"In poor somatic health",
	"In poor mental health",
	"Alone",
	"Eating / drinking",
	"Sweating / feeling hot",
	"Coughing / sneezing",
	"Vomiting / urinating / defecating",
	"Feeling ill",
	"Feeling nauseous / dizzy",
	"Feeling energetic",
	"Feeling tired",
	"Moving their body",
	"Moving their leg / foot",
	"Moving their arm / hand",
	"Moving their head",
	"Making facial expressions",
	"Moving reflexively",
	"Jumping",
	"Sitting",
	"Standing",
	"Laying down",
	"Moving rapidly",
	"Moving towards someone",
	"Moving away from someone",
	"Panting / short of breath",
	"Smelling something",
	"Feeling pain",
	"Listening to something",
	"Tasting something",
	"Looking at something",
	"Feeling touch",
	"Blinking",
	"Hungry / thirsty",
	"Moaning / groaning",
	"Yelling",
	"Touching someone",
	"Crying",
	"Making gaze contact",
	"Hitting / hurting someone",
	"Laughing",
	"Talking",
	"Kissing / hugging / cuddling",
	"Whispering",
	"Communicating nonverbally",
	"Attending someone",
	"Ignoring someone",
	"Gesturing",
	"Showing affection",
	"Being morally righteous",
	"Thinking / reasoning",
	"Empathizing",
	"Feeling secure",
	"Feeling confident",
	"Daydreaming",
	"Wanting something",
	"Feeling satisfied",
	"Feeling calm",
	"Exerting self-control",
	"Feeling displeasure",
	"Experiencing failure",
	"Making a decision",
	"Pursuing a goal",
	"Feeling lonely",
	"Feeling moved",
	"Exerting mental effort",
	"Sexually aroused",
	"Focusing attention",
	"Experiencing success",
	"Feeling insecure",
	"Feeling pleasure",
	"Feeling disappointed",
	"Feeling agitated",
	"Motivated",
	"Physically aggressive",
	"Intimate",
	"Informal",
	"Romantic",
	"Compliant",
	"Interacting positively",
	"Joking",
	"Authoritarian",
	"Acting reluctantly",
	"Hostile",
	"Cooperative",
	"Flirtatious",
	"Harassing someone",
	"Interacting physically",
	"Emotionally aroused",
	"Verbally aggressive",
	"Equal",
	"Affectionate",
	"Serious",
	"Playful",
	"Superficial",
	"Interacting negatively",
	"Formal",
	"Having a conflict",
	"Sexual",
	"Acting voluntarily",
	"Interacting emotionally",
	"Making fun of someone",
	"Inequal",
}

//go:embed prompts/image.txt
var imagePromptHeader string

//go:embed prompts/video.txt
var videoPromptHeader string

// ItemMode selects how work items are discovered and which instructions they get.
type ItemMode string

const (
	ModeImages  ItemMode = "images"
	ModeBundles ItemMode = "bundles"
)

func ParseItemMode(s string) (ItemMode, error) {
	switch ItemMode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeImages, "image":
		return ModeImages, nil
	case ModeBundles, "bundle", "video", "videos":
		return ModeBundles, nil
	default:
		return "", fmt.Errorf("unknown item mode %q (want images or bundles)", s)
	}
}

// PromptHeader returns the built-in instructions for mode.
func PromptHeader(mode ItemMode) string {
	if mode == ModeBundles {
		return videoPromptHeader
	}
	return imagePromptHeader
}

// BuildPrompt renders header followed by the feature list, one "Name:?" line
// per feature.
func BuildPrompt(header string, features []string) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(header))
	b.WriteString("\n\nList of Features:\n")
	for _, f := range features {
		b.WriteString(f)
		b.WriteString(":?\n")
	}
	return b.String()
}
