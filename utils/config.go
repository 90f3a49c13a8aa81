package utils

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type FilesConfig struct {
	Progress       string `yaml:"progress"`
	AudioProcessed string `yaml:"audio_processed"`
	Responses      string `yaml:"responses"`
	MarkedIndex    string `yaml:"marked_index"`
	Scores         string `yaml:"scores"`
}

// Config holds all pipeline settings. Values come from the defaults, then
// rater.yaml, then .env and the environment; the CLI applies flags last.
type Config struct {
	OpenAI          OpenAIConfig   `yaml:"openai"`
	Dispatch        DispatchConfig `yaml:"dispatch"`
	Files           FilesConfig    `yaml:"files"`
	PromptFile      string         `yaml:"prompt_file"`
	ImageExtensions []string       `yaml:"image_extensions"`
	MarkPhrases     []string       `yaml:"mark_phrases"`
	RefusalMarker   string         `yaml:"refusal_marker"`
	ChunkDuration   time.Duration  `yaml:"chunk_duration"`
	DatabaseURL     string         `yaml:"database_url"`
	LogLevel        string         `yaml:"log_level"`
	LogFormat       string         `yaml:"log_format"`
}

func DefaultConfig() *Config {
	return &Config{
		OpenAI: OpenAIConfig{
			TranscriptionModel: "whisper-1",
		},
		Dispatch: DispatchConfig{
			Model:         DefaultModel,
			MaxTokens:     DefaultMaxTokens,
			Attempts:      DefaultAttempts,
			RetryDelay:    DefaultRetryDelay,
			ProgressEvery: DefaultProgressEvery,
		},
		Files: FilesConfig{
			Progress:       "progress.txt",
			AudioProcessed: "audio_processed.txt",
			Responses:      "responses.json",
			MarkedIndex:    "marked_files_index.txt",
			Scores:         "scores.csv",
		},
		ImageExtensions: append([]string(nil), DefaultImageExtensions...),
		MarkPhrases:     append([]string(nil), DefaultMarkPhrases...),
		RefusalMarker:   DefaultRefusalMarker,
		ChunkDuration:   DefaultChunkDuration,
		LogLevel:        "info",
		LogFormat:       "text",
	}
}

// LoadConfig builds the configuration. An empty path looks for rater.yaml in
// the working directory; a missing file leaves the defaults in place.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config '%s': %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config '%s': %w", path, err)
			}
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("error loading .env file: %w", err)
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.OpenAI.APIKey = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		c.OpenAI.BaseURL = v
	}
	if v := os.Getenv("RATER_DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("RATER_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("RATER_LOG_FORMAT"); v != "" {
		c.LogFormat = v
	}
}

// DispatchConfigFor returns the dispatch settings with the prompt for mode
// filled in.
func (c *Config) DispatchConfigFor(mode ItemMode) (DispatchConfig, error) {
	header := PromptHeader(mode)
	if c.PromptFile != "" {
		data, err := os.ReadFile(c.PromptFile)
		if err != nil {
			return DispatchConfig{}, fmt.Errorf("failed to read prompt file '%s': %w", c.PromptFile, err)
		}
		header = string(data)
	}
	cfg := c.Dispatch
	cfg.Prompt = BuildPrompt(header, FeatureVocabulary)
	return cfg, nil
}

func findConfigFile() string {
	candidates := []string{
		"./rater.yaml",
		"./rater.yml",
		filepath.Join(os.Getenv("HOME"), ".config", "gpt-perception-rater", "rater.yaml"),
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
