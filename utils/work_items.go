package utils

import (
	"cmp"
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"slices"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// ErrNoImages is returned when a work item has nothing to look at.
var ErrNoImages = errors.New("work item has no images")

// DefaultImageExtensions are the frame formats picked up during discovery.
var DefaultImageExtensions = []string{".png"}

// WorkItem is one unit sent to the model: a single image, or the frames of a
// clip plus its optional transcript. Key is the file or folder name.
type WorkItem struct {
	Key            string
	Images         []string
	Transcript     string
	TranscriptPath string
}

// DiscoverImages lists one work item per image file directly inside folder.
func DiscoverImages(folder string, exts []string) ([]WorkItem, error) {
	entries, err := os.ReadDir(folder)
	if err != nil {
		return nil, fmt.Errorf("failed to read image folder '%s': %w", folder, err)
	}
	var items []WorkItem
	for _, entry := range entries {
		if entry.IsDir() || !hasExtension(entry.Name(), exts) {
			continue
		}
		items = append(items, WorkItem{
			Key:    entry.Name(),
			Images: []string{filepath.Join(folder, entry.Name())},
		})
	}
	return items, nil
}

// DiscoverBundles lists one work item per subfolder of folder. Frames are
// ordered by their timestamp; a .txt file is the transcript unless it appears in excluded.
// Subfolders without frames are left out.
func DiscoverBundles(folder string, exts []string, excluded map[string]struct{}) ([]WorkItem, error) {
	entries, err := os.ReadDir(folder)
	if err != nil {
		return nil, fmt.Errorf("failed to read bundle folder '%s': %w", folder, err)
	}
	var items []WorkItem
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		item, err := loadBundle(filepath.Join(folder, entry.Name()), exts, excluded)
		if errors.Is(err, ErrNoImages) {
			continue
		}
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func loadBundle(dir string, exts []string, excluded map[string]struct{}) (WorkItem, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return WorkItem{}, fmt.Errorf("failed to read bundle '%s': %w", dir, err)
	}
	item := WorkItem{Key: filepath.Base(dir)}
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		path := filepath.Join(dir, f.Name())
		switch {
		case hasExtension(f.Name(), exts):
			item.Images = append(item.Images, path)
		case strings.EqualFold(filepath.Ext(f.Name()), ".txt"):
			if isMarked(excluded, path) {
				continue
			}
			text, err := os.ReadFile(path)
			if err != nil {
				return WorkItem{}, fmt.Errorf("failed to read transcript '%s': %w", path, err)
			}
			item.Transcript = string(text)
			item.TranscriptPath = path
		}
	}
	if len(item.Images) == 0 {
		return WorkItem{}, ErrNoImages
	}
	sortFrames(item.Images)
	return item, nil
}

// sortFrames puts extracted stills in time order. Names without a timestamp
// follow in listing order.
func sortFrames(images []string) {
	slices.SortStableFunc(images, func(a, b string) int {
		sa, okA := FrameSecond(a)
		sb, okB := FrameSecond(b)
		switch {
		case okA && okB:
			return cmp.Compare(sa, sb)
		case okA:
			return -1
		case okB:
			return 1
		}
		return 0
	})
}

// EncodeImage returns the file as a base64 data URI.
func EncodeImage(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read image '%s': %w", path, err)
	}
	mimeType := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	if mimeType == "" {
		mimeType = "image/png"
	}
	return fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(data)), nil
}

// BuildRequest assembles the single user message for item: instructions, the
// encoded frames in order, then the transcript if there is one.
func BuildRequest(cfg DispatchConfig, item WorkItem) (openai.ChatCompletionRequest, error) {
	if len(item.Images) == 0 {
		return openai.ChatCompletionRequest{}, fmt.Errorf("%s: %w", item.Key, ErrNoImages)
	}

	parts := []openai.ChatMessagePart{{
		Type: openai.ChatMessagePartTypeText,
		Text: cfg.Prompt,
	}}
	for _, img := range item.Images {
		uri, err := EncodeImage(img)
		if err != nil {
			return openai.ChatCompletionRequest{}, err
		}
		parts = append(parts, openai.ChatMessagePart{
			Type:     openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{URL: uri},
		})
	}
	if item.Transcript != "" {
		parts = append(parts, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeText,
			Text: item.Transcript,
		})
	}

	return openai.ChatCompletionRequest{
		Model: cfg.Model,
		Messages: []openai.ChatCompletionMessage{{
			Role:         openai.ChatMessageRoleUser,
			MultiContent: parts,
		}},
		MaxTokens: cfg.MaxTokens,
	}, nil
}
