package utils

import (
	"context"
	"encoding/json"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

type MockMediaExtractor struct {
	ExtractMediaFunc func(ctx context.Context, videoFile, outputDir string) (ExtractedMedia, error)
}

func (m *MockMediaExtractor) ExtractMedia(ctx context.Context, videoFile, outputDir string) (ExtractedMedia, error) {
	return m.ExtractMediaFunc(ctx, videoFile, outputDir)
}

type MockAudioTranscriber struct {
	TranscribeAudioFunc func(ctx context.Context, audioFile string, maxDuration time.Duration) (string, error)
}

func (m *MockAudioTranscriber) TranscribeAudio(ctx context.Context, audioFile string, maxDuration time.Duration) (string, error) {
	return m.TranscribeAudioFunc(ctx, audioFile, maxDuration)
}

type MockRatingClient struct {
	RateItemFunc func(ctx context.Context, req openai.ChatCompletionRequest) (json.RawMessage, error)
}

func (m *MockRatingClient) RateItem(ctx context.Context, req openai.ChatCompletionRequest) (json.RawMessage, error) {
	return m.RateItemFunc(ctx, req)
}
