package utils

import (
	"context"
	"encoding/json"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

type MediaExtractor interface {
	ExtractMedia(ctx context.Context, videoFile, outputDir string) (ExtractedMedia, error)
}

type AudioTranscriber interface {
	TranscribeAudio(ctx context.Context, audioFile string, maxDuration time.Duration) (string, error)
}

// RatingClient submits one rating request and returns the verbatim reply body.
// An error means the attempt failed and may be retried.
type RatingClient interface {
	RateItem(ctx context.Context, req openai.ChatCompletionRequest) (json.RawMessage, error)
}
