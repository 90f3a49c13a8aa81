package utils

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pemistahl/lingua-go"
	openai "github.com/sashabaranov/go-openai"
)

// DefaultChunkDuration keeps uploads under the transcription endpoint's size limit.
const DefaultChunkDuration = 5 * time.Minute

type RealAudioTranscriber struct {
	client   *openai.Client
	Model    string
	Run      CommandRunner
	Logger   *slog.Logger
	detector lingua.LanguageDetector
}

func NewRealAudioTranscriber(cfg OpenAIConfig, logger *slog.Logger) (*RealAudioTranscriber, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY environment variable is not set")
	}
	return &RealAudioTranscriber{
		client: openai.NewClientWithConfig(cfg.clientConfig(nil)),
		Model:  cfg.TranscriptionModel,
		Run:    execCommand,
		Logger: logger,
	}, nil
}

func (t *RealAudioTranscriber) TranscribeAudio(ctx context.Context, audioFile string, maxDuration time.Duration) (string, error) {
	chunks, err := t.splitAudio(ctx, audioFile, maxDuration)
	if err != nil {
		return "", fmt.Errorf("failed to split audio: %w", err)
	}

	var fullTranscription strings.Builder
	for _, chunk := range chunks {
		req := openai.AudioRequest{
			Model:    t.model(),
			FilePath: chunk,
			Format:   openai.AudioResponseFormatText,
		}
		resp, err := t.client.CreateTranscription(ctx, req)
		if chunk != audioFile {
			os.Remove(chunk)
		}
		if err != nil {
			return "", fmt.Errorf("transcription error: %w", err)
		}
		fullTranscription.WriteString(strings.TrimSpace(resp.Text))
		fullTranscription.WriteString(" ")
	}

	transcription := strings.TrimSpace(fullTranscription.String())
	if transcription != "" {
		if language, ok := t.languageDetector().DetectLanguageOf(transcription); ok {
			t.logger().Debug("detected transcription language", "audio", audioFile, "language", language.String())
		}
	}
	return transcription, nil
}

// splitAudio returns audioFile itself when it fits in one request, otherwise
// wav chunks of at most maxDuration next to it.
func (t *RealAudioTranscriber) splitAudio(ctx context.Context, audioFile string, maxDuration time.Duration) ([]string, error) {
	if maxDuration <= 0 {
		return []string{audioFile}, nil
	}
	duration, err := t.audioDuration(ctx, audioFile)
	if err != nil {
		return nil, err
	}
	if duration <= maxDuration {
		return []string{audioFile}, nil
	}

	var chunks []string
	numChunks := int((duration + maxDuration - 1) / maxDuration)
	for i := 0; i < numChunks; i++ {
		start := time.Duration(i) * maxDuration
		chunkFile := fmt.Sprintf("%s_chunk_%d.wav", strings.TrimSuffix(audioFile, filepath.Ext(audioFile)), i)
		_, err := t.run(ctx, "ffmpeg", "-i", audioFile, "-ss", fmt.Sprintf("%f", start.Seconds()), "-t", fmt.Sprintf("%f", maxDuration.Seconds()), "-acodec", "pcm_s16le", "-ar", "16000", "-ac", "1", chunkFile, "-y")
		if err != nil {
			return chunks, fmt.Errorf("failed to create audio chunk: %w", err)
		}
		chunks = append(chunks, chunkFile)
	}
	return chunks, nil
}

func (t *RealAudioTranscriber) audioDuration(ctx context.Context, audioFile string) (time.Duration, error) {
	output, err := t.run(ctx, "ffprobe", "-v", "error", "-show_entries", "format=duration", "-of", "default=noprint_wrappers=1:nokey=1", audioFile)
	if err != nil {
		return 0, fmt.Errorf("failed to get audio duration: %w", err)
	}
	duration, err := time.ParseDuration(strings.TrimSpace(string(output)) + "s")
	if err != nil {
		return 0, fmt.Errorf("failed to parse audio duration: %w", err)
	}
	return duration, nil
}

func (t *RealAudioTranscriber) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	if t.Run == nil {
		return execCommand(ctx, name, args...)
	}
	return t.Run(ctx, name, args...)
}

func (t *RealAudioTranscriber) model() string {
	if t.Model == "" {
		return openai.Whisper1
	}
	return t.Model
}

func (t *RealAudioTranscriber) languageDetector() lingua.LanguageDetector {
	if t.detector == nil {
		t.detector = lingua.NewLanguageDetectorBuilder().FromAllLanguages().Build()
	}
	return t.detector
}

func (t *RealAudioTranscriber) logger() *slog.Logger {
	if t.Logger == nil {
		return slog.Default()
	}
	return t.Logger
}

// TranscribeDirectory transcribes the .mp3 files of every bundle subfolder of
// folder into sibling .txt files. A subfolder is recorded in processedFile
// once all of its tracks are done and is skipped on later runs.
func TranscribeDirectory(ctx context.Context, folder, processedFile string, transcriber AudioTranscriber, maxDuration time.Duration, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	start := time.Now()

	processed, err := LoadProgressLog(processedFile)
	if err != nil {
		return 0, err
	}

	entries, err := os.ReadDir(folder)
	if err != nil {
		return 0, fmt.Errorf("failed to read folder '%s': %w", folder, err)
	}

	count := 0
	for _, entry := range entries {
		if !entry.IsDir() || processed.Contains(entry.Name()) {
			continue
		}
		dir := filepath.Join(folder, entry.Name())
		files, err := os.ReadDir(dir)
		if err != nil {
			return count, fmt.Errorf("failed to read bundle '%s': %w", dir, err)
		}
		tracks := 0
		for _, f := range files {
			if f.IsDir() || !strings.EqualFold(filepath.Ext(f.Name()), ".mp3") {
				continue
			}
			audioFile := filepath.Join(dir, f.Name())
			text, err := transcriber.TranscribeAudio(ctx, audioFile, maxDuration)
			if err != nil {
				return count, fmt.Errorf("failed to transcribe '%s': %w", audioFile, err)
			}
			textFile := strings.TrimSuffix(audioFile, filepath.Ext(audioFile)) + ".txt"
			if err := os.WriteFile(textFile, []byte(text), 0o644); err != nil {
				return count, fmt.Errorf("failed to write transcript '%s': %w", textFile, err)
			}
			tracks++
			count++
			logger.Info("transcribed and saved", "transcript", textFile)
		}
		if tracks > 0 {
			if err := processed.Append(entry.Name()); err != nil {
				return count, err
			}
		}
	}

	logger.Info("transcription finished", "files", count, "elapsed", time.Since(start).Round(time.Millisecond))
	return count, nil
}
