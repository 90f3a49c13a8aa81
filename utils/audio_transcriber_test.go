package utils

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pemistahl/lingua-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRealAudioTranscriberRequiresAPIKey(t *testing.T) {
	_, err := NewRealAudioTranscriber(OpenAIConfig{}, nil)
	assert.ErrorContains(t, err, "OPENAI_API_KEY")
}

func TestRealAudioTranscriberUploadsFile(t *testing.T) {
	var gotPath, gotModel, gotFormat string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := r.ParseMultipartForm(1 << 20); err == nil {
			gotModel = r.FormValue("model")
			gotFormat = r.FormValue("response_format")
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "  Good morning, how are you today?\n")
	}))
	defer server.Close()

	audio := filepath.Join(t.TempDir(), "clip.mp3")
	require.NoError(t, os.WriteFile(audio, []byte("ID3"), 0o644))

	transcriber, err := NewRealAudioTranscriber(OpenAIConfig{APIKey: "test-key", BaseURL: server.URL + "/v1"}, nil)
	require.NoError(t, err)
	transcriber.detector = lingua.NewLanguageDetectorBuilder().
		FromLanguages(lingua.English, lingua.German).
		Build()

	text, err := transcriber.TranscribeAudio(context.Background(), audio, 0)
	require.NoError(t, err)
	assert.Equal(t, "Good morning, how are you today?", text)
	assert.Equal(t, "/v1/audio/transcriptions", gotPath)
	assert.Equal(t, "whisper-1", gotModel)
	assert.Equal(t, "text", gotFormat)
}

func TestRealAudioTranscriberSplitsLongAudio(t *testing.T) {
	var chunks []string
	transcriber := &RealAudioTranscriber{
		Run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			switch name {
			case "ffprobe":
				return []byte("650.5\n"), nil
			case "ffmpeg":
				out := args[len(args)-2]
				chunks = append(chunks, filepath.Base(out))
				return nil, os.WriteFile(out, []byte("wav"), 0o644)
			}
			return nil, errors.New("unexpected tool")
		},
	}

	audio := filepath.Join(t.TempDir(), "long.mp3")
	got, err := transcriber.splitAudio(context.Background(), audio, DefaultChunkDuration)
	require.NoError(t, err)
	assert.Equal(t, []string{"long_chunk_0.wav", "long_chunk_1.wav", "long_chunk_2.wav"}, chunks)
	assert.Len(t, got, 3)

	chunks = nil
	runTool := transcriber.Run
	transcriber.Run = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		if name == "ffprobe" {
			return []byte("600.000000\n"), nil
		}
		return runTool(ctx, name, args...)
	}
	exact, err := transcriber.splitAudio(context.Background(), audio, DefaultChunkDuration)
	require.NoError(t, err)
	assert.Equal(t, []string{"long_chunk_0.wav", "long_chunk_1.wav"}, chunks, "no empty trailing chunk")
	assert.Len(t, exact, 2)

	short, err := transcriber.splitAudio(context.Background(), audio, 20*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{audio}, short)
}

func TestTranscribeDirectory(t *testing.T) {
	dir := t.TempDir()
	processed := filepath.Join(dir, "audio_processed.txt")
	videos := filepath.Join(dir, "frames")
	writeFile(t, filepath.Join(videos, "clip01", "clip01.mp3"), "a")
	writeFile(t, filepath.Join(videos, "clip02", "clip02.mp3"), "b")
	writeFile(t, filepath.Join(videos, "clip03", "frame_1.5s.png"), "c")
	require.NoError(t, os.WriteFile(processed, []byte("clip02\n"), 0o644))

	var calls []string
	transcriber := &MockAudioTranscriber{
		TranscribeAudioFunc: func(ctx context.Context, audioFile string, maxDuration time.Duration) (string, error) {
			calls = append(calls, filepath.Base(audioFile))
			assert.Equal(t, DefaultChunkDuration, maxDuration)
			return "hello from " + strings.TrimSuffix(filepath.Base(audioFile), ".mp3"), nil
		},
	}

	n, err := TranscribeDirectory(context.Background(), videos, processed, transcriber, DefaultChunkDuration, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"clip01.mp3"}, calls)

	text, err := os.ReadFile(filepath.Join(videos, "clip01", "clip01.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello from clip01", string(text))

	lines, err := ReadLines(processed)
	require.NoError(t, err)
	assert.Equal(t, []string{"clip02", "clip01"}, lines)

	n, err = TranscribeDirectory(context.Background(), videos, processed, transcriber, DefaultChunkDuration, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, calls, 1)
}

func TestTranscribeDirectoryStopsOnError(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "clip01", "clip01.mp3"), "a")

	transcriber := &MockAudioTranscriber{
		TranscribeAudioFunc: func(ctx context.Context, audioFile string, maxDuration time.Duration) (string, error) {
			return "", errors.New("quota exceeded")
		},
	}
	_, err := TranscribeDirectory(context.Background(), dir, filepath.Join(t.TempDir(), "processed.txt"), transcriber, 0, nil)
	assert.ErrorContains(t, err, "quota exceeded")
}

func TestTranscribeDirectoryRecordsBundleOnceAllTracksAreDone(t *testing.T) {
	dir := t.TempDir()
	processed := filepath.Join(dir, "audio_processed.txt")
	videos := filepath.Join(dir, "frames")
	writeFile(t, filepath.Join(videos, "clip01", "part1.mp3"), "a")
	writeFile(t, filepath.Join(videos, "clip01", "part2.mp3"), "b")

	failSecond := true
	transcriber := &MockAudioTranscriber{
		TranscribeAudioFunc: func(ctx context.Context, audioFile string, maxDuration time.Duration) (string, error) {
			if failSecond && filepath.Base(audioFile) == "part2.mp3" {
				return "", errors.New("connection reset")
			}
			return "text of " + filepath.Base(audioFile), nil
		},
	}

	_, err := TranscribeDirectory(context.Background(), videos, processed, transcriber, 0, nil)
	require.Error(t, err)
	lines, err := ReadLines(processed)
	require.NoError(t, err)
	assert.Empty(t, lines, "bundle with a failed track stays pending")

	failSecond = false
	n, err := TranscribeDirectory(context.Background(), videos, processed, transcriber, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	lines, err = ReadLines(processed)
	require.NoError(t, err)
	assert.Equal(t, []string{"clip01"}, lines)
}
