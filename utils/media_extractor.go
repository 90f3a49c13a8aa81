package utils

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// shortClipSeconds is the longest clip that gets two frames instead of four.
const shortClipSeconds = 10.0

var (
	shortClipFractions = []float64{0.25, 0.75}
	longClipFractions  = []float64{0.125, 0.375, 0.625, 0.875}
)

// CommandRunner runs an external tool and returns its stdout.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// CommandError carries the stderr of a failed tool invocation.
type CommandError struct {
	Tool   string
	Err    error
	Stderr string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s error: %v\nStderr: %s", e.Tool, e.Err, e.Stderr)
}

func (e *CommandError) Unwrap() error { return e.Err }

func execCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return out, &CommandError{Tool: filepath.Base(name), Err: err, Stderr: stderr.String()}
	}
	return out, nil
}

// ExtractedMedia lists what was written for one video.
type ExtractedMedia struct {
	VideoFile string
	Dir       string
	Duration  float64
	Frames    []string
	AudioFile string
	HasAudio  bool
}

type RealMediaExtractor struct {
	FFmpegPath  string
	FFprobePath string
	Run         CommandRunner
	Logger      *slog.Logger
}

func NewRealMediaExtractor(logger *slog.Logger) *RealMediaExtractor {
	return &RealMediaExtractor{
		FFmpegPath:  "ffmpeg",
		FFprobePath: "ffprobe",
		Run:         execCommand,
		Logger:      logger,
	}
}

// SampleTimestamps returns the frame offsets, in seconds, for a clip of the
// given duration.
func SampleTimestamps(duration float64) []float64 {
	fractions := longClipFractions
	if duration <= shortClipSeconds {
		fractions = shortClipFractions
	}
	stamps := make([]float64, len(fractions))
	for i, f := range fractions {
		stamps[i] = duration * f
	}
	return stamps
}

// FrameFileName names the still taken at the given offset.
func FrameFileName(second float64) string {
	return fmt.Sprintf("frame_%.1fs.png", second)
}

var frameNamePattern = regexp.MustCompile(`^frame_(\d+(?:\.\d+)?)s\.[^.]+$`)

// FrameSecond recovers the offset from a name written by FrameFileName.
func FrameSecond(name string) (float64, bool) {
	m := frameNamePattern.FindStringSubmatch(filepath.Base(name))
	if m == nil {
		return 0, false
	}
	second, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return second, true
}

// ExtractMedia writes the sampled stills and the mp3 track of videoFile into
// a subfolder of outputDir named after the video.
func (e *RealMediaExtractor) ExtractMedia(ctx context.Context, videoFile, outputDir string) (ExtractedMedia, error) {
	if _, err := os.Stat(videoFile); err != nil {
		return ExtractedMedia{}, fmt.Errorf("video file '%s' not accessible: %w", videoFile, err)
	}

	base := strings.TrimSuffix(filepath.Base(videoFile), filepath.Ext(videoFile))
	dir := filepath.Join(outputDir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ExtractedMedia{}, fmt.Errorf("failed to create frame directory '%s': %w", dir, err)
	}

	duration, err := e.probeDuration(ctx, videoFile)
	if err != nil {
		return ExtractedMedia{}, err
	}

	media := ExtractedMedia{VideoFile: videoFile, Dir: dir, Duration: duration}

	audioFile := filepath.Join(dir, base+".mp3")
	hasAudio, err := e.extractAudio(ctx, videoFile, audioFile)
	if err != nil {
		return ExtractedMedia{}, err
	}
	if hasAudio {
		media.AudioFile = audioFile
		media.HasAudio = true
	} else {
		e.logger().Warn("video has no audio stream", "video", videoFile)
	}

	for _, second := range SampleTimestamps(duration) {
		frame := filepath.Join(dir, FrameFileName(second))
		if err := e.extractFrame(ctx, videoFile, second, frame); err != nil {
			removeFiles(append(media.Frames, media.AudioFile))
			return ExtractedMedia{}, err
		}
		media.Frames = append(media.Frames, frame)
	}

	e.logger().Info("extracted media", "video", videoFile, "duration", duration, "frames", len(media.Frames), "audio", media.HasAudio)
	return media, nil
}

func (e *RealMediaExtractor) probeDuration(ctx context.Context, videoFile string) (float64, error) {
	out, err := e.run(ctx, e.ffprobe(), "-v", "error", "-show_entries", "format=duration", "-of", "default=noprint_wrappers=1:nokey=1", videoFile)
	if err != nil {
		return 0, fmt.Errorf("failed to get video duration: %w", err)
	}
	duration, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse video duration %q: %w", strings.TrimSpace(string(out)), err)
	}
	return duration, nil
}

func (e *RealMediaExtractor) extractFrame(ctx context.Context, videoFile string, second float64, frameFile string) error {
	seek := strconv.FormatFloat(second, 'f', -1, 64)
	if _, err := e.run(ctx, e.ffmpeg(), "-ss", seek, "-i", videoFile, "-frames:v", "1", frameFile, "-y"); err != nil {
		return fmt.Errorf("failed to extract frame at %ss: %w", seek, err)
	}
	return nil
}

func (e *RealMediaExtractor) extractAudio(ctx context.Context, videoFile, audioFile string) (bool, error) {
	_, err := e.run(ctx, e.ffmpeg(), "-i", videoFile, "-vn", "-acodec", "libmp3lame", audioFile, "-y")
	if err != nil {
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) && strings.Contains(cmdErr.Stderr, "Output file does not contain any stream") {
			return false, nil // No audio stream, but not an error
		}
		return false, fmt.Errorf("failed to extract audio: %w", err)
	}
	return true, nil
}

func (e *RealMediaExtractor) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	if e.Run == nil {
		return execCommand(ctx, name, args...)
	}
	return e.Run(ctx, name, args...)
}

func (e *RealMediaExtractor) ffmpeg() string {
	if e.FFmpegPath == "" {
		return "ffmpeg"
	}
	return e.FFmpegPath
}

func (e *RealMediaExtractor) ffprobe() string {
	if e.FFprobePath == "" {
		return "ffprobe"
	}
	return e.FFprobePath
}

func (e *RealMediaExtractor) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

// ExtractionMarker is written into a video's subfolder once every frame and
// the audio track are on disk.
const ExtractionMarker = ".extracted"

// ExtractDirectory runs the extractor over every .mp4 in videoDir. Videos whose
// subfolder carries ExtractionMarker are skipped; a subfolder left behind by
// an interrupted run is extracted again.
func ExtractDirectory(ctx context.Context, videoDir, outputDir string, extractor MediaExtractor, logger *slog.Logger) ([]ExtractedMedia, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory '%s': %w", outputDir, err)
	}

	entries, err := os.ReadDir(videoDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read video directory '%s': %w", videoDir, err)
	}

	var results []ExtractedMedia
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".mp4") {
			continue
		}
		base := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		dir := filepath.Join(outputDir, base)
		if _, err := os.Stat(filepath.Join(dir, ExtractionMarker)); err == nil {
			logger.Info("media already extracted, skipping", "video", entry.Name(), "frames", countFiles(dir, []string{".png"}))
			continue
		}
		media, err := extractor.ExtractMedia(ctx, filepath.Join(videoDir, entry.Name()), outputDir)
		if err != nil {
			return results, fmt.Errorf("failed to process video '%s': %w", entry.Name(), err)
		}
		if err := markExtracted(dir); err != nil {
			return results, fmt.Errorf("failed to mark '%s' as extracted: %w", dir, err)
		}
		results = append(results, media)
	}
	return results, nil
}

func removeFiles(paths []string) {
	for _, p := range paths {
		if p != "" {
			os.Remove(p)
		}
	}
}

func markExtracted(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, ExtractionMarker), nil, 0o644)
}

func countFiles(dir string, exts []string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, entry := range entries {
		if !entry.IsDir() && hasExtension(entry.Name(), exts) {
			n++
		}
	}
	return n
}

func hasExtension(name string, exts []string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range exts {
		if ext == strings.ToLower(e) {
			return true
		}
	}
	return false
}
