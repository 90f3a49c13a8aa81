package utils

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// DefaultMarkPhrases are the openings Whisper tends to invent for silent or
// music-only audio.
var DefaultMarkPhrases = []string{"thanks for watching", "thank you for watching"}

// MarkTranscripts returns the transcripts under folder (one level of bundle
// subfolders) whose first line starts with one of phrases, ignoring case.
// Paths are returned without the .txt extension.
func MarkTranscripts(folder string, phrases []string) ([]string, error) {
	entries, err := os.ReadDir(folder)
	if err != nil {
		return nil, fmt.Errorf("failed to read folder '%s': %w", folder, err)
	}
	var marked []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(folder, entry.Name())
		files, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("failed to read bundle '%s': %w", dir, err)
		}
		for _, f := range files {
			if f.IsDir() || !strings.EqualFold(filepath.Ext(f.Name()), ".txt") {
				continue
			}
			path := filepath.Join(dir, f.Name())
			first, err := firstLine(path)
			if err != nil {
				return nil, err
			}
			if startsWithAny(first, phrases) {
				marked = append(marked, strings.TrimSuffix(path, filepath.Ext(path)))
			}
		}
	}
	return marked, nil
}

func firstLine(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open transcript '%s': %w", path, err)
	}
	defer file.Close()
	line, err := bufio.NewReader(file).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read transcript '%s': %w", path, err)
	}
	return strings.TrimSpace(line), nil
}

func startsWithAny(line string, phrases []string) bool {
	line = strings.ToLower(line)
	for _, p := range phrases {
		if p != "" && strings.HasPrefix(line, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// WriteMarkedIndex replaces the index file with marked. Nothing is written
// when marked is empty.
func WriteMarkedIndex(path string, marked []string) error {
	if len(marked) == 0 {
		return nil
	}
	var b strings.Builder
	for _, m := range marked {
		b.WriteString(m)
		b.WriteByte('\n')
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("failed to write marked index '%s': %w", path, err)
	}
	return nil
}

// LoadMarkedIndex reads the exclusion index. A missing file excludes nothing.
func LoadMarkedIndex(path string) (map[string]struct{}, error) {
	lines, err := ReadLines(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read marked index '%s': %w", path, err)
	}
	set := make(map[string]struct{}, len(lines))
	for _, l := range lines {
		set[filepath.Clean(l)] = struct{}{}
	}
	return set, nil
}

// isMarked matches a transcript path against the index with or without its
// extension.
func isMarked(index map[string]struct{}, path string) bool {
	if len(index) == 0 {
		return false
	}
	path = filepath.Clean(path)
	if _, ok := index[path]; ok {
		return true
	}
	_, ok := index[strings.TrimSuffix(path, filepath.Ext(path))]
	return ok
}
