package utils

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ProgressLog is the append-only list of completed work item keys. Lines are
// never rewritten, so a crash can lose at most the item in flight.
type ProgressLog struct {
	path string
	done map[string]struct{}
}

// LoadProgressLog reads the keys recorded so far. A missing file is an empty log.
func LoadProgressLog(path string) (*ProgressLog, error) {
	keys, err := ReadLines(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read progress log '%s': %w", path, err)
	}
	p := &ProgressLog{path: path, done: make(map[string]struct{}, len(keys))}
	for _, key := range keys {
		p.done[key] = struct{}{}
	}
	return p, nil
}

func (p *ProgressLog) Path() string { return p.path }

func (p *ProgressLog) Len() int { return len(p.done) }

func (p *ProgressLog) Contains(key string) bool {
	_, ok := p.done[key]
	return ok
}

// Append records key as completed.
func (p *ProgressLog) Append(key string) error {
	if err := appendToFile(p.path, []byte(key+"\n")); err != nil {
		return fmt.Errorf("failed to append to progress log: %w", err)
	}
	p.done[key] = struct{}{}
	return nil
}

// ResponseLog accumulates raw API replies as concatenated, indented JSON
// objects. The file as a whole is not a JSON document.
type ResponseLog struct {
	path string
}

func NewResponseLog(path string) *ResponseLog {
	return &ResponseLog{path: path}
}

func (r *ResponseLog) Path() string { return r.path }

// Append writes one reply. Bodies that are not JSON are written unchanged.
func (r *ResponseLog) Append(raw json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "    "); err != nil {
		buf.Reset()
		buf.Write(bytes.TrimSpace(raw))
	}
	buf.WriteByte('\n')
	if err := appendToFile(r.path, buf.Bytes()); err != nil {
		return fmt.Errorf("failed to append to response log: %w", err)
	}
	return nil
}

func appendToFile(path string, data []byte) error {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// ReadLines returns the trimmed, non-empty lines of a text file. A missing
// file yields no lines.
func ReadLines(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines, scanner.Err()
}
