package utils

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// UnparsedKeys returns the keys of the table rows that carry no score at all.
// Keys must be attached to the table first.
func UnparsedKeys(t *ScoreTable) []string {
	var keys []string
	for _, i := range t.EmptyRows() {
		if key := t.Key(i); key != "" {
			keys = append(keys, key)
		}
	}
	return keys
}

// RequeueItems copies the named work items, files or bundle folders, from
// source into target so they can be rated again. Keys missing from source
// are logged and skipped.
func RequeueItems(keys []string, source, target string, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(target, 0o755); err != nil {
		return 0, fmt.Errorf("failed to create target folder '%s': %w", target, err)
	}

	copied := 0
	for _, key := range keys {
		src := filepath.Join(source, key)
		dst := filepath.Join(target, key)
		info, err := os.Stat(src)
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn("item not found in source folder", "item", key, "source", source)
			continue
		}
		if err != nil {
			return copied, fmt.Errorf("failed to stat '%s': %w", src, err)
		}

		if info.IsDir() {
			err = os.CopyFS(dst, os.DirFS(src))
		} else {
			err = copyFile(src, dst)
		}
		if err != nil {
			return copied, fmt.Errorf("failed to copy '%s' to '%s': %w", src, dst, err)
		}
		copied++
		logger.Info("item copied for another pass", "item", key, "target", target)
	}
	return copied, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
