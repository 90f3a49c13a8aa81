package utils

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarkTranscripts(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a", "a.txt"), "Thanks for watching!\nmore")
	writeFile(t, filepath.Join(dir, "b", "b.txt"), "I said thanks for watching")
	writeFile(t, filepath.Join(dir, "c", "c.txt"), "  THANK YOU FOR WATCHING")
	writeFile(t, filepath.Join(dir, "d", "d.txt"), "")
	writeFile(t, filepath.Join(dir, "top.txt"), "Thanks for watching")

	marked, err := MarkTranscripts(dir, DefaultMarkPhrases)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "a", "a"),
		filepath.Join(dir, "c", "c"),
	}, marked)
}

func TestMarkedIndexRoundTrip(t *testing.T) {
	dir := t.TempDir()
	index := filepath.Join(dir, "marked_files_index.txt")

	require.NoError(t, WriteMarkedIndex(index, nil))
	_, err := os.Stat(index)
	assert.True(t, os.IsNotExist(err), "empty result should not create the index")

	loaded, err := LoadMarkedIndex(index)
	require.NoError(t, err)
	assert.Empty(t, loaded)

	marked := []string{filepath.Join(dir, "a", "a")}
	require.NoError(t, WriteMarkedIndex(index, marked))
	loaded, err = LoadMarkedIndex(index)
	require.NoError(t, err)

	assert.True(t, isMarked(loaded, filepath.Join(dir, "a", "a.txt")))
	assert.True(t, isMarked(loaded, filepath.Join(dir, "a", "a")))
	assert.False(t, isMarked(loaded, filepath.Join(dir, "b", "b.txt")))
}

func TestMarkTranscriptsReadsLongSingleLineTranscript(t *testing.T) {
	dir := t.TempDir()
	long := strings.Repeat("word ", 20000)
	writeFile(t, filepath.Join(dir, "a", "a.txt"), "Thanks for watching. "+long)
	writeFile(t, filepath.Join(dir, "b", "b.txt"), long)

	marked, err := MarkTranscripts(dir, DefaultMarkPhrases)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "a", "a")}, marked)
}
