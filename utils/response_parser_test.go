package utils

import (
	"bytes"
	"encoding/csv"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseScores(t *testing.T) {
	row := ParseScores("Dominant:80\nWarm: 45 (estimate)\nnot a line", DefaultRefusalMarker)

	assert.Equal(t, []string{"Dominant", "Warm"}, row.Features)
	assert.Equal(t, map[string]float64{"Dominant": 80, "Warm": 45}, row.Scores)
	assert.False(t, row.Unavailable)
}

func TestParseScoresSeparators(t *testing.T) {
	text := strings.Join([]string{
		"Socially competent: 70",
		"Eating / drinking | 5",
		"Feeling calm\t60",
		"Kissing / hugging / cuddling, 0",
		"  Old : 35 ( rough guess )  ",
		"Moving their head: high",
		"",
	}, "\r\n")

	row := ParseScores(text, DefaultRefusalMarker)

	assert.Equal(t, []string{"Socially competent", "Eating / drinking", "Feeling calm", "Kissing / hugging / cuddling", "Old"}, row.Features)
	assert.Equal(t, 0.0, row.Scores["Kissing / hugging / cuddling"])
	assert.Equal(t, 35.0, row.Scores["Old"])
	_, ok := row.Value("Moving their head")
	assert.False(t, ok)
}

func TestParseScoresUnconvertibleScoreIsNaN(t *testing.T) {
	row := ParseScores("Brave: 1"+strings.Repeat("9", 400), DefaultRefusalMarker)

	v, ok := row.Value("Brave")
	require.True(t, ok)
	assert.True(t, math.IsNaN(v))
}

func TestParseScoresRefusal(t *testing.T) {
	row := ParseScores("  {I'm sorry} I can't help with that.\nDominant: 50", DefaultRefusalMarker)

	assert.True(t, row.Unavailable)
	assert.Equal(t, []string{UnavailableColumn}, row.Features)
	assert.True(t, math.IsNaN(row.Scores[UnavailableColumn]))

	plain := ParseScores("I'm sorry, I can't help with that.", DefaultRefusalMarker)
	assert.False(t, plain.Unavailable)
	assert.Empty(t, plain.Features)
}

const prettyLog = `{
    "id": "chatcmpl-1",
    "choices": [
        {
            "message": {
                "role": "assistant",
                "content": "Dominant: 10\nWarm: 20"
            }
        }
    ],
    "meta": {
        "note": "a } brace and a { brace in a string",
        "nested": {
}
    }
}
{
    "error": {
        "message": "Rate limit reached",
        "type": "requests"
    }
}
`

func TestReadResponseLogTracksNesting(t *testing.T) {
	objects, err := ReadResponseLog(strings.NewReader(prettyLog), nil)
	require.NoError(t, err)
	require.Len(t, objects, 2)

	text, ok := ExtractContent(objects[0])
	assert.True(t, ok)
	assert.Equal(t, "Dominant: 10\nWarm: 20", text)

	text, ok = ExtractContent(objects[1])
	assert.True(t, ok)
	assert.Equal(t, "Rate limit reached", text)
}

func TestReadResponseLogSkipsMalformedFragments(t *testing.T) {
	log := strings.Join([]string{
		"garbage before anything",
		`{"choices": [{"message": {"content": "A: 1"}}], oops}`,
		`{"choices": [{"message": {"content": "B: 2"}}]}`,
		"{",
		`    "choices": [`,
		"{",
		`    "error": {"message": "after truncation"}`,
		"}",
		`{"choices": [{"message": {"content": "unterminated`,
		`{"choices": [{"message": {"content": "C: 3"}}]}`,
		"}",
		`{"choices": []`,
	}, "\n")

	objects, err := ReadResponseLog(strings.NewReader(log), nil)
	require.NoError(t, err)

	var texts []string
	for _, obj := range objects {
		text, ok := ExtractContent(obj)
		require.True(t, ok)
		texts = append(texts, text)
	}
	assert.Equal(t, []string{"B: 2", "after truncation", "C: 3"}, texts)
}

func TestExtractContentShapes(t *testing.T) {
	tests := []struct {
		name string
		obj  string
		want string
		ok   bool
	}{
		{"choice", `{"choices":[{"message":{"content":"Shy: 3"}}]}`, "Shy: 3", true},
		{"error with message", `{"error":{"message":"bad request"}}`, "bad request", true},
		{"error without message", `{"error":{"code":"x"}}`, "", true},
		{"empty choices", `{"choices":[]}`, "", false},
		{"null content", `{"choices":[{"message":{"content":null}}]}`, "", false},
		{"other", `{"object":"list"}`, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractContent([]byte(tt.obj))
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestScoreTableUnionAndCSV(t *testing.T) {
	table := NewScoreTable([]ScoreRow{
		ParseScores("Dominant: 80\nWarm: 0", ""),
		ParseScores("Warm: 45\nKind: 70", ""),
		ParseScores("{I'm sorry}", DefaultRefusalMarker),
	})

	assert.Equal(t, []string{"Dominant", "Warm", "Kind", UnavailableColumn}, table.Columns)

	v, ok := table.Cell(0, "Warm")
	assert.True(t, ok, "a zero rating is a value")
	assert.Equal(t, 0.0, v)
	_, ok = table.Cell(1, "Dominant")
	assert.False(t, ok, "an absent feature is missing")

	table.Keys = []string{"clip1", "clip2", "clip3"}
	var buf bytes.Buffer
	require.NoError(t, table.WriteCSV(&buf))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	assert.Equal(t, [][]string{
		{"item", "Dominant", "Warm", "Kind", UnavailableColumn},
		{"clip1", "80", "0", "", ""},
		{"clip2", "", "45", "70", ""},
		{"clip3", "", "", "", ""},
	}, records)
}

func TestScoreTableEmptyRowsAndColumns(t *testing.T) {
	table := NewScoreTable([]ScoreRow{
		ParseScores("Dominant: 80", DefaultRefusalMarker),
		ParseScores("{I'm sorry}", DefaultRefusalMarker),
		ParseScores("nothing to see", DefaultRefusalMarker),
	})
	table.Keys = []string{"a.png", "b.png", "c.png"}

	dropped := table.DropEmptyColumns()
	assert.Equal(t, []string{UnavailableColumn}, dropped)
	assert.Equal(t, []string{"Dominant"}, table.Columns)
	assert.Equal(t, []int{1, 2}, table.EmptyRows())
	assert.Equal(t, []string{"b.png", "c.png"}, UnparsedKeys(table))
}

func TestParseResponseLogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "responses.json")
	responses := NewResponseLog(path)
	require.NoError(t, responses.Append(okReply("Dominant: 80\nWarm: 45 (estimate)")))
	require.NoError(t, responses.Append([]byte(`{"error":{"message":"{I'm sorry} no"}}`)))
	require.NoError(t, responses.Append([]byte(`{"object":"unexpected"}`)))

	table, err := ParseResponseLog(path, DefaultRefusalMarker, nil)
	require.NoError(t, err)
	require.Len(t, table.Rows, 2)
	assert.True(t, table.Rows[1].Unavailable)

	csvPath := filepath.Join(t.TempDir(), "scores.csv")
	require.NoError(t, table.WriteCSVFile(csvPath))
	data, err := os.ReadFile(csvPath)
	require.NoError(t, err)
	assert.Equal(t, "Dominant,Warm,Data Unavailable\n80,45,\n,,\n", string(data))
}

func TestCoverage(t *testing.T) {
	vocabulary := []string{"Dominant", "Warm", "Kind", "Shy"}
	row := ParseScores("Dominant: 80\nWarm: 145\nKind: 1"+strings.Repeat("0", 400)+"\nGrumpy: 5", "")

	report := Coverage(row, vocabulary)

	assert.Equal(t, []string{"Dominant"}, report.Matched)
	assert.Equal(t, []string{"Shy"}, report.Missing)
	assert.Equal(t, []string{"Kind"}, report.Unreadable)
	assert.Equal(t, []string{"Warm"}, report.OutOfRange)
	assert.Equal(t, []string{"Grumpy"}, report.Unknown)
	assert.False(t, report.Complete())

	var full []string
	for _, f := range FeatureVocabulary {
		full = append(full, f+": 50")
	}
	assert.True(t, Coverage(ParseScores(strings.Join(full, "\n"), ""), FeatureVocabulary).Complete())
}
