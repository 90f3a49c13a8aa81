package utils

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

const (
	// DefaultRefusalMarker is the prefix that marks a reply as a refusal.
	// TODO: confirm the intended marker with the experiment owners; the braces
	// make a match against real model output unlikely.
	DefaultRefusalMarker = "{I'm sorry}"

	// UnavailableColumn is the only column of a refused row.
	UnavailableColumn = "Data Unavailable"
)

var scoreLine = regexp.MustCompile(`^(.+?)[\t|:,\s]+\s*(\d+)\s*(?:\(\s*[^)]*\))?\s*$`)

// ReadResponseLog splits a response log into its JSON objects. Objects are
// delimited by tracking brace depth outside of strings, so nested
// pretty-printed objects are kept whole. A fragment that does not parse is
// dropped and reading resumes on the next line; so is an unterminated
// fragment at the end of the log.
func ReadResponseLog(r io.Reader, logger *slog.Logger) ([]json.RawMessage, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &logSplitter{logger: logger}
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			s.feed(line)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return s.objects, fmt.Errorf("failed to read response log: %w", err)
		}
	}
	if s.frag.Len() > 0 {
		s.discard("truncated at end of log")
	}
	return s.objects, nil
}

type logSplitter struct {
	logger  *slog.Logger
	objects []json.RawMessage
	frag    bytes.Buffer
	depth   int
	line    int
	start   int
}

func (s *logSplitter) feed(line string) {
	s.line++
	trimmed := strings.TrimSpace(line)

	// An unindented opening brace always starts a new top-level object.
	if s.frag.Len() > 0 && strings.HasPrefix(line, "{") {
		s.discard("unterminated object")
	}
	if s.frag.Len() == 0 {
		if !strings.HasPrefix(trimmed, "{") {
			if trimmed != "" {
				s.logger.Debug("skipping stray line in response log", "line", s.line)
			}
			return
		}
		s.start = s.line
	}

	delta, unterminated := braceDelta(trimmed)
	s.frag.WriteString(trimmed)
	s.frag.WriteByte('\n')
	s.depth += delta

	switch {
	case unterminated:
		s.discard("string spans a line break")
	case s.depth < 0:
		s.discard("unbalanced closing brace")
	case s.depth == 0:
		obj := bytes.TrimSpace(s.frag.Bytes())
		if !json.Valid(obj) {
			s.discard("invalid JSON")
			return
		}
		s.objects = append(s.objects, json.RawMessage(bytes.Clone(obj)))
		s.frag.Reset()
	}
}

func (s *logSplitter) discard(reason string) {
	s.logger.Warn("discarding malformed response fragment", "start_line", s.start, "end_line", s.line, "reason", reason)
	s.frag.Reset()
	s.depth = 0
}

// braceDelta returns the net change in object depth for one line, ignoring
// braces inside strings, and whether the line ends inside a string.
func braceDelta(line string) (int, bool) {
	delta := 0
	inString, escaped := false, false
	for i := 0; i < len(line); i++ {
		c := line[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			delta++
		case '}':
			delta--
		}
	}
	return delta, inString
}

// ExtractContent returns the text a reply carries: the message of an error
// payload, or the content of the first choice. Other shapes yield false.
func ExtractContent(obj json.RawMessage) (string, bool) {
	doc := gjson.ParseBytes(obj)
	if errObj := doc.Get("error"); errObj.Exists() {
		return errObj.Get("message").String(), true
	}
	content := doc.Get("choices.0.message.content")
	if content.Type == gjson.String {
		return content.String(), true
	}
	return "", false
}

// ScoreRow is the parsed rating of one work item. A feature that matched
// but whose score did not convert holds NaN.
type ScoreRow struct {
	Features    []string
	Scores      map[string]float64
	Unavailable bool
}

func (r ScoreRow) Value(feature string) (float64, bool) {
	v, ok := r.Scores[feature]
	return v, ok
}

func (r *ScoreRow) set(feature string, v float64) {
	if _, seen := r.Scores[feature]; !seen {
		r.Features = append(r.Features, feature)
	}
	r.Scores[feature] = v
}

// ParseScores reads "<feature><separator><score>" lines out of a reply. Lines
// that do not match contribute nothing. A reply that starts with
// refusalMarker becomes a row holding only UnavailableColumn.
func ParseScores(text, refusalMarker string) ScoreRow {
	row := ScoreRow{Scores: map[string]float64{}}
	if refusalMarker != "" && strings.HasPrefix(strings.TrimSpace(text), refusalMarker) {
		row.Unavailable = true
		row.set(UnavailableColumn, math.NaN())
		return row
	}

	for _, line := range strings.Split(text, "\n") {
		m := scoreLine.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		feature := strings.TrimSpace(m[1])
		score, err := strconv.ParseFloat(m[2], 64)
		if err != nil || math.IsInf(score, 0) {
			score = math.NaN()
		}
		row.set(feature, score)
	}
	return row
}

// ParseResponseLog reads the log at path and parses every reply into a row.
func ParseResponseLog(path, refusalMarker string, logger *slog.Logger) (*ScoreTable, error) {
	if logger == nil {
		logger = slog.Default()
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open response log '%s': %w", path, err)
	}
	defer file.Close()

	objects, err := ReadResponseLog(file, logger)
	if err != nil {
		return nil, err
	}

	var rows []ScoreRow
	for i, obj := range objects {
		text, ok := ExtractContent(obj)
		if !ok {
			logger.Debug("reply has no content, skipping", "object", i)
			continue
		}
		rows = append(rows, ParseScores(text, refusalMarker))
	}
	logger.Info("parsed response log", "objects", len(objects), "rows", len(rows))
	return NewScoreTable(rows), nil
}

// ScoreTable lines rows up under the union of their features, in order of
// first appearance. Cells a row does not have are missing, never zero.
type ScoreTable struct {
	Columns []string
	Rows    []ScoreRow
	Keys    []string
}

func NewScoreTable(rows []ScoreRow) *ScoreTable {
	t := &ScoreTable{Rows: rows}
	seen := map[string]struct{}{}
	for _, row := range rows {
		for _, f := range row.Features {
			if _, ok := seen[f]; !ok {
				seen[f] = struct{}{}
				t.Columns = append(t.Columns, f)
			}
		}
	}
	return t
}

// Cell returns the value at (row, column); ok is false when the cell is
// missing or its score was unreadable.
func (t *ScoreTable) Cell(row int, column string) (float64, bool) {
	v, ok := t.Rows[row].Value(column)
	if !ok || math.IsNaN(v) {
		return math.NaN(), false
	}
	return v, true
}

// DropEmptyColumns removes columns that have no value in any row.
func (t *ScoreTable) DropEmptyColumns() []string {
	var kept, dropped []string
	for _, col := range t.Columns {
		empty := true
		for i := range t.Rows {
			if _, ok := t.Cell(i, col); ok {
				empty = false
				break
			}
		}
		if empty {
			dropped = append(dropped, col)
		} else {
			kept = append(kept, col)
		}
	}
	t.Columns = kept
	return dropped
}

// EmptyRows returns the indexes of rows with no value in any column.
func (t *ScoreTable) EmptyRows() []int {
	var empty []int
	for i := range t.Rows {
		hasValue := false
		for _, col := range t.Columns {
			if _, ok := t.Cell(i, col); ok {
				hasValue = true
				break
			}
		}
		if !hasValue {
			empty = append(empty, i)
		}
	}
	return empty
}

// Key returns the work item key of row i, or "" when keys were not attached.
func (t *ScoreTable) Key(i int) string {
	if i < len(t.Keys) {
		return t.Keys[i]
	}
	return ""
}

// WriteCSV writes one line per row. Missing cells are left empty. When keys
// are attached an "item" column comes first.
func (t *ScoreTable) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	withKeys := len(t.Keys) > 0

	header := make([]string, 0, len(t.Columns)+1)
	if withKeys {
		header = append(header, "item")
	}
	header = append(header, t.Columns...)
	if err := cw.Write(header); err != nil {
		return err
	}

	for i := range t.Rows {
		record := make([]string, 0, len(header))
		if withKeys {
			record = append(record, t.Key(i))
		}
		for _, col := range t.Columns {
			if v, ok := t.Cell(i, col); ok {
				record = append(record, strconv.FormatFloat(v, 'f', -1, 64))
			} else {
				record = append(record, "")
			}
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteCSVFile writes the table to path, replacing any existing file.
func (t *ScoreTable) WriteCSVFile(path string) (err error) {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create csv '%s': %w", path, err)
	}
	defer func() {
		err = errors.Join(err, file.Close())
	}()
	if err := t.WriteCSV(file); err != nil {
		return fmt.Errorf("failed to write csv '%s': %w", path, err)
	}
	return nil
}

// CoverageReport compares one row against the feature vocabulary.
type CoverageReport struct {
	Matched    []string
	Missing    []string
	Unknown    []string
	Unreadable []string
	OutOfRange []string
}

func (c CoverageReport) Complete() bool {
	return len(c.Missing) == 0 && len(c.Unreadable) == 0 && len(c.OutOfRange) == 0
}

func Coverage(row ScoreRow, vocabulary []string) CoverageReport {
	var report CoverageReport
	known := make(map[string]struct{}, len(vocabulary))
	for _, f := range vocabulary {
		known[f] = struct{}{}
		v, ok := row.Value(f)
		switch {
		case !ok:
			report.Missing = append(report.Missing, f)
		case math.IsNaN(v):
			report.Unreadable = append(report.Unreadable, f)
		case v < 0 || v > 100:
			report.OutOfRange = append(report.OutOfRange, f)
		default:
			report.Matched = append(report.Matched, f)
		}
	}
	for _, f := range row.Features {
		if _, ok := known[f]; !ok {
			report.Unknown = append(report.Unknown, f)
		}
	}
	return report
}
