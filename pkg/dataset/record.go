// Package dataset reads labeled input records and writes analysis results.
package dataset

import (
	"bufio"
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// ErrInvalidRecord is returned for lines that are not valid records.
var ErrInvalidRecord = errors.New("invalid record")

const (
	initialLineBuffer = 64 * 1024
	maxLineSize       = 64 * 1024 * 1024
)

//go:embed record.schema.json
var recordSchema []byte

var compiledSchema = sync.OnceValues(func() (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewBytesLoader(recordSchema))
})

// Record is one labeled sample: a function version inside a repository at a commit.
type Record struct {
	ProjectURL string `json:"project_url"`
	CommitID   string `json:"commit_id"`
	FilePath   string `json:"file_path"`
	Func       string `json:"func"`
	Idx        int    `json:"idx"`
	// Target is 1 for the vulnerable version, 0 for the fixed one.
	Target int `json:"target"`
}

// ParseRecord validates one JSON line against the record schema and decodes it.
func ParseRecord(line []byte) (Record, error) {
	schema, err := compiledSchema()
	if err != nil {
		return Record{}, fmt.Errorf("compile record schema: %w", err)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(line))
	if err != nil {
		return Record{}, fmt.Errorf("%w: %w", ErrInvalidRecord, err)
	}

	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, verr := range result.Errors() {
			problems = append(problems, verr.String())
		}

		return Record{}, fmt.Errorf("%w: %s", ErrInvalidRecord, strings.Join(problems, "; "))
	}

	var rec Record

	err = json.Unmarshal(line, &rec)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %w", ErrInvalidRecord, err)
	}

	return rec, nil
}

// Reader streams records from NDJSON input. Blank lines are ignored;
// invalid lines are logged and skipped.
type Reader struct {
	scanner *bufio.Scanner
	logger  *slog.Logger
	line    int
	skipped int
}

// NewReader creates a Reader over r.
func NewReader(r io.Reader, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.Default()
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, initialLineBuffer), maxLineSize)

	return &Reader{scanner: sc, logger: logger}
}

// Next returns the next valid record, or io.EOF when input is exhausted.
func (r *Reader) Next() (Record, error) {
	for r.scanner.Scan() {
		r.line++

		line := bytes.TrimSpace(r.scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		rec, err := ParseRecord(line)
		if err != nil {
			r.skipped++
			r.logger.Warn("skipping malformed record", "line", r.line, "error", err)

			continue
		}

		return rec, nil
	}

	if err := r.scanner.Err(); err != nil {
		return Record{}, fmt.Errorf("read records at line %d: %w", r.line+1, err)
	}

	return Record{}, io.EOF
}

// Skipped returns how many lines were rejected so far.
func (r *Reader) Skipped() int {
	return r.skipped
}

// ReadAll returns every valid record from r in input order.
func ReadAll(r io.Reader, logger *slog.Logger) ([]Record, int, error) {
	reader := NewReader(r, logger)

	var records []Record

	for {
		rec, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return records, reader.Skipped(), nil
		}

		if err != nil {
			return records, reader.Skipped(), err
		}

		records = append(records, rec)
	}
}

// LineProblem describes one rejected input line.
type LineProblem struct {
	Err  error
	Line int
}

// ValidationReport summarizes a full pass over an input file.
type ValidationReport struct {
	Problems   []LineProblem
	Duplicates []int
	Valid      int
}

// OK reports whether every non-blank line was a unique valid record.
func (v ValidationReport) OK() bool {
	return len(v.Problems) == 0 && len(v.Duplicates) == 0
}

// Validate checks every line of r and reports rejected lines and duplicate
// (idx, target) pairs, which would collide on the same workspace key.
func Validate(r io.Reader) (ValidationReport, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, initialLineBuffer), maxLineSize)

	type key struct{ idx, target int }

	var (
		report ValidationReport
		seen   = make(map[key]struct{})
		lineNo int
	)

	for sc.Scan() {
		lineNo++

		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}

		rec, err := ParseRecord(line)
		if err != nil {
			report.Problems = append(report.Problems, LineProblem{Line: lineNo, Err: err})

			continue
		}

		k := key{rec.Idx, rec.Target}
		if _, dup := seen[k]; dup {
			report.Duplicates = append(report.Duplicates, lineNo)

			continue
		}

		seen[k] = struct{}{}
		report.Valid++
	}

	if err := sc.Err(); err != nil {
		return report, fmt.Errorf("read records: %w", err)
	}

	return report, nil
}
