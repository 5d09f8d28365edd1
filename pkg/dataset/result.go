package dataset

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/7MMA7/VulnDetectGA/pkg/scan"
)

// ErrUnknownFormat is returned for unsupported output formats.
var ErrUnknownFormat = errors.New("unknown output format")

// Format is a result file encoding.
type Format string

// Supported formats.
const (
	FormatJSON   Format = "json"
	FormatNDJSON Format = "ndjson"
	FormatYAML   Format = "yaml"
)

const filePerm = 0o644

// ParseFormat validates a format name; empty means FormatJSON.
func ParseFormat(name string) (Format, error) {
	switch f := Format(strings.ToLower(name)); f {
	case "":
		return FormatJSON, nil
	case FormatJSON, FormatNDJSON, FormatYAML:
		return f, nil
	case "yml":
		return FormatYAML, nil
	case "jsonl":
		return FormatNDJSON, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, name)
	}
}

// FormatFromPath infers the format from a file extension, falling back to JSON.
func FormatFromPath(path string) Format {
	f, err := ParseFormat(strings.TrimPrefix(filepath.Ext(path), "."))
	if err != nil {
		return FormatJSON
	}

	return f
}

// Result is the analysis outcome of one record.
type Result struct {
	Branch     string       `json:"branch" yaml:"branch"`
	Status     string       `json:"status,omitempty" yaml:"status,omitempty"`
	ScannerLog string       `json:"scanner_log,omitempty" yaml:"scanner_log,omitempty"`
	Error      string       `json:"error,omitempty" yaml:"error,omitempty"`
	Issues     []scan.Issue `json:"issues" yaml:"issues"`
	Idx        int          `json:"idx" yaml:"idx"`
	Target     int          `json:"target" yaml:"target"`
}

// Failed reports whether the record was aborted before correlation.
func (r Result) Failed() bool {
	return r.Error != ""
}

// WriteResults encodes results to w. A JSON document is always an array.
func WriteResults(w io.Writer, format Format, results []Result) error {
	if results == nil {
		results = []Result{}
	}

	switch format {
	case FormatJSON, "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")

		return enc.Encode(results)
	case FormatNDJSON:
		enc := json.NewEncoder(w)

		for i := range results {
			err := enc.Encode(results[i])
			if err != nil {
				return fmt.Errorf("encode result %d: %w", results[i].Idx, err)
			}
		}

		return nil
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)

		err := enc.Encode(results)
		if err != nil {
			return fmt.Errorf("encode yaml: %w", err)
		}

		return enc.Close()
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

// WriteFile writes results to path atomically through a temporary file.
func WriteFile(path string, format Format, results []Result) error {
	var buf bytes.Buffer

	err := WriteResults(&buf, format, results)
	if err != nil {
		return err
	}

	tmp := path + ".tmp"

	err = os.WriteFile(tmp, buf.Bytes(), filePerm)
	if err != nil {
		return fmt.Errorf("write results: %w", err)
	}

	err = os.Rename(tmp, path)
	if err != nil {
		return fmt.Errorf("commit results: %w", err)
	}

	return nil
}

// ReadResults decodes results previously written in format.
func ReadResults(r io.Reader, format Format) ([]Result, error) {
	var results []Result

	switch format {
	case FormatJSON, "":
		err := json.NewDecoder(r).Decode(&results)
		if err != nil {
			return nil, fmt.Errorf("decode results: %w", err)
		}
	case FormatNDJSON:
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, initialLineBuffer), maxLineSize)

		for sc.Scan() {
			line := bytes.TrimSpace(sc.Bytes())
			if len(line) == 0 {
				continue
			}

			var res Result

			err := json.Unmarshal(line, &res)
			if err != nil {
				return nil, fmt.Errorf("decode result: %w", err)
			}

			results = append(results, res)
		}

		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("read results: %w", err)
		}
	case FormatYAML:
		err := yaml.NewDecoder(r).Decode(&results)
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("decode results: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}

	return results, nil
}

// ReadFile reads a results file, inferring its format from the extension.
func ReadFile(path string) ([]Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open results: %w", err)
	}
	defer f.Close()

	return ReadResults(f, FormatFromPath(path))
}
