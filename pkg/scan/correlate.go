package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"regexp"
	"strings"
)

// Severity is the normalized finding severity.
type Severity string

// Severities reported by the analyzer.
const (
	SeverityBlocker  Severity = "BLOCKER"
	SeverityCritical Severity = "CRITICAL"
	SeverityMajor    Severity = "MAJOR"
	SeverityMinor    Severity = "MINOR"
	SeverityInfo     Severity = "INFO"
)

// NormalizeSeverity upper-cases s; unknown values pass through unchanged.
func NormalizeSeverity(s string) Severity {
	return Severity(strings.ToUpper(strings.TrimSpace(s)))
}

// Finding is a raw remote finding.
type Finding struct {
	Line      *int
	Rule      string
	Message   string
	Severity  string
	Component string
	Type      string
	Tags      []string
}

// Issue is a finding attributed to the target file.
type Issue struct {
	Rule     string   `json:"rule" yaml:"rule"`
	Message  string   `json:"message" yaml:"message"`
	Severity Severity `json:"severity" yaml:"severity"`
	Line     *int     `json:"line" yaml:"line"`
	CWE      string   `json:"cwe,omitempty" yaml:"cwe,omitempty"`
	CVE      string   `json:"cve,omitempty" yaml:"cve,omitempty"`
}

// ErrCorrelation wraps findings query failures.
var ErrCorrelation = errors.New("findings query failed")

// FindingSource queries the remote findings endpoint for a job identifier.
type FindingSource interface {
	Findings(ctx context.Context, jobID string) ([]Finding, error)
}

var (
	cwePattern = regexp.MustCompile(`(?i)\bcwe-(\d+)\b`)
	cvePattern = regexp.MustCompile(`(?i)\bcve-(\d{4}-\d{4,})\b`)
)

// Correlator filters remote findings down to the target file.
type Correlator struct {
	source FindingSource
	logger *slog.Logger
}

// NewCorrelator creates a Correlator reading from source.
func NewCorrelator(source FindingSource, logger *slog.Logger) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}

	return &Correlator{source: source, logger: logger}
}

// Correlate fetches the job's findings and keeps those attributed to
// targetFilePath. A failed query yields an empty, non-nil slice.
func (c *Correlator) Correlate(ctx context.Context, jobID, targetFilePath string) []Issue {
	issues, err := c.Attribute(ctx, jobID, targetFilePath)
	if err != nil {
		c.logger.WarnContext(ctx, "findings query failed, recording no issues",
			"job", jobID, "error", err)
	}

	return issues
}

// Attribute is Correlate with the query error surfaced. The returned slice is
// never nil, so callers may record it even when err is set.
func (c *Correlator) Attribute(ctx context.Context, jobID, targetFilePath string) ([]Issue, error) {
	findings, err := c.source.Findings(ctx, jobID)
	if err != nil {
		return []Issue{}, fmt.Errorf("%w: %w", ErrCorrelation, err)
	}

	return Filter(findings, targetFilePath), nil
}

// Filter keeps findings whose component contains the basename of
// targetFilePath. The substring match tolerates local/remote path prefix
// differences and over-matches files sharing a basename.
func Filter(findings []Finding, targetFilePath string) []Issue {
	base := path.Base(strings.ReplaceAll(targetFilePath, `\`, "/"))
	issues := make([]Issue, 0, len(findings))

	for _, f := range findings {
		if !strings.Contains(f.Component, base) {
			continue
		}

		issues = append(issues, normalize(f))
	}

	return issues
}

func normalize(f Finding) Issue {
	issue := Issue{
		Rule:     f.Rule,
		Message:  f.Message,
		Severity: NormalizeSeverity(f.Severity),
		Line:     f.Line,
	}

	haystack := strings.Join(append([]string{f.Message}, f.Tags...), " ")

	if m := cwePattern.FindStringSubmatch(haystack); m != nil {
		issue.CWE = "CWE-" + m[1]
	}

	if m := cvePattern.FindStringSubmatch(haystack); m != nil {
		issue.CVE = "CVE-" + m[1]
	}

	return issue
}
