// Package patcher inserts a target function definition into an unstructured
// C/C++ source file using brace-depth scanning instead of a real parser.
package patcher

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrPatch is the base error for every patch failure kind.
var ErrPatch = errors.New("patch failed")

// FailureKind classifies why a patch could not be applied.
type FailureKind int

const (
	// FailureNone means the patch was applied.
	FailureNone FailureKind = iota
	// NoSignatureMatch means no function name could be extracted from the function source.
	NoSignatureMatch
	// FunctionNotFound means the extracted name does not occur in the file.
	FunctionNotFound
	// NoOpeningBrace means no '{' follows the located occurrence.
	NoOpeningBrace
	// UnbalancedBraces means end of file was reached before the body closed.
	UnbalancedBraces
	// FileTooLarge means the file exceeds the configured size limit.
	FileTooLarge
)

// String returns the failure kind name.
func (k FailureKind) String() string {
	switch k {
	case FailureNone:
		return "none"
	case NoSignatureMatch:
		return "NoSignatureMatch"
	case FunctionNotFound:
		return "FunctionNotFound"
	case NoOpeningBrace:
		return "NoOpeningBrace"
	case UnbalancedBraces:
		return "UnbalancedBraces"
	case FileTooLarge:
		return "FileTooLarge"
	default:
		return "unknown"
	}
}

// signaturePattern matches return-type tokens, optional pointer stars and the
// identifier that precedes the parameter list.
var signaturePattern = regexp.MustCompile(`(\w+\s+)+\**(\w+)\s*\(`)

// Outcome is the result of a single patch attempt.
type Outcome struct {
	// Content is the patched text when Applied, the untouched input otherwise.
	Content string
	// Name is the function name extracted from the function source.
	Name string
	// Reason is FailureNone when Applied.
	Reason FailureKind
	// Anchor is the offset in the original content where the definition was inserted.
	Anchor int
	// Start and End delimit the original declaration, from the name to the closing brace.
	Start int
	End   int
	// Applied reports whether Content differs from the input.
	Applied bool
}

// Err returns nil when the patch was applied, otherwise an error wrapping ErrPatch.
func (o Outcome) Err() error {
	if o.Applied {
		return nil
	}

	if o.Name == "" {
		return fmt.Errorf("%w: %s", ErrPatch, o.Reason)
	}

	return fmt.Errorf("%w: %s (function %q)", ErrPatch, o.Reason, o.Name)
}

// Patcher locates a function by name and inserts a new definition ahead of it.
type Patcher struct {
	mode    Mode
	maxSize int
}

// Option configures a Patcher.
type Option func(*Patcher)

// WithMode selects the brace scanning mode.
func WithMode(mode Mode) Option {
	return func(p *Patcher) {
		p.mode = mode
	}
}

// WithMaxSize rejects files larger than limit bytes. Zero disables the check.
func WithMaxSize(limit int) Option {
	return func(p *Patcher) {
		p.maxSize = limit
	}
}

// New creates a Patcher. The default mode is ModeLexical with no size limit.
func New(opts ...Option) *Patcher {
	p := &Patcher{mode: ModeLexical}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Patch applies functionSource to content with the default Patcher.
func Patch(content, functionSource string) Outcome {
	return New().Patch(content, functionSource)
}

// ExtractName returns the function name declared by functionSource.
func ExtractName(functionSource string) (string, bool) {
	match := signaturePattern.FindStringSubmatch(functionSource)
	if match == nil {
		return "", false
	}

	return match[2], true
}

// Patch inserts functionSource right after the nearest '}' that precedes the
// first occurrence of the function name in content. The original declaration
// stays in place after the inserted one; only its braces are validated.
// The first textual hit of "name(" or "name (" wins, overloads and earlier
// prototypes are not disambiguated.
func (p *Patcher) Patch(content, functionSource string) Outcome {
	failed := func(name string, reason FailureKind) Outcome {
		return Outcome{Content: content, Name: name, Reason: reason}
	}

	if p.maxSize > 0 && len(content) > p.maxSize {
		return failed("", FileTooLarge)
	}

	name, ok := ExtractName(functionSource)
	if !ok {
		return failed("", NoSignatureMatch)
	}

	start := strings.Index(content, name+"(")
	if start == -1 {
		start = strings.Index(content, name+" (")
	}

	if start == -1 {
		return failed(name, FunctionNotFound)
	}

	sc := newScanner(content, p.mode)

	anchor := sc.lastBefore('}', start) + 1

	openBrace := sc.nextAfter('{', start)
	if openBrace == -1 {
		return failed(name, NoOpeningBrace)
	}

	end := sc.matchBrace(openBrace)
	if end == -1 {
		return failed(name, UnbalancedBraces)
	}

	var b strings.Builder

	b.Grow(len(content) + len(functionSource) + 2)
	b.WriteString(content[:anchor])
	b.WriteByte('\n')
	b.WriteString(functionSource)
	b.WriteByte('\n')
	b.WriteString(content[anchor:])

	return Outcome{
		Content: b.String(),
		Name:    name,
		Reason:  FailureNone,
		Anchor:  anchor,
		Start:   start,
		End:     end,
		Applied: true,
	}
}
