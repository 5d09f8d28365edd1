package patcher_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/7MMA7/VulnDetectGA/pkg/patcher"
)

const parseFunc = "int parse(char *s) { return 0; }"

func TestExtractName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		source string
		want   string
		ok     bool
	}{
		{name: "simple", source: parseFunc, want: "parse", ok: true},
		{name: "pointer return", source: "static const char **get_name (void) {}", want: "get_name", ok: true},
		{name: "name on next line", source: "static int\nfoo(void)\n{\n}", want: "foo", ok: true},
		{name: "pointer glued to name", source: "char *dup(const char *s) { return 0; }", want: "dup", ok: true},
		{name: "no signature", source: "x = 1;", ok: false},
		{name: "bare call", source: "(void)", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, ok := patcher.ExtractName(tt.source)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPatch_InsertsAfterPrecedingTopLevelBrace(t *testing.T) {
	t.Parallel()

	content := "int helper(void) { return 1; }\nint parse(char *s) {\n  return -1;\n}\n"

	out := patcher.Patch(content, parseFunc)
	require.True(t, out.Applied)
	require.NoError(t, out.Err())

	anchor := strings.Index(content, "}") + 1
	assert.Equal(t, anchor, out.Anchor)
	assert.Equal(t, content[:anchor]+"\n"+parseFunc+"\n"+content[anchor:], out.Content)
	assert.Len(t, out.Content, len(content)+len(parseFunc)+2)
	assert.True(t, strings.HasSuffix(out.Content, content[anchor:]), "original declaration must be preserved")
}

func TestPatch_EndToEndScenario(t *testing.T) {
	t.Parallel()

	content := "int parse(char *s) {\n  return -1;\n}\n"

	out := patcher.Patch(content, parseFunc)
	require.True(t, out.Applied)

	assert.Equal(t, "parse", out.Name)
	assert.Equal(t, 0, out.Anchor)
	assert.Equal(t, 4, out.Start)
	assert.Equal(t, 35, out.End)
	assert.Equal(t, "\n"+parseFunc+"\n"+content, out.Content)

	newAt := strings.Index(out.Content, "return 0;")
	oldAt := strings.Index(out.Content, "return -1;")
	assert.Less(t, newAt, oldAt)
}

func TestPatch_FallsBackToSpacedCall(t *testing.T) {
	t.Parallel()

	content := "int parse (char *s) {\n}\n"

	out := patcher.Patch(content, parseFunc)
	require.True(t, out.Applied)
	assert.Equal(t, 4, out.Start)
}

func TestPatch_FailuresLeaveContentUntouched(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		source  string
		reason  patcher.FailureKind
	}{
		{
			name:    "function not found",
			content: "int other(void) {\n  return 1;\n}\n",
			source:  parseFunc,
			reason:  patcher.FunctionNotFound,
		},
		{
			name:    "no signature",
			content: "int parse(char *s) {\n}\n",
			source:  "return 0;",
			reason:  patcher.NoSignatureMatch,
		},
		{
			name:    "no opening brace",
			content: "int parse(char *s);\n",
			source:  parseFunc,
			reason:  patcher.NoOpeningBrace,
		},
		{
			name:    "unbalanced braces",
			content: "int parse(char *s) {\n  if (s) {\n  return -1;\n}\n",
			source:  parseFunc,
			reason:  patcher.UnbalancedBraces,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			out := patcher.Patch(tt.content, tt.source)
			assert.False(t, out.Applied)
			assert.Equal(t, tt.reason, out.Reason)
			assert.Equal(t, tt.content, out.Content)
			assert.ErrorIs(t, out.Err(), patcher.ErrPatch)
		})
	}
}

func TestPatch_LexicalModeIgnoresBracesInLiterals(t *testing.T) {
	t.Parallel()

	content := "int parse(char *s) {\n  puts(\"{\");\n  return -1;\n}\n"

	literal := patcher.New(patcher.WithMode(patcher.ModeLiteral)).Patch(content, parseFunc)
	assert.False(t, literal.Applied)
	assert.Equal(t, patcher.UnbalancedBraces, literal.Reason)

	lexical := patcher.New(patcher.WithMode(patcher.ModeLexical)).Patch(content, parseFunc)
	require.True(t, lexical.Applied)
	assert.Equal(t, len(content)-1, lexical.End)
}

func TestPatch_LexicalModeIgnoresBracesInComments(t *testing.T) {
	t.Parallel()

	content := "/* } */\n// }\nint parse(char *s) {\n  return '}';\n}\n"

	literal := patcher.New(patcher.WithMode(patcher.ModeLiteral)).Patch(content, parseFunc)
	require.True(t, literal.Applied)
	assert.Equal(t, strings.Index(content, "// }")+4, literal.Anchor)

	lexical := patcher.Patch(content, parseFunc)
	require.True(t, lexical.Applied)
	assert.Equal(t, 0, lexical.Anchor)
	assert.Equal(t, len(content)-1, lexical.End)
}

func TestPatch_FileTooLarge(t *testing.T) {
	t.Parallel()

	content := "int parse(char *s) {\n}\n"

	out := patcher.New(patcher.WithMaxSize(8)).Patch(content, parseFunc)
	assert.False(t, out.Applied)
	assert.Equal(t, patcher.FileTooLarge, out.Reason)
	assert.Equal(t, content, out.Content)
}

func TestOutcomeErr_NamesFunction(t *testing.T) {
	t.Parallel()

	out := patcher.Patch("int main(void) {}\n", parseFunc)
	err := out.Err()
	require.Error(t, err)
	assert.True(t, errors.Is(err, patcher.ErrPatch))
	assert.Contains(t, err.Error(), "FunctionNotFound")
	assert.Contains(t, err.Error(), `"parse"`)
}

func TestParseMode(t *testing.T) {
	t.Parallel()

	mode, err := patcher.ParseMode("literal")
	require.NoError(t, err)
	assert.Equal(t, patcher.ModeLiteral, mode)

	mode, err = patcher.ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, patcher.ModeLexical, mode)

	_, err = patcher.ParseMode("clang")
	assert.ErrorIs(t, err, patcher.ErrUnknownMode)
}

func TestFailureKindString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "UnbalancedBraces", patcher.UnbalancedBraces.String())
	assert.Equal(t, "none", patcher.FailureNone.String())
	assert.Equal(t, "unknown", patcher.FailureKind(99).String())
}

func TestDiff(t *testing.T) {
	t.Parallel()

	var lines []string
	for i := range 10 {
		lines = append(lines, "line"+strings.Repeat("x", i))
	}

	before := strings.Join(lines, "\n") + "\n"
	after := strings.Replace(before, "linexxxxx\n", "linexxxxx\nint inserted(void) { return [0]; }\n", 1)

	diff := patcher.Diff(before, after)
	assert.Contains(t, diff, "+int inserted(void) { return [0]; }\n")
	assert.Contains(t, diff, " linexxxxx\n")
	assert.Contains(t, diff, "@@\n", "distant unchanged lines are elided")
	assert.NotContains(t, diff, " line\n")

	assert.Empty(t, patcher.Diff(before, before))
	assert.Equal(t, 1, patcher.InsertedLines(before, after))
}

func TestDiff_PatchOutcome(t *testing.T) {
	t.Parallel()

	content := "int a(void) { return 1; }\nint parse(char *s) {\n\treturn 1;\n}\n"

	out := patcher.Patch(content, parseFunc)
	require.True(t, out.Applied)
	assert.Equal(t, 2, patcher.InsertedLines(content, out.Content))
	assert.Contains(t, patcher.Diff(content, out.Content), "+"+parseFunc+"\n")
}
