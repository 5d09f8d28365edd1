package patcher

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// diffContext is the number of unchanged lines kept around each change.
const diffContext = 3

// Diff renders a line diff that turns before into after: changed lines are
// prefixed with '+' or '-', unchanged runs are trimmed to diffContext lines
// around each change. An empty string means the texts are identical.
func Diff(before, after string) string {
	if before == after {
		return ""
	}

	diffs := lineDiffs(before, after)

	var b strings.Builder

	for i, d := range diffs {
		lines := splitLines(d.Text)

		switch d.Type {
		case diffmatchpatch.DiffInsert:
			writeLines(&b, "+", lines)
		case diffmatchpatch.DiffDelete:
			writeLines(&b, "-", lines)
		case diffmatchpatch.DiffEqual:
			head, tail := diffContext, diffContext
			if i == 0 {
				head = 0
			}

			if i == len(diffs)-1 {
				tail = 0
			}

			if len(lines) <= head+tail {
				writeLines(&b, " ", lines)

				continue
			}

			writeLines(&b, " ", lines[:head])
			b.WriteString("@@\n")
			writeLines(&b, " ", lines[len(lines)-tail:])
		}
	}

	return b.String()
}

// InsertedLines counts the lines added by the patch.
func InsertedLines(before, after string) int {
	count := 0

	for _, d := range lineDiffs(before, after) {
		if d.Type == diffmatchpatch.DiffInsert {
			count += len(splitLines(d.Text))
		}
	}

	return count
}

func lineDiffs(before, after string) []diffmatchpatch.Diff {
	dmp := diffmatchpatch.New()

	beforeChars, afterChars, lines := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffMain(beforeChars, afterChars, false)

	return dmp.DiffCharsToLines(diffs, lines)
}

func splitLines(text string) []string {
	lines := strings.SplitAfter(text, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}

	return lines
}

func writeLines(b *strings.Builder, prefix string, lines []string) {
	for _, line := range lines {
		b.WriteString(prefix)
		b.WriteString(line)

		if !strings.HasSuffix(line, "\n") {
			b.WriteByte('\n')
		}
	}
}
