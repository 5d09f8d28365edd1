package patcher

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownMode is returned by ParseMode for an unrecognized mode name.
var ErrUnknownMode = errors.New("unknown scan mode")

// Mode selects how braces are recognized while scanning.
type Mode int

const (
	// ModeLexical ignores braces inside string/char literals and comments.
	ModeLexical Mode = iota
	// ModeLiteral counts every brace byte, including those in literals and comments.
	ModeLiteral
)

// Mode names accepted by ParseMode.
const (
	modeNameLexical = "lexical"
	modeNameLiteral = "literal"
)

// String returns the mode name.
func (m Mode) String() string {
	if m == ModeLiteral {
		return modeNameLiteral
	}

	return modeNameLexical
}

// ParseMode converts a mode name into a Mode.
func ParseMode(name string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", modeNameLexical:
		return ModeLexical, nil
	case modeNameLiteral:
		return ModeLiteral, nil
	default:
		return ModeLexical, fmt.Errorf("%w: %q", ErrUnknownMode, name)
	}
}

// scanner answers brace queries over content. In lexical mode a code mask
// marks the bytes that sit outside literals and comments.
type scanner struct {
	content string
	code    []bool
}

func newScanner(content string, mode Mode) *scanner {
	sc := &scanner{content: content}
	if mode == ModeLexical {
		sc.code = codeMask(content)
	}

	return sc
}

func (sc *scanner) isCode(i int) bool {
	return sc.code == nil || sc.code[i]
}

// lastBefore returns the offset of the last code byte c before limit, or -1.
func (sc *scanner) lastBefore(c byte, limit int) int {
	if sc.code == nil {
		return strings.LastIndexByte(sc.content[:limit], c)
	}

	for i := limit - 1; i >= 0; i-- {
		if sc.content[i] == c && sc.code[i] {
			return i
		}
	}

	return -1
}

// nextAfter returns the offset of the first code byte c at or after from, or -1.
func (sc *scanner) nextAfter(c byte, from int) int {
	for i := from; i < len(sc.content); i++ {
		if sc.content[i] == c && sc.isCode(i) {
			return i
		}
	}

	return -1
}

// matchBrace returns the offset just past the '}' closing the '{' at open, or -1.
func (sc *scanner) matchBrace(open int) int {
	depth := 1

	for i := open + 1; i < len(sc.content); i++ {
		if !sc.isCode(i) {
			continue
		}

		switch sc.content[i] {
		case '{':
			depth++
		case '}':
			depth--
		}

		if depth == 0 {
			return i + 1
		}
	}

	return -1
}

type lexState int

const (
	stateCode lexState = iota
	stateLineComment
	stateBlockComment
	stateString
	stateChar
)

// codeMask marks every byte of content that is ordinary code. Literal
// delimiters and comment markers are not code. Raw string literals and
// preprocessor conditionals are not understood.
func codeMask(content string) []bool {
	mask := make([]bool, len(content))
	state := stateCode

	for i := 0; i < len(content); i++ {
		ch := content[i]

		switch state {
		case stateCode:
			switch {
			case ch == '/' && i+1 < len(content) && content[i+1] == '/':
				state = stateLineComment
				i++
			case ch == '/' && i+1 < len(content) && content[i+1] == '*':
				state = stateBlockComment
				i++
			case ch == '"':
				state = stateString
			case ch == '\'':
				state = stateChar
			default:
				mask[i] = true
			}
		case stateLineComment:
			switch ch {
			case '\\':
				i++
			case '\n':
				state = stateCode
				mask[i] = true
			}
		case stateBlockComment:
			if ch == '*' && i+1 < len(content) && content[i+1] == '/' {
				state = stateCode
				i++
			}
		case stateString, stateChar:
			closer := byte('"')
			if state == stateChar {
				closer = '\''
			}

			switch ch {
			case '\\':
				i++
			case closer:
				state = stateCode
			case '\n':
				// Unterminated literal; resync at the line break.
				state = stateCode
				mask[i] = true
			}
		}
	}

	return mask
}
