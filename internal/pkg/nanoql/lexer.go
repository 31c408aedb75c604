package nanoql

import (
	"fmt"
	"strings"
)

type tokenKind uint8

const (
	tokEOF tokenKind = iota
	tokWord
	tokQuoted
	tokLParen
	tokRParen
	tokAnd
	tokOr
	tokNot
	tokColon
	tokNeq
	tokGt
	tokGte
	tokLt
	tokLte
)

type token struct {
	kind tokenKind
	text string
	pos  int // byte offset in the query
}

func (t token) describe() string {
	if t.kind == tokEOF {
		return "end of query"
	}
	return fmt.Sprintf("%q", t.text)
}

// SyntaxError reports a malformed query and the byte offset it was found at.
type SyntaxError struct {
	Pos int
	Msg string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("%s at offset %d", e.Msg, e.Pos)
}

// Two-character operators come first so ">=" never lexes as ">" "=".
var operators = []struct {
	text string
	kind tokenKind
}{
	{"!=", tokNeq},
	{">=", tokGte},
	{"<=", tokLte},
	{">", tokGt},
	{"<", tokLt},
	{":", tokColon},
	{"(", tokLParen},
	{")", tokRParen},
}

// lex splits src into tokens. The result always ends with tokEOF.
func lex(src string) ([]token, error) {
	var toks []token
	i := 0
scan:
	for i < len(src) {
		c := src[i]
		if c == ' ' || c == '\t' || c == '\n' || c == '\r' {
			i++
			continue
		}
		for _, op := range operators {
			if strings.HasPrefix(src[i:], op.text) {
				toks = append(toks, token{kind: op.kind, text: op.text, pos: i})
				i += len(op.text)
				continue scan
			}
		}

		switch {
		case c == '"':
			text, end, err := lexQuoted(src, i)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tokQuoted, text: text, pos: i})
			i = end
		case isWordByte(c):
			start := i
			for i < len(src) && isWordByte(src[i]) {
				i++
			}
			toks = append(toks, wordToken(src[start:i], start))
		default:
			return nil, &SyntaxError{Pos: i, Msg: fmt.Sprintf("unexpected character %q", c)}
		}
	}
	return append(toks, token{kind: tokEOF, pos: len(src)}), nil
}

func wordToken(w string, pos int) token {
	kind := tokWord
	switch {
	case strings.EqualFold(w, "AND"):
		kind = tokAnd
	case strings.EqualFold(w, "OR"):
		kind = tokOr
	case strings.EqualFold(w, "NOT"):
		kind = tokNot
	}
	return token{kind: kind, text: w, pos: pos}
}

// lexQuoted reads the string opening at src[start] and returns its unescaped
// text and the offset just past the closing quote.
func lexQuoted(src string, start int) (string, int, error) {
	var b strings.Builder
	for i := start + 1; i < len(src); i++ {
		switch c := src[i]; c {
		case '"':
			return b.String(), i + 1, nil
		case '\\':
			i++
			if i < len(src) {
				b.WriteByte(src[i])
			}
		default:
			b.WriteByte(c)
		}
	}
	return "", 0, &SyntaxError{Pos: start, Msg: "unterminated string"}
}

// isWordByte accepts ASCII letters, digits, a few separators common in
// service and host names, and any byte of a multi-byte UTF-8 sequence.
func isWordByte(c byte) bool {
	switch {
	case c >= 0x80:
		return true
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	return strings.IndexByte("_-./@", c) >= 0
}
