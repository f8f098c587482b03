package expr

import (
	"fmt"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokNumber
	tokOp
	tokLParen
	tokRParen
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func (t token) String() string {
	if t.kind == tokEOF {
		return "end of expression"
	}
	return fmt.Sprintf("%q at %d", t.text, t.pos)
}

// SyntaxError reports a malformed expression.
type SyntaxError struct {
	Expr string
	Pos  int
	Msg  string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("expr: %s (at %d in %q)", e.Msg, e.Pos, e.Expr)
}

func tokenize(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := rune(src[i])
		switch {
		case unicode.IsSpace(c):
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "(", i})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")", i})
			i++
		case c == '\'' || c == '"':
			start := i
			var sb strings.Builder
			i++
			closed := false
			for i < len(src) {
				ch := src[i]
				if ch == '\\' && i+1 < len(src) && (rune(src[i+1]) == c || src[i+1] == '\\') {
					sb.WriteByte(src[i+1])
					i += 2
					continue
				}
				if rune(ch) == c {
					closed = true
					i++
					break
				}
				sb.WriteByte(ch)
				i++
			}
			if !closed {
				return nil, &SyntaxError{Expr: src, Pos: start, Msg: "unterminated string"}
			}
			toks = append(toks, token{tokString, sb.String(), start})
		case strings.ContainsRune("=!<>", c):
			start := i
			if i+1 < len(src) && src[i+1] == '=' {
				toks = append(toks, token{tokOp, src[i : i+2], start})
				i += 2
				continue
			}
			if c == '=' {
				return nil, &SyntaxError{Expr: src, Pos: start, Msg: "single '=' (use '==')"}
			}
			toks = append(toks, token{tokOp, string(c), start})
			i++
		case c == '-' || unicode.IsDigit(c):
			start := i
			i++
			for i < len(src) && (unicode.IsDigit(rune(src[i])) || src[i] == '.' || src[i] == 'e' || src[i] == 'E') {
				i++
			}
			text := src[start:i]
			if text == "-" {
				return nil, &SyntaxError{Expr: src, Pos: start, Msg: "dangling '-'"}
			}
			toks = append(toks, token{tokNumber, text, start})
		case isIdentStart(c):
			start := i
			for i < len(src) && isIdentPart(rune(src[i])) {
				i++
			}
			toks = append(toks, token{tokIdent, src[start:i], start})
		default:
			return nil, &SyntaxError{Expr: src, Pos: i, Msg: fmt.Sprintf("unexpected character %q", c)}
		}
	}
	toks = append(toks, token{kind: tokEOF, pos: len(src)})
	return toks, nil
}

func isIdentStart(c rune) bool {
	return c == '_' || unicode.IsLetter(c)
}

func isIdentPart(c rune) bool {
	return c == '_' || c == '.' || unicode.IsLetter(c) || unicode.IsDigit(c)
}
