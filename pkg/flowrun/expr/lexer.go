package expr

import (
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokString
	tokName
	tokOp
)

type token struct {
	kind tokenKind
	text string  // operator or name text
	num  float64 // tokNumber
	str  string  // tokString, unescaped
	pos  int
}

// twoCharOps must be checked before single-character operators.
var twoCharOps = []string{"<=", ">=", "==", "!="}

const singleCharOps = "()[],.+-*/<>"

// lex splits a condition into tokens.
func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		r, size := utf8.DecodeRuneInString(src[i:])
		switch {
		case unicode.IsSpace(r):
			i += size

		case r >= '0' && r <= '9' || (r == '.' && i+1 < len(src) && isDigit(src[i+1])):
			start := i
			for i < len(src) && (isDigit(src[i]) || src[i] == '.' || src[i] == '_') {
				i++
			}
			if i < len(src) && (src[i] == 'e' || src[i] == 'E') {
				i++
				if i < len(src) && (src[i] == '+' || src[i] == '-') {
					i++
				}
				for i < len(src) && isDigit(src[i]) {
					i++
				}
			}
			text := strings.ReplaceAll(src[start:i], "_", "")
			n, err := strconv.ParseFloat(text, 64)
			if err != nil {
				return nil, newError(ErrConditionSyntax, src, start, "invalid number %q", src[start:i])
			}
			toks = append(toks, token{kind: tokNumber, num: n, text: src[start:i], pos: start})

		case r == '\'' || r == '"':
			s, end, err := lexString(src, i)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tokString, str: s, pos: i})
			i = end

		case r == '_' || unicode.IsLetter(r):
			start := i
			for i < len(src) {
				r2, s2 := utf8.DecodeRuneInString(src[i:])
				if r2 != '_' && !unicode.IsLetter(r2) && !unicode.IsDigit(r2) {
					break
				}
				i += s2
			}
			toks = append(toks, token{kind: tokName, text: src[start:i], pos: start})

		default:
			matched := false
			for _, op := range twoCharOps {
				if strings.HasPrefix(src[i:], op) {
					toks = append(toks, token{kind: tokOp, text: op, pos: i})
					i += len(op)
					matched = true
					break
				}
			}
			if matched {
				continue
			}
			if strings.ContainsRune(singleCharOps, r) {
				toks = append(toks, token{kind: tokOp, text: string(r), pos: i})
				i += size
				continue
			}
			return nil, newError(ErrConditionSyntax, src, i, "unexpected character %q", r)
		}
	}
	toks = append(toks, token{kind: tokEOF, pos: len(src)})
	return toks, nil
}

// lexString reads a quoted string starting at src[start] and returns the
// unescaped value and the offset just past the closing quote.
func lexString(src string, start int) (string, int, error) {
	quote := src[start]
	var b strings.Builder
	i := start + 1
	for i < len(src) {
		c := src[i]
		switch {
		case c == quote:
			return b.String(), i + 1, nil
		case c == '\\':
			if i+1 >= len(src) {
				return "", 0, newError(ErrConditionSyntax, src, i, "unterminated escape")
			}
			switch src[i+1] {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case 'r':
				b.WriteByte('\r')
			case '\\', '\'', '"':
				b.WriteByte(src[i+1])
			default:
				b.WriteByte('\\')
				b.WriteByte(src[i+1])
			}
			i += 2
		default:
			b.WriteByte(c)
			i++
		}
	}
	return "", 0, newError(ErrConditionSyntax, src, start, "unterminated string")
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
