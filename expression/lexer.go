package expression

import (
	"fmt"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokPath
	tokString
	tokNumber
	tokIdent
	tokOp
	tokLParen
	tokRParen
	tokLBrace
	tokRBrace
	tokComma
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

var twoCharOps = []string{"==", "!=", "<=", ">=", "=~", "!~"}

func isPathChar(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || strings.ContainsRune("_-./@~", r)
}

func isIdentChar(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}

// tokenize splits an expression into tokens
func tokenize(input string) ([]token, error) {
	var tokens []token
	runes := []rune(input)
	i := 0

	for i < len(runes) {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++

		case r == '/':
			start := i
			i++
			for i < len(runes) && isPathChar(runes[i]) {
				i++
			}
			tokens = append(tokens, token{tokPath, string(runes[start:i]), start})

		case r == '"':
			start := i
			i++
			var sb strings.Builder
			closed := false
			for i < len(runes) {
				c := runes[i]
				if c == '\\' && i+1 < len(runes) {
					sb.WriteRune(runes[i+1])
					i += 2
					continue
				}
				if c == '"' {
					closed = true
					i++
					break
				}
				sb.WriteRune(c)
				i++
			}
			if !closed {
				return nil, fmt.Errorf("unterminated string at %d", start)
			}
			tokens = append(tokens, token{tokString, sb.String(), start})

		case unicode.IsDigit(r) || (r == '-' && i+1 < len(runes) && unicode.IsDigit(runes[i+1])):
			start := i
			i++
			for i < len(runes) && (unicode.IsDigit(runes[i]) || runes[i] == '.') {
				i++
			}
			tokens = append(tokens, token{tokNumber, string(runes[start:i]), start})

		case unicode.IsLetter(r) || r == '_':
			start := i
			for i < len(runes) && isIdentChar(runes[i]) {
				i++
			}
			tokens = append(tokens, token{tokIdent, string(runes[start:i]), start})

		case r == '(':
			tokens = append(tokens, token{tokLParen, "(", i})
			i++
		case r == ')':
			tokens = append(tokens, token{tokRParen, ")", i})
			i++
		case r == '{':
			tokens = append(tokens, token{tokLBrace, "{", i})
			i++
		case r == '}':
			tokens = append(tokens, token{tokRBrace, "}", i})
			i++
		case r == ',':
			tokens = append(tokens, token{tokComma, ",", i})
			i++

		default:
			matched := false
			if i+1 < len(runes) {
				pair := string(runes[i : i+2])
				for _, op := range twoCharOps {
					if pair == op {
						tokens = append(tokens, token{tokOp, op, i})
						i += 2
						matched = true
						break
					}
				}
			}
			if matched {
				continue
			}
			if r == '<' || r == '>' {
				tokens = append(tokens, token{tokOp, string(r), i})
				i++
				continue
			}
			return nil, fmt.Errorf("unexpected character %q at %d", r, i)
		}
	}

	return append(tokens, token{kind: tokEOF, pos: len(runes)}), nil
}
