package expression

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/c360/eventpipe/event"
)

// node is one element of a parsed statement
type node interface {
	eval(e *event.Event) (any, error)
}

type literalNode struct{ value any }

type pathNode struct{ path string }

type notNode struct{ operand node }

type logicalNode struct {
	op          string
	left, right node
}

type compareNode struct {
	op          string
	left, right node
}

type matchNode struct {
	negate  bool
	operand node
	re      *regexp.Regexp
}

type setNode struct {
	negate  bool
	operand node
	members []node
}

type callNode struct {
	name string
	args []node
}

var functionArity = map[string]int{
	"length":   1,
	"contains": 2,
}

type parser struct {
	tokens []token
	pos    int
}

// parse builds the tree for one statement
func parse(statement string) (node, error) {
	if strings.TrimSpace(statement) == "" {
		return nil, fmt.Errorf("empty expression")
	}
	tokens, err := tokenize(statement)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}
	n, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tokEOF {
		return nil, fmt.Errorf("unexpected %s", tok)
	}
	return n, nil
}

func (p *parser) peek() token {
	return p.tokens[p.pos]
}

func (p *parser) next() token {
	tok := p.tokens[p.pos]
	if tok.kind != tokEOF {
		p.pos++
	}
	return tok
}

func (p *parser) isKeyword(word string) bool {
	tok := p.peek()
	return tok.kind == tokIdent && strings.EqualFold(tok.text, word)
}

func (p *parser) expect(kind tokenKind, what string) (token, error) {
	tok := p.next()
	if tok.kind != kind {
		return tok, fmt.Errorf("expected %s, got %s", what, tok)
	}
	return tok, nil
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.isKeyword("or") {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &logicalNode{op: "or", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.isKeyword("and") {
		p.next()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &logicalNode{op: "and", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseNot() (node, error) {
	if p.isKeyword("not") {
		p.next()
		operand, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &notNode{operand: operand}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (node, error) {
	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}

	tok := p.peek()
	switch {
	case tok.kind == tokOp && (tok.text == "=~" || tok.text == "!~"):
		p.next()
		pattern, err := p.expect(tokString, "regex pattern string")
		if err != nil {
			return nil, err
		}
		re, err := regexp.Compile(pattern.text)
		if err != nil {
			return nil, fmt.Errorf("invalid regex %q: %w", pattern.text, err)
		}
		return &matchNode{negate: tok.text == "!~", operand: left, re: re}, nil

	case tok.kind == tokOp:
		p.next()
		right, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		return &compareNode{op: tok.text, left: left, right: right}, nil

	case p.isKeyword("in"):
		p.next()
		return p.parseSet(left, false)

	case p.isKeyword("not") && p.tokens[p.pos+1].kind == tokIdent && strings.EqualFold(p.tokens[p.pos+1].text, "in"):
		p.pos += 2
		return p.parseSet(left, true)
	}
	return left, nil
}

func (p *parser) parseSet(operand node, negate bool) (node, error) {
	if _, err := p.expect(tokLBrace, "'{'"); err != nil {
		return nil, err
	}
	set := &setNode{negate: negate, operand: operand}
	for {
		member, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		set.members = append(set.members, member)

		tok := p.next()
		if tok.kind == tokRBrace {
			return set, nil
		}
		if tok.kind != tokComma {
			return nil, fmt.Errorf("expected ',' or '}', got %s", tok)
		}
	}
}

func (p *parser) parseOperand() (node, error) {
	tok := p.next()
	switch tok.kind {
	case tokPath:
		return &pathNode{path: tok.text}, nil

	case tokString:
		return &literalNode{value: tok.text}, nil

	case tokNumber:
		if i, err := strconv.ParseInt(tok.text, 10, 64); err == nil {
			return &literalNode{value: i}, nil
		}
		f, err := strconv.ParseFloat(tok.text, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %s", tok)
		}
		return &literalNode{value: f}, nil

	case tokLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		return inner, nil

	case tokIdent:
		switch strings.ToLower(tok.text) {
		case "true":
			return &literalNode{value: true}, nil
		case "false":
			return &literalNode{value: false}, nil
		case "null":
			return &literalNode{value: nil}, nil
		}
		return p.parseCall(tok)
	}
	return nil, fmt.Errorf("unexpected %s", tok)
}

func (p *parser) parseCall(name token) (node, error) {
	arity, ok := functionArity[name.text]
	if !ok {
		return nil, fmt.Errorf("unknown function or keyword %s", name)
	}
	if _, err := p.expect(tokLParen, "'('"); err != nil {
		return nil, err
	}
	call := &callNode{name: name.text}
	if p.peek().kind != tokRParen {
		for {
			arg, err := p.parseOperand()
			if err != nil {
				return nil, err
			}
			call.args = append(call.args, arg)
			if p.peek().kind != tokComma {
				break
			}
			p.next()
		}
	}
	if _, err := p.expect(tokRParen, "')'"); err != nil {
		return nil, err
	}
	if len(call.args) != arity {
		return nil, fmt.Errorf("%s takes %d argument(s), got %d", name.text, arity, len(call.args))
	}
	return call, nil
}
