// Package rules implements the subscription filter DSL: a boolean expression
// over named match functions evaluated against a single ChangeEvent.
package rules

import (
	"fmt"
	"strings"
	"unicode"
)

const parserLogPrefix = "rules:expression"

// Expr is a parsed filter expression node.
type Expr interface {
	eval(call callFunc) (bool, error)
}

type callFunc func(name string, args []string) (bool, error)

type andExpr struct{ left, right Expr }
type orExpr struct{ left, right Expr }
type notExpr struct{ inner Expr }
type callExpr struct {
	name string
	args []string
}

func (e *andExpr) eval(call callFunc) (bool, error) {
	l, err := e.left.eval(call)
	if err != nil {
		return false, err
	}
	if !l {
		return false, nil
	}
	return e.right.eval(call)
}

func (e *orExpr) eval(call callFunc) (bool, error) {
	l, err := e.left.eval(call)
	if err != nil {
		return false, err
	}
	if l {
		return true, nil
	}
	return e.right.eval(call)
}

func (e *notExpr) eval(call callFunc) (bool, error) {
	v, err := e.inner.eval(call)
	return !v, err
}

func (e *callExpr) eval(call callFunc) (bool, error) {
	return call(e.name, e.args)
}

// token kinds
const (
	tokEOF = iota
	tokIdent
	tokString
	tokAnd
	tokOr
	tokNot
	tokLParen
	tokRParen
	tokComma
)

type token struct {
	kind int
	text string
}

type lexer struct {
	input string
	pos   int
}

func (l *lexer) next() (token, error) {
	for l.pos < len(l.input) && unicode.IsSpace(rune(l.input[l.pos])) {
		l.pos++
	}
	if l.pos >= len(l.input) {
		return token{kind: tokEOF}, nil
	}
	c := l.input[l.pos]
	switch {
	case c == '(':
		l.pos++
		return token{kind: tokLParen}, nil
	case c == ')':
		l.pos++
		return token{kind: tokRParen}, nil
	case c == ',':
		l.pos++
		return token{kind: tokComma}, nil
	case c == '!':
		l.pos++
		return token{kind: tokNot}, nil
	case c == '&':
		if !strings.HasPrefix(l.input[l.pos:], "&&") {
			return token{}, fmt.Errorf("%s - expected && at position %d", parserLogPrefix, l.pos)
		}
		l.pos += 2
		return token{kind: tokAnd}, nil
	case c == '|':
		if !strings.HasPrefix(l.input[l.pos:], "||") {
			return token{}, fmt.Errorf("%s - expected || at position %d", parserLogPrefix, l.pos)
		}
		l.pos += 2
		return token{kind: tokOr}, nil
	case c == '\'':
		end := strings.IndexByte(l.input[l.pos+1:], '\'')
		if end < 0 {
			return token{}, fmt.Errorf("%s - unterminated string at position %d", parserLogPrefix, l.pos)
		}
		text := l.input[l.pos+1 : l.pos+1+end]
		l.pos += end + 2
		return token{kind: tokString, text: text}, nil
	case isIdentStart(c):
		start := l.pos
		for l.pos < len(l.input) && isIdentPart(l.input[l.pos]) {
			l.pos++
		}
		text := l.input[start:l.pos]
		switch strings.ToUpper(text) {
		case "AND":
			return token{kind: tokAnd}, nil
		case "OR":
			return token{kind: tokOr}, nil
		case "NOT":
			return token{kind: tokNot}, nil
		}
		return token{kind: tokIdent, text: text}, nil
	default:
		return token{}, fmt.Errorf("%s - unexpected character %q at position %d", parserLogPrefix, c, l.pos)
	}
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

type parser struct {
	lex  *lexer
	tok  token
	err  error
	done bool
}

func (p *parser) advance() {
	if p.err != nil {
		return
	}
	p.tok, p.err = p.lex.next()
}

// Parse parses a filter expression such as
//
//	matchAnySource('bot', 'user') && !matchAnyOwnerName('etl')
//
// Operators: && (AND), || (OR), ! (NOT), with parentheses for grouping.
// Function arguments are single-quoted strings.
func Parse(input string) (Expr, error) {
	if strings.TrimSpace(input) == "" {
		return nil, fmt.Errorf("%s - empty expression", parserLogPrefix)
	}
	p := &parser{lex: &lexer{input: input}}
	p.advance()
	expr := p.parseOr()
	if p.err != nil {
		return nil, p.err
	}
	if p.tok.kind != tokEOF {
		return nil, fmt.Errorf("%s - unexpected trailing input in %q", parserLogPrefix, input)
	}
	return expr, nil
}

func (p *parser) parseOr() Expr {
	left := p.parseAnd()
	for p.err == nil && p.tok.kind == tokOr {
		p.advance()
		right := p.parseAnd()
		left = &orExpr{left: left, right: right}
	}
	return left
}

func (p *parser) parseAnd() Expr {
	left := p.parseUnary()
	for p.err == nil && p.tok.kind == tokAnd {
		p.advance()
		right := p.parseUnary()
		left = &andExpr{left: left, right: right}
	}
	return left
}

func (p *parser) parseUnary() Expr {
	if p.err != nil {
		return nil
	}
	switch p.tok.kind {
	case tokNot:
		p.advance()
		return &notExpr{inner: p.parseUnary()}
	case tokLParen:
		p.advance()
		inner := p.parseOr()
		if p.err == nil && p.tok.kind != tokRParen {
			p.err = fmt.Errorf("%s - expected )", parserLogPrefix)
			return nil
		}
		p.advance()
		return inner
	case tokIdent:
		return p.parseCall()
	default:
		p.err = fmt.Errorf("%s - expected function call", parserLogPrefix)
		return nil
	}
}

func (p *parser) parseCall() Expr {
	name := p.tok.text
	p.advance()
	if p.err != nil || p.tok.kind != tokLParen {
		p.err = fmt.Errorf("%s - expected ( after %s", parserLogPrefix, name)
		return nil
	}
	p.advance()
	var args []string
	for p.err == nil && p.tok.kind != tokRParen {
		if p.tok.kind != tokString {
			p.err = fmt.Errorf("%s - %s arguments must be quoted strings", parserLogPrefix, name)
			return nil
		}
		args = append(args, p.tok.text)
		p.advance()
		if p.tok.kind == tokComma {
			p.advance()
			if p.tok.kind == tokRParen {
				p.err = fmt.Errorf("%s - trailing comma in %s arguments", parserLogPrefix, name)
				return nil
			}
		}
	}
	if p.err != nil {
		return nil
	}
	p.advance() // consume )
	return &callExpr{name: name, args: args}
}
