// Package parser turns path-query expression text into an ast tree.
//
// The grammar is the function-call-oriented expression language the
// translator consumes: literals, path navigation, infix operators, and
// function invocations. The parser validates shape only; function
// names and arities are checked by the translator.
package parser

import (
	"fmt"
	"strings"

	"github.com/medql/fhirsql/ast"
	fhirerrors "github.com/medql/fhirsql/pkg/errors"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokString
	tokTemporal // @-prefixed date/dateTime/time
	tokThis
	tokOp
	tokLParen
	tokRParen
	tokLBrace
	tokRBrace
	tokComma
	tokDot
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

// Parse parses one expression.
func Parse(input string) (ast.Node, error) {
	toks, err := lex(input)
	if err != nil {
		return nil, err
	}
	p := &parser{input: input, toks: toks}
	node, err := p.parseExpression(0)
	if err != nil {
		return nil, err
	}
	if tk := p.peek(); tk.kind != tokEOF {
		return nil, p.errorf(tk, "unexpected %q after expression", tk.text)
	}
	return node, nil
}

// ---- lexer ----

func lex(input string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(input) {
		c := input[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "(", i})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")", i})
			i++
		case c == '{':
			toks = append(toks, token{tokLBrace, "{", i})
			i++
		case c == '}':
			toks = append(toks, token{tokRBrace, "}", i})
			i++
		case c == ',':
			toks = append(toks, token{tokComma, ",", i})
			i++
		case c == '.':
			toks = append(toks, token{tokDot, ".", i})
			i++
		case c == '\'':
			text, n, err := lexString(input, i)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{tokString, text, i})
			i += n
		case c == '@':
			j := i + 1
			for j < len(input) && isTemporalChar(input[j]) {
				// A dot only belongs to the literal when fractional
				// seconds follow; otherwise it starts a member access.
				if input[j] == '.' && (j+1 >= len(input) || input[j+1] < '0' || input[j+1] > '9') {
					break
				}
				j++
			}
			if j == i+1 {
				return nil, lexError(input, i, "empty temporal literal")
			}
			toks = append(toks, token{tokTemporal, input[i+1 : j], i})
			i = j
		case c == '$':
			j := i + 1
			for j < len(input) && isIdentChar(input[j]) {
				j++
			}
			word := input[i:j]
			if word != "$this" {
				return nil, lexError(input, i, fmt.Sprintf("unknown variable %q", word))
			}
			toks = append(toks, token{tokThis, word, i})
			i = j
		case c >= '0' && c <= '9':
			j := i
			for j < len(input) && input[j] >= '0' && input[j] <= '9' {
				j++
			}
			if j < len(input) && input[j] == '.' && j+1 < len(input) && input[j+1] >= '0' && input[j+1] <= '9' {
				j++
				for j < len(input) && input[j] >= '0' && input[j] <= '9' {
					j++
				}
			}
			toks = append(toks, token{tokNumber, input[i:j], i})
			i = j
		case isIdentStart(c):
			j := i
			for j < len(input) && isIdentChar(input[j]) {
				j++
			}
			toks = append(toks, token{tokIdent, input[i:j], i})
			i = j
		default:
			if op, n := lexOperator(input, i); n > 0 {
				toks = append(toks, token{tokOp, op, i})
				i += n
				continue
			}
			return nil, lexError(input, i, fmt.Sprintf("unexpected character %q", c))
		}
	}
	toks = append(toks, token{tokEOF, "", len(input)})
	return toks, nil
}

func lexString(input string, start int) (string, int, error) {
	var sb strings.Builder
	i := start + 1
	for i < len(input) {
		c := input[i]
		if c == '\\' && i+1 < len(input) {
			next := input[i+1]
			switch next {
			case '\'', '\\':
				sb.WriteByte(next)
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			case 'r':
				sb.WriteByte('\r')
			default:
				sb.WriteByte(next)
			}
			i += 2
			continue
		}
		if c == '\'' {
			return sb.String(), i - start + 1, nil
		}
		sb.WriteByte(c)
		i++
	}
	return "", 0, fhirerrors.Newf(fhirerrors.ErrCodeParseUnterminated,
		"unterminated string literal at offset %d", start).WithOp("parse").Err()
}

func lexOperator(input string, i int) (string, int) {
	two := ""
	if i+1 < len(input) {
		two = input[i : i+2]
	}
	switch two {
	case "<=", ">=", "!=":
		return two, 2
	}
	switch input[i] {
	case '=', '<', '>', '+', '-', '*', '/', '&', '|':
		return string(input[i]), 1
	}
	return "", 0
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentChar(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

func isTemporalChar(c byte) bool {
	return (c >= '0' && c <= '9') || c == '-' || c == ':' || c == 'T' || c == '.' ||
		c == '+' || c == 'Z'
}

func lexError(input string, pos int, msg string) error {
	return fhirerrors.Newf(fhirerrors.ErrCodeParseSyntax, "%s at offset %d", msg, pos).
		WithOp("parse").Err()
}

// ---- parser ----

type parser struct {
	input string
	toks  []token
	pos   int
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	tk := p.toks[p.pos]
	if tk.kind != tokEOF {
		p.pos++
	}
	return tk
}

func (p *parser) errorf(tk token, format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	return fhirerrors.Newf(fhirerrors.ErrCodeParseUnexpected, "%s at offset %d", msg, tk.pos).
		WithOp("parse").Err()
}

// binding powers, low to high. Word operators are identifiers at lex
// time and resolve here.
var precedence = map[string]int{
	"implies":  1,
	"or":       2,
	"xor":      2,
	"and":      3,
	"in":       4,
	"contains": 4,
	"=":        5,
	"!=":       5,
	"<":        6,
	"<=":       6,
	">":        6,
	">=":       6,
	"|":        7,
	"&":        8,
	"+":        8,
	"-":        8,
	"*":        9,
	"/":        9,
	"div":      9,
	"mod":      9,
}

func (p *parser) parseExpression(minPrec int) (ast.Node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		tk := p.peek()
		op, ok := p.binaryOp(tk)
		if !ok {
			return left, nil
		}
		prec := precedence[op]
		if prec < minPrec {
			return left, nil
		}
		p.next()
		right, err := p.parseExpression(prec + 1)
		if err != nil {
			return nil, err
		}
		left = &ast.Binary{Op: op, Left: left, Right: right}
	}
}

func (p *parser) binaryOp(tk token) (string, bool) {
	switch tk.kind {
	case tokOp:
		_, ok := precedence[tk.text]
		return tk.text, ok
	case tokIdent:
		switch tk.text {
		case "and", "or", "xor", "implies", "div", "mod", "in", "contains":
			return tk.text, true
		}
	}
	return "", false
}

func (p *parser) parseUnary() (ast.Node, error) {
	tk := p.peek()
	if tk.kind == tokOp && (tk.text == "-" || tk.text == "+") {
		p.next()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		// Fold sign into numeric literals so raw spellings keep their
		// stated precision.
		if lit, ok := operand.(*ast.Literal); ok &&
			(lit.Kind == ast.LiteralInteger || lit.Kind == ast.LiteralDecimal) && tk.text == "-" {
			return &ast.Literal{Kind: lit.Kind, Text: "-" + lit.Text}, nil
		}
		if tk.text == "+" {
			return operand, nil
		}
		return &ast.Unary{Op: tk.text, Operand: operand}, nil
	}
	return p.parsePostfix()
}

func (p *parser) parsePostfix() (ast.Node, error) {
	node, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokDot {
		p.next()
		name := p.next()
		if name.kind != tokIdent {
			return nil, p.errorf(name, "expected identifier after '.', got %q", name.text)
		}
		if p.peek().kind == tokLParen {
			args, err := p.parseArgs()
			if err != nil {
				return nil, err
			}
			node = &ast.Call{Target: node, Name: name.text, Args: args}
			continue
		}
		node = &ast.Path{Target: node, Name: name.text}
	}
	return node, nil
}

func (p *parser) parsePrimary() (ast.Node, error) {
	tk := p.next()
	switch tk.kind {
	case tokNumber:
		kind := ast.LiteralInteger
		if strings.Contains(tk.text, ".") {
			kind = ast.LiteralDecimal
		}
		return &ast.Literal{Kind: kind, Text: tk.text}, nil
	case tokString:
		return &ast.Literal{Kind: ast.LiteralString, Text: tk.text}, nil
	case tokTemporal:
		kind := temporalKind(tk.text)
		text := tk.text
		if kind == ast.LiteralTime {
			text = strings.TrimPrefix(text, "T")
		}
		return &ast.Literal{Kind: kind, Text: text}, nil
	case tokThis:
		return &ast.This{}, nil
	case tokLBrace:
		if closing := p.next(); closing.kind != tokRBrace {
			return nil, p.errorf(closing, "expected '}' to close empty collection")
		}
		return &ast.Literal{Kind: ast.LiteralEmpty, Text: "{}"}, nil
	case tokLParen:
		node, err := p.parseExpression(0)
		if err != nil {
			return nil, err
		}
		if closing := p.next(); closing.kind != tokRParen {
			return nil, p.errorf(closing, "expected ')'")
		}
		return node, nil
	case tokIdent:
		switch tk.text {
		case "true", "false":
			return &ast.Literal{Kind: ast.LiteralBoolean, Text: tk.text}, nil
		}
		if p.peek().kind == tokLParen {
			args, err := p.parseArgs()
			if err != nil {
				return nil, err
			}
			return &ast.Call{Target: nil, Name: tk.text, Args: args}, nil
		}
		return &ast.Path{Target: nil, Name: tk.text}, nil
	default:
		return nil, p.errorf(tk, "unexpected %q", tk.text)
	}
}

func (p *parser) parseArgs() ([]ast.Node, error) {
	if open := p.next(); open.kind != tokLParen {
		return nil, p.errorf(open, "expected '('")
	}
	if p.peek().kind == tokRParen {
		p.next()
		return nil, nil
	}
	var args []ast.Node
	for {
		arg, err := p.parseExpression(0)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
		tk := p.next()
		if tk.kind == tokRParen {
			return args, nil
		}
		if tk.kind != tokComma {
			return nil, p.errorf(tk, "expected ',' or ')' in argument list")
		}
	}
}

// temporalKind classifies an @-literal: a leading time component is a
// time, a 'T' separator makes a dateTime, anything else is a date.
func temporalKind(text string) ast.LiteralKind {
	if strings.HasPrefix(text, "T") {
		return ast.LiteralTime
	}
	if strings.Contains(text, "T") {
		return ast.LiteralDateTime
	}
	return ast.LiteralDate
}
