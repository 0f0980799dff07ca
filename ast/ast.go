// Package ast defines the expression tree consumed by the translator.
//
// Trees are produced by the parser package (or constructed directly by
// callers) and are treated as immutable once built. Every node variant is
// tagged through the Node interface so the translator can dispatch with a
// type switch.
package ast

import (
	"fmt"
	"strings"
)

// Node is the tagged variant over all expression node kinds.
type Node interface {
	node()
	String() string
}

// LiteralKind identifies the value kind of a Literal node.
type LiteralKind int

const (
	LiteralString LiteralKind = iota
	LiteralInteger
	LiteralDecimal
	LiteralBoolean
	LiteralDate
	LiteralDateTime
	LiteralTime
	LiteralEmpty // the {} empty-collection literal
)

func (k LiteralKind) String() string {
	switch k {
	case LiteralString:
		return "string"
	case LiteralInteger:
		return "integer"
	case LiteralDecimal:
		return "decimal"
	case LiteralBoolean:
		return "boolean"
	case LiteralDate:
		return "date"
	case LiteralDateTime:
		return "dateTime"
	case LiteralTime:
		return "time"
	case LiteralEmpty:
		return "empty"
	default:
		return "unknown"
	}
}

// Literal is a constant value. Text holds the raw source spelling so that
// downstream consumers can recover the stated precision of decimals and
// partial temporals (the spelling "1.0" is not the same value as "1.00"
// for boundary purposes).
type Literal struct {
	Kind LiteralKind
	Text string
}

func (*Literal) node() {}

func (l *Literal) String() string {
	if l.Kind == LiteralString {
		return fmt.Sprintf("'%s'", l.Text)
	}
	if l.Kind == LiteralEmpty {
		return "{}"
	}
	return l.Text
}

// Path is a navigation step. Target is the expression the step applies to;
// a nil Target means the step resolves against the current context (the
// resource root, or the bound element inside a per-element criteria).
type Path struct {
	Target Node
	Name   string
}

func (*Path) node() {}

func (p *Path) String() string {
	if p.Target == nil {
		return p.Name
	}
	return p.Target.String() + "." + p.Name
}

// This is the $this reference to the element bound by an enclosing
// per-element operation (where, all, exists with criteria, select).
type This struct{}

func (*This) node() {}

func (*This) String() string { return "$this" }

// Unary is a prefix operator application. The only unary operators in the
// grammar are numeric negation "-" and "+".
type Unary struct {
	Op      string
	Operand Node
}

func (*Unary) node() {}

func (u *Unary) String() string {
	return "(" + u.Op + u.Operand.String() + ")"
}

// Binary is an infix operator application.
type Binary struct {
	Op    string
	Left  Node
	Right Node
}

func (*Binary) node() {}

func (b *Binary) String() string {
	return fmt.Sprintf("(%s %s %s)", b.Left.String(), b.Op, b.Right.String())
}

// Call is a function invocation. Target is the receiver expression the
// function applies to; a nil Target applies the function to the current
// context. Args are the ordered argument expressions.
type Call struct {
	Target Node
	Name   string
	Args   []Node
}

func (*Call) node() {}

func (c *Call) String() string {
	var sb strings.Builder
	if c.Target != nil {
		sb.WriteString(c.Target.String())
		sb.WriteByte('.')
	}
	sb.WriteString(c.Name)
	sb.WriteByte('(')
	for i, a := range c.Args {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(a.String())
	}
	sb.WriteByte(')')
	return sb.String()
}

// Walk calls fn for node and every descendant in depth-first order.
// It is used by tooling and tests; the translator does its own recursion.
func Walk(node Node, fn func(Node)) {
	if node == nil {
		return
	}
	fn(node)
	switch n := node.(type) {
	case *Path:
		Walk(n.Target, fn)
	case *Unary:
		Walk(n.Operand, fn)
	case *Binary:
		Walk(n.Left, fn)
		Walk(n.Right, fn)
	case *Call:
		Walk(n.Target, fn)
		for _, a := range n.Args {
			Walk(a, fn)
		}
	}
}
