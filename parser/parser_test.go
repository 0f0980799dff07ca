package parser

import (
	"testing"

	"github.com/medql/fhirsql/ast"
	fhirerrors "github.com/medql/fhirsql/pkg/errors"
)

func mustParse(t *testing.T, input string) ast.Node {
	t.Helper()
	node, err := Parse(input)
	if err != nil {
		t.Fatalf("Parse(%q): %v", input, err)
	}
	return node
}

func TestParsePrecedence(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"1 + 2 * 3", "(1 + (2 * 3))"},
		{"(1 + 2) * 3", "((1 + 2) * 3)"},
		{"a and b or c", "((a and b) or c)"},
		{"a or b and c", "(a or (b and c))"},
		{"a implies b or c", "(a implies (b or c))"},
		{"a = b and c = d", "((a = b) and (c = d))"},
		{"a | b = c", "((a | b) = c)"},
		{"1 < 2 = true", "((1 < 2) = true)"},
		{"7 div 2 + 1", "((7 div 2) + 1)"},
		{"x in a.b", "(x in a.b)"},
		{"a.b contains x", "(a.b contains x)"},
		{"'a' & 'b' & 'c'", "(('a' & 'b') & 'c')"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := mustParse(t, tt.input).String(); got != tt.want {
				t.Errorf("Parse(%q) = %s, want %s", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseLiteralKinds(t *testing.T) {
	tests := []struct {
		input string
		kind  ast.LiteralKind
		text  string
	}{
		{"42", ast.LiteralInteger, "42"},
		{"3.14", ast.LiteralDecimal, "3.14"},
		{"-5", ast.LiteralInteger, "-5"},
		{"-2.50", ast.LiteralDecimal, "-2.50"},
		{"'hi'", ast.LiteralString, "hi"},
		{"true", ast.LiteralBoolean, "true"},
		{"false", ast.LiteralBoolean, "false"},
		{"{}", ast.LiteralEmpty, "{}"},
		{"@2014", ast.LiteralDate, "2014"},
		{"@2014-03", ast.LiteralDate, "2014-03"},
		{"@2014-01-02", ast.LiteralDate, "2014-01-02"},
		{"@2014-01-02T10:28", ast.LiteralDateTime, "2014-01-02T10:28"},
		{"@2014-01-02T10:28:00.123", ast.LiteralDateTime, "2014-01-02T10:28:00.123"},
		{"@T10:28", ast.LiteralTime, "10:28"},
		{"@T10:28:05", ast.LiteralTime, "10:28:05"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			node := mustParse(t, tt.input)
			lit, ok := node.(*ast.Literal)
			if !ok {
				t.Fatalf("Parse(%q) = %T, want *ast.Literal", tt.input, node)
			}
			if lit.Kind != tt.kind {
				t.Errorf("kind = %v, want %v", lit.Kind, tt.kind)
			}
			if lit.Text != tt.text {
				t.Errorf("text = %q, want %q", lit.Text, tt.text)
			}
		})
	}
}

func TestParseTemporalMemberAccess(t *testing.T) {
	node := mustParse(t, "@2014.lowBoundary()")
	call, ok := node.(*ast.Call)
	if !ok {
		t.Fatalf("Parse = %T, want *ast.Call", node)
	}
	if call.Name != "lowBoundary" {
		t.Errorf("call name = %q", call.Name)
	}
	lit, ok := call.Target.(*ast.Literal)
	if !ok || lit.Kind != ast.LiteralDate || lit.Text != "2014" {
		t.Errorf("call target = %#v, want date literal 2014", call.Target)
	}
}

func TestParseStringEscapes(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{`'a\'b'`, "a'b"},
		{`'a\\b'`, `a\b`},
		{`'a\nb'`, "a\nb"},
		{`'a\tb'`, "a\tb"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			lit := mustParse(t, tt.input).(*ast.Literal)
			if lit.Text != tt.want {
				t.Errorf("text = %q, want %q", lit.Text, tt.want)
			}
		})
	}
}

func TestParsePathsAndCalls(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"Patient.name.given", "Patient.name.given"},
		{"name.where(use = 'official').given", "name.where((use = 'official')).given"},
		{"name.given.count()", "name.given.count()"},
		{"iif(active, 'a', 'b')", "iif(active, 'a', 'b')"},
		{"$this", "$this"},
		{"name.select($this.family)", "name.select($this.family)"},
		{"exists()", "exists()"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := mustParse(t, tt.input).String(); got != tt.want {
				t.Errorf("Parse(%q) = %s, want %s", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseUnaryMinusFoldsIntoLiteral(t *testing.T) {
	node := mustParse(t, "-1.sqrt()")
	// Postfix binds tighter, so the minus applies to the call result.
	if _, ok := node.(*ast.Unary); !ok {
		t.Fatalf("Parse = %T, want *ast.Unary", node)
	}
	node = mustParse(t, "(-1).sqrt()")
	call := node.(*ast.Call)
	lit, ok := call.Target.(*ast.Literal)
	if !ok || lit.Text != "-1" || lit.Kind != ast.LiteralInteger {
		t.Errorf("target = %#v, want folded integer literal -1", call.Target)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		input string
		code  fhirerrors.Code
	}{
		{"'unterminated", fhirerrors.ErrCodeParseUnterminated},
		{"1 +", fhirerrors.ErrCodeParseUnexpected},
		{"a..b", fhirerrors.ErrCodeParseUnexpected},
		{"f(1,", fhirerrors.ErrCodeParseUnexpected},
		{"(1 + 2", fhirerrors.ErrCodeParseUnexpected},
		{"{", fhirerrors.ErrCodeParseUnexpected},
		{"a # b", fhirerrors.ErrCodeParseSyntax},
		{"@", fhirerrors.ErrCodeParseSyntax},
		{"$that", fhirerrors.ErrCodeParseSyntax},
		{"1 2", fhirerrors.ErrCodeParseUnexpected},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			_, err := Parse(tt.input)
			if err == nil {
				t.Fatalf("Parse(%q): expected error", tt.input)
			}
			if got := fhirerrors.CodeOf(err); got != tt.code {
				t.Errorf("CodeOf(err) = %v, want %v (err: %v)", got, tt.code, err)
			}
		})
	}
}
