package ast

import (
	"reflect"
	"testing"
)

func TestNodeString(t *testing.T) {
	tests := []struct {
		name string
		node Node
		want string
	}{
		{"string literal", &Literal{Kind: LiteralString, Text: "hello"}, "'hello'"},
		{"empty literal", &Literal{Kind: LiteralEmpty}, "{}"},
		{"integer literal", &Literal{Kind: LiteralInteger, Text: "42"}, "42"},
		{"bare path", &Path{Name: "name"}, "name"},
		{"chained path", &Path{Target: &Path{Name: "name"}, Name: "given"}, "name.given"},
		{"this", &This{}, "$this"},
		{"unary", &Unary{Op: "-", Operand: &Literal{Kind: LiteralInteger, Text: "5"}}, "(-5)"},
		{
			"binary",
			&Binary{Op: "+", Left: &Literal{Kind: LiteralInteger, Text: "1"}, Right: &Literal{Kind: LiteralInteger, Text: "2"}},
			"(1 + 2)",
		},
		{"bare call", &Call{Name: "exists"}, "exists()"},
		{
			"call with receiver and args",
			&Call{
				Target: &Path{Name: "name"},
				Name:   "skip",
				Args:   []Node{&Literal{Kind: LiteralInteger, Text: "1"}},
			},
			"name.skip(1)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.node.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLiteralKindString(t *testing.T) {
	kinds := map[LiteralKind]string{
		LiteralString:   "string",
		LiteralInteger:  "integer",
		LiteralDecimal:  "decimal",
		LiteralBoolean:  "boolean",
		LiteralDate:     "date",
		LiteralDateTime: "dateTime",
		LiteralTime:     "time",
		LiteralEmpty:    "empty",
		LiteralKind(99): "unknown",
	}
	for k, want := range kinds {
		if got := k.String(); got != want {
			t.Errorf("LiteralKind(%d).String() = %q, want %q", k, got, want)
		}
	}
}

func TestWalkDepthFirst(t *testing.T) {
	// name.where($this = 'x').count()
	tree := &Call{
		Target: &Call{
			Target: &Path{Name: "name"},
			Name:   "where",
			Args: []Node{
				&Binary{
					Op:    "=",
					Left:  &This{},
					Right: &Literal{Kind: LiteralString, Text: "x"},
				},
			},
		},
		Name: "count",
	}

	var got []string
	Walk(tree, func(n Node) {
		got = append(got, n.String())
	})

	want := []string{
		"name.where(($this = 'x')).count()",
		"name.where(($this = 'x'))",
		"name",
		"($this = 'x')",
		"$this",
		"'x'",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Walk order = %v, want %v", got, want)
	}
}

func TestWalkNilNode(t *testing.T) {
	calls := 0
	Walk(nil, func(Node) { calls++ })
	if calls != 0 {
		t.Errorf("Walk(nil) visited %d nodes, want 0", calls)
	}
}
