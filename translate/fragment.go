package translate

// Cardinality says whether a fragment denotes one value or a JSON
// array of values.
type Cardinality int

const (
	Scalar Cardinality = iota
	Collection
)

func (c Cardinality) String() string {
	if c == Collection {
		return "collection"
	}
	return "scalar"
}

// Fragment is one rendered SQL sub-expression plus the metadata the
// assembler needs to compose it. Fragments are immutable values:
// combining fragments always produces a new one, never mutates an
// input.
type Fragment struct {
	expression     string
	cardinality    Cardinality
	requiresUnnest bool
	isAggregate    bool
	dependencies   []string
}

// NewFragment builds a fragment. The dependency slice is copied and
// deduplicated preserving first occurrence.
func NewFragment(expr string, card Cardinality, requiresUnnest, isAggregate bool, deps []string) Fragment {
	return Fragment{
		expression:     expr,
		cardinality:    card,
		requiresUnnest: requiresUnnest,
		isAggregate:    isAggregate,
		dependencies:   mergeDeps(deps),
	}
}

func scalarFragment(expr string, deps []string) Fragment {
	return NewFragment(expr, Scalar, false, false, deps)
}

func collectionFragment(expr string, deps []string) Fragment {
	return NewFragment(expr, Collection, true, false, deps)
}

func aggregateFragment(expr string, deps []string) Fragment {
	return NewFragment(expr, Scalar, false, true, deps)
}

// Expression is the rendered SQL text.
func (f Fragment) Expression() string { return f.expression }

// Cardinality reports whether the fragment is a scalar or a collection.
func (f Fragment) Cardinality() Cardinality { return f.cardinality }

// RequiresUnnest reports whether consuming the fragment in a scalar
// context needs row expansion first.
func (f Fragment) RequiresUnnest() bool { return f.requiresUnnest }

// IsAggregate reports whether the expression already aggregates and
// must not be aggregated again.
func (f Fragment) IsAggregate() bool { return f.isAggregate }

// Dependencies returns the upstream identifiers the expression
// references, first-seen order, no duplicates. The returned slice is a
// copy.
func (f Fragment) Dependencies() []string {
	if len(f.dependencies) == 0 {
		return nil
	}
	out := make([]string, len(f.dependencies))
	copy(out, f.dependencies)
	return out
}

// Equal reports assembly interchangeability: two fragments with the
// same expression and cardinality compose identically.
func (f Fragment) Equal(other Fragment) bool {
	return f.expression == other.expression && f.cardinality == other.cardinality
}

// mergeDeps concatenates dependency lists, removing duplicates while
// keeping the first occurrence position of each name.
func mergeDeps(lists ...[]string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, list := range lists {
		for _, dep := range list {
			if dep == "" || seen[dep] {
				continue
			}
			seen[dep] = true
			out = append(out, dep)
		}
	}
	return out
}
