// Package dialect defines the capability surface a SQL engine must expose
// for the translator, plus the SQLite and PostgreSQL implementations.
//
// Every method is a pure syntax template: it receives already-rendered
// sub-expression strings and tags, and returns a SQL string. Dialects
// never decide whether an operation applies — only how it is written.
// The translator holds a Dialect interface value and owns all semantics,
// so semantic rules cannot diverge per backend.
//
// Collections are carried between operations as JSON array values
// (json1 text in SQLite, jsonb in PostgreSQL); the unnesting constructs
// below must preserve array element order.
package dialect

import (
	"fmt"
	"strings"
)

// ElementType tags the value kind of a JSON element or field. The
// translator resolves language-level type identifiers to these tags;
// dialects only spell out the corresponding predicates and casts.
type ElementType int

const (
	ElemAny ElementType = iota
	ElemBoolean
	ElemInteger
	ElemDecimal
	ElemString
	ElemDate
	ElemDateTime
	ElemTime
	ElemQuantity
	ElemObject
)

func (e ElementType) String() string {
	switch e {
	case ElemBoolean:
		return "boolean"
	case ElemInteger:
		return "integer"
	case ElemDecimal:
		return "decimal"
	case ElemString:
		return "string"
	case ElemDate:
		return "date"
	case ElemDateTime:
		return "dateTime"
	case ElemTime:
		return "time"
	case ElemQuantity:
		return "Quantity"
	case ElemObject:
		return "object"
	default:
		return "any"
	}
}

// Dialect is the capability contract one SQL engine implements. All
// string parameters are rendered SQL sub-expressions unless noted.
// Implementations must be stateless: same inputs, same output, always.
type Dialect interface {
	// Name identifies the dialect ("sqlite", "postgres").
	Name() string

	// Literal rendering.
	StringLiteral(s string) string
	NumberLiteral(text string) string // text is a validated numeric spelling
	BoolLiteral(v bool) string
	NullLiteral() string
	EmptyArray() string // the empty JSON collection value

	// JSONField accesses a field of a JSON document expression. The
	// element tag selects the engine's scalar unwrapping/cast spelling;
	// ElemObject (and ElemAny collections) keep the JSON representation
	// so navigation can continue.
	JSONField(doc, name string, elem ElementType) string

	// ElementExpr references the current element inside an unnesting
	// construct that bound the given alias, unwrapped per the tag.
	ElementExpr(alias string, elem ElementType) string

	// RawElement references the current element in its JSON
	// representation, preserving it exactly for re-aggregation.
	RawElement(alias string) string

	// CollectionProject unnests coll, applies projection per element
	// (referencing ElementExpr/RawElement under alias), keeps rows
	// matching cond ("" keeps all), and re-aggregates into a JSON array
	// preserving element order. A NULL coll behaves as empty.
	CollectionProject(coll, projection, cond, alias string) string

	// CollectionFlatten is CollectionProject for an array-valued
	// projection: each projected array is unnested under innerAlias and
	// its elements are emitted in order, flattening one level.
	CollectionFlatten(coll, projection, cond, outerAlias, innerAlias string) string

	// CollectionTypeFilter keeps the elements of coll whose runtime type
	// matches the tag, preserving relative order.
	CollectionTypeFilter(coll string, elem ElementType, alias string) string

	// TypePredicate is the per-element boolean test used by
	// CollectionTypeFilter, exposed for rules that combine it with
	// other conditions.
	TypePredicate(alias string, elem ElementType) string

	// CollectionSlice selects the window [skip, skip+take) of coll as a
	// JSON array. skip and take are rendered non-negative integer
	// expressions; take == "" means "to the end".
	CollectionSlice(coll, skip, take, alias string) string

	// CollectionDistinct removes duplicate elements, keeping the first
	// occurrence order.
	CollectionDistinct(coll, alias string) string

	// UniversalQuantifier is true iff cond holds for every element of
	// coll; an empty or NULL coll yields true. A NULL cond counts as a
	// violation.
	UniversalQuantifier(coll, cond, alias string) string

	// ExistentialQuantifier is true iff cond holds for at least one
	// element; empty or NULL coll yields false.
	ExistentialQuantifier(coll, cond, alias string) string

	// ArrayLength is the element count of coll; NULL for a NULL coll.
	ArrayLength(coll string) string

	// ElementAt extracts the element at the 0-based index expression as
	// a scalar, NULL when out of range.
	ElementAt(coll, index, alias string, elem ElementType) string

	// LastElement extracts the final element, NULL when empty.
	LastElement(coll, alias string, elem ElementType) string

	// UnnestExpression renders the raw table expression that expands
	// coll into rows under alias, for consumers that assemble their own
	// FROM clauses.
	UnnestExpression(coll, alias string) string

	// ArrayOfScalars builds a JSON array value from scalar expressions.
	ArrayOfScalars(items []string) string

	// ArrayOfCollections builds a JSON array whose elements are the
	// given JSON collection values (NULLs become empty arrays), for
	// one-level flattening into a concatenation.
	ArrayOfCollections(colls []string) string

	// JoinStrings concatenates the string elements of coll in order,
	// separated by the sep expression; empty coll yields ''.
	JoinStrings(coll, sep, alias string) string

	// ConcatWithCoalesce concatenates the parts, coalescing each NULL
	// part to the empty string and casting every part to text.
	ConcatWithCoalesce(parts []string) string

	// Casts.
	CastText(e string) string
	CastNumber(e string) string

	// UnwrapText extracts the text content of an untyped JSON value
	// (a bare string for JSON strings, the printed form otherwise).
	UnwrapText(e string) string

	// GreatestZero clamps an integer expression to >= 0.
	GreatestZero(e string) string

	// Fn renders a named scalar function in this engine's spelling.
	// Unknown names fall back to NAME(args...).
	Fn(name string, args ...string) string

	// DecimalScale counts the digits after the decimal point of a
	// numeric text expression (0 when there is no point).
	DecimalScale(numText string) string

	// MonthEnd completes a 'YYYY-MM' text expression to the last day of
	// that month as 'YYYY-MM-DD'.
	MonthEnd(yearMonth string) string
}

// Get returns the dialect registered under the given name.
func Get(name string) (Dialect, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "sqlite", "sqlite3":
		return SQLite(), true
	case "postgres", "postgresql", "pg":
		return Postgres(), true
	default:
		return nil, false
	}
}

// Names lists the available dialect names.
func Names() []string {
	return []string{"sqlite", "postgres"}
}

// renderFn formats a function template map entry. Templates use
// positional verbs (%[1]s) when the engine reorders arguments.
func renderFn(templates map[string]string, name string, args []string) string {
	if tpl, ok := templates[strings.ToLower(name)]; ok {
		anyArgs := make([]interface{}, len(args))
		for i, a := range args {
			anyArgs[i] = a
		}
		return fmt.Sprintf(tpl, anyArgs...)
	}
	return strings.ToUpper(name) + "(" + strings.Join(args, ", ") + ")"
}

// escapeSingle doubles single quotes for embedding in a SQL string
// literal.
func escapeSingle(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
