// Package translate walks expression trees and produces SQL fragments.
//
// The translator owns every semantic decision: which functions exist,
// their arity and cardinality contracts, empty-propagation rules, and
// the numeric edge-case policy. Syntax differences between SQL engines
// are delegated to a dialect.Dialect, so the same rule renders on every
// backend with identical observable behavior.
package translate

import (
	"fmt"
	"strings"

	"github.com/medql/fhirsql/ast"
	"github.com/medql/fhirsql/dialect"
	"github.com/medql/fhirsql/model"
	fhirerrors "github.com/medql/fhirsql/pkg/errors"
	"github.com/medql/fhirsql/pkg/log"
)

// Translator binds one dialect and one resource model for the duration
// of a translation request. The alias counter is request-scoped mutable
// state, so a Translator must not be shared across concurrent
// translations; construct one per request.
type Translator struct {
	dialect      dialect.Dialect
	model        *model.Model
	resourceType string
	docColumn    string
	sourceDep    string
	logger       *log.Logger

	aliasN int
}

// Option configures a Translator.
type Option func(*Translator)

// WithModel sets the resource model consulted for field types and
// repeatability. Without a model every field is treated as an unknown
// scalar.
func WithModel(m *model.Model) Option {
	return func(t *Translator) { t.model = m }
}

// WithResourceType names the resource the root context denotes, so a
// leading "Patient." step resolves to the document itself.
func WithResourceType(rt string) Option {
	return func(t *Translator) { t.resourceType = rt }
}

// WithDocumentColumn sets the SQL expression for the resource document
// at the root context. Default "resource.doc".
func WithDocumentColumn(expr string) Option {
	return func(t *Translator) { t.docColumn = expr }
}

// WithSourceDependency names the upstream CTE/table identifier root
// fragments depend on. Default "resource".
func WithSourceDependency(name string) Option {
	return func(t *Translator) { t.sourceDep = name }
}

// WithLogger sets the logger. Default is a no-op logger.
func WithLogger(l *log.Logger) Option {
	return func(t *Translator) { t.logger = l }
}

// New builds a Translator for the given dialect.
func New(d dialect.Dialect, opts ...Option) *Translator {
	t := &Translator{
		dialect:   d,
		docColumn: "resource.doc",
		sourceDep: "resource",
		logger:    log.Nop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Dialect returns the dialect the translator renders through.
func (t *Translator) Dialect() dialect.Dialect { return t.dialect }

// result is the walker's working value: the fragment plus the semantic
// element type, the dotted model path when the fragment is a
// navigation, and the literal node when the fragment renders a bare
// literal (rules fold literals at translation time).
type result struct {
	frag Fragment
	elem dialect.ElementType
	path string
	lit  *ast.Literal
}

// scope is the evaluation context a sub-expression translates under:
// the resource document at the root, or the bound element inside a
// per-element criteria (where, select, all, exists, any).
type scope struct {
	expr  string
	alias string
	elem  dialect.ElementType
	path  string
	deps  []string
}

// Translate walks the tree and returns the root fragment. The alias
// counter resets per call, so generated SQL is deterministic for a
// given tree.
func (t *Translator) Translate(root ast.Node) (Fragment, error) {
	t.aliasN = 0
	sc := scope{
		expr: t.docColumn,
		elem: dialect.ElemObject,
		deps: []string{t.sourceDep},
	}
	res, err := t.node(root, sc)
	if err != nil {
		t.logger.Translate().Error("translation failed", err, "dialect", t.dialect.Name())
		return Fragment{}, err
	}
	t.logger.Translate().Debug("translated expression",
		"dialect", t.dialect.Name(),
		"cardinality", res.frag.Cardinality().String())
	return res.frag, nil
}

func (t *Translator) nextAlias() string {
	t.aliasN++
	return fmt.Sprintf("e%d", t.aliasN)
}

func (t *Translator) node(n ast.Node, sc scope) (result, error) {
	switch n := n.(type) {
	case *ast.Literal:
		return t.literal(n, sc)
	case *ast.This:
		return t.contextValue(sc), nil
	case *ast.Path:
		return t.pathStep(n, sc)
	case *ast.Unary:
		return t.unary(n, sc)
	case *ast.Binary:
		return t.binary(n, sc)
	case *ast.Call:
		return t.call(n, sc)
	default:
		return result{}, fhirerrors.Newf(fhirerrors.ErrCodeUnsupportedNode,
			"unsupported expression node %T", n).WithOp("translate").Err()
	}
}

// contextValue materializes the current scope as a result.
func (t *Translator) contextValue(sc scope) result {
	return result{
		frag: scalarFragment(sc.expr, sc.deps),
		elem: sc.elem,
		path: sc.path,
	}
}

func (t *Translator) literal(n *ast.Literal, sc scope) (result, error) {
	d := t.dialect
	var expr string
	var elem dialect.ElementType
	switch n.Kind {
	case ast.LiteralString:
		expr, elem = d.StringLiteral(n.Text), dialect.ElemString
	case ast.LiteralInteger:
		expr, elem = d.NumberLiteral(n.Text), dialect.ElemInteger
	case ast.LiteralDecimal:
		expr, elem = d.NumberLiteral(n.Text), dialect.ElemDecimal
	case ast.LiteralBoolean:
		expr, elem = d.BoolLiteral(n.Text == "true"), dialect.ElemBoolean
	case ast.LiteralDate:
		expr, elem = d.StringLiteral(n.Text), dialect.ElemDate
	case ast.LiteralDateTime:
		expr, elem = d.StringLiteral(n.Text), dialect.ElemDateTime
	case ast.LiteralTime:
		expr, elem = d.StringLiteral(n.Text), dialect.ElemTime
	case ast.LiteralEmpty:
		expr, elem = d.NullLiteral(), dialect.ElemAny
	default:
		return result{}, fhirerrors.Newf(fhirerrors.ErrCodeUnsupportedNode,
			"unsupported literal kind %s", n.Kind).WithOp("translate").Err()
	}
	return result{frag: scalarFragment(expr, nil), elem: elem, lit: n}, nil
}

func (t *Translator) pathStep(n *ast.Path, sc scope) (result, error) {
	var target result
	if n.Target == nil {
		// A bare leading identifier naming the bound resource type is
		// the document itself, not a field.
		if sc.alias == "" && sc.path == "" && t.resourceType != "" && n.Name == t.resourceType {
			return t.contextValue(sc), nil
		}
		target = t.contextValue(sc)
	} else {
		var err error
		target, err = t.node(n.Target, sc)
		if err != nil {
			return result{}, err
		}
	}
	return t.navigate(target, n.Name)
}

// navigate resolves one field step against a target value.
func (t *Translator) navigate(target result, name string) (result, error) {
	d := t.dialect
	childPath := joinPath(target.path, name)
	repeats, elem := t.fieldInfo(childPath)
	deps := target.frag.Dependencies()

	if target.frag.Cardinality() == Scalar {
		switch target.elem {
		case dialect.ElemObject, dialect.ElemQuantity, dialect.ElemAny:
			// navigable
		default:
			// Stepping into a primitive yields nothing.
			return result{
				frag: scalarFragment(d.NullLiteral(), deps),
				elem: dialect.ElemAny,
				path: childPath,
			}, nil
		}
		if repeats {
			expr := d.JSONField(target.frag.Expression(), name, dialect.ElemObject)
			return result{
				frag: collectionFragment(expr, deps),
				elem: elem,
				path: childPath,
			}, nil
		}
		expr := d.JSONField(target.frag.Expression(), name, elem)
		return result{
			frag: scalarFragment(expr, deps),
			elem: elem,
			path: childPath,
		}, nil
	}

	// Navigation over a collection maps the step across elements,
	// dropping elements where the field is absent; a repeating field
	// flattens one level so the result stays a flat collection.
	alias := t.nextAlias()
	elemRef := d.ElementExpr(alias, dialect.ElemObject)
	if repeats {
		inner := t.nextAlias()
		proj := d.JSONField(elemRef, name, dialect.ElemObject)
		expr := d.CollectionFlatten(target.frag.Expression(), proj, "", alias, inner)
		return result{
			frag: collectionFragment(expr, deps),
			elem: elem,
			path: childPath,
		}, nil
	}
	proj := d.JSONField(elemRef, name, elem)
	expr := d.CollectionProject(target.frag.Expression(), proj, proj+" IS NOT NULL", alias)
	return result{
		frag: collectionFragment(expr, deps),
		elem: elem,
		path: childPath,
	}, nil
}

// fieldInfo resolves repeatability and element type for a dotted path.
// Undeclared paths with declared children are object-shaped; fully
// unknown paths default to an untyped scalar.
func (t *Translator) fieldInfo(path string) (bool, dialect.ElementType) {
	if t.model == nil || t.resourceType == "" {
		return false, dialect.ElemAny
	}
	def, ok := t.model.Lookup(t.resourceType, path)
	if !ok {
		if t.model.HasChildren(t.resourceType, path) {
			return false, dialect.ElemObject
		}
		return false, dialect.ElemAny
	}
	return def.Repeats, elemFromType(def.Type)
}

// elemFromType maps a model value-kind name to an element tag. Names
// outside the primitive set are complex types, navigated as objects.
func elemFromType(typ string) dialect.ElementType {
	switch strings.ToLower(typ) {
	case "boolean":
		return dialect.ElemBoolean
	case "integer", "positiveint", "unsignedint":
		return dialect.ElemInteger
	case "decimal":
		return dialect.ElemDecimal
	case "string", "code", "uri", "url", "canonical", "id", "oid", "markdown", "base64binary":
		return dialect.ElemString
	case "date":
		return dialect.ElemDate
	case "datetime", "instant":
		return dialect.ElemDateTime
	case "time":
		return dialect.ElemTime
	case "quantity":
		return dialect.ElemQuantity
	case "":
		return dialect.ElemAny
	default:
		return dialect.ElemObject
	}
}

func joinPath(base, name string) string {
	if base == "" {
		return name
	}
	return base + "." + name
}

func (t *Translator) unary(n *ast.Unary, sc scope) (result, error) {
	operand, err := t.node(n.Operand, sc)
	if err != nil {
		return result{}, err
	}
	if err := requireScalar(operand, "unary "+n.Op); err != nil {
		return result{}, err
	}
	switch n.Op {
	case "-", "+":
		expr := fmt.Sprintf("(%s(%s))", n.Op, operand.frag.Expression())
		return result{
			frag: scalarFragment(expr, operand.frag.Dependencies()),
			elem: operand.elem,
		}, nil
	default:
		return result{}, fhirerrors.Newf(fhirerrors.ErrCodeUnsupportedOperator,
			"unsupported unary operator %q", n.Op).WithOp("translate").Err()
	}
}

func (t *Translator) binary(n *ast.Binary, sc scope) (result, error) {
	left, err := t.node(n.Left, sc)
	if err != nil {
		return result{}, err
	}
	right, err := t.node(n.Right, sc)
	if err != nil {
		return result{}, err
	}

	switch n.Op {
	case "|":
		return t.union(left, right)
	case "in":
		return t.membership(left, right, n.Op)
	case "contains":
		return t.membership(right, left, n.Op)
	}

	if err := requireScalar(left, "operator "+n.Op); err != nil {
		return result{}, err
	}
	if err := requireScalar(right, "operator "+n.Op); err != nil {
		return result{}, err
	}

	d := t.dialect
	deps := mergeDeps(left.frag.Dependencies(), right.frag.Dependencies())
	l, r := t.coercePair(left, right)

	switch n.Op {
	case "and", "or":
		expr := fmt.Sprintf("((%s) %s (%s))", l, strings.ToUpper(n.Op), r)
		return boolResult(expr, deps), nil
	case "xor":
		expr := fmt.Sprintf("((%s) <> (%s))", l, r)
		return boolResult(expr, deps), nil
	case "implies":
		expr := fmt.Sprintf("((NOT (%s)) OR (%s))", l, r)
		return boolResult(expr, deps), nil
	case "=", "!=", "<", "<=", ">", ">=":
		op := n.Op
		if op == "!=" {
			op = "<>"
		}
		expr := fmt.Sprintf("((%s) %s (%s))", l, op, r)
		return boolResult(expr, deps), nil
	case "&":
		expr := d.ConcatWithCoalesce([]string{l, r})
		return result{frag: scalarFragment(expr, deps), elem: dialect.ElemString}, nil
	case "+":
		if isStringElem(left.elem) && isStringElem(right.elem) {
			expr := fmt.Sprintf("((%s) || (%s))", l, r)
			return result{frag: scalarFragment(expr, deps), elem: dialect.ElemString}, nil
		}
		return numericBinary(l, r, "+", deps, left, right), nil
	case "-":
		return numericBinary(l, r, "-", deps, left, right), nil
	case "*":
		return numericBinary(l, r, "*", deps, left, right), nil
	case "/":
		expr := guardDomain(fmt.Sprintf("(%s) = 0", r), d.Fn("fdiv", l, r))
		return result{frag: scalarFragment(expr, deps), elem: dialect.ElemDecimal}, nil
	case "div":
		expr := guardDomain(fmt.Sprintf("(%s) = 0", r), d.Fn("div", l, r))
		return result{frag: scalarFragment(expr, deps), elem: dialect.ElemInteger}, nil
	case "mod":
		expr := guardDomain(fmt.Sprintf("(%s) = 0", r), d.Fn("mod", l, r))
		return result{frag: scalarFragment(expr, deps), elem: left.elem}, nil
	default:
		return result{}, fhirerrors.Newf(fhirerrors.ErrCodeUnsupportedOperator,
			"unsupported operator %q", n.Op).WithOp("translate").Err()
	}
}

func numericBinary(l, r, op string, deps []string, left, right result) result {
	elem := dialect.ElemDecimal
	if left.elem == dialect.ElemInteger && right.elem == dialect.ElemInteger {
		elem = dialect.ElemInteger
	}
	expr := fmt.Sprintf("((%s) %s (%s))", l, op, r)
	return result{frag: scalarFragment(expr, deps), elem: elem}
}

func boolResult(expr string, deps []string) result {
	return result{frag: scalarFragment(expr, deps), elem: dialect.ElemBoolean}
}

// coercePair aligns an untyped operand with the other side's element
// type, so comparisons stay well-typed on engines with strict JSON
// value types. The bare empty literal stays a plain NULL: it has no
// value to unwrap and typed casts on it do not resolve everywhere.
func (t *Translator) coercePair(left, right result) (string, string) {
	l := left.frag.Expression()
	r := right.frag.Expression()
	if left.elem == dialect.ElemAny && right.elem != dialect.ElemAny && !isEmptyLit(left) {
		l = t.coerce(l, right.elem)
	}
	if right.elem == dialect.ElemAny && left.elem != dialect.ElemAny && !isEmptyLit(right) {
		r = t.coerce(r, left.elem)
	}
	return l, r
}

func isEmptyLit(r result) bool {
	return r.lit != nil && r.lit.Kind == ast.LiteralEmpty
}

func (t *Translator) coerce(expr string, want dialect.ElementType) string {
	switch want {
	case dialect.ElemInteger, dialect.ElemDecimal:
		return t.dialect.CastNumber(expr)
	case dialect.ElemString, dialect.ElemDate, dialect.ElemDateTime, dialect.ElemTime:
		return t.dialect.UnwrapText(expr)
	default:
		return expr
	}
}

// union renders the | operator: concatenate both sides as collections,
// then drop duplicates keeping first occurrence.
func (t *Translator) union(left, right result) (result, error) {
	flat, deps := t.concatCollections(left, right)
	expr := t.dialect.CollectionDistinct(flat, t.nextAlias())
	elem := left.elem
	if left.elem != right.elem {
		elem = dialect.ElemAny
	}
	return result{frag: collectionFragment(expr, deps), elem: elem}, nil
}

// concatCollections flattens the pair [left, right] into one collection
// preserving order; scalar operands are promoted to single-element
// collections first.
func (t *Translator) concatCollections(left, right result) (string, []string) {
	d := t.dialect
	pair := d.ArrayOfCollections([]string{
		t.asCollection(left), t.asCollection(right),
	})
	outer := t.nextAlias()
	inner := t.nextAlias()
	flat := d.CollectionFlatten(pair, d.RawElement(outer), "", outer, inner)
	return flat, mergeDeps(left.frag.Dependencies(), right.frag.Dependencies())
}

func (t *Translator) asCollection(r result) string {
	if r.frag.Cardinality() == Collection {
		return r.frag.Expression()
	}
	if r.lit != nil && r.lit.Kind == ast.LiteralEmpty {
		return t.dialect.EmptyArray()
	}
	// A NULL scalar is the empty collection, not a one-element array.
	return guardDomain(
		fmt.Sprintf("(%s) IS NULL", r.frag.Expression()),
		t.dialect.ArrayOfScalars([]string{r.frag.Expression()}),
	)
}

// membership renders "item in coll" (and its flipped spelling
// "coll contains item").
func (t *Translator) membership(item, coll result, op string) (result, error) {
	if err := requireScalar(item, "operator "+op); err != nil {
		return result{}, err
	}
	if coll.frag.Cardinality() != Collection {
		// Scalar right side degrades to equality.
		l, r := t.coercePair(item, coll)
		expr := fmt.Sprintf("((%s) = (%s))", l, r)
		return boolResult(expr, mergeDeps(item.frag.Dependencies(), coll.frag.Dependencies())), nil
	}
	alias := t.nextAlias()
	cond := fmt.Sprintf("(%s) = (%s)",
		t.dialect.ElementExpr(alias, item.elem), item.frag.Expression())
	expr := t.dialect.ExistentialQuantifier(coll.frag.Expression(), cond, alias)
	deps := mergeDeps(item.frag.Dependencies(), coll.frag.Dependencies())
	return result{frag: aggregateFragment(expr, deps), elem: dialect.ElemBoolean}, nil
}

// guardDomain wraps an expression so it yields no value when the
// violation condition holds. All numeric domain normalization funnels
// through here.
func guardDomain(violation, expr string) string {
	return fmt.Sprintf("CASE WHEN %s THEN NULL ELSE %s END", violation, expr)
}

func requireScalar(r result, what string) error {
	if r.frag.Cardinality() != Scalar {
		return fhirerrors.Newf(fhirerrors.ErrCodeInvalidCardinality,
			"%s requires a scalar operand, got a collection", what).
			WithOp("translate").Err()
	}
	return nil
}

func requireCollection(r result, what string) error {
	if r.frag.Cardinality() != Collection {
		return fhirerrors.Newf(fhirerrors.ErrCodeInvalidCardinality,
			"%s requires a collection operand, got a scalar", what).
			WithOp("translate").Err()
	}
	return nil
}

func isStringElem(e dialect.ElementType) bool {
	switch e {
	case dialect.ElemString, dialect.ElemDate, dialect.ElemDateTime, dialect.ElemTime:
		return true
	default:
		return false
	}
}
