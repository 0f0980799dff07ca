package translate

import (
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/medql/fhirsql/ast"
	"github.com/medql/fhirsql/dialect"
	fhirerrors "github.com/medql/fhirsql/pkg/errors"
)

// rule is one function translation: its arity contract plus the
// translation body. Cardinality requirements are checked inside each
// body because several functions accept both scalar and collection
// receivers with closed-form spellings for each.
type rule struct {
	minArgs   int
	maxArgs   int
	translate func(t *Translator, sc scope, recv result, args []ast.Node) (result, error)
}

// functions is the closed registry. Dispatch outside this set fails
// with UnsupportedFunction; nothing falls through to generated SQL.
// Populated in init: the translation bodies recurse back through the
// registry, so a composite literal would be an initialization cycle.
var functions map[string]rule

func init() {
	functions = map[string]rule{
		// existence
		"empty":  {0, 0, fnEmpty},
		"exists": {0, 1, fnExists},
		"count":  {0, 0, fnCount},
		"not":    {0, 0, fnNot},

		// filtering and projection
		"where":    {1, 1, fnWhere},
		"select":   {1, 1, fnSelect},
		"ofType":   {1, 1, fnOfType},
		"distinct": {0, 0, fnDistinct},

		// subsetting
		"first":  {0, 0, fnFirst},
		"last":   {0, 0, fnLast},
		"tail":   {0, 0, fnTail},
		"skip":   {1, 1, fnSkip},
		"take":   {1, 1, fnTake},
		"single": {0, 0, fnSingle},

		// combining
		"combine": {1, 1, fnCombine},
		"union":   {1, 1, fnUnion},

		// quantifiers
		"all":      {1, 1, fnAll},
		"allTrue":  {0, 0, fnAllTrue},
		"anyTrue":  {0, 0, fnAnyTrue},
		"allFalse": {0, 0, fnAllFalse},
		"anyFalse": {0, 0, fnAnyFalse},

		// strings
		"upper":      {0, 0, fnUpper},
		"lower":      {0, 0, fnLower},
		"trim":       {0, 0, fnTrim},
		"length":     {0, 0, fnLength},
		"indexOf":    {1, 1, fnIndexOf},
		"substring":  {1, 2, fnSubstring},
		"startsWith": {1, 1, fnStartsWith},
		"endsWith":   {1, 1, fnEndsWith},
		"contains":   {1, 1, fnContainsStr},
		"replace":    {2, 2, fnReplace},
		"matches":    {1, 1, fnMatches},
		"join":       {0, 1, fnJoin},

		// math
		"abs":      {0, 0, fnAbs},
		"ceiling":  {0, 0, fnCeiling},
		"floor":    {0, 0, fnFloor},
		"truncate": {0, 0, fnTruncate},
		"round":    {0, 1, fnRound},
		"sqrt":     {0, 0, fnSqrt},
		"exp":      {0, 0, fnExp},
		"ln":       {0, 0, fnLn},
		"log":      {1, 1, fnLog},
		"power":    {1, 1, fnPower},

		// conversion
		"toString":  {0, 0, fnToString},
		"toInteger": {0, 0, fnToInteger},
		"toDecimal": {0, 0, fnToDecimal},
		"toBoolean": {0, 0, fnToBoolean},
		"iif":       {2, 3, fnIif},

		// boundaries
		"lowBoundary":  {0, 0, fnLowBoundary},
		"highBoundary": {0, 0, fnHighBoundary},
	}
}

// expOverflowLimit bounds exp() and power() magnitudes: beyond it
// double-backed engines produce Infinity and numeric-backed engines
// raise, so both sides are normalized to no value.
const expOverflowLimit = 700

func (t *Translator) call(n *ast.Call, sc scope) (result, error) {
	var recv result
	if n.Target == nil {
		recv = t.contextValue(sc)
	} else {
		var err error
		recv, err = t.node(n.Target, sc)
		if err != nil {
			return result{}, err
		}
	}
	r, ok := functions[n.Name]
	if !ok {
		return result{}, fhirerrors.Newf(fhirerrors.ErrCodeUnsupportedFunction,
			"unsupported function %q", n.Name).
			WithOp("translate").WithField("function", n.Name).Err()
	}
	if len(n.Args) < r.minArgs || len(n.Args) > r.maxArgs {
		return result{}, fhirerrors.Newf(fhirerrors.ErrCodeArityMismatch,
			"%s expects %s, got %d", n.Name, arityText(r.minArgs, r.maxArgs), len(n.Args)).
			WithOp("translate").WithField("function", n.Name).Err()
	}
	return r.translate(t, sc, recv, n.Args)
}

func arityText(min, max int) string {
	if min == max {
		if min == 1 {
			return "1 argument"
		}
		return fmt.Sprintf("%d arguments", min)
	}
	return fmt.Sprintf("%d to %d arguments", min, max)
}

// elementScope binds the per-element context for criteria arguments.
func (t *Translator) elementScope(recv result, alias string) scope {
	return scope{
		expr:  t.dialect.ElementExpr(alias, recv.elem),
		alias: alias,
		elem:  recv.elem,
		path:  recv.path,
		deps:  recv.frag.Dependencies(),
	}
}

// scalarScope binds a scalar receiver itself as the criteria context.
func scalarScope(recv result) scope {
	return scope{
		expr: recv.frag.Expression(),
		elem: recv.elem,
		path: recv.path,
		deps: recv.frag.Dependencies(),
	}
}

// argScalar translates an argument in the caller's scope and requires a
// scalar.
func (t *Translator) argScalar(sc scope, n ast.Node, what string) (result, error) {
	res, err := t.node(n, sc)
	if err != nil {
		return result{}, err
	}
	if err := requireScalar(res, what); err != nil {
		return result{}, err
	}
	return res, nil
}

// stringInput renders a scalar receiver as a text expression.
func (t *Translator) stringInput(recv result, fn string) (string, error) {
	if err := requireScalar(recv, fn); err != nil {
		return "", err
	}
	expr := recv.frag.Expression()
	switch {
	case isStringElem(recv.elem):
		return expr, nil
	case recv.elem == dialect.ElemAny:
		return t.dialect.UnwrapText(expr), nil
	default:
		return t.dialect.CastText(expr), nil
	}
}

// numberInput renders a scalar receiver as a numeric expression.
func (t *Translator) numberInput(recv result, fn string) (string, error) {
	if err := requireScalar(recv, fn); err != nil {
		return "", err
	}
	expr := recv.frag.Expression()
	switch recv.elem {
	case dialect.ElemInteger, dialect.ElemDecimal:
		return expr, nil
	default:
		return t.dialect.CastNumber(expr), nil
	}
}

// litDecimal recovers the exact decimal of an integer or decimal
// literal result, enabling translation-time folding.
func litDecimal(r result) (decimal.Decimal, bool) {
	if r.lit == nil {
		return decimal.Decimal{}, false
	}
	if r.lit.Kind != ast.LiteralInteger && r.lit.Kind != ast.LiteralDecimal {
		return decimal.Decimal{}, false
	}
	d, err := decimal.NewFromString(r.lit.Text)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}

func emptyResult(t *Translator, deps []string, elem dialect.ElementType) result {
	return result{frag: scalarFragment(t.dialect.NullLiteral(), deps), elem: elem}
}

// ---- existence ----

func fnEmpty(t *Translator, sc scope, recv result, args []ast.Node) (result, error) {
	deps := recv.frag.Dependencies()
	if recv.frag.Cardinality() == Collection {
		expr := fmt.Sprintf("(COALESCE(%s, 0) = 0)", t.dialect.ArrayLength(recv.frag.Expression()))
		return boolResult(expr, deps), nil
	}
	return boolResult(fmt.Sprintf("((%s) IS NULL)", recv.frag.Expression()), deps), nil
}

func fnExists(t *Translator, sc scope, recv result, args []ast.Node) (result, error) {
	deps := recv.frag.Dependencies()
	if len(args) == 0 {
		if recv.frag.Cardinality() == Collection {
			expr := fmt.Sprintf("(COALESCE(%s, 0) > 0)", t.dialect.ArrayLength(recv.frag.Expression()))
			return boolResult(expr, deps), nil
		}
		return boolResult(fmt.Sprintf("((%s) IS NOT NULL)", recv.frag.Expression()), deps), nil
	}
	if recv.frag.Cardinality() == Collection {
		alias := t.nextAlias()
		crit, err := t.node(args[0], t.elementScope(recv, alias))
		if err != nil {
			return result{}, err
		}
		expr := t.dialect.ExistentialQuantifier(recv.frag.Expression(), crit.frag.Expression(), alias)
		return result{
			frag: aggregateFragment(expr, mergeDeps(deps, crit.frag.Dependencies())),
			elem: dialect.ElemBoolean,
		}, nil
	}
	crit, err := t.node(args[0], scalarScope(recv))
	if err != nil {
		return result{}, err
	}
	expr := fmt.Sprintf("((%s) IS NOT NULL AND (%s) IS TRUE)",
		recv.frag.Expression(), crit.frag.Expression())
	return boolResult(expr, mergeDeps(deps, crit.frag.Dependencies())), nil
}

func fnCount(t *Translator, sc scope, recv result, args []ast.Node) (result, error) {
	deps := recv.frag.Dependencies()
	if recv.frag.Cardinality() == Collection {
		// Never NULL: an absent field counts as zero elements.
		expr := fmt.Sprintf("COALESCE(%s, 0)", t.dialect.ArrayLength(recv.frag.Expression()))
		return result{frag: aggregateFragment(expr, deps), elem: dialect.ElemInteger}, nil
	}
	expr := fmt.Sprintf("CASE WHEN (%s) IS NULL THEN 0 ELSE 1 END", recv.frag.Expression())
	return result{frag: scalarFragment(expr, deps), elem: dialect.ElemInteger}, nil
}

func fnNot(t *Translator, sc scope, recv result, args []ast.Node) (result, error) {
	if err := requireScalar(recv, "not()"); err != nil {
		return result{}, err
	}
	expr := fmt.Sprintf("(NOT (%s))", recv.frag.Expression())
	return boolResult(expr, recv.frag.Dependencies()), nil
}

// ---- filtering and projection ----

func fnWhere(t *Translator, sc scope, recv result, args []ast.Node) (result, error) {
	d := t.dialect
	if recv.frag.Cardinality() == Collection {
		alias := t.nextAlias()
		crit, err := t.node(args[0], t.elementScope(recv, alias))
		if err != nil {
			return result{}, err
		}
		cond := fmt.Sprintf("(%s) IS TRUE", crit.frag.Expression())
		expr := d.CollectionProject(recv.frag.Expression(), d.RawElement(alias), cond, alias)
		return result{
			frag: collectionFragment(expr, mergeDeps(recv.frag.Dependencies(), crit.frag.Dependencies())),
			elem: recv.elem,
			path: recv.path,
		}, nil
	}
	crit, err := t.node(args[0], scalarScope(recv))
	if err != nil {
		return result{}, err
	}
	expr := fmt.Sprintf("CASE WHEN (%s) IS TRUE THEN %s ELSE NULL END",
		crit.frag.Expression(), recv.frag.Expression())
	return result{
		frag: scalarFragment(expr, mergeDeps(recv.frag.Dependencies(), crit.frag.Dependencies())),
		elem: recv.elem,
		path: recv.path,
	}, nil
}

func fnSelect(t *Translator, sc scope, recv result, args []ast.Node) (result, error) {
	d := t.dialect
	if recv.frag.Cardinality() != Collection {
		return t.node(args[0], scalarScope(recv))
	}
	alias := t.nextAlias()
	proj, err := t.node(args[0], t.elementScope(recv, alias))
	if err != nil {
		return result{}, err
	}
	deps := mergeDeps(recv.frag.Dependencies(), proj.frag.Dependencies())
	if proj.frag.Cardinality() == Collection {
		inner := t.nextAlias()
		expr := d.CollectionFlatten(recv.frag.Expression(), proj.frag.Expression(), "", alias, inner)
		return result{frag: collectionFragment(expr, deps), elem: proj.elem, path: proj.path}, nil
	}
	cond := fmt.Sprintf("(%s) IS NOT NULL", proj.frag.Expression())
	expr := d.CollectionProject(recv.frag.Expression(), proj.frag.Expression(), cond, alias)
	return result{frag: collectionFragment(expr, deps), elem: proj.elem, path: proj.path}, nil
}

func fnOfType(t *Translator, sc scope, recv result, args []ast.Node) (result, error) {
	if err := requireCollection(recv, "ofType()"); err != nil {
		return result{}, err
	}
	tag, err := resolveTypeTag(args[0])
	if err != nil {
		return result{}, err
	}
	expr := t.dialect.CollectionTypeFilter(recv.frag.Expression(), tag, t.nextAlias())
	frag := NewFragment(expr, Collection, recv.frag.RequiresUnnest(), false, recv.frag.Dependencies())
	return result{frag: frag, elem: tag, path: recv.path}, nil
}

// resolveTypeTag maps a type-identifier argument to an element tag.
// Qualified spellings (System.Integer, FHIR.string) resolve on their
// final segment.
func resolveTypeTag(n ast.Node) (dialect.ElementType, error) {
	p, ok := n.(*ast.Path)
	if !ok {
		return dialect.ElemAny, fhirerrors.Newf(fhirerrors.ErrCodeUnknownType,
			"type argument must be a type identifier").WithOp("translate").Err()
	}
	name := p.Name
	switch strings.ToLower(name) {
	case "boolean":
		return dialect.ElemBoolean, nil
	case "integer":
		return dialect.ElemInteger, nil
	case "decimal":
		return dialect.ElemDecimal, nil
	case "string":
		return dialect.ElemString, nil
	case "date":
		return dialect.ElemDate, nil
	case "datetime":
		return dialect.ElemDateTime, nil
	case "time":
		return dialect.ElemTime, nil
	case "quantity":
		return dialect.ElemQuantity, nil
	default:
		return dialect.ElemAny, fhirerrors.Newf(fhirerrors.ErrCodeUnknownType,
			"unknown type %q", name).WithOp("translate").WithField("type", name).Err()
	}
}

func fnDistinct(t *Translator, sc scope, recv result, args []ast.Node) (result, error) {
	if err := requireCollection(recv, "distinct()"); err != nil {
		return result{}, err
	}
	expr := t.dialect.CollectionDistinct(recv.frag.Expression(), t.nextAlias())
	return result{
		frag: collectionFragment(expr, recv.frag.Dependencies()),
		elem: recv.elem,
		path: recv.path,
	}, nil
}

// ---- subsetting ----

func fnFirst(t *Translator, sc scope, recv result, args []ast.Node) (result, error) {
	if recv.frag.Cardinality() != Collection {
		return recv, nil
	}
	expr := t.dialect.ElementAt(recv.frag.Expression(), "0", t.nextAlias(), recv.elem)
	return result{
		frag: scalarFragment(expr, recv.frag.Dependencies()),
		elem: recv.elem,
		path: recv.path,
	}, nil
}

func fnLast(t *Translator, sc scope, recv result, args []ast.Node) (result, error) {
	if recv.frag.Cardinality() != Collection {
		return recv, nil
	}
	expr := t.dialect.LastElement(recv.frag.Expression(), t.nextAlias(), recv.elem)
	return result{
		frag: scalarFragment(expr, recv.frag.Dependencies()),
		elem: recv.elem,
		path: recv.path,
	}, nil
}

func fnTail(t *Translator, sc scope, recv result, args []ast.Node) (result, error) {
	if err := requireCollection(recv, "tail()"); err != nil {
		return result{}, err
	}
	expr := t.dialect.CollectionSlice(recv.frag.Expression(), "1", "", t.nextAlias())
	return result{
		frag: collectionFragment(expr, recv.frag.Dependencies()),
		elem: recv.elem,
		path: recv.path,
	}, nil
}

func fnSkip(t *Translator, sc scope, recv result, args []ast.Node) (result, error) {
	return t.slice(sc, recv, args[0], true)
}

func fnTake(t *Translator, sc scope, recv result, args []ast.Node) (result, error) {
	return t.slice(sc, recv, args[0], false)
}

// slice renders skip and take. Negative counts clamp to zero in SQL so
// the policy is explicit in the generated expression, not inherited
// from engine-specific LIMIT/OFFSET behavior.
func (t *Translator) slice(sc scope, recv result, arg ast.Node, isSkip bool) (result, error) {
	name := "take()"
	if isSkip {
		name = "skip()"
	}
	if err := requireCollection(recv, name); err != nil {
		return result{}, err
	}
	n, err := t.argScalar(sc, arg, name+" argument")
	if err != nil {
		return result{}, err
	}
	clamped := t.dialect.GreatestZero(n.frag.Expression())
	var expr string
	if isSkip {
		expr = t.dialect.CollectionSlice(recv.frag.Expression(), clamped, "", t.nextAlias())
	} else {
		expr = t.dialect.CollectionSlice(recv.frag.Expression(), "0", clamped, t.nextAlias())
	}
	return result{
		frag: collectionFragment(expr, mergeDeps(recv.frag.Dependencies(), n.frag.Dependencies())),
		elem: recv.elem,
		path: recv.path,
	}, nil
}

func fnSingle(t *Translator, sc scope, recv result, args []ast.Node) (result, error) {
	if recv.frag.Cardinality() != Collection {
		return recv, nil
	}
	coll := recv.frag.Expression()
	expr := fmt.Sprintf("CASE WHEN COALESCE(%s, 0) = 1 THEN %s ELSE NULL END",
		t.dialect.ArrayLength(coll),
		t.dialect.ElementAt(coll, "0", t.nextAlias(), recv.elem))
	return result{
		frag: scalarFragment(expr, recv.frag.Dependencies()),
		elem: recv.elem,
		path: recv.path,
	}, nil
}

// ---- combining ----

func fnCombine(t *Translator, sc scope, recv result, args []ast.Node) (result, error) {
	other, err := t.node(args[0], sc)
	if err != nil {
		return result{}, err
	}
	flat, deps := t.concatCollections(recv, other)
	elem := recv.elem
	if recv.elem != other.elem {
		elem = dialect.ElemAny
	}
	return result{frag: collectionFragment(flat, deps), elem: elem}, nil
}

func fnUnion(t *Translator, sc scope, recv result, args []ast.Node) (result, error) {
	other, err := t.node(args[0], sc)
	if err != nil {
		return result{}, err
	}
	return t.union(recv, other)
}

// ---- quantifiers ----

func fnAll(t *Translator, sc scope, recv result, args []ast.Node) (result, error) {
	if err := requireCollection(recv, "all()"); err != nil {
		return result{}, err
	}
	alias := t.nextAlias()
	crit, err := t.node(args[0], t.elementScope(recv, alias))
	if err != nil {
		return result{}, err
	}
	expr := t.dialect.UniversalQuantifier(recv.frag.Expression(), crit.frag.Expression(), alias)
	return result{
		frag: aggregateFragment(expr, mergeDeps(recv.frag.Dependencies(), crit.frag.Dependencies())),
		elem: dialect.ElemBoolean,
	}, nil
}

func fnAllTrue(t *Translator, sc scope, recv result, args []ast.Node) (result, error) {
	return t.booleanQuantifier(recv, "allTrue()", true, false)
}

func fnAnyTrue(t *Translator, sc scope, recv result, args []ast.Node) (result, error) {
	return t.booleanQuantifier(recv, "anyTrue()", false, false)
}

func fnAllFalse(t *Translator, sc scope, recv result, args []ast.Node) (result, error) {
	return t.booleanQuantifier(recv, "allFalse()", true, true)
}

func fnAnyFalse(t *Translator, sc scope, recv result, args []ast.Node) (result, error) {
	return t.booleanQuantifier(recv, "anyFalse()", false, true)
}

func (t *Translator) booleanQuantifier(recv result, name string, universal, negate bool) (result, error) {
	if err := requireCollection(recv, name); err != nil {
		return result{}, err
	}
	alias := t.nextAlias()
	cond := t.dialect.ElementExpr(alias, dialect.ElemBoolean)
	if negate {
		cond = fmt.Sprintf("NOT (%s)", cond)
	}
	var expr string
	if universal {
		expr = t.dialect.UniversalQuantifier(recv.frag.Expression(), cond, alias)
	} else {
		expr = t.dialect.ExistentialQuantifier(recv.frag.Expression(), cond, alias)
	}
	return result{
		frag: aggregateFragment(expr, recv.frag.Dependencies()),
		elem: dialect.ElemBoolean,
	}, nil
}

// ---- strings ----

func fnUpper(t *Translator, sc scope, recv result, args []ast.Node) (result, error) {
	return t.stringUnary(recv, "upper")
}

func fnLower(t *Translator, sc scope, recv result, args []ast.Node) (result, error) {
	return t.stringUnary(recv, "lower")
}

func fnTrim(t *Translator, sc scope, recv result, args []ast.Node) (result, error) {
	return t.stringUnary(recv, "trim")
}

func (t *Translator) stringUnary(recv result, fn string) (result, error) {
	x, err := t.stringInput(recv, fn+"()")
	if err != nil {
		return result{}, err
	}
	return result{
		frag: scalarFragment(t.dialect.Fn(fn, x), recv.frag.Dependencies()),
		elem: dialect.ElemString,
	}, nil
}

func fnLength(t *Translator, sc scope, recv result, args []ast.Node) (result, error) {
	x, err := t.stringInput(recv, "length()")
	if err != nil {
		return result{}, err
	}
	return result{
		frag: scalarFragment(t.dialect.Fn("length", x), recv.frag.Dependencies()),
		elem: dialect.ElemInteger,
	}, nil
}

func fnIndexOf(t *Translator, sc scope, recv result, args []ast.Node) (result, error) {
	x, err := t.stringInput(recv, "indexOf()")
	if err != nil {
		return result{}, err
	}
	sub, err := t.argScalar(sc, args[0], "indexOf() argument")
	if err != nil {
		return result{}, err
	}
	// 0-based position; -1 when absent.
	expr := fmt.Sprintf("(%s - 1)", t.dialect.Fn("instr", x, sub.frag.Expression()))
	return result{
		frag: scalarFragment(expr, mergeDeps(recv.frag.Dependencies(), sub.frag.Dependencies())),
		elem: dialect.ElemInteger,
	}, nil
}

func fnSubstring(t *Translator, sc scope, recv result, args []ast.Node) (result, error) {
	d := t.dialect
	x, err := t.stringInput(recv, "substring()")
	if err != nil {
		return result{}, err
	}
	start, err := t.argScalar(sc, args[0], "substring() start")
	if err != nil {
		return result{}, err
	}
	deps := mergeDeps(recv.frag.Dependencies(), start.frag.Dependencies())
	length := d.Fn("length", x)
	if len(args) == 2 {
		n, err := t.argScalar(sc, args[1], "substring() length")
		if err != nil {
			return result{}, err
		}
		deps = mergeDeps(deps, n.frag.Dependencies())
		length = n.frag.Expression()
	}
	s := start.frag.Expression()
	// Out-of-range start yields no value, matching the language's
	// empty-propagation rule rather than engine-specific clipping.
	expr := guardDomain(
		fmt.Sprintf("(%s) < 0 OR (%s) >= %s", s, s, d.Fn("length", x)),
		d.Fn("substr", x, fmt.Sprintf("(%s) + 1", s), length),
	)
	return result{frag: scalarFragment(expr, deps), elem: dialect.ElemString}, nil
}

func fnStartsWith(t *Translator, sc scope, recv result, args []ast.Node) (result, error) {
	d := t.dialect
	x, err := t.stringInput(recv, "startsWith()")
	if err != nil {
		return result{}, err
	}
	p, err := t.argScalar(sc, args[0], "startsWith() argument")
	if err != nil {
		return result{}, err
	}
	pe := p.frag.Expression()
	expr := fmt.Sprintf("(%s = %s)",
		d.Fn("substr", x, "1", d.Fn("length", pe)), pe)
	return boolResult(expr, mergeDeps(recv.frag.Dependencies(), p.frag.Dependencies())), nil
}

func fnEndsWith(t *Translator, sc scope, recv result, args []ast.Node) (result, error) {
	d := t.dialect
	x, err := t.stringInput(recv, "endsWith()")
	if err != nil {
		return result{}, err
	}
	p, err := t.argScalar(sc, args[0], "endsWith() argument")
	if err != nil {
		return result{}, err
	}
	pe := p.frag.Expression()
	lx, lp := d.Fn("length", x), d.Fn("length", pe)
	expr := fmt.Sprintf("(%s >= %s AND %s = %s)",
		lx, lp,
		d.Fn("substr", x, fmt.Sprintf("%s - %s + 1", lx, lp), lp), pe)
	return boolResult(expr, mergeDeps(recv.frag.Dependencies(), p.frag.Dependencies())), nil
}

func fnContainsStr(t *Translator, sc scope, recv result, args []ast.Node) (result, error) {
	x, err := t.stringInput(recv, "contains()")
	if err != nil {
		return result{}, err
	}
	sub, err := t.argScalar(sc, args[0], "contains() argument")
	if err != nil {
		return result{}, err
	}
	expr := fmt.Sprintf("(%s > 0)", t.dialect.Fn("instr", x, sub.frag.Expression()))
	return boolResult(expr, mergeDeps(recv.frag.Dependencies(), sub.frag.Dependencies())), nil
}

func fnReplace(t *Translator, sc scope, recv result, args []ast.Node) (result, error) {
	x, err := t.stringInput(recv, "replace()")
	if err != nil {
		return result{}, err
	}
	from, err := t.argScalar(sc, args[0], "replace() pattern")
	if err != nil {
		return result{}, err
	}
	to, err := t.argScalar(sc, args[1], "replace() substitution")
	if err != nil {
		return result{}, err
	}
	expr := t.dialect.Fn("replace", x, from.frag.Expression(), to.frag.Expression())
	deps := mergeDeps(recv.frag.Dependencies(), from.frag.Dependencies(), to.frag.Dependencies())
	return result{frag: scalarFragment(expr, deps), elem: dialect.ElemString}, nil
}

func fnMatches(t *Translator, sc scope, recv result, args []ast.Node) (result, error) {
	x, err := t.stringInput(recv, "matches()")
	if err != nil {
		return result{}, err
	}
	re, err := t.argScalar(sc, args[0], "matches() argument")
	if err != nil {
		return result{}, err
	}
	expr := t.dialect.Fn("regexmatch", x, re.frag.Expression())
	return boolResult(expr, mergeDeps(recv.frag.Dependencies(), re.frag.Dependencies())), nil
}

func fnJoin(t *Translator, sc scope, recv result, args []ast.Node) (result, error) {
	if err := requireCollection(recv, "join()"); err != nil {
		return result{}, err
	}
	sep := t.dialect.StringLiteral("")
	deps := recv.frag.Dependencies()
	if len(args) == 1 {
		s, err := t.argScalar(sc, args[0], "join() separator")
		if err != nil {
			return result{}, err
		}
		sep = s.frag.Expression()
		deps = mergeDeps(deps, s.frag.Dependencies())
	}
	expr := t.dialect.JoinStrings(recv.frag.Expression(), sep, t.nextAlias())
	return result{frag: aggregateFragment(expr, deps), elem: dialect.ElemString}, nil
}

// ---- math ----
//
// Domain guards are inserted here, before dialect rendering, so the
// "undefined arithmetic yields nothing" policy lives in exactly one
// layer. Literal receivers fold at translation time with exact decimal
// arithmetic.

func fnAbs(t *Translator, sc scope, recv result, args []ast.Node) (result, error) {
	return t.mathUnary(recv, "abs", recv.elem)
}

func fnCeiling(t *Translator, sc scope, recv result, args []ast.Node) (result, error) {
	return t.mathUnary(recv, "ceiling", dialect.ElemInteger)
}

func fnFloor(t *Translator, sc scope, recv result, args []ast.Node) (result, error) {
	return t.mathUnary(recv, "floor", dialect.ElemInteger)
}

func fnTruncate(t *Translator, sc scope, recv result, args []ast.Node) (result, error) {
	return t.mathUnary(recv, "truncate", dialect.ElemInteger)
}

func (t *Translator) mathUnary(recv result, fn string, elem dialect.ElementType) (result, error) {
	x, err := t.numberInput(recv, fn+"()")
	if err != nil {
		return result{}, err
	}
	if elem == dialect.ElemAny {
		elem = dialect.ElemDecimal
	}
	return result{
		frag: scalarFragment(t.dialect.Fn(fn, x), recv.frag.Dependencies()),
		elem: elem,
	}, nil
}

func fnRound(t *Translator, sc scope, recv result, args []ast.Node) (result, error) {
	x, err := t.numberInput(recv, "round()")
	if err != nil {
		return result{}, err
	}
	precision := "0"
	deps := recv.frag.Dependencies()
	if len(args) == 1 {
		p, err := t.argScalar(sc, args[0], "round() precision")
		if err != nil {
			return result{}, err
		}
		precision = p.frag.Expression()
		deps = mergeDeps(deps, p.frag.Dependencies())
	}
	expr := t.dialect.Fn("round", x, precision)
	return result{frag: scalarFragment(expr, deps), elem: dialect.ElemDecimal}, nil
}

func fnSqrt(t *Translator, sc scope, recv result, args []ast.Node) (result, error) {
	x, err := t.numberInput(recv, "sqrt()")
	if err != nil {
		return result{}, err
	}
	deps := recv.frag.Dependencies()
	if v, ok := litDecimal(recv); ok {
		if v.Sign() < 0 {
			return emptyResult(t, deps, dialect.ElemDecimal), nil
		}
		return result{frag: scalarFragment(t.dialect.Fn("sqrt", x), deps), elem: dialect.ElemDecimal}, nil
	}
	expr := guardDomain(fmt.Sprintf("(%s) < 0", x), t.dialect.Fn("sqrt", x))
	return result{frag: scalarFragment(expr, deps), elem: dialect.ElemDecimal}, nil
}

func fnExp(t *Translator, sc scope, recv result, args []ast.Node) (result, error) {
	x, err := t.numberInput(recv, "exp()")
	if err != nil {
		return result{}, err
	}
	deps := recv.frag.Dependencies()
	if v, ok := litDecimal(recv); ok {
		if v.Cmp(decimal.NewFromInt(expOverflowLimit)) > 0 {
			return emptyResult(t, deps, dialect.ElemDecimal), nil
		}
		return result{frag: scalarFragment(t.dialect.Fn("exp", x), deps), elem: dialect.ElemDecimal}, nil
	}
	expr := guardDomain(fmt.Sprintf("(%s) > %d", x, expOverflowLimit), t.dialect.Fn("exp", x))
	return result{frag: scalarFragment(expr, deps), elem: dialect.ElemDecimal}, nil
}

func fnLn(t *Translator, sc scope, recv result, args []ast.Node) (result, error) {
	x, err := t.numberInput(recv, "ln()")
	if err != nil {
		return result{}, err
	}
	deps := recv.frag.Dependencies()
	if v, ok := litDecimal(recv); ok {
		if v.Sign() <= 0 {
			return emptyResult(t, deps, dialect.ElemDecimal), nil
		}
		return result{frag: scalarFragment(t.dialect.Fn("ln", x), deps), elem: dialect.ElemDecimal}, nil
	}
	expr := guardDomain(fmt.Sprintf("(%s) <= 0", x), t.dialect.Fn("ln", x))
	return result{frag: scalarFragment(expr, deps), elem: dialect.ElemDecimal}, nil
}

func fnLog(t *Translator, sc scope, recv result, args []ast.Node) (result, error) {
	x, err := t.numberInput(recv, "log()")
	if err != nil {
		return result{}, err
	}
	base, err := t.argScalar(sc, args[0], "log() base")
	if err != nil {
		return result{}, err
	}
	b := base.frag.Expression()
	deps := mergeDeps(recv.frag.Dependencies(), base.frag.Dependencies())
	body := fmt.Sprintf("(%s / %s)", t.dialect.Fn("ln", x), t.dialect.Fn("ln", b))
	expr := guardDomain(
		fmt.Sprintf("(%s) <= 0 OR (%s) <= 0 OR (%s) = 1", x, b, b), body)
	return result{frag: scalarFragment(expr, deps), elem: dialect.ElemDecimal}, nil
}

func fnPower(t *Translator, sc scope, recv result, args []ast.Node) (result, error) {
	b, err := t.numberInput(recv, "power()")
	if err != nil {
		return result{}, err
	}
	exponent, err := t.argScalar(sc, args[0], "power() exponent")
	if err != nil {
		return result{}, err
	}
	e := exponent.frag.Expression()
	deps := mergeDeps(recv.frag.Dependencies(), exponent.frag.Dependencies())
	elem := dialect.ElemDecimal
	if recv.elem == dialect.ElemInteger && exponent.elem == dialect.ElemInteger {
		elem = dialect.ElemInteger
	}

	bv, bok := litDecimal(recv)
	ev, eok := litDecimal(exponent)
	if bok && eok {
		if powerDomainViolation(bv, ev) {
			return emptyResult(t, deps, elem), nil
		}
		return result{frag: scalarFragment(t.dialect.Fn("power", b, e), deps), elem: elem}, nil
	}

	violation := fmt.Sprintf(
		"((%[1]s) = 0 AND (%[2]s) <= 0) OR ((%[1]s) < 0 AND (%[2]s) <> %[3]s) OR ((%[1]s) <> 0 AND %[4]s > %[5]d)",
		b, e,
		t.dialect.Fn("truncate", e),
		t.dialect.Fn("abs", fmt.Sprintf("((%s) * %s)", e, t.dialect.Fn("ln", t.dialect.Fn("abs", b)))),
		expOverflowLimit)
	expr := guardDomain(violation, t.dialect.Fn("power", b, e))
	return result{frag: scalarFragment(expr, deps), elem: elem}, nil
}

// powerDomainViolation applies the power() domain policy to exact
// literal operands: 0 to a non-positive power, a negative base with a
// fractional exponent, and magnitudes that overflow the evaluation
// range all yield no value.
func powerDomainViolation(b, e decimal.Decimal) bool {
	if b.Sign() == 0 && e.Sign() <= 0 {
		return true
	}
	if b.Sign() < 0 && !e.Equal(e.Truncate(0)) {
		return true
	}
	if b.Sign() != 0 {
		bf, _ := b.Abs().Float64()
		ef, _ := e.Float64()
		if bf != 0 && math.Abs(ef*math.Log(bf)) > expOverflowLimit {
			return true
		}
	}
	return false
}

// ---- conversion ----

func fnToString(t *Translator, sc scope, recv result, args []ast.Node) (result, error) {
	if err := requireScalar(recv, "toString()"); err != nil {
		return result{}, err
	}
	x := recv.frag.Expression()
	deps := recv.frag.Dependencies()
	var expr string
	switch {
	case recv.elem == dialect.ElemBoolean:
		// Spell booleans out so engines with numeric booleans agree
		// with engines with native ones.
		expr = fmt.Sprintf("CASE WHEN (%s) IS TRUE THEN 'true' WHEN (%s) IS FALSE THEN 'false' ELSE NULL END", x, x)
	case isStringElem(recv.elem):
		expr = x
	case recv.elem == dialect.ElemAny:
		expr = t.dialect.UnwrapText(x)
	default:
		expr = t.dialect.CastText(x)
	}
	return result{frag: scalarFragment(expr, deps), elem: dialect.ElemString}, nil
}

func fnToInteger(t *Translator, sc scope, recv result, args []ast.Node) (result, error) {
	if err := requireScalar(recv, "toInteger()"); err != nil {
		return result{}, err
	}
	x := recv.frag.Expression()
	deps := recv.frag.Dependencies()
	var expr string
	switch recv.elem {
	case dialect.ElemInteger:
		expr = x
	case dialect.ElemBoolean:
		expr = fmt.Sprintf("CASE WHEN (%s) IS TRUE THEN 1 WHEN (%s) IS FALSE THEN 0 ELSE NULL END", x, x)
	case dialect.ElemString, dialect.ElemAny:
		s := x
		if recv.elem == dialect.ElemAny {
			s = t.dialect.UnwrapText(x)
		}
		pattern := t.dialect.StringLiteral("^[+-]?[0-9]+$")
		expr = fmt.Sprintf("CASE WHEN %s THEN %s ELSE NULL END",
			t.dialect.Fn("regexmatch", s, pattern), t.dialect.Fn("castint", s))
	default:
		expr = t.dialect.NullLiteral()
	}
	return result{frag: scalarFragment(expr, deps), elem: dialect.ElemInteger}, nil
}

func fnToDecimal(t *Translator, sc scope, recv result, args []ast.Node) (result, error) {
	if err := requireScalar(recv, "toDecimal()"); err != nil {
		return result{}, err
	}
	x := recv.frag.Expression()
	deps := recv.frag.Dependencies()
	var expr string
	switch recv.elem {
	case dialect.ElemInteger, dialect.ElemDecimal:
		expr = x
	case dialect.ElemBoolean:
		expr = fmt.Sprintf("CASE WHEN (%s) IS TRUE THEN 1.0 WHEN (%s) IS FALSE THEN 0.0 ELSE NULL END", x, x)
	case dialect.ElemString, dialect.ElemAny:
		s := x
		if recv.elem == dialect.ElemAny {
			s = t.dialect.UnwrapText(x)
		}
		pattern := t.dialect.StringLiteral(`^[+-]?[0-9]+(\.[0-9]+)?$`)
		expr = fmt.Sprintf("CASE WHEN %s THEN %s ELSE NULL END",
			t.dialect.Fn("regexmatch", s, pattern), t.dialect.CastNumber(s))
	default:
		expr = t.dialect.NullLiteral()
	}
	return result{frag: scalarFragment(expr, deps), elem: dialect.ElemDecimal}, nil
}

func fnToBoolean(t *Translator, sc scope, recv result, args []ast.Node) (result, error) {
	if err := requireScalar(recv, "toBoolean()"); err != nil {
		return result{}, err
	}
	x := recv.frag.Expression()
	deps := recv.frag.Dependencies()
	var expr string
	switch recv.elem {
	case dialect.ElemBoolean:
		expr = x
	case dialect.ElemInteger, dialect.ElemDecimal:
		expr = fmt.Sprintf("CASE WHEN (%s) = 1 THEN TRUE WHEN (%s) = 0 THEN FALSE ELSE NULL END", x, x)
	case dialect.ElemString, dialect.ElemAny:
		s := x
		if recv.elem == dialect.ElemAny {
			s = t.dialect.UnwrapText(x)
		}
		lower := t.dialect.Fn("lower", s)
		expr = fmt.Sprintf(
			"CASE WHEN %[1]s IN ('true', 't', 'yes', 'y', '1') THEN TRUE WHEN %[1]s IN ('false', 'f', 'no', 'n', '0') THEN FALSE ELSE NULL END",
			lower)
	default:
		expr = t.dialect.NullLiteral()
	}
	return result{frag: scalarFragment(expr, deps), elem: dialect.ElemBoolean}, nil
}

func fnIif(t *Translator, sc scope, recv result, args []ast.Node) (result, error) {
	cond, err := t.argScalar(sc, args[0], "iif() condition")
	if err != nil {
		return result{}, err
	}
	then, err := t.argScalar(sc, args[1], "iif() true branch")
	if err != nil {
		return result{}, err
	}
	otherwise := emptyResult(t, nil, then.elem)
	if len(args) == 3 {
		otherwise, err = t.argScalar(sc, args[2], "iif() false branch")
		if err != nil {
			return result{}, err
		}
	}
	expr := fmt.Sprintf("CASE WHEN (%s) IS TRUE THEN %s ELSE %s END",
		cond.frag.Expression(), then.frag.Expression(), otherwise.frag.Expression())
	deps := mergeDeps(cond.frag.Dependencies(), then.frag.Dependencies(), otherwise.frag.Dependencies())
	return result{frag: scalarFragment(expr, deps), elem: then.elem}, nil
}
