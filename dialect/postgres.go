package dialect

import (
	"fmt"
	"strings"
)

// postgresDialect renders SQL for PostgreSQL over jsonb documents.
// Collections are jsonb arrays; jsonb_array_elements WITH ORDINALITY
// preserves element order.
type postgresDialect struct{}

// Postgres returns the PostgreSQL dialect.
func Postgres() Dialect { return postgresDialect{} }

func (postgresDialect) Name() string { return "postgres" }

func (postgresDialect) StringLiteral(s string) string {
	return "'" + escapeSingle(s) + "'"
}

func (postgresDialect) NumberLiteral(text string) string { return text }

func (postgresDialect) BoolLiteral(v bool) string {
	if v {
		return "TRUE"
	}
	return "FALSE"
}

func (postgresDialect) NullLiteral() string { return "NULL" }

func (postgresDialect) EmptyArray() string { return "'[]'::jsonb" }

func (postgresDialect) JSONField(doc, name string, elem ElementType) string {
	switch elem {
	case ElemObject, ElemQuantity, ElemAny:
		return fmt.Sprintf("(%s -> '%s')", doc, escapeSingle(name))
	case ElemBoolean:
		return fmt.Sprintf("((%s ->> '%s')::boolean)", doc, escapeSingle(name))
	case ElemInteger:
		return fmt.Sprintf("((%s ->> '%s')::bigint)", doc, escapeSingle(name))
	case ElemDecimal:
		return fmt.Sprintf("((%s ->> '%s')::numeric)", doc, escapeSingle(name))
	default:
		return fmt.Sprintf("(%s ->> '%s')", doc, escapeSingle(name))
	}
}

func (postgresDialect) ElementExpr(alias string, elem ElementType) string {
	switch elem {
	case ElemObject, ElemQuantity, ElemAny:
		return alias + ".elem"
	case ElemBoolean:
		return fmt.Sprintf("((%s.elem #>> '{}')::boolean)", alias)
	case ElemInteger:
		return fmt.Sprintf("((%s.elem #>> '{}')::bigint)", alias)
	case ElemDecimal:
		return fmt.Sprintf("((%s.elem #>> '{}')::numeric)", alias)
	default:
		return fmt.Sprintf("(%s.elem #>> '{}')", alias)
	}
}

func (postgresDialect) RawElement(alias string) string {
	return alias + ".elem"
}

func (postgresDialect) CollectionProject(coll, projection, cond, alias string) string {
	where := ""
	if cond != "" {
		where = " WHERE " + cond
	}
	return fmt.Sprintf(
		"COALESCE((SELECT jsonb_agg(%s ORDER BY %s.ord) FROM jsonb_array_elements(COALESCE(%s, '[]'::jsonb)) WITH ORDINALITY AS %s(elem, ord)%s), '[]'::jsonb)",
		projection, alias, coll, alias, where)
}

func (postgresDialect) CollectionFlatten(coll, projection, cond, outerAlias, innerAlias string) string {
	where := ""
	if cond != "" {
		where = " WHERE " + cond
	}
	return fmt.Sprintf(
		"COALESCE((SELECT jsonb_agg(%s.elem ORDER BY %s.ord, %s.ord) FROM jsonb_array_elements(COALESCE(%s, '[]'::jsonb)) WITH ORDINALITY AS %s(elem, ord) CROSS JOIN LATERAL jsonb_array_elements(COALESCE(%s, '[]'::jsonb)) WITH ORDINALITY AS %s(elem, ord)%s), '[]'::jsonb)",
		innerAlias, outerAlias, innerAlias, coll, outerAlias, projection, innerAlias, where)
}

func (d postgresDialect) CollectionTypeFilter(coll string, elem ElementType, alias string) string {
	return d.CollectionProject(coll, d.RawElement(alias), d.TypePredicate(alias, elem), alias)
}

func (postgresDialect) TypePredicate(alias string, elem ElementType) string {
	e := alias + ".elem"
	text := fmt.Sprintf("(%s #>> '{}')", e)
	switch elem {
	case ElemBoolean:
		return fmt.Sprintf("jsonb_typeof(%s) = 'boolean'", e)
	case ElemInteger:
		return fmt.Sprintf("(jsonb_typeof(%s) = 'number' AND (%s)::text !~ '[.eE]')", e, e)
	case ElemDecimal:
		return fmt.Sprintf("jsonb_typeof(%s) = 'number'", e)
	case ElemString:
		return fmt.Sprintf("jsonb_typeof(%s) = 'string'", e)
	case ElemDate:
		return fmt.Sprintf(`(jsonb_typeof(%s) = 'string' AND %s ~ '^\d{4}(-\d{2}(-\d{2})?)?$')`, e, text)
	case ElemDateTime:
		return fmt.Sprintf(`(jsonb_typeof(%s) = 'string' AND %s ~ '^\d{4}-\d{2}-\d{2}T')`, e, text)
	case ElemTime:
		return fmt.Sprintf(`(jsonb_typeof(%s) = 'string' AND %s ~ '^\d{2}:\d{2}')`, e, text)
	case ElemQuantity:
		return fmt.Sprintf("(jsonb_typeof(%s) = 'object' AND %s ? 'value')", e, e)
	case ElemObject:
		return fmt.Sprintf("jsonb_typeof(%s) = 'object'", e)
	default:
		return fmt.Sprintf("%s IS NOT NULL", e)
	}
}

func (postgresDialect) CollectionSlice(coll, skip, take, alias string) string {
	if take == "" {
		take = "ALL"
	}
	return fmt.Sprintf(
		"COALESCE((SELECT jsonb_agg(item ORDER BY k) FROM (SELECT %[1]s.elem AS item, %[1]s.ord AS k FROM jsonb_array_elements(COALESCE(%[2]s, '[]'::jsonb)) WITH ORDINALITY AS %[1]s(elem, ord) ORDER BY %[1]s.ord LIMIT %[3]s OFFSET %[4]s) %[1]s_w), '[]'::jsonb)",
		alias, coll, take, skip)
}

func (postgresDialect) CollectionDistinct(coll, alias string) string {
	return fmt.Sprintf(
		"COALESCE((SELECT jsonb_agg(item ORDER BY k) FROM (SELECT %[1]s.elem AS item, MIN(%[1]s.ord) AS k FROM jsonb_array_elements(COALESCE(%[2]s, '[]'::jsonb)) WITH ORDINALITY AS %[1]s(elem, ord) GROUP BY %[1]s.elem) %[1]s_d), '[]'::jsonb)",
		alias, coll)
}

func (postgresDialect) UniversalQuantifier(coll, cond, alias string) string {
	return fmt.Sprintf(
		"NOT EXISTS (SELECT 1 FROM jsonb_array_elements(COALESCE(%s, '[]'::jsonb)) AS %s(elem) WHERE (%s) IS NOT TRUE)",
		coll, alias, cond)
}

func (postgresDialect) ExistentialQuantifier(coll, cond, alias string) string {
	return fmt.Sprintf(
		"EXISTS (SELECT 1 FROM jsonb_array_elements(COALESCE(%s, '[]'::jsonb)) AS %s(elem) WHERE (%s) IS TRUE)",
		coll, alias, cond)
}

func (postgresDialect) ArrayLength(coll string) string {
	return fmt.Sprintf("jsonb_array_length(%s)", coll)
}

func (d postgresDialect) ElementAt(coll, index, alias string, elem ElementType) string {
	return fmt.Sprintf(
		"(SELECT %[1]s FROM jsonb_array_elements(COALESCE(%[2]s, '[]'::jsonb)) WITH ORDINALITY AS %[3]s(elem, ord) ORDER BY %[3]s.ord LIMIT 1 OFFSET %[4]s)",
		d.ElementExpr(alias, elem), coll, alias, index)
}

func (d postgresDialect) LastElement(coll, alias string, elem ElementType) string {
	return fmt.Sprintf(
		"(SELECT %[1]s FROM jsonb_array_elements(COALESCE(%[2]s, '[]'::jsonb)) WITH ORDINALITY AS %[3]s(elem, ord) ORDER BY %[3]s.ord DESC LIMIT 1)",
		d.ElementExpr(alias, elem), coll, alias)
}

func (postgresDialect) UnnestExpression(coll, alias string) string {
	return fmt.Sprintf(
		"jsonb_array_elements(COALESCE(%s, '[]'::jsonb)) WITH ORDINALITY AS %s(elem, ord)",
		coll, alias)
}

func (postgresDialect) ArrayOfScalars(items []string) string {
	return "jsonb_build_array(" + strings.Join(items, ", ") + ")"
}

func (postgresDialect) ArrayOfCollections(colls []string) string {
	wrapped := make([]string, len(colls))
	for i, c := range colls {
		wrapped[i] = fmt.Sprintf("COALESCE(%s, '[]'::jsonb)", c)
	}
	return "jsonb_build_array(" + strings.Join(wrapped, ", ") + ")"
}

func (postgresDialect) JoinStrings(coll, sep, alias string) string {
	return fmt.Sprintf(
		"COALESCE((SELECT string_agg((%[1]s.elem #>> '{}'), %[2]s ORDER BY %[1]s.ord) FROM jsonb_array_elements(COALESCE(%[3]s, '[]'::jsonb)) WITH ORDINALITY AS %[1]s(elem, ord)), '')",
		alias, sep, coll)
}

func (postgresDialect) ConcatWithCoalesce(parts []string) string {
	wrapped := make([]string, len(parts))
	for i, p := range parts {
		wrapped[i] = fmt.Sprintf("COALESCE((%s)::text, '')", p)
	}
	return "(" + strings.Join(wrapped, " || ") + ")"
}

func (postgresDialect) CastText(e string) string {
	return fmt.Sprintf("(%s)::text", e)
}

func (postgresDialect) CastNumber(e string) string {
	return fmt.Sprintf("(%s)::numeric", e)
}

func (postgresDialect) UnwrapText(e string) string {
	return fmt.Sprintf("((%s) #>> '{}')", e)
}

func (postgresDialect) GreatestZero(e string) string {
	return fmt.Sprintf("GREATEST(%s, 0)", e)
}

var postgresFns = map[string]string{
	"upper":      "UPPER(%s)",
	"lower":      "LOWER(%s)",
	"length":     "LENGTH(%s)",
	"instr":      "POSITION(%[2]s IN %[1]s)",
	"substr":     "SUBSTR(%s, %s, %s)",
	"replace":    "REPLACE(%s, %s, %s)",
	"trim":       "TRIM(%s)",
	"abs":        "ABS(%s)",
	"round":      "ROUND((%s)::numeric, %s)",
	"ceiling":    "CEIL(%s)",
	"floor":      "FLOOR(%s)",
	"truncate":   "TRUNC(%s)",
	"sqrt":       "SQRT(%s)",
	"power":      "POWER(%s, %s)",
	"exp":        "EXP(%s)",
	"ln":         "LN(%s)",
	"log10":      "LOG(%s)",
	"mod":        "MOD((%s)::numeric, (%s)::numeric)",
	"div":        "DIV((%s)::numeric, (%s)::numeric)",
	"fdiv":       "((%s)::numeric / (%s)::numeric)",
	"castint":    "(%s)::bigint",
	"regexmatch": "(%[1]s ~ %[2]s)",
}

func (postgresDialect) Fn(name string, args ...string) string {
	return renderFn(postgresFns, name, args)
}

func (postgresDialect) DecimalScale(numText string) string {
	return fmt.Sprintf(
		"CASE WHEN POSITION('.' IN %[1]s) = 0 THEN 0 ELSE LENGTH(%[1]s) - POSITION('.' IN %[1]s) END",
		numText)
}

func (postgresDialect) MonthEnd(yearMonth string) string {
	return fmt.Sprintf(
		"TO_CHAR(TO_DATE(%s || '-01', 'YYYY-MM-DD') + INTERVAL '1 month' - INTERVAL '1 day', 'YYYY-MM-DD')",
		yearMonth)
}
