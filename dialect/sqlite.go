package dialect

import (
	"fmt"
	"strings"
)

// sqliteDialect renders SQL for SQLite with the json1 functions.
// Collections are json1 array text; json_each preserves array order
// through its key column.
type sqliteDialect struct{}

// SQLite returns the SQLite dialect.
func SQLite() Dialect { return sqliteDialect{} }

func (sqliteDialect) Name() string { return "sqlite" }

func (sqliteDialect) StringLiteral(s string) string {
	return "'" + escapeSingle(s) + "'"
}

func (sqliteDialect) NumberLiteral(text string) string { return text }

func (sqliteDialect) BoolLiteral(v bool) string {
	if v {
		return "TRUE"
	}
	return "FALSE"
}

func (sqliteDialect) NullLiteral() string { return "NULL" }

func (sqliteDialect) EmptyArray() string { return "'[]'" }

func (sqliteDialect) JSONField(doc, name string, elem ElementType) string {
	// json_extract unwraps scalars and keeps arrays/objects as JSON
	// text, so one spelling serves every element tag.
	return fmt.Sprintf("json_extract(%s, '$.\"%s\"')", doc, name)
}

func (sqliteDialect) ElementExpr(alias string, elem ElementType) string {
	return alias + ".value"
}

func (sqliteDialect) RawElement(alias string) string {
	// json_each.value loses the JSON subtype for nested containers;
	// json() restores it so re-aggregation does not quote them.
	return fmt.Sprintf("CASE WHEN %[1]s.type IN ('object', 'array') THEN json(%[1]s.value) ELSE %[1]s.value END", alias)
}

func (d sqliteDialect) CollectionProject(coll, projection, cond, alias string) string {
	where := ""
	if cond != "" {
		where = " WHERE " + cond
	}
	return fmt.Sprintf(
		"COALESCE((SELECT json_group_array(%s ORDER BY %s.key) FROM json_each(COALESCE(%s, '[]')) AS %s%s), '[]')",
		projection, alias, coll, alias, where)
}

func (d sqliteDialect) CollectionFlatten(coll, projection, cond, outerAlias, innerAlias string) string {
	where := ""
	if cond != "" {
		where = " WHERE " + cond
	}
	return fmt.Sprintf(
		"COALESCE((SELECT json_group_array(%s ORDER BY %s.key, %s.key) FROM json_each(COALESCE(%s, '[]')) AS %s, json_each(COALESCE(%s, '[]')) AS %s%s), '[]')",
		d.RawElement(innerAlias), outerAlias, innerAlias, coll, outerAlias, projection, innerAlias, where)
}

func (d sqliteDialect) CollectionTypeFilter(coll string, elem ElementType, alias string) string {
	return d.CollectionProject(coll, d.RawElement(alias), d.TypePredicate(alias, elem), alias)
}

func (sqliteDialect) TypePredicate(alias string, elem ElementType) string {
	v := alias + ".value"
	t := alias + ".type"
	switch elem {
	case ElemBoolean:
		return fmt.Sprintf("%s IN ('true', 'false')", t)
	case ElemInteger:
		return fmt.Sprintf("%s = 'integer'", t)
	case ElemDecimal:
		return fmt.Sprintf("%s IN ('integer', 'real')", t)
	case ElemString:
		return fmt.Sprintf("%s = 'text'", t)
	case ElemDate:
		return fmt.Sprintf("(%s = 'text' AND (%s GLOB '%s' OR %s GLOB '%s' OR %s GLOB '%s'))",
			t, v, globYear, v, globYearMonth, v, globFullDate)
	case ElemDateTime:
		return fmt.Sprintf("(%s = 'text' AND %s GLOB '%sT*')", t, v, globFullDate)
	case ElemTime:
		return fmt.Sprintf("(%s = 'text' AND %s GLOB '[0-9][0-9]:[0-9][0-9]*')", t, v)
	case ElemQuantity:
		return fmt.Sprintf("(%s = 'object' AND json_extract(%s, '$.value') IS NOT NULL)", t, v)
	case ElemObject:
		return fmt.Sprintf("%s = 'object'", t)
	default:
		return fmt.Sprintf("%s IS NOT NULL", v)
	}
}

const (
	globYear      = "[0-9][0-9][0-9][0-9]"
	globYearMonth = "[0-9][0-9][0-9][0-9]-[0-9][0-9]"
	globFullDate  = "[0-9][0-9][0-9][0-9]-[0-9][0-9]-[0-9][0-9]"
)

func (d sqliteDialect) CollectionSlice(coll, skip, take, alias string) string {
	if take == "" {
		// SQLite requires LIMIT before OFFSET; -1 means unbounded.
		take = "-1"
	}
	return fmt.Sprintf(
		"COALESCE((SELECT json_group_array(item ORDER BY k) FROM (SELECT %s AS item, %s.key AS k FROM json_each(COALESCE(%s, '[]')) AS %s ORDER BY %s.key LIMIT %s OFFSET %s) %s_w), '[]')",
		d.RawElement(alias), alias, coll, alias, alias, take, skip, alias)
}

func (d sqliteDialect) CollectionDistinct(coll, alias string) string {
	return fmt.Sprintf(
		"COALESCE((SELECT json_group_array(item ORDER BY k) FROM (SELECT %s AS item, MIN(%s.key) AS k FROM json_each(COALESCE(%s, '[]')) AS %s GROUP BY %s.value) %s_d), '[]')",
		d.RawElement(alias), alias, coll, alias, alias, alias)
}

func (sqliteDialect) UniversalQuantifier(coll, cond, alias string) string {
	return fmt.Sprintf(
		"NOT EXISTS (SELECT 1 FROM json_each(COALESCE(%s, '[]')) AS %s WHERE (%s) IS NOT TRUE)",
		coll, alias, cond)
}

func (sqliteDialect) ExistentialQuantifier(coll, cond, alias string) string {
	return fmt.Sprintf(
		"EXISTS (SELECT 1 FROM json_each(COALESCE(%s, '[]')) AS %s WHERE (%s) IS TRUE)",
		coll, alias, cond)
}

func (sqliteDialect) ArrayLength(coll string) string {
	return fmt.Sprintf("json_array_length(%s)", coll)
}

func (d sqliteDialect) ElementAt(coll, index, alias string, elem ElementType) string {
	return fmt.Sprintf(
		"(SELECT %s FROM json_each(COALESCE(%s, '[]')) AS %s ORDER BY %s.key LIMIT 1 OFFSET %s)",
		d.elementOut(alias, elem), coll, alias, alias, index)
}

func (d sqliteDialect) LastElement(coll, alias string, elem ElementType) string {
	return fmt.Sprintf(
		"(SELECT %s FROM json_each(COALESCE(%s, '[]')) AS %s ORDER BY %s.key DESC LIMIT 1)",
		d.elementOut(alias, elem), coll, alias, alias)
}

// elementOut picks the extraction spelling for a single selected
// element: scalars come out unwrapped, containers keep their JSON form.
func (d sqliteDialect) elementOut(alias string, elem ElementType) string {
	switch elem {
	case ElemObject, ElemQuantity, ElemAny:
		return d.RawElement(alias)
	default:
		return alias + ".value"
	}
}

func (sqliteDialect) UnnestExpression(coll, alias string) string {
	return fmt.Sprintf("json_each(COALESCE(%s, '[]')) AS %s", coll, alias)
}

func (sqliteDialect) ArrayOfScalars(items []string) string {
	return "json_array(" + strings.Join(items, ", ") + ")"
}

func (sqliteDialect) ArrayOfCollections(colls []string) string {
	// json() keeps each collection a nested array instead of a quoted
	// string inside json_array.
	wrapped := make([]string, len(colls))
	for i, c := range colls {
		wrapped[i] = fmt.Sprintf("json(COALESCE(%s, '[]'))", c)
	}
	return "json_array(" + strings.Join(wrapped, ", ") + ")"
}

func (sqliteDialect) JoinStrings(coll, sep, alias string) string {
	return fmt.Sprintf(
		"COALESCE((SELECT group_concat(%[1]s.value, %[2]s ORDER BY %[1]s.key) FROM json_each(COALESCE(%[3]s, '[]')) AS %[1]s), '')",
		alias, sep, coll)
}

func (sqliteDialect) ConcatWithCoalesce(parts []string) string {
	wrapped := make([]string, len(parts))
	for i, p := range parts {
		wrapped[i] = fmt.Sprintf("COALESCE(CAST(%s AS TEXT), '')", p)
	}
	return "(" + strings.Join(wrapped, " || ") + ")"
}

func (sqliteDialect) CastText(e string) string {
	return fmt.Sprintf("CAST(%s AS TEXT)", e)
}

func (sqliteDialect) CastNumber(e string) string {
	return fmt.Sprintf("CAST(%s AS NUMERIC)", e)
}

func (sqliteDialect) UnwrapText(e string) string {
	// json_extract already unwraps scalars, so a plain cast suffices.
	return fmt.Sprintf("CAST(%s AS TEXT)", e)
}

func (sqliteDialect) GreatestZero(e string) string {
	return fmt.Sprintf("MAX(%s, 0)", e)
}

// sqrt, power, exp, ln, log10, trunc, mod and regexp are not part of
// core SQLite; the backend registers them on every connection.
var sqliteFns = map[string]string{
	"upper":      "UPPER(%s)",
	"lower":      "LOWER(%s)",
	"length":     "LENGTH(%s)",
	"instr":      "INSTR(%s, %s)",
	"substr":     "SUBSTR(%s, %s, %s)",
	"replace":    "REPLACE(%s, %s, %s)",
	"trim":       "TRIM(%s)",
	"abs":        "ABS(%s)",
	"round":      "ROUND(%s, %s)",
	"ceiling":    "CEIL(%s)",
	"floor":      "FLOOR(%s)",
	"truncate":   "TRUNC(%s)",
	"sqrt":       "SQRT(%s)",
	"power":      "POWER(%s, %s)",
	"exp":        "EXP(%s)",
	"ln":         "LN(%s)",
	"log10":      "LOG10(%s)",
	"mod":        "MOD(%s, %s)",
	"div":        "CAST(CAST(%[1]s AS REAL) / (%[2]s) AS INTEGER)",
	"fdiv":       "(CAST(%[1]s AS REAL) / (%[2]s))",
	"castint":    "CAST(%s AS INTEGER)",
	"regexmatch": "(%[1]s REGEXP %[2]s)",
}

func (sqliteDialect) Fn(name string, args ...string) string {
	return renderFn(sqliteFns, name, args)
}

func (sqliteDialect) DecimalScale(numText string) string {
	return fmt.Sprintf(
		"CASE WHEN INSTR(%[1]s, '.') = 0 THEN 0 ELSE LENGTH(%[1]s) - INSTR(%[1]s, '.') END",
		numText)
}

func (sqliteDialect) MonthEnd(yearMonth string) string {
	return fmt.Sprintf("DATE(%s || '-01', '+1 month', '-1 day')", yearMonth)
}
