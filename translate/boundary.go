package translate

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/medql/fhirsql/ast"
	"github.com/medql/fhirsql/dialect"
	fhirerrors "github.com/medql/fhirsql/pkg/errors"
)

// boundaryDirection selects the low or high end of the range implied by
// a value's stated precision. Both directions flow through the same
// routines so they cannot drift apart.
type boundaryDirection int

const (
	boundaryLow boundaryDirection = iota
	boundaryHigh
)

func (d boundaryDirection) name() string {
	if d == boundaryHigh {
		return "highBoundary()"
	}
	return "lowBoundary()"
}

func fnLowBoundary(t *Translator, sc scope, recv result, args []ast.Node) (result, error) {
	return t.boundary(recv, boundaryLow)
}

func fnHighBoundary(t *Translator, sc scope, recv result, args []ast.Node) (result, error) {
	return t.boundary(recv, boundaryHigh)
}

func (t *Translator) boundary(recv result, dir boundaryDirection) (result, error) {
	if err := requireScalar(recv, dir.name()); err != nil {
		return result{}, err
	}
	deps := recv.frag.Dependencies()
	switch recv.elem {
	case dialect.ElemInteger:
		// Integers carry no uncertainty.
		return recv, nil
	case dialect.ElemDecimal:
		expr := t.decimalBoundary(recv, dir)
		return result{frag: scalarFragment(expr, deps), elem: dialect.ElemDecimal}, nil
	case dialect.ElemQuantity:
		// The boundary of a quantity is the boundary of its value.
		value := result{
			frag: scalarFragment(t.dialect.JSONField(recv.frag.Expression(), "value", dialect.ElemDecimal), deps),
			elem: dialect.ElemDecimal,
		}
		expr := t.decimalBoundary(value, dir)
		return result{frag: scalarFragment(expr, deps), elem: dialect.ElemDecimal}, nil
	case dialect.ElemDate:
		return t.temporalBoundary(recv, dateSteps, dir)
	case dialect.ElemDateTime:
		return t.temporalBoundary(recv, dateTimeSteps, dir)
	case dialect.ElemTime:
		return t.temporalBoundary(recv, timeSteps, dir)
	default:
		return result{}, fhirerrors.Newf(fhirerrors.ErrCodeInvalidCardinality,
			"%s requires a decimal, quantity, or temporal receiver, got %s",
			dir.name(), recv.elem).WithOp("translate").Err()
	}
}

// decimalBoundary brackets a decimal at its stated precision: the half
// step is 5 * 10^-(scale+1), added or subtracted per direction. A
// literal receiver folds exactly at translation time; a column receiver
// derives its scale from the value's text form in SQL.
func (t *Translator) decimalBoundary(recv result, dir boundaryDirection) string {
	sign := "+"
	if dir == boundaryLow {
		sign = "-"
	}
	if v, ok := litDecimal(recv); ok {
		scale := int32(0)
		if v.Exponent() < 0 {
			scale = -v.Exponent()
		}
		half := decimal.New(5, -(scale + 1))
		bound := v.Add(half)
		if dir == boundaryLow {
			bound = v.Sub(half)
		}
		return t.dialect.NumberLiteral(bound.String())
	}
	d := t.dialect
	x := recv.frag.Expression()
	scale := d.DecimalScale(d.CastText(x))
	half := fmt.Sprintf("(5 * %s)", d.Fn("power", "10", fmt.Sprintf("-((%s) + 1)", scale)))
	return fmt.Sprintf("((%s) %s %s)", x, sign, half)
}

// temporalStep completes one partial-precision spelling. Length keys the
// stated precision; the high side of a year-month completes through the
// dialect's month-end primitive because the last day varies.
type temporalStep struct {
	length     int
	lowSuffix  string
	highSuffix string
	monthEnd   bool
}

var dateSteps = []temporalStep{
	{length: 4, lowSuffix: "-01-01", highSuffix: "-12-31"},
	{length: 7, lowSuffix: "-01", monthEnd: true},
}

var dateTimeSteps = []temporalStep{
	{length: 4, lowSuffix: "-01-01T00:00:00.000", highSuffix: "-12-31T23:59:59.999"},
	{length: 7, lowSuffix: "-01T00:00:00.000", highSuffix: "T23:59:59.999", monthEnd: true},
	{length: 10, lowSuffix: "T00:00:00.000", highSuffix: "T23:59:59.999"},
	{length: 13, lowSuffix: ":00:00.000", highSuffix: ":59:59.999"},
	{length: 16, lowSuffix: ":00.000", highSuffix: ":59.999"},
	{length: 19, lowSuffix: ".000", highSuffix: ".999"},
}

var timeSteps = []temporalStep{
	{length: 2, lowSuffix: ":00:00.000", highSuffix: ":59:59.999"},
	{length: 5, lowSuffix: ":00.000", highSuffix: ":59.999"},
	{length: 8, lowSuffix: ".000", highSuffix: ".999"},
}

func (t *Translator) temporalBoundary(recv result, steps []temporalStep, dir boundaryDirection) (result, error) {
	deps := recv.frag.Dependencies()
	if recv.lit != nil {
		text, err := foldTemporal(recv.lit.Text, steps, dir)
		if err != nil {
			return result{}, err
		}
		return result{
			frag: scalarFragment(t.dialect.StringLiteral(text), deps),
			elem: recv.elem,
		}, nil
	}
	d := t.dialect
	x := recv.frag.Expression()
	var b strings.Builder
	b.WriteString("CASE")
	for _, s := range steps {
		var val string
		switch {
		case dir == boundaryLow:
			val = fmt.Sprintf("(%s || %s)", x, d.StringLiteral(s.lowSuffix))
		case s.monthEnd && s.highSuffix == "":
			val = d.MonthEnd(x)
		case s.monthEnd:
			val = fmt.Sprintf("(%s || %s)", d.MonthEnd(x), d.StringLiteral(s.highSuffix))
		default:
			val = fmt.Sprintf("(%s || %s)", x, d.StringLiteral(s.highSuffix))
		}
		fmt.Fprintf(&b, " WHEN %s = %d THEN %s", d.Fn("length", x), s.length, val)
	}
	fmt.Fprintf(&b, " ELSE %s END", x)
	return result{frag: scalarFragment(b.String(), deps), elem: recv.elem}, nil
}

// foldTemporal completes a temporal literal at translation time using
// the same step table the SQL rendering uses.
func foldTemporal(text string, steps []temporalStep, dir boundaryDirection) (string, error) {
	for _, s := range steps {
		if len(text) != s.length {
			continue
		}
		if dir == boundaryLow {
			return text + s.lowSuffix, nil
		}
		if s.monthEnd {
			end, err := monthEnd(text[:7])
			if err != nil {
				return "", err
			}
			return end + s.highSuffix, nil
		}
		return text + s.highSuffix, nil
	}
	return text, nil
}

// monthEnd completes "YYYY-MM" to the last day of that month.
func monthEnd(yearMonth string) (string, error) {
	year, err := strconv.Atoi(yearMonth[:4])
	if err != nil {
		return "", fhirerrors.Wrapf(err, fhirerrors.ErrCodeUnsupportedNode,
			"malformed temporal literal %q", yearMonth).WithOp("translate").Err()
	}
	month, err := strconv.Atoi(yearMonth[5:7])
	if err != nil || month < 1 || month > 12 {
		return "", fhirerrors.Newf(fhirerrors.ErrCodeUnsupportedNode,
			"malformed temporal literal %q", yearMonth).WithOp("translate").Err()
	}
	last := time.Date(year, time.Month(month)+1, 0, 0, 0, 0, 0, time.UTC)
	return last.Format("2006-01-02"), nil
}
