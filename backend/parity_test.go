package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"testing"

	"github.com/medql/fhirsql/assemble"
	"github.com/medql/fhirsql/model"
	"github.com/medql/fhirsql/parser"
	"github.com/medql/fhirsql/translate"
)

// The same documents and cases run against every backend; the point of
// the suite is that both engines return the same values for the same
// expressions.

var parityDocs = []string{
	`{
		"resourceType": "Patient",
		"id": "p1",
		"active": true,
		"birthDate": "1970-03",
		"name": [
			{"use": "official", "family": "Smith", "given": ["John", "James"]},
			{"use": "nickname", "given": ["Jimmy", "John"]}
		]
	}`,
	`{
		"resourceType": "Patient",
		"id": "p2",
		"birthDate": "1984-01-15"
	}`,
	`{
		"resourceType": "Observation",
		"id": "o1",
		"status": "final",
		"valueQuantity": {"value": 2.5, "unit": "mg", "code": "mg"},
		"valueString": "hello"
	}`,
}

type wantKind int

const (
	wantNull wantKind = iota
	wantBool
	wantNumber
	wantText
	wantJSON
)

type expect struct {
	kind wantKind
	text string
}

func null() expect            { return expect{kind: wantNull} }
func isTrue() expect          { return expect{kind: wantBool, text: "true"} }
func isFalse() expect         { return expect{kind: wantBool, text: "false"} }
func num(text string) expect  { return expect{kind: wantNumber, text: text} }
func text(s string) expect    { return expect{kind: wantText, text: s} }
func jsonVal(s string) expect { return expect{kind: wantJSON, text: s} }

type parityCase struct {
	name         string
	resourceType string
	expr         string
	want         map[string]expect // id -> expected value
}

var parityCases = []parityCase{
	// existence
	{"count of repeating field", "Patient", "name.count()",
		map[string]expect{"p1": num("2"), "p2": num("0")}},
	{"count of flattened field", "Patient", "name.given.count()",
		map[string]expect{"p1": num("4"), "p2": num("0")}},
	{"empty", "Patient", "name.empty()",
		map[string]expect{"p1": isFalse(), "p2": isTrue()}},
	{"exists", "Patient", "name.exists()",
		map[string]expect{"p1": isTrue(), "p2": isFalse()}},
	{"exists with criteria", "Patient", "name.exists(use = 'nickname')",
		map[string]expect{"p1": isTrue(), "p2": isFalse()}},
	{"not on present boolean", "Patient", "active.not()",
		map[string]expect{"p1": isFalse(), "p2": null()}},

	// quantifiers
	{"all is vacuously true", "Patient", "name.all(use = 'official')",
		map[string]expect{"p1": isFalse(), "p2": isTrue()}},
	{"all treats missing criteria value as violation", "Patient", "name.all(family = 'Smith')",
		map[string]expect{"p1": isFalse(), "p2": isTrue()}},

	// filtering and projection
	{"where then navigate", "Patient", "name.where(use = 'official').family",
		map[string]expect{"p1": jsonVal(`["Smith"]`), "p2": jsonVal(`[]`)}},
	{"select projection", "Patient", "name.select(use)",
		map[string]expect{"p1": jsonVal(`["official", "nickname"]`), "p2": jsonVal(`[]`)}},
	{"ofType keeps matching elements in order", "Patient", "name.given.ofType(String)",
		map[string]expect{"p1": jsonVal(`["John", "James", "Jimmy", "John"]`), "p2": jsonVal(`[]`)}},
	{"ofType drops non-matching elements", "Patient", "name.given.ofType(Integer).count()",
		map[string]expect{"p1": num("0"), "p2": num("0")}},
	{"distinct keeps first occurrence order", "Patient", "name.given.distinct()",
		map[string]expect{"p1": jsonVal(`["John", "James", "Jimmy"]`), "p2": jsonVal(`[]`)}},

	// subsetting
	{"first", "Patient", "name.given.first()",
		map[string]expect{"p1": text("John"), "p2": null()}},
	{"last", "Patient", "name.given.last()",
		map[string]expect{"p1": text("John"), "p2": null()}},
	{"tail", "Patient", "name.given.tail()",
		map[string]expect{"p1": jsonVal(`["James", "Jimmy", "John"]`), "p2": jsonVal(`[]`)}},
	{"skip", "Patient", "name.given.skip(1)",
		map[string]expect{"p1": jsonVal(`["James", "Jimmy", "John"]`), "p2": jsonVal(`[]`)}},
	{"negative skip clamps to zero", "Patient", "name.given.skip(-1)",
		map[string]expect{"p1": jsonVal(`["John", "James", "Jimmy", "John"]`), "p2": jsonVal(`[]`)}},
	{"take", "Patient", "name.given.take(2)",
		map[string]expect{"p1": jsonVal(`["John", "James"]`), "p2": jsonVal(`[]`)}},
	{"skip then take windows", "Patient", "name.given.skip(1).take(2)",
		map[string]expect{"p1": jsonVal(`["James", "Jimmy"]`), "p2": jsonVal(`[]`)}},
	{"take beyond length yields what exists", "Patient", "name.given.skip(3).take(5)",
		map[string]expect{"p1": jsonVal(`["John"]`), "p2": jsonVal(`[]`)}},
	{"single on multi-element collection", "Patient", "name.given.single()",
		map[string]expect{"p1": null(), "p2": null()}},

	// combining
	{"union deduplicates", "Patient", "name.given | name.given",
		map[string]expect{"p1": jsonVal(`["John", "James", "Jimmy"]`), "p2": jsonVal(`[]`)}},
	{"combine keeps duplicates", "Patient", "name.given.combine(name.given).count()",
		map[string]expect{"p1": num("8"), "p2": num("0")}},
	{"membership", "Patient", "'John' in name.given",
		map[string]expect{"p1": isTrue(), "p2": isFalse()}},
	{"contains is flipped membership", "Patient", "name.given contains 'Jimmy'",
		map[string]expect{"p1": isTrue(), "p2": isFalse()}},

	// strings
	{"join with separator", "Patient", "name.given.join(', ')",
		map[string]expect{"p1": text("John, James, Jimmy, John"), "p2": text("")}},
	{"upper", "Patient", "'abc'.upper()",
		map[string]expect{"p1": text("ABC"), "p2": text("ABC")}},
	{"indexOf is zero-based", "Patient", "'abc'.indexOf('b')",
		map[string]expect{"p1": num("1"), "p2": num("1")}},
	{"indexOf missing", "Patient", "'abc'.indexOf('z')",
		map[string]expect{"p1": num("-1"), "p2": num("-1")}},
	{"substring", "Patient", "'abcd'.substring(1)",
		map[string]expect{"p1": text("bcd"), "p2": text("bcd")}},
	{"substring with length", "Patient", "'abcd'.substring(1, 2)",
		map[string]expect{"p1": text("bc"), "p2": text("bc")}},
	{"substring out of range", "Patient", "'abcd'.substring(5)",
		map[string]expect{"p1": null(), "p2": null()}},
	{"startsWith", "Patient", "'hello'.startsWith('he')",
		map[string]expect{"p1": isTrue(), "p2": isTrue()}},
	{"endsWith", "Patient", "'hello'.endsWith('lo')",
		map[string]expect{"p1": isTrue(), "p2": isTrue()}},
	{"contains substring", "Patient", "'hello'.contains('ell')",
		map[string]expect{"p1": isTrue(), "p2": isTrue()}},
	{"matches", "Patient", "'hello world'.matches('^hello')",
		map[string]expect{"p1": isTrue(), "p2": isTrue()}},
	{"replace", "Patient", "'banana'.replace('na', 'r')",
		map[string]expect{"p1": text("barr"), "p2": text("barr")}},
	{"string length", "Patient", "'hello'.length()",
		map[string]expect{"p1": num("5"), "p2": num("5")}},
	{"concat ignores missing operands", "Patient", "{} & 'a'",
		map[string]expect{"p1": text("a"), "p2": text("a")}},
	{"concat of empties", "Patient", "'' & ''",
		map[string]expect{"p1": text(""), "p2": text("")}},

	// math
	{"integer division", "Patient", "7 div 2",
		map[string]expect{"p1": num("3"), "p2": num("3")}},
	{"modulo", "Patient", "7 mod 2",
		map[string]expect{"p1": num("1"), "p2": num("1")}},
	{"exact division", "Patient", "1 / 2",
		map[string]expect{"p1": num("0.5"), "p2": num("0.5")}},
	{"division by zero yields nothing", "Patient", "5 / 0",
		map[string]expect{"p1": null(), "p2": null()}},
	{"div by zero yields nothing", "Patient", "5 div 0",
		map[string]expect{"p1": null(), "p2": null()}},
	{"mod by zero yields nothing", "Patient", "5 mod 0",
		map[string]expect{"p1": null(), "p2": null()}},
	{"sqrt", "Patient", "(4).sqrt()",
		map[string]expect{"p1": num("2"), "p2": num("2")}},
	{"sqrt of negative yields nothing", "Patient", "(-1).sqrt()",
		map[string]expect{"p1": null(), "p2": null()}},
	{"power", "Patient", "(2).power(10)",
		map[string]expect{"p1": num("1024"), "p2": num("1024")}},
	{"fractional power", "Patient", "81.power(0.5)",
		map[string]expect{"p1": num("9"), "p2": num("9")}},
	{"zero to zeroth power yields nothing", "Patient", "(0.0).power(0)",
		map[string]expect{"p1": null(), "p2": null()}},
	{"abs", "Patient", "(-3).abs()",
		map[string]expect{"p1": num("3"), "p2": num("3")}},
	{"arithmetic on stored decimal", "Observation", "valueQuantity.value + 1",
		map[string]expect{"o1": num("3.5")}},
	{"power overflow on stored decimal yields nothing", "Observation", "valueQuantity.value.power(10000)",
		map[string]expect{"o1": null()}},

	// conversion
	{"toInteger on numeric text", "Patient", "'42'.toInteger()",
		map[string]expect{"p1": num("42"), "p2": num("42")}},
	{"toInteger on non-numeric text", "Patient", "'x'.toInteger()",
		map[string]expect{"p1": null(), "p2": null()}},
	{"toDecimal", "Patient", "'3.5'.toDecimal()",
		map[string]expect{"p1": num("3.5"), "p2": num("3.5")}},
	{"toBoolean", "Patient", "'true'.toBoolean()",
		map[string]expect{"p1": isTrue(), "p2": isTrue()}},
	{"toString of boolean", "Patient", "active.toString()",
		map[string]expect{"p1": text("true"), "p2": null()}},
	{"iif", "Patient", "iif(active, 'yes', 'no')",
		map[string]expect{"p1": text("yes"), "p2": text("no")}},

	// boundaries
	{"low boundary of year-month date", "Patient", "birthDate.lowBoundary()",
		map[string]expect{"p1": text("1970-03-01"), "p2": text("1984-01-15")}},
	{"high boundary of year-month date", "Patient", "birthDate.highBoundary()",
		map[string]expect{"p1": text("1970-03-31"), "p2": text("1984-01-15")}},
	{"low boundary of stored decimal", "Observation", "valueQuantity.value.lowBoundary()",
		map[string]expect{"o1": num("2.45")}},
	{"high boundary of stored decimal", "Observation", "valueQuantity.value.highBoundary()",
		map[string]expect{"o1": num("2.55")}},
	{"boundary of quantity uses its value", "Observation", "valueQuantity.lowBoundary()",
		map[string]expect{"o1": num("2.45")}},
}

func loadParityDocs(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	for _, doc := range parityDocs {
		if err := LoadDocument(ctx, s, []byte(doc)); err != nil {
			t.Fatalf("LoadDocument: %v", err)
		}
	}
}

func runParityCases(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	m := model.Default()
	for _, tc := range parityCases {
		t.Run(tc.name, func(t *testing.T) {
			node, err := parser.Parse(tc.expr)
			if err != nil {
				t.Fatalf("Parse(%q): %v", tc.expr, err)
			}
			tr := translate.New(s.Dialect(),
				translate.WithModel(m),
				translate.WithResourceType(tc.resourceType))
			frag, err := tr.Translate(node)
			if err != nil {
				t.Fatalf("Translate(%q): %v", tc.expr, err)
			}
			query, err := assemble.ResourceQuery(frag, s.Dialect(), tc.resourceType)
			if err != nil {
				t.Fatalf("ResourceQuery: %v", err)
			}
			rows, err := s.Evaluate(ctx, query)
			if err != nil {
				t.Fatalf("Evaluate(%q): %v\nquery: %s", tc.expr, err, query)
			}
			got := make(map[string]interface{}, len(rows))
			for _, r := range rows {
				got[r.ID] = r.Result
			}
			if len(got) != len(tc.want) {
				t.Fatalf("row count = %d, want %d (rows: %v)", len(got), len(tc.want), got)
			}
			for id, want := range tc.want {
				v, ok := got[id]
				if !ok {
					t.Errorf("no row for id %q", id)
					continue
				}
				if msg := matchValue(want, v); msg != "" {
					t.Errorf("id %s: %s\nquery: %s", id, msg, query)
				}
			}
		})
	}
}

// matchValue bridges driver scan types: SQLite hands booleans back as
// integers and collections as JSON text, PostgreSQL hands back native
// bools, numeric strings, and jsonb bytes.
func matchValue(want expect, got interface{}) string {
	switch want.kind {
	case wantNull:
		if got != nil {
			return fmt.Sprintf("got %v (%T), want no value", got, got)
		}
	case wantBool:
		b, ok := asBool(got)
		if !ok {
			return fmt.Sprintf("got %v (%T), want boolean %s", got, got, want.text)
		}
		if b != (want.text == "true") {
			return fmt.Sprintf("got %v, want %s", b, want.text)
		}
	case wantNumber:
		f, ok := asFloat(got)
		if !ok {
			return fmt.Sprintf("got %v (%T), want number %s", got, got, want.text)
		}
		wf, _ := strconv.ParseFloat(want.text, 64)
		if math.Abs(f-wf) > 1e-9 {
			return fmt.Sprintf("got %v, want %s", f, want.text)
		}
	case wantText:
		s, ok := asText(got)
		if !ok || s != want.text {
			return fmt.Sprintf("got %v (%T), want %q", got, got, want.text)
		}
	case wantJSON:
		s, ok := asText(got)
		if !ok {
			return fmt.Sprintf("got %v (%T), want JSON %s", got, got, want.text)
		}
		var gv, wv interface{}
		if err := json.Unmarshal([]byte(s), &gv); err != nil {
			return fmt.Sprintf("result is not JSON: %q (%v)", s, err)
		}
		if err := json.Unmarshal([]byte(want.text), &wv); err != nil {
			return fmt.Sprintf("bad expectation %q: %v", want.text, err)
		}
		if !reflect.DeepEqual(gv, wv) {
			return fmt.Sprintf("got %s, want %s", s, want.text)
		}
	}
	return ""
}

func asText(v interface{}) (string, bool) {
	switch v := v.(type) {
	case string:
		return v, true
	case []byte:
		return string(v), true
	default:
		return "", false
	}
}

func asBool(v interface{}) (bool, bool) {
	switch v := v.(type) {
	case bool:
		return v, true
	case int64:
		return v != 0, true
	case string:
		return v == "true" || v == "t" || v == "1", true
	case []byte:
		s := string(v)
		return s == "true" || s == "t" || s == "1", true
	default:
		return false, false
	}
}

func asFloat(v interface{}) (float64, bool) {
	switch v := v.(type) {
	case int64:
		return float64(v), true
	case float64:
		return v, true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	case []byte:
		f, err := strconv.ParseFloat(string(v), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
