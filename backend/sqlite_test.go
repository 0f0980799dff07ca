package backend

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	fhirerrors "github.com/medql/fhirsql/pkg/errors"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(context.Background(), DefaultSQLiteConfig())
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteParity(t *testing.T) {
	s := newTestSQLiteStore(t)
	loadParityDocs(t, s)
	runParityCases(t, s)
}

func TestSQLiteLoadResourceReplaces(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	if err := s.LoadResource(ctx, "Patient", "p1", []byte(`{"active": true}`)); err != nil {
		t.Fatal(err)
	}
	if err := s.LoadResource(ctx, "Patient", "p1", []byte(`{"active": false}`)); err != nil {
		t.Fatal(err)
	}
	rows, err := s.Evaluate(ctx,
		"SELECT id, json_extract(doc, '$.active') AS result FROM resources WHERE resource_type = 'Patient'")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	if b, _ := asBool(rows[0].Result); b {
		t.Errorf("second load did not replace the document: %v", rows[0].Result)
	}
}

func TestSQLiteFileDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fhir.db")
	cfg := DefaultSQLiteConfig()
	cfg.Path = path
	s, err := NewSQLiteStore(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer s.Close()
	if err := s.LoadResource(context.Background(), "Patient", "p1", []byte(`{}`)); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("database file not created: %v", err)
	}
}

func TestSQLiteEvaluateBadQuery(t *testing.T) {
	s := newTestSQLiteStore(t)
	_, err := s.Evaluate(context.Background(), "SELECT nonsense FROM nowhere")
	if got := fhirerrors.CodeOf(err); got != fhirerrors.ErrCodeBackendQuery {
		t.Errorf("CodeOf(err) = %v, want %v (err: %v)", got, fhirerrors.ErrCodeBackendQuery, err)
	}
}

func TestSQLiteRegisteredFunctions(t *testing.T) {
	s := newTestSQLiteStore(t)
	rows, err := s.Evaluate(context.Background(),
		"SELECT 'x' AS id, SQRT(POWER(3, 2)) AS result")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if f, _ := asFloat(rows[0].Result); f != 3 {
		t.Errorf("SQRT(POWER(3, 2)) = %v", rows[0].Result)
	}
	rows, err = s.Evaluate(context.Background(),
		"SELECT 'x' AS id, ('abc' REGEXP '^a') AS result")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if b, _ := asBool(rows[0].Result); !b {
		t.Errorf("REGEXP result = %v", rows[0].Result)
	}
}

func TestSQLiteMathFnsCoerceArguments(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	// Integer-typed SQL arguments must behave like the engine's own
	// numeric builtins, not error on the argument type.
	tests := []struct {
		name string
		expr string
		want float64
	}{
		{"sqrt of integer", "SQRT(4)", 2},
		{"power of integers", "POWER(2, 10)", 1024},
		{"mod of integers", "MOD(7, 2)", 1},
		{"trunc of integer", "TRUNC(5)", 5},
		{"power of negative scale", "POWER(10, -2)", 0.01},
		{"sqrt of numeric text", "SQRT('9')", 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows, err := s.Evaluate(ctx, "SELECT 'x' AS id, "+tt.expr+" AS result")
			if err != nil {
				t.Fatalf("Evaluate(%s): %v", tt.expr, err)
			}
			f, ok := asFloat(rows[0].Result)
			if !ok || math.Abs(f-tt.want) > 1e-9 {
				t.Errorf("%s = %v, want %v", tt.expr, rows[0].Result, tt.want)
			}
		})
	}

	for _, expr := range []string{"SQRT(NULL)", "POWER(NULL, 2)", "MOD(7, NULL)"} {
		rows, err := s.Evaluate(ctx, "SELECT 'x' AS id, "+expr+" AS result")
		if err != nil {
			t.Fatalf("Evaluate(%s): %v", expr, err)
		}
		if rows[0].Result != nil {
			t.Errorf("%s = %v, want NULL", expr, rows[0].Result)
		}
	}
}

func TestLoadDocumentValidation(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	tests := []struct {
		name string
		doc  string
	}{
		{"not json", `{broken`},
		{"missing resourceType", `{"id": "p1"}`},
		{"missing id", `{"resourceType": "Patient"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := LoadDocument(ctx, s, []byte(tt.doc))
			if got := fhirerrors.CodeOf(err); got != fhirerrors.ErrCodeBackendLoad {
				t.Errorf("CodeOf(err) = %v, want %v (err: %v)", got, fhirerrors.ErrCodeBackendLoad, err)
			}
		})
	}
}

func TestLoadDirectory(t *testing.T) {
	dir := t.TempDir()
	docs := map[string]string{
		"a.json":   `{"resourceType": "Patient", "id": "p1"}`,
		"b.json":   `{"resourceType": "Patient", "id": "p2"}`,
		"skip.txt": "not a resource",
	}
	for name, content := range docs {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	s := newTestSQLiteStore(t)
	n, err := LoadDirectory(context.Background(), s, dir)
	if err != nil {
		t.Fatalf("LoadDirectory: %v", err)
	}
	if n != 2 {
		t.Errorf("loaded = %d, want 2", n)
	}
	rows, err := s.Evaluate(context.Background(),
		"SELECT id, 1 AS result FROM resources WHERE resource_type = 'Patient' ORDER BY id")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 || rows[0].ID != "p1" || rows[1].ID != "p2" {
		t.Errorf("stored rows = %v", rows)
	}
}
