package assemble

import (
	"strings"
	"testing"

	"github.com/medql/fhirsql/dialect"
	fhirerrors "github.com/medql/fhirsql/pkg/errors"
	"github.com/medql/fhirsql/translate"
)

func TestBuildNoDependencies(t *testing.T) {
	frag := translate.NewFragment("1 + 1", translate.Scalar, false, false, nil)
	sql, err := New().Build(frag)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if sql != "SELECT 1 + 1 AS result" {
		t.Errorf("Build = %q", sql)
	}
}

func TestBuildWithDependencies(t *testing.T) {
	a := New()
	a.Register("resource", "SELECT doc FROM resources")
	a.Register("extra", "SELECT 1")
	frag := translate.NewFragment("resource.doc", translate.Scalar, false, false,
		[]string{"resource", "extra"})
	sql, err := a.Build(frag)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	want := "WITH resource AS (SELECT doc FROM resources), extra AS (SELECT 1) SELECT resource.doc AS result FROM resource"
	if sql != want {
		t.Errorf("Build = %q, want %q", sql, want)
	}
}

func TestBuildUnregisteredDependency(t *testing.T) {
	frag := translate.NewFragment("x", translate.Scalar, false, false, []string{"ghost"})
	_, err := New().Build(frag)
	if got := fhirerrors.CodeOf(err); got != fhirerrors.ErrCodeUnknownDependency {
		t.Errorf("CodeOf(err) = %v, want %v (err: %v)", got, fhirerrors.ErrCodeUnknownDependency, err)
	}
}

func TestBuildEmptyFragment(t *testing.T) {
	_, err := New().Build(translate.Fragment{})
	if got := fhirerrors.CodeOf(err); got != fhirerrors.ErrCodeAssembleEmpty {
		t.Errorf("CodeOf(err) = %v, want %v (err: %v)", got, fhirerrors.ErrCodeAssembleEmpty, err)
	}
}

func TestResourceQueryShape(t *testing.T) {
	d, ok := dialect.Get("sqlite")
	if !ok {
		t.Fatal("sqlite dialect not registered")
	}
	frag := translate.NewFragment(
		"json_extract(resource.doc, '$.\"active\"')",
		translate.Scalar, false, false, []string{"resource"})
	sql, err := ResourceQuery(frag, d, "Patient")
	if err != nil {
		t.Fatalf("ResourceQuery: %v", err)
	}
	for _, want := range []string{
		"WITH resource AS (SELECT id, doc FROM resources WHERE resource_type = 'Patient')",
		"SELECT resource.id AS id",
		"AS result FROM resource",
	} {
		if !strings.Contains(sql, want) {
			t.Errorf("ResourceQuery missing %q:\n%s", want, sql)
		}
	}
}

func TestResourceQueryRejectsForeignDependency(t *testing.T) {
	d, _ := dialect.Get("sqlite")
	frag := translate.NewFragment("x", translate.Scalar, false, false, []string{"other"})
	_, err := ResourceQuery(frag, d, "Patient")
	if got := fhirerrors.CodeOf(err); got != fhirerrors.ErrCodeUnknownDependency {
		t.Errorf("CodeOf(err) = %v, want %v (err: %v)", got, fhirerrors.ErrCodeUnknownDependency, err)
	}
}

func TestResourceQueryEscapesResourceType(t *testing.T) {
	d, _ := dialect.Get("sqlite")
	frag := translate.NewFragment("1", translate.Scalar, false, false, nil)
	sql, err := ResourceQuery(frag, d, "O'Brien")
	if err != nil {
		t.Fatalf("ResourceQuery: %v", err)
	}
	if !strings.Contains(sql, "'O''Brien'") {
		t.Errorf("resource type not escaped: %s", sql)
	}
}
