package model

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	fhirerrors "github.com/medql/fhirsql/pkg/errors"
	"github.com/medql/fhirsql/pkg/log"
)

func TestDefaultModelLookup(t *testing.T) {
	m := Default()
	tests := []struct {
		resource string
		path     string
		typ      string
		repeats  bool
	}{
		{"Patient", "active", "boolean", false},
		{"Patient", "birthDate", "date", false},
		{"Patient", "name", "HumanName", true},
		{"Patient", "name.given", "string", true},
		{"Patient", "name.family", "string", false},
		{"Observation", "valueQuantity", "Quantity", false},
		{"Observation", "valueQuantity.value", "decimal", false},
	}
	for _, tt := range tests {
		t.Run(tt.resource+"."+tt.path, func(t *testing.T) {
			def, ok := m.Lookup(tt.resource, tt.path)
			if !ok {
				t.Fatalf("Lookup(%s, %s) not found", tt.resource, tt.path)
			}
			if def.Type != tt.typ {
				t.Errorf("Type = %q, want %q", def.Type, tt.typ)
			}
			if def.Repeats != tt.repeats {
				t.Errorf("Repeats = %v, want %v", def.Repeats, tt.repeats)
			}
		})
	}
	if _, ok := m.Lookup("Patient", "nonexistent"); ok {
		t.Error("Lookup of undeclared path succeeded")
	}
	if _, ok := m.Lookup("NoSuchResource", "active"); ok {
		t.Error("Lookup of undeclared resource succeeded")
	}
}

func TestModelHasChildren(t *testing.T) {
	m := Default()
	if !m.HasChildren("Patient", "name") {
		t.Error("name has declared children")
	}
	if m.HasChildren("Patient", "birthDate") {
		t.Error("birthDate is a leaf")
	}
	if m.HasChildren("Patient", "nonexistent") {
		t.Error("undeclared path has no children")
	}
}

func TestModelMergeAndReplace(t *testing.T) {
	m := New()
	m.Merge(map[string]map[string]FieldDef{
		"Widget": {"size": {Type: "integer"}},
	})
	if !m.HasResource("Widget") {
		t.Fatal("merged resource missing")
	}
	m.Merge(map[string]map[string]FieldDef{
		"Widget": {"color": {Type: "string"}},
	})
	if _, ok := m.Lookup("Widget", "size"); !ok {
		t.Error("merge dropped existing field")
	}
	if _, ok := m.Lookup("Widget", "color"); !ok {
		t.Error("merge missed new field")
	}

	m.Replace(map[string]map[string]FieldDef{
		"Gadget": {"mass": {Type: "decimal"}},
	})
	if m.HasResource("Widget") {
		t.Error("replace kept old resource")
	}
	if got := m.ResourceTypes(); !reflect.DeepEqual(got, []string{"Gadget"}) {
		t.Errorf("ResourceTypes() = %v, want [Gadget]", got)
	}
}

func TestModelAccessors(t *testing.T) {
	m := Default()
	if !m.Repeats("Patient", "name.given") {
		t.Error("name.given repeats")
	}
	if m.Repeats("Patient", "birthDate") {
		t.Error("birthDate does not repeat")
	}
	if got := m.TypeOf("Patient", "birthDate"); got != "date" {
		t.Errorf("TypeOf(birthDate) = %q", got)
	}
	if got := m.TypeOf("Patient", "nonexistent"); got != "" {
		t.Errorf("TypeOf(nonexistent) = %q, want empty", got)
	}
}

func writeModelFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoaderLoadDirectory(t *testing.T) {
	dir := t.TempDir()
	writeModelFile(t, dir, "patient.json", `{
		"Patient": {
			"active": {"type": "boolean"},
			"name": {"type": "HumanName", "repeats": true},
			"name.given": {"type": "string", "repeats": true}
		}
	}`)
	writeModelFile(t, dir, "observation.json", `{
		"Observation": {
			"status": {"type": "code"}
		}
	}`)
	writeModelFile(t, dir, "notes.txt", "ignored")
	writeModelFile(t, dir, ".hidden.json", `{"Bogus": {"x": {"type": "string"}}}`)

	m, err := NewLoader(log.Nop()).LoadDirectory(dir)
	if err != nil {
		t.Fatalf("LoadDirectory: %v", err)
	}
	if got := m.ResourceTypes(); !reflect.DeepEqual(got, []string{"Observation", "Patient"}) {
		t.Errorf("ResourceTypes() = %v", got)
	}
	if !m.Repeats("Patient", "name.given") {
		t.Error("repeats flag lost in load")
	}
	if got := m.TypeOf("Observation", "status"); got != "code" {
		t.Errorf("TypeOf(status) = %q", got)
	}
}

func TestLoaderCombinesFilesForOneResourceType(t *testing.T) {
	dir := t.TempDir()
	writeModelFile(t, dir, "a_patient_core.json", `{
		"Patient": {
			"active": {"type": "boolean"},
			"gender": {"type": "string"}
		}
	}`)
	writeModelFile(t, dir, "b_patient_names.json", `{
		"Patient": {
			"gender": {"type": "code"},
			"name": {"type": "HumanName", "repeats": true}
		}
	}`)

	m, err := NewLoader(log.Nop()).LoadDirectory(dir)
	if err != nil {
		t.Fatalf("LoadDirectory: %v", err)
	}
	if _, ok := m.Lookup("Patient", "active"); !ok {
		t.Error("field from first file lost")
	}
	if _, ok := m.Lookup("Patient", "name"); !ok {
		t.Error("field from second file lost")
	}
	if got := m.TypeOf("Patient", "gender"); got != "code" {
		t.Errorf("TypeOf(gender) = %q, want later file to win per field", got)
	}
}

func TestLoaderErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := NewLoader(log.Nop()).LoadDirectory(filepath.Join(dir, "missing"))
	if got := fhirerrors.CodeOf(err); got != fhirerrors.ErrCodeModelLoad {
		t.Errorf("missing directory: CodeOf(err) = %v, want %v", got, fhirerrors.ErrCodeModelLoad)
	}

	writeModelFile(t, dir, "bad.json", `{not json`)
	_, err = NewLoader(log.Nop()).LoadDirectory(dir)
	if got := fhirerrors.CodeOf(err); got != fhirerrors.ErrCodeModelParse {
		t.Errorf("malformed file: CodeOf(err) = %v, want %v", got, fhirerrors.ErrCodeModelParse)
	}

	dir2 := t.TempDir()
	writeModelFile(t, dir2, "incomplete.json", `{"Patient": {"active": {}}}`)
	_, err = NewLoader(log.Nop()).LoadDirectory(dir2)
	if got := fhirerrors.CodeOf(err); got != fhirerrors.ErrCodeModelParse {
		t.Errorf("missing type: CodeOf(err) = %v, want %v", got, fhirerrors.ErrCodeModelParse)
	}
}

func TestWatcherReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	writeModelFile(t, dir, "model.json", `{"Patient": {"active": {"type": "boolean"}}}`)

	m, err := NewLoader(log.Nop()).LoadDirectory(dir)
	if err != nil {
		t.Fatal(err)
	}

	reloaded := make(chan struct{}, 1)
	w, err := NewWatcher(dir, m, log.Nop(),
		WithDebounceDelay(50*time.Millisecond),
		WithOnReload(func(*Model) {
			select {
			case reloaded <- struct{}{}:
			default:
			}
		}))
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	if !w.IsRunning() {
		t.Fatal("watcher not running after Start")
	}

	writeModelFile(t, dir, "model.json", `{"Patient": {"active": {"type": "boolean"}, "gender": {"type": "code"}}}`)

	select {
	case <-reloaded:
	case <-time.After(5 * time.Second):
		t.Fatal("no reload within deadline")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := m.Lookup("Patient", "gender"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("model not updated after reload")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWatcherStopIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	writeModelFile(t, dir, "model.json", `{"Patient": {"active": {"type": "boolean"}}}`)
	m, err := NewLoader(log.Nop()).LoadDirectory(dir)
	if err != nil {
		t.Fatal(err)
	}
	w, err := NewWatcher(dir, m, log.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	if err := w.Stop(); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := w.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if w.IsRunning() {
		t.Error("watcher still running after Stop")
	}
}
