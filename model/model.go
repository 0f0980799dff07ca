// Package model provides the resource model the translator consults for
// field types and repeatability.
//
// A model maps resource types (Patient, Observation, ...) to field
// definitions keyed by dotted path ("name.given"). The translator uses it
// to decide whether a navigation step yields a scalar or a collection, and
// which value kind a field carries. Models can be the built-in default,
// loaded from a directory of JSON definition files, or hot-reloaded via
// the Watcher.
package model

import (
	"sort"
	"strings"
	"sync"
)

// FieldDef describes one field of a resource type.
type FieldDef struct {
	// Type is the value kind of the field: one of the primitive tags
	// (boolean, integer, decimal, string, date, dateTime, time) or a
	// complex type name (Quantity, HumanName, CodeableConcept, ...).
	Type string `json:"type"`

	// Repeats marks the field as a collection (0..* cardinality).
	Repeats bool `json:"repeats,omitempty"`
}

// Model holds field definitions for a set of resource types. It is safe
// for concurrent readers; Replace swaps the whole definition set
// atomically, which is how the Watcher applies reloads.
type Model struct {
	mu        sync.RWMutex
	resources map[string]map[string]FieldDef
}

// New creates an empty model.
func New() *Model {
	return &Model{resources: make(map[string]map[string]FieldDef)}
}

// Default returns the built-in model covering the resource types the test
// suite and CLI work with out of the box. Anything beyond these should be
// loaded from definition files.
func Default() *Model {
	m := New()
	m.Replace(map[string]map[string]FieldDef{
		"Patient": {
			"active":               {Type: "boolean"},
			"gender":               {Type: "string"},
			"birthDate":            {Type: "date"},
			"deceasedBoolean":      {Type: "boolean"},
			"multipleBirthInteger": {Type: "integer"},
			"name":                 {Type: "HumanName", Repeats: true},
			"name.use":             {Type: "string"},
			"name.family":          {Type: "string"},
			"name.given":           {Type: "string", Repeats: true},
			"telecom":              {Type: "ContactPoint", Repeats: true},
			"telecom.system":       {Type: "string"},
			"telecom.value":        {Type: "string"},
			"identifier":           {Type: "Identifier", Repeats: true},
			"identifier.system":    {Type: "string"},
			"identifier.value":     {Type: "string"},
			"address":              {Type: "Address", Repeats: true},
			"address.city":         {Type: "string"},
			"address.line":         {Type: "string", Repeats: true},
		},
		"Observation": {
			"status":                        {Type: "string"},
			"issued":                        {Type: "dateTime"},
			"effectiveDateTime":             {Type: "dateTime"},
			"valueQuantity":                 {Type: "Quantity"},
			"valueQuantity.value":           {Type: "decimal"},
			"valueQuantity.unit":            {Type: "string"},
			"valueQuantity.code":            {Type: "string"},
			"valueString":                   {Type: "string"},
			"valueInteger":                  {Type: "integer"},
			"code":                          {Type: "CodeableConcept"},
			"code.text":                     {Type: "string"},
			"code.coding":                   {Type: "Coding", Repeats: true},
			"code.coding.system":            {Type: "string"},
			"code.coding.code":              {Type: "string"},
			"component":                     {Type: "ObservationComponent", Repeats: true},
			"component.valueQuantity":       {Type: "Quantity"},
			"component.valueQuantity.value": {Type: "decimal"},
		},
		"Condition": {
			"clinicalStatus":   {Type: "CodeableConcept"},
			"onsetDateTime":    {Type: "dateTime"},
			"recordedDate":     {Type: "dateTime"},
			"code":             {Type: "CodeableConcept"},
			"code.text":        {Type: "string"},
			"code.coding":      {Type: "Coding", Repeats: true},
			"code.coding.code": {Type: "string"},
			"severity":         {Type: "CodeableConcept"},
		},
		"Encounter": {
			"status":       {Type: "string"},
			"class":        {Type: "Coding"},
			"class.code":   {Type: "string"},
			"period":       {Type: "Period"},
			"period.start": {Type: "dateTime"},
			"period.end":   {Type: "dateTime"},
		},
	})
	return m
}

// Replace swaps in a whole new definition set.
func (m *Model) Replace(resources map[string]map[string]FieldDef) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resources = resources
}

// Merge adds or overwrites field definitions for the given resource
// types. Fields a resource type already has that the incoming set does
// not mention are kept, so several definition files can contribute to
// one resource type.
func (m *Model) Merge(resources map[string]map[string]FieldDef) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for rt, fields := range resources {
		existing, ok := m.resources[rt]
		if !ok {
			existing = make(map[string]FieldDef, len(fields))
			m.resources[rt] = existing
		}
		for path, def := range fields {
			existing[path] = def
		}
	}
}

// snapshot deep-copies the definition set.
func (m *Model) snapshot() map[string]map[string]FieldDef {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]map[string]FieldDef, len(m.resources))
	for rt, fields := range m.resources {
		cp := make(map[string]FieldDef, len(fields))
		for path, def := range fields {
			cp[path] = def
		}
		out[rt] = cp
	}
	return out
}

// HasResource reports whether the model knows the resource type.
func (m *Model) HasResource(resourceType string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.resources[resourceType]
	return ok
}

// ResourceTypes returns the known resource type names, sorted.
func (m *Model) ResourceTypes() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.resources))
	for rt := range m.resources {
		names = append(names, rt)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the definition of a field addressed by resource type and
// dotted path. The second return is false when the field is not declared.
func (m *Model) Lookup(resourceType, path string) (FieldDef, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fields, ok := m.resources[resourceType]
	if !ok {
		return FieldDef{}, false
	}
	def, ok := fields[path]
	return def, ok
}

// Repeats reports whether the field at the dotted path is a collection.
// Unknown fields report false: the translator treats undeclared fields as
// scalars of unknown type.
func (m *Model) Repeats(resourceType, path string) bool {
	def, ok := m.Lookup(resourceType, path)
	return ok && def.Repeats
}

// TypeOf returns the declared value kind of a field, or "" when the field
// is not declared.
func (m *Model) TypeOf(resourceType, path string) string {
	def, ok := m.Lookup(resourceType, path)
	if !ok {
		return ""
	}
	return def.Type
}

// HasChildren reports whether any declared field nests under the dotted
// path, which marks an undeclared intermediate step as object-shaped.
func (m *Model) HasChildren(resourceType, path string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fields, ok := m.resources[resourceType]
	if !ok {
		return false
	}
	prefix := path + "."
	for p := range fields {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}
