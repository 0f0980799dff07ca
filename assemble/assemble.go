// Package assemble composes translated fragments into runnable SQL.
//
// The translator emits fragments whose dependency lists name upstream
// CTEs without knowing how they are defined. The assembler owns that
// mapping: callers register a body per dependency name, and Build
// emits a WITH clause covering the fragment's dependencies in their
// first-seen order, so generated SQL is deterministic for a given
// fragment.
package assemble

import (
	"fmt"
	"strings"

	"github.com/medql/fhirsql/dialect"
	fhirerrors "github.com/medql/fhirsql/pkg/errors"
	"github.com/medql/fhirsql/translate"
)

// Assembler maps dependency names to CTE bodies.
type Assembler struct {
	bodies map[string]string
}

// New returns an empty assembler.
func New() *Assembler {
	return &Assembler{bodies: make(map[string]string)}
}

// Register defines the CTE body for a dependency name. Registering a
// name twice replaces the body.
func (a *Assembler) Register(name, body string) {
	a.bodies[name] = body
}

// Build renders the fragment as a complete statement. Every dependency
// must have a registered body; the first dependency supplies the FROM
// clause, and a fragment with no dependencies becomes a bare SELECT.
func (a *Assembler) Build(frag translate.Fragment) (string, error) {
	expr := frag.Expression()
	if expr == "" {
		return "", fhirerrors.New(fhirerrors.ErrCodeAssembleEmpty,
			"cannot assemble an empty fragment").WithOp("assemble").Err()
	}
	deps := frag.Dependencies()
	var b strings.Builder
	if len(deps) > 0 {
		b.WriteString("WITH ")
		for i, dep := range deps {
			body, ok := a.bodies[dep]
			if !ok {
				return "", fhirerrors.Newf(fhirerrors.ErrCodeUnknownDependency,
					"fragment depends on unregistered CTE %q", dep).
					WithOp("assemble").WithField("dependency", dep).Err()
			}
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s AS (%s)", dep, body)
		}
		b.WriteString(" ")
	}
	fmt.Fprintf(&b, "SELECT %s AS result", expr)
	if len(deps) > 0 {
		fmt.Fprintf(&b, " FROM %s", deps[0])
	}
	return b.String(), nil
}

// ResourceQuery builds the standard per-resource evaluation query: one
// output row per stored resource of the given type, with its id and
// the fragment's value. The storage table is resources(resource_type,
// id, doc) and the fragment must use "resource.doc" as its document
// column with "resource" as its source dependency (the translator's
// defaults).
func ResourceQuery(frag translate.Fragment, d dialect.Dialect, resourceType string) (string, error) {
	expr := frag.Expression()
	if expr == "" {
		return "", fhirerrors.New(fhirerrors.ErrCodeAssembleEmpty,
			"cannot assemble an empty fragment").WithOp("assemble").Err()
	}
	for _, dep := range frag.Dependencies() {
		if dep != "resource" {
			return "", fhirerrors.Newf(fhirerrors.ErrCodeUnknownDependency,
				"fragment depends on unregistered CTE %q", dep).
				WithOp("assemble").WithField("dependency", dep).Err()
		}
	}
	return fmt.Sprintf(
		"WITH resource AS (SELECT id, doc FROM resources WHERE resource_type = %s) SELECT resource.id AS id, %s AS result FROM resource",
		d.StringLiteral(resourceType), expr), nil
}
