// Package backend runs assembled queries against a concrete database.
//
// Each backend pairs one dialect with one driver and owns the storage
// table the assembler's queries expect: resources(resource_type, id,
// doc), one row per stored resource document.
package backend

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/medql/fhirsql/dialect"
	fhirerrors "github.com/medql/fhirsql/pkg/errors"
)

// Row is one evaluation result: the resource id and the fragment's
// value for that resource. Result keeps the driver's native scan type;
// collection-valued results arrive as JSON text.
type Row struct {
	ID     string
	Result interface{}
}

// Store is the surface the CLI and tests run against.
type Store interface {
	// Dialect returns the dialect queries against this store must be
	// rendered with.
	Dialect() dialect.Dialect

	// LoadResource inserts or replaces one resource document.
	LoadResource(ctx context.Context, resourceType, id string, doc []byte) error

	// Evaluate runs an assembled query and returns its id/result rows.
	Evaluate(ctx context.Context, query string) ([]Row, error)

	Close() error
}

// resourceEnvelope is the subset of a stored document the loader needs
// to file it.
type resourceEnvelope struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id"`
}

// LoadFile stores one JSON resource document from disk. The document
// must carry resourceType and id fields.
func LoadFile(ctx context.Context, s Store, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fhirerrors.Wrapf(err, fhirerrors.ErrCodeBackendLoad,
			"read resource file %s", path).WithOp("backend.load").Err()
	}
	return LoadDocument(ctx, s, data)
}

// LoadDocument stores one JSON resource document.
func LoadDocument(ctx context.Context, s Store, doc []byte) error {
	var env resourceEnvelope
	if err := json.Unmarshal(doc, &env); err != nil {
		return fhirerrors.Wrap(err, fhirerrors.ErrCodeBackendLoad,
			"resource document is not valid JSON").WithOp("backend.load").Err()
	}
	if env.ResourceType == "" || env.ID == "" {
		return fhirerrors.New(fhirerrors.ErrCodeBackendLoad,
			"resource document missing resourceType or id").WithOp("backend.load").Err()
	}
	return s.LoadResource(ctx, env.ResourceType, env.ID, doc)
}

// LoadDirectory stores every .json file in dir, in lexical order.
func LoadDirectory(ctx context.Context, s Store, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fhirerrors.Wrapf(err, fhirerrors.ErrCodeBackendLoad,
			"read resource directory %s", dir).WithOp("backend.load").Err()
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	for _, name := range names {
		if err := LoadFile(ctx, s, filepath.Join(dir, name)); err != nil {
			return 0, err
		}
	}
	return len(names), nil
}
