package model

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	fhirerrors "github.com/medql/fhirsql/pkg/errors"
	"github.com/medql/fhirsql/pkg/log"
)

// Loader reads resource model definitions from a directory of JSON files.
//
// Each *.json file holds one or more resource type definitions:
//
//	{
//	  "Patient": {
//	    "name":       {"type": "HumanName", "repeats": true},
//	    "name.given": {"type": "string",    "repeats": true},
//	    "gender":     {"type": "string"}
//	  }
//	}
//
// Files are loaded in lexical order; several files may contribute fields
// to one resource type, and a later file wins per field.
type Loader struct {
	logger *log.Logger
}

// NewLoader creates a model loader.
func NewLoader(logger *log.Logger) *Loader {
	if logger == nil {
		logger = log.Nop()
	}
	return &Loader{logger: logger}
}

// LoadDirectory reads every *.json file under root (non-recursive) and
// returns the combined model.
func (l *Loader) LoadDirectory(root string) (*Model, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fhirerrors.Wrap(err, fhirerrors.ErrCodeModelLoad,
			"model directory not found").
			WithOp("Loader.LoadDirectory").
			WithField("path", root).
			Err()
	}
	if !info.IsDir() {
		return nil, fhirerrors.Newf(fhirerrors.ErrCodeModelLoad,
			"not a directory: %s", root).
			WithOp("Loader.LoadDirectory").
			Err()
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fhirerrors.Wrap(err, fhirerrors.ErrCodeModelLoad,
			"failed to read model directory").
			WithOp("Loader.LoadDirectory").
			WithField("path", root).
			Err()
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, ".") || !strings.HasSuffix(strings.ToLower(name), ".json") {
			continue
		}
		files = append(files, filepath.Join(root, name))
	}
	sort.Strings(files)

	m := New()
	for _, path := range files {
		defs, err := l.loadFile(path)
		if err != nil {
			return nil, err
		}
		m.Merge(defs)
		l.logger.Model().Debug("loaded model file",
			"path", path,
			"resources", len(defs),
		)
	}

	l.logger.Model().Info("model loaded",
		"path", root,
		"files", len(files),
		"resources", len(m.ResourceTypes()),
	)

	return m, nil
}

// loadFile parses one definition file.
func (l *Loader) loadFile(path string) (map[string]map[string]FieldDef, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fhirerrors.Wrap(err, fhirerrors.ErrCodeModelLoad,
			"failed to read model file").
			WithOp("Loader.loadFile").
			WithField("path", path).
			Err()
	}

	var defs map[string]map[string]FieldDef
	if err := json.Unmarshal(data, &defs); err != nil {
		return nil, fhirerrors.Wrap(err, fhirerrors.ErrCodeModelParse,
			"invalid model file").
			WithOp("Loader.loadFile").
			WithField("path", path).
			Err()
	}

	for rt, fields := range defs {
		if rt == "" {
			return nil, fhirerrors.New(fhirerrors.ErrCodeModelParse,
				"empty resource type name").
				WithOp("Loader.loadFile").
				WithField("path", path).
				Err()
		}
		for fieldPath, def := range fields {
			if fieldPath == "" || def.Type == "" {
				return nil, fhirerrors.Newf(fhirerrors.ErrCodeModelParse,
					"field %q of %s missing name or type", fieldPath, rt).
					WithOp("Loader.loadFile").
					WithField("path", path).
					Err()
			}
		}
	}

	return defs, nil
}
