package schema

import (
	"fmt"
	"os"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"
)

// CompileError represents a compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// CompileModel parses one CUE model struct into a Model. The model name is
// taken from the struct label, e.g. the value at path "model.post".
func CompileModel(v cue.Value) (*Model, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	m := &Model{}
	if labels := v.Path().Selectors(); len(labels) > 0 {
		m.Name = labels[len(labels)-1].String()
	}

	attrsVal := v.LookupPath(cue.ParsePath("attributes"))
	if attrsVal.Exists() {
		iter, err := attrsVal.List()
		if err != nil {
			return nil, formatCUEError(err)
		}
		for iter.Next() {
			name, err := iter.Value().String()
			if err != nil {
				return nil, formatCUEError(err)
			}
			m.Attributes = append(m.Attributes, name)
		}
	}

	relsVal := v.LookupPath(cue.ParsePath("relationships"))
	if !relsVal.Exists() {
		return m, nil
	}
	iter, err := relsVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	for iter.Next() {
		rel, err := compileRelationship(iter.Label(), iter.Value())
		if err != nil {
			return nil, err
		}
		m.Relationships = append(m.Relationships, rel)
	}

	return m, nil
}

func compileRelationship(name string, v cue.Value) (Relationship, error) {
	rel := Relationship{Name: name}

	kindVal := v.LookupPath(cue.ParsePath("kind"))
	if !kindVal.Exists() {
		return rel, &CompileError{
			Field:   "relationships." + name + ".kind",
			Message: "kind is required",
			Pos:     v.Pos(),
		}
	}
	kind, err := kindVal.String()
	if err != nil {
		return rel, formatCUEError(err)
	}
	rel.Kind = Kind(kind)

	typeVal := v.LookupPath(cue.ParsePath("type"))
	if !typeVal.Exists() {
		return rel, &CompileError{
			Field:   "relationships." + name + ".type",
			Message: "type is required",
			Pos:     v.Pos(),
		}
	}
	if rel.Type, err = typeVal.String(); err != nil {
		return rel, formatCUEError(err)
	}

	// async defaults to true, matching how relationships are usually declared.
	rel.Async = true
	if asyncVal := v.LookupPath(cue.ParsePath("async")); asyncVal.Exists() {
		if rel.Async, err = asyncVal.Bool(); err != nil {
			return rel, formatCUEError(err)
		}
	}

	if invVal := v.LookupPath(cue.ParsePath("inverse")); invVal.Exists() && !isNull(invVal) {
		if rel.Inverse, err = invVal.String(); err != nil {
			return rel, formatCUEError(err)
		}
	}

	return rel, nil
}

func isNull(v cue.Value) bool {
	return v.IncompleteKind() == cue.NullKind
}

// CompileValue builds a registry from a CUE value with a top-level "model"
// struct.
func CompileValue(v cue.Value) (*Registry, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	modelsVal := v.LookupPath(cue.ParsePath("model"))
	if !modelsVal.Exists() {
		return nil, &CompileError{Field: "model", Message: "no models declared", Pos: v.Pos()}
	}

	iter, err := modelsVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var models []Model
	for iter.Next() {
		m, err := CompileModel(iter.Value())
		if err != nil {
			return nil, err
		}
		m.Name = iter.Label()
		models = append(models, *m)
	}
	return NewRegistry(models...)
}

// CompileString compiles CUE source text into a registry.
func CompileString(src string) (*Registry, error) {
	ctx := cuecontext.New()
	v := ctx.CompileString(src)
	return CompileValue(v)
}

// LoadDir loads every .cue file of the package in dir and compiles the
// result into a registry.
func LoadDir(dir string) (*Registry, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("schema directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("schema directory: %s is not a directory", dir)
	}

	files, err := FindCUEFiles(dir)
	if err != nil {
		return nil, fmt.Errorf("scan schema directory: %w", err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no CUE files found in %s", dir)
	}

	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, fmt.Errorf("no CUE instances loaded from %s", dir)
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, fmt.Errorf("loading CUE files: %w", inst.Err)
	}

	ctx := cuecontext.New()
	value := ctx.BuildInstance(inst)
	return CompileValue(value)
}

// FindCUEFiles walks the directory and returns all .cue file paths.
func FindCUEFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == ".cue" {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	if positions := errors.Positions(first); len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: first.Error(),
			Pos:     positions[0],
		}
	}
	return err
}
