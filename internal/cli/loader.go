package cli

import (
	"errors"
	"fmt"
	"os"

	"cuelang.org/go/cue/token"

	"github.com/roach88/entcache/internal/schema"
)

// LoadError represents an error that occurred while loading a schema.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos // CUE position if available
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// loadRegistry loads the schema in dir. Structural problems come back as
// a *LoadError; model problems as the registry's *schema.ValidationErrors.
func loadRegistry(dir string) (*schema.Registry, error) {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("schema directory not found: %s", dir)}
	}
	if err != nil {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("error accessing schema directory: %v", err)}
	}
	if !info.IsDir() {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("not a directory: %s", dir)}
	}

	files, err := schema.FindCUEFiles(dir)
	if err != nil {
		return nil, &LoadError{Code: ErrCodeGeneric, Message: fmt.Sprintf("error scanning directory: %v", err)}
	}
	if len(files) == 0 {
		return nil, &LoadError{Code: ErrCodeNoFiles, Message: fmt.Sprintf("no CUE files found in %s", dir)}
	}

	registry, err := schema.LoadDir(dir)
	if err == nil {
		return registry, nil
	}

	var verrs *schema.ValidationErrors
	if errors.As(err, &verrs) {
		return nil, verrs
	}
	var cerr *schema.CompileError
	if errors.As(err, &cerr) {
		return nil, &LoadError{Code: ErrCodeCompile, Message: cerr.Field + ": " + cerr.Message, Pos: cerr.Pos}
	}
	return nil, &LoadError{Code: ErrCodeCompile, Message: err.Error()}
}
