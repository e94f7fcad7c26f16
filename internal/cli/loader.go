package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"cuelang.org/go/cue/token"

	"github.com/roach88/statekit/internal/compiler"
	"github.com/roach88/statekit/internal/ir"
)

// Error code constants, unified across all CLI commands. Module
// validation codes (E2xx) come from the compiler.
const (
	ErrCodeGeneric     = "E001" // Generic/unknown error
	ErrCodeScanError   = "E002" // Directory scan error
	ErrCodeNoFiles     = "E003" // No CUE files found
	ErrCodeLoadFailed  = "E004" // CUE load or compile failed
	ErrCodeNotFound    = "E005" // Path not found
	ErrCodeNoModule    = "E006" // Requested module not defined
	ErrCodeWriteFailed = "E007" // File write error
	ErrCodeJournal     = "E008" // Journal open or read failed
)

// LoadError represents an error that occurred during spec loading.
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

// LoadSpecs compiles the module definitions in a directory or a single
// CUE file. Compile errors are collected; a nil result means nothing could
// be loaded at all.
func LoadSpecs(path string) (*compiler.LoadResult, []error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("specs path not found: %s", path)}}
	}
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("error accessing specs path: %v", err)}}
	}

	var (
		res  *compiler.LoadResult
		errs []error
	)
	if info.IsDir() {
		files, err := FindCUEFiles(path)
		if err != nil {
			return nil, []error{&LoadError{Code: ErrCodeScanError, Message: fmt.Sprintf("error scanning directory: %v", err)}}
		}
		if len(files) == 0 {
			return nil, []error{&LoadError{Code: ErrCodeNoFiles, Message: fmt.Sprintf("no CUE files found in %s", path)}}
		}
		res, errs = compiler.LoadDir(path)
	} else {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("reading %s: %v", path, err)}}
		}
		res, errs = compiler.LoadSource(path, data)
	}

	out := make([]error, len(errs))
	for i, err := range errs {
		out[i] = convertCompileError(err)
	}
	return res, out
}

// SelectModule picks the named module, or the only one when name is empty.
func SelectModule(res *compiler.LoadResult, name string) (*ir.ModuleSpec, error) {
	if res == nil || len(res.Modules) == 0 {
		return nil, &LoadError{Code: ErrCodeNoModule, Message: "no modules defined"}
	}
	if name == "" {
		if len(res.Modules) > 1 {
			names := make([]string, len(res.Modules))
			for i, m := range res.Modules {
				names[i] = m.Name
			}
			return nil, &LoadError{Code: ErrCodeNoModule, Message: fmt.Sprintf("specs define %d modules %v; choose one with --module", len(names), names)}
		}
		return &res.Modules[0], nil
	}
	for i := range res.Modules {
		if res.Modules[i].Name == name {
			return &res.Modules[i], nil
		}
	}
	return nil, &LoadError{Code: ErrCodeNoModule, Message: fmt.Sprintf("module %q not found", name)}
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

// convertCompileError converts a compiler error to a LoadError with position info.
func convertCompileError(err error) *LoadError {
	var compileErr *compiler.CompileError
	if errors.As(err, &compileErr) {
		return &LoadError{
			Code:    ErrCodeLoadFailed,
			Message: fmt.Sprintf("%s: %s", compileErr.Field, compileErr.Message),
			Pos:     compileErr.Pos,
		}
	}
	return &LoadError{Code: ErrCodeLoadFailed, Message: err.Error()}
}

// loadModule loads specs and selects one module, mapping failures to
// command errors.
func loadModule(path, name string) (*ir.ModuleSpec, error) {
	res, errs := LoadSpecs(path)
	if len(errs) > 0 {
		return nil, WrapExitError(ExitCommandError, "failed to load specs", errors.Join(errs...))
	}
	spec, err := SelectModule(res, name)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to select module", err)
	}
	if verrs := compiler.Validate(spec); len(verrs) > 0 {
		joined := make([]error, len(verrs))
		for i, e := range verrs {
			joined[i] = e
		}
		return nil, WrapExitError(ExitFailure, fmt.Sprintf("module %s is invalid", spec.Name), errors.Join(joined...))
	}
	return spec, nil
}
