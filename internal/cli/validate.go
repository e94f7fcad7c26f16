package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/statekit/internal/compiler"
)

// ModuleValidation holds the validation outcome of one module.
type ModuleValidation struct {
	Module   string                     `json:"module"`
	Errors   []compiler.ValidationError `json:"errors,omitempty"`
	Warnings []compiler.CycleWarning    `json:"warnings,omitempty"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid   bool               `json:"valid"`
	Modules []ModuleValidation `json:"modules"`
	Load    []string           `json:"load_errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <specs>",
		Short: "Validate module definitions",
		Long: `Validate CUE module definitions without running them.

Compiles every module under module:, checks structure, expressions and
declarations (codes E2xx), and reports trait dependency cycles as warnings.
Cycles do not fail validation.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, specsPath string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	res, loadErrors := LoadSpecs(specsPath)
	if res == nil && len(loadErrors) > 0 {
		var loadErr *LoadError
		if errors.As(loadErrors[0], &loadErr) {
			return outputValidateError(formatter, loadErr.Code, loadErr.Message)
		}
		return outputValidateError(formatter, ErrCodeGeneric, loadErrors[0].Error())
	}

	formatter.VerboseLog("Found %d CUE file(s) in %s", res.FileCount, specsPath)

	result := ValidationResult{Valid: len(loadErrors) == 0, Modules: []ModuleValidation{}}
	for _, err := range loadErrors {
		result.Load = append(result.Load, err.Error())
	}
	for i := range res.Modules {
		spec := &res.Modules[i]
		formatter.VerboseLog("Validating module: %s", spec.Name)
		mv := ModuleValidation{
			Module:   spec.Name,
			Errors:   compiler.Validate(spec),
			Warnings: compiler.AnalyzeCycles(spec),
		}
		if len(mv.Errors) > 0 {
			result.Valid = false
		}
		result.Modules = append(result.Modules, mv)
	}

	return outputValidation(formatter, result)
}

// outputValidateError outputs an error that prevented validation.
func outputValidateError(formatter *OutputFormatter, code, message string) error {
	_ = formatter.Error(code, message, nil)
	return NewExitError(ExitCommandError, fmt.Sprintf("%s: %s", code, message))
}

func outputValidation(formatter *OutputFormatter, result ValidationResult) error {
	failures := len(result.Load)
	for _, m := range result.Modules {
		failures += len(m.Errors)
	}

	if formatter.Format == "json" {
		resp := CLIResponse{Status: "ok", Data: result}
		if !result.Valid {
			resp.Status = "error"
			resp.Error = &CLIError{Code: firstCode(result), Message: fmt.Sprintf("validation failed with %d error(s)", failures)}
		}
		if err := formatter.JSON(resp); err != nil {
			return err
		}
	} else {
		for _, msg := range result.Load {
			formatter.Fail("%s", msg)
		}
		for _, m := range result.Modules {
			if len(m.Errors) == 0 {
				formatter.Pass("%s", m.Module)
			} else {
				formatter.Fail("%s", m.Module)
			}
			for _, e := range m.Errors {
				fmt.Fprintf(formatter.Writer, "  %s %s: %s\n", e.Code, e.Field, e.Message)
			}
			for _, w := range m.Warnings {
				formatter.Warn("%s: %s", m.Module, w.Message)
			}
		}
		if result.Valid {
			formatter.Pass("All specs valid")
		} else {
			fmt.Fprintln(formatter.Writer)
			formatter.Fail("Validation failed")
		}
	}

	if !result.Valid {
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", failures))
	}
	return nil
}

func firstCode(result ValidationResult) string {
	if len(result.Load) > 0 {
		return ErrCodeLoadFailed
	}
	for _, m := range result.Modules {
		if len(m.Errors) > 0 {
			return m.Errors[0].Code
		}
	}
	return ErrCodeGeneric
}

// ValidateSpecs validates every module under path and returns the
// validation errors, for callers outside the command tree.
func ValidateSpecs(path string) ([]compiler.ValidationError, error) {
	res, loadErrors := LoadSpecs(path)
	if len(loadErrors) > 0 {
		return nil, errors.Join(loadErrors...)
	}
	var out []compiler.ValidationError
	for i := range res.Modules {
		out = append(out, compiler.Validate(&res.Modules[i])...)
	}
	return out, nil
}
