package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/entcache/internal/schema"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid  bool                     `json:"valid"`
	Models []string                 `json:"models,omitempty"`
	Errors []schema.ValidationError `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <schema-dir>",
		Short: "Validate model schemas",
		Long: `Load the CUE model declarations in a directory and check them.

Reports unknown related types, inverse mismatches, duplicate fields and
invalid relationship kinds. All problems are reported at once.

Exit codes:
  0 - Schema is valid
  1 - Schema has validation errors
  2 - Command error (missing directory, CUE syntax errors, etc.)`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, dir string, cmd *cobra.Command) error {
	out := newPrinter(opts, cmd)

	registry, err := loadRegistry(dir)
	if err != nil {
		var verrs *schema.ValidationErrors
		if errors.As(err, &verrs) {
			errs := verrs.Errors
			var cerr *CLIError
			if len(errs) > 0 {
				cerr = &CLIError{Code: errs[0].Code, Message: errs[0].Message}
			}
			if perr := out.reject(ValidationResult{Errors: errs}, cerr); perr != nil {
				return perr
			}
			return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
		}

		cerr := newCLIError(ErrCodeGeneric, err)
		var loadErr *LoadError
		if errors.As(err, &loadErr) {
			cerr.Code = loadErr.Code
		}
		_ = out.problem(cerr)
		return NewExitError(ExitCommandError, err.Error())
	}

	names := registry.Names()
	out.debugf("Loaded %d model(s) from %s", len(names), dir)
	for _, m := range registry.Models() {
		out.debugf("  %s: %d attribute(s), %d relationship(s)", m.Name, len(m.Attributes), len(m.Relationships))
	}
	return out.print(ValidationResult{Valid: true, Models: names})
}

// WriteText prints the model count, or every problem found.
func (r ValidationResult) WriteText(w io.Writer) error {
	if r.Valid {
		_, err := fmt.Fprintf(w, "✓ Schema valid (%d models)\n", len(r.Models))
		return err
	}
	fmt.Fprintln(w, "✗ Validation failed")
	fmt.Fprintln(w)
	for _, e := range r.Errors {
		fmt.Fprintf(w, "  %s %s: %s\n", e.Code, e.Field, e.Message)
	}
	return nil
}
