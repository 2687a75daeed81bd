package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/entcache/internal/ir"
)

// Process exit codes.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // a scenario, schema or payload was rejected
	ExitCommandError = 2 // the command could not run at all
)

// Error codes carried in the JSON envelope.
const (
	ErrCodeGeneric       = "E001"
	ErrCodeNotFound      = "E002"
	ErrCodeNoFiles       = "E003"
	ErrCodeCompile       = "E101"
	ErrCodeInvalidInput  = "E102"
	ErrCodeNormalize     = "E103"
	ErrCodeJournal       = "E104"
	ErrCodeScenarioFails = "E105"
)

// ExitError ends a command with a specific process exit code.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// NewExitError returns an ExitError without a cause.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError returns an ExitError around err.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode maps an error returned by a command to a process exit code.
// Errors that carry no code are failures.
func GetExitCode(err error) int {
	var exitErr *ExitError
	switch {
	case err == nil:
		return ExitSuccess
	case errors.As(err, &exitErr):
		return exitErr.Code
	default:
		return ExitFailure
	}
}

// Report is the result of one command. JSON output carries it as the
// envelope's data; text output is its own rendering.
type Report interface {
	WriteText(w io.Writer) error
}

// Envelope is the document every command prints with --format json.
type Envelope struct {
	Status string    `json:"status"` // "ok" or "error"
	Data   Report    `json:"data,omitempty"`
	Error  *CLIError `json:"error,omitempty"`
}

// CLIError describes why a command failed. Reason, Record and Field are
// copied from cache errors.
type CLIError struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Reason  ir.ErrorCode `json:"reason,omitempty"`
	Record  string       `json:"record,omitempty"`
	Field   string       `json:"field,omitempty"`
}

// newCLIError builds the envelope error for err under an E-code.
func newCLIError(code string, err error) *CLIError {
	ce := &CLIError{Code: code, Message: err.Error()}
	var e *ir.Error
	if errors.As(err, &e) {
		ce.Reason = e.Code
		if e.Identity.Valid() {
			ce.Record = e.Identity.Key()
		}
		ce.Field = e.Field
	}
	return ce
}

// printer writes command output in the format picked with --format.
// Verbose diagnostics go to a separate writer so JSON stays parseable.
type printer struct {
	json    bool
	verbose bool
	out     io.Writer
	diag    io.Writer
}

func newPrinter(opts *RootOptions, cmd *cobra.Command) *printer {
	return &printer{
		json:    opts.Format == "json",
		verbose: opts.Verbose,
		out:     cmd.OutOrStdout(),
		diag:    cmd.ErrOrStderr(),
	}
}

// print writes a successful report.
func (p *printer) print(r Report) error {
	if p.json {
		return p.encode(Envelope{Status: "ok", Data: r})
	}
	return r.WriteText(p.out)
}

// reject writes a report that describes a failure, such as failing
// scenarios or invalid models.
func (p *printer) reject(r Report, cerr *CLIError) error {
	if p.json {
		return p.encode(Envelope{Status: "error", Data: r, Error: cerr})
	}
	return r.WriteText(p.out)
}

// problem writes a failure that has no report.
func (p *printer) problem(cerr *CLIError) error {
	if p.json {
		return p.encode(Envelope{Status: "error", Error: cerr})
	}
	fmt.Fprintf(p.out, "Error [%s]: %s\n", cerr.Code, cerr.Message)
	if p.verbose && cerr.Reason != "" {
		fmt.Fprintf(p.out, "Reason: %s %s%s\n", cerr.Reason, cerr.Record, fieldSuffix(cerr.Field))
	}
	return nil
}

func (p *printer) debugf(format string, args ...any) {
	if p.verbose {
		fmt.Fprintf(p.diag, format+"\n", args...)
	}
}

func (p *printer) encode(env Envelope) error {
	enc := json.NewEncoder(p.out)
	enc.SetIndent("", "  ")
	return enc.Encode(env)
}

func fieldSuffix(field string) string {
	if field == "" {
		return ""
	}
	return "." + field
}
