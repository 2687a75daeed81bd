package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/entcache/internal/harness"
	"github.com/roach88/entcache/internal/journal"
	"github.com/roach88/entcache/internal/store"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Journal string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <scenario.yaml>",
		Short: "Run one cache scenario",
		Long: `Run a scenario against a fresh store and fixture adapter and print
its trace: each step, the adapter requests it caused and its result.

Store settings come from --config; the scenario's own options win. With
--journal (or store.journal_path) every adapter request is also recorded
in a SQLite journal that "entcache trace" can query. Request ids restart
at req-0001 on every run, so use a fresh journal per run; ids already
journaled are skipped.

Examples:
  entcache run scenarios/link_only_has_many.yaml
  entcache run scenarios/link_only_has_many.yaml --journal ./requests.db
  entcache run scenarios/link_only_has_many.yaml --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarioFile(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Journal, "journal", "", "record adapter requests in this SQLite journal")

	return cmd
}

func runScenarioFile(opts *RunOptions, path string, cmd *cobra.Command) error {
	out := newPrinter(opts.RootOptions, cmd)

	scenario, err := harness.LoadScenario(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load scenario", err)
	}

	storeOpts, closeJournal, err := opts.storeOptions()
	if err != nil {
		return err
	}
	defer closeJournal()

	result, err := harness.Run(scenario,
		harness.WithLogger(opts.logger()),
		harness.WithStoreOptions(storeOpts...),
	)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to run scenario", err)
	}
	out.debugf("%s: %d request(s)", scenario.Name, len(result.Requests()))

	report := runReport{Result: result, name: scenario.Name}
	if result.Pass {
		return out.print(report)
	}

	msg := fmt.Sprintf("scenario %s failed with %d error(s)", scenario.Name, len(result.Errors))
	if err := out.reject(report, &CLIError{Code: ErrCodeScenarioFails, Message: msg}); err != nil {
		return err
	}
	return NewExitError(ExitFailure, msg)
}

// runReport is a scenario result. Its JSON form is the harness result.
type runReport struct {
	*harness.Result
	name string
}

// WriteText prints the canonical trace followed by any failures.
func (r runReport) WriteText(w io.Writer) error {
	trace, err := harness.FormatTrace(r.name, r.Trace)
	if err != nil {
		return err
	}
	if _, err := w.Write(trace); err != nil {
		return err
	}
	for _, msg := range r.Errors {
		fmt.Fprintf(w, "✗ %s\n", msg)
	}
	return nil
}

// storeOptions maps the settings to store options and opens the request
// journal when one is configured. The returned func closes it.
func (o *RunOptions) storeOptions() ([]store.Option, func(), error) {
	cfg := o.settings()
	opts, err := cfg.StoreOptions(o.logger())
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "invalid store settings", err)
	}

	path := o.Journal
	if path == "" {
		path = cfg.Store.JournalPath
	}
	if path == "" {
		return opts, func() {}, nil
	}

	j, err := journal.Open(path)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to open journal", err)
	}
	return append(opts, store.WithJournal(j)), func() { _ = j.Close() }, nil
}
