package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/entcache/internal/ir"
	"github.com/roach88/entcache/internal/journal"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Owner     string // "type:id"; requires Field
	Field     string
	RequestID string
}

// TraceResult holds the journal entries selected by the flags.
type TraceResult struct {
	Entries []journal.Entry `json:"entries"`
	Stats   TraceStats      `json:"stats"`
}

// TraceStats holds summary statistics for the selected entries.
type TraceStats struct {
	Total  int            `json:"total"`
	Failed int            `json:"failed"`
	ByType map[string]int `json:"by_type"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace <journal.db>",
		Short: "Query the request journal",
		Long: `List the adapter requests recorded in a journal, in issue order.

Filter to one relationship with --owner and --field, or to one request
with --request-id.

Examples:
  entcache trace ./requests.db
  entcache trace ./requests.db --owner post:1 --field comments
  entcache trace ./requests.db --request-id req-0002 --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Owner, "owner", "", "relationship owner (type:id)")
	cmd.Flags().StringVar(&opts.Field, "field", "", "relationship field")
	cmd.Flags().StringVar(&opts.RequestID, "request-id", "", "show a single request")
	cmd.MarkFlagsRequiredTogether("owner", "field")
	cmd.MarkFlagsMutuallyExclusive("owner", "request-id")

	return cmd
}

func runTrace(opts *TraceOptions, path string, cmd *cobra.Command) error {
	ctx := context.Background()

	// Open would create an empty journal; a missing file is a typo.
	if _, err := os.Stat(path); err != nil {
		return WrapExitError(ExitCommandError, "journal not found", err)
	}
	out := newPrinter(opts.RootOptions, cmd)
	j, err := journal.Open(path)
	if err != nil {
		_ = out.problem(newCLIError(ErrCodeJournal, err))
		return WrapExitError(ExitCommandError, "failed to open journal", err)
	}
	defer j.Close()

	entries, err := selectEntries(ctx, j, opts)
	if err != nil {
		return err
	}

	result := TraceResult{
		Entries: entries,
		Stats:   TraceStats{Total: len(entries), ByType: map[string]int{}},
	}
	for _, e := range entries {
		result.Stats.ByType[string(e.RequestType)]++
		if e.Status != journal.StatusOK {
			result.Stats.Failed++
		}
	}

	return out.print(result)
}

func selectEntries(ctx context.Context, j *journal.Journal, opts *TraceOptions) ([]journal.Entry, error) {
	switch {
	case opts.RequestID != "":
		e, ok, err := j.Get(ctx, opts.RequestID)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to query journal", err)
		}
		if !ok {
			return nil, NewExitError(ExitFailure, fmt.Sprintf("request %s not found", opts.RequestID))
		}
		return []journal.Entry{e}, nil

	case opts.Owner != "":
		owner, err := ir.ParseIdentity(opts.Owner)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "invalid --owner", err)
		}
		entries, err := j.ForRelationship(ctx, owner, opts.Field)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to query journal", err)
		}
		return entries, nil

	default:
		entries, err := j.List(ctx)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to query journal", err)
		}
		return entries, nil
	}
}

// WriteText prints one line per request and the totals.
func (r TraceResult) WriteText(w io.Writer) error {
	if len(r.Entries) == 0 {
		_, err := fmt.Fprintln(w, "No requests recorded.")
		return err
	}

	for _, e := range r.Entries {
		fmt.Fprintf(w, "[%d] %s %s %s", e.Seq, e.RequestID, e.RequestType, describeEntry(e))
		if e.Status == journal.StatusOK {
			fmt.Fprintf(w, " ok (%d resources, gen %d)\n", e.Resources, e.Generation)
		} else {
			fmt.Fprintf(w, " error %s: %s\n", e.ErrorCode, e.Error)
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Total: %d requests, %d failed\n", r.Stats.Total, r.Stats.Failed)
	return nil
}

func describeEntry(e journal.Entry) string {
	switch {
	case e.Owner != "":
		return e.Owner + "." + e.Field + " " + e.Link
	case len(e.IDs) > 0:
		return e.Type + ":" + strings.Join(e.IDs, ",")
	default:
		return e.Type
	}
}
