package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/entcache/internal/ir"
	"github.com/roach88/entcache/internal/normalize"
)

// NormalizeOptions holds flags for the normalize command.
type NormalizeOptions struct {
	*RootOptions
	SchemaDir   string
	RequestType string
	Type        string
	ID          string
}

// NormalizeResult summarizes a normalized document.
type NormalizeResult struct {
	RequestType string   `json:"request_type"`
	Collection  bool     `json:"collection"`
	Primary     []string `json:"primary"`
	Included    []string `json:"included"`
	Links       []string `json:"links,omitempty"`
	Fingerprint string   `json:"fingerprint"`
	Document    any      `json:"document"`
}

// NewNormalizeCommand creates the normalize command.
func NewNormalizeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &NormalizeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "normalize <payload.json>",
		Short: "Normalize a server payload",
		Long: `Validate a JSON:API payload against the schema and print the
canonical document the store would merge.

Examples:
  entcache normalize --schema ./models --request-type findRecord --type post --id 1 post.json
  entcache normalize --schema ./models --request-type push payload.json --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNormalize(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.SchemaDir, "schema", "", "schema directory (required)")
	_ = cmd.MarkFlagRequired("schema")
	cmd.Flags().StringVar(&opts.RequestType, "request-type", string(ir.RequestPush), "request the payload answers")
	cmd.Flags().StringVar(&opts.Type, "type", "", "primary model requested")
	cmd.Flags().StringVar(&opts.ID, "id", "", "requested id for single-record requests")

	return cmd
}

func runNormalize(opts *NormalizeOptions, path string, cmd *cobra.Command) error {
	out := newPrinter(opts.RootOptions, cmd)

	rt, ok := parseRequestType(opts.RequestType)
	if !ok {
		msg := fmt.Sprintf("unknown request type %q", opts.RequestType)
		_ = out.problem(&CLIError{Code: ErrCodeInvalidInput, Message: msg})
		return NewExitError(ExitCommandError, msg)
	}

	registry, err := loadRegistry(opts.SchemaDir)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load schema", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read payload", err)
	}

	n := normalize.New(registry, normalize.WithLogger(opts.logger()))
	doc, err := n.Normalize(raw, normalize.RequestContext{RequestType: rt, Type: opts.Type, ID: opts.ID})
	if err != nil {
		_ = out.problem(newCLIError(ErrCodeNormalize, err))
		return WrapExitError(ExitFailure, "payload rejected", err)
	}

	result, err := summarize(doc)
	if err != nil {
		return err
	}
	out.debugf("Fingerprint %s", result.Fingerprint)
	return out.print(result)
}

// WriteText prints the document's resources and related links.
func (r NormalizeResult) WriteText(w io.Writer) error {
	fmt.Fprintf(w, "✓ %s document (%d primary, %d included)\n", r.RequestType, len(r.Primary), len(r.Included))
	for _, key := range r.Primary {
		fmt.Fprintf(w, "  primary  %s\n", key)
	}
	for _, key := range r.Included {
		fmt.Fprintf(w, "  included %s\n", key)
	}
	for _, link := range r.Links {
		fmt.Fprintf(w, "  link     %s\n", link)
	}
	return nil
}

func summarize(doc *ir.Document) (NormalizeResult, error) {
	canonical, err := ir.MarshalCanonical(doc.Value())
	if err != nil {
		return NormalizeResult{}, fmt.Errorf("failed to encode document: %w", err)
	}

	res := NormalizeResult{
		RequestType: string(doc.RequestType()),
		Collection:  doc.IsCollection(),
		Primary:     resourceKeys(doc.Primary()),
		Included:    resourceKeys(doc.Included()),
		Fingerprint: doc.Fingerprint(),
		Document:    json.RawMessage(canonical),
	}
	for _, r := range doc.Resources() {
		for _, name := range slices.Sorted(maps.Keys(r.Relationships)) {
			rel := r.Relationships[name]
			if rel.Links.Related != "" {
				res.Links = append(res.Links, fmt.Sprintf("%s.%s %s", r.Identity.Key(), name, rel.Links.Related))
			}
		}
	}
	return res, nil
}

func resourceKeys(rs []ir.Resource) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.Identity.Key()
	}
	return out
}

func parseRequestType(s string) (ir.RequestType, bool) {
	rt := ir.RequestType(s)
	switch rt {
	case ir.RequestPush, ir.RequestFindRecord, ir.RequestFindMany, ir.RequestFindAll,
		ir.RequestQuery, ir.RequestFindBelongsTo, ir.RequestFindHasMany, ir.RequestCreateRecord:
		return rt, true
	default:
		return "", false
	}
}
