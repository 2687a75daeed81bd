package cli

import (
	"fmt"
	"slices"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/roach88/entcache/internal/config"
	"github.com/roach88/entcache/internal/logging"
)

// RootOptions holds global flags for all commands, plus the settings and
// logger resolved from them before any subcommand runs.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string

	Config *config.Config
	Logger *logrus.Logger
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the entcache CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "entcache",
		Short: "entcache - client-side entity cache",
		Long: `Tools for the entcache identity map and relationship cache.

Normalize server payloads, validate model schemas, run cache scenarios
against a fixture adapter and inspect the request journal.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return opts.setup(cmd)
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "settings file (TOML, YAML or JSON)")

	cmd.AddCommand(NewNormalizeCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))
	cmd.AddCommand(NewTraceCommand(opts))

	return cmd
}

// setup loads settings and builds the logger. Logs go to the command's
// stderr unless the settings name a log file.
func (o *RootOptions) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load settings", err)
	}
	if o.Verbose {
		cfg.Log.Level = logrus.DebugLevel.String()
	}

	logger, err := logging.Init(cfg.Log)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to initialize logging", err)
	}
	if cfg.Log.FilePath == "" {
		logger.SetOutput(cmd.ErrOrStderr())
	}

	o.Config = cfg
	o.Logger = logger
	return nil
}

// settings returns the resolved settings, falling back to defaults when a
// subcommand runs without the root's pre-run (as in tests).
func (o *RootOptions) settings() *config.Config {
	if o.Config == nil {
		return config.Default()
	}
	return o.Config
}

func (o *RootOptions) logger() logrus.FieldLogger {
	if o.Logger == nil {
		return logging.Discard()
	}
	return o.Logger
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}
