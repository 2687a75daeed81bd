// Package config loads entcache settings from a TOML, YAML or JSON file
// and ENTCACHE_* environment variables.
//
// Keys are grouped in two tables:
//
//	[store]
//	coalesce_find_requests = "auto"   # auto | true | false
//	batch_window = "5ms"              # duration, or integer seconds
//	background_reload = false
//	dangling_policy = "warn"          # warn | filter | error
//	journal_path = ""
//
//	[log]
//	level = "info"
//	format = "text"                   # text | json
//	file_path = ""
//	max_size = 100
//	max_backups = 10
//	compress = true
//
// Environment variables join the table and key with an underscore, for
// example ENTCACHE_STORE_DANGLING_POLICY=error.
package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/roach88/entcache/internal/store"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "ENTCACHE"

// Config is the decoded settings file.
type Config struct {
	Store StoreConfig `mapstructure:"store"`
	Log   LogConfig   `mapstructure:"log"`
}

// StoreConfig holds the store tunables.
type StoreConfig struct {
	// CoalesceFindRequests is "auto" (ask the adapter), or a boolean that
	// overrides it.
	CoalesceFindRequests string               `mapstructure:"coalesce_find_requests"`
	BatchWindow          time.Duration        `mapstructure:"batch_window"`
	BackgroundReload     bool                 `mapstructure:"background_reload"`
	DanglingPolicy       store.DanglingPolicy `mapstructure:"dangling_policy"`
	JournalPath          string               `mapstructure:"journal_path"`
}

// LogConfig configures the logger built by logging.Init.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

// Log formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Default returns the settings used when nothing is configured.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			CoalesceFindRequests: "auto",
			DanglingPolicy:       store.DefaultDanglingPolicy,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     FormatText,
			MaxSize:    100,
			MaxBackups: 10,
			Compress:   true,
		},
	}
}

// Coalesce returns the batching override, or nil when the adapter decides.
func (c StoreConfig) Coalesce() (*bool, error) {
	raw := strings.ToLower(strings.TrimSpace(c.CoalesceFindRequests))
	if raw == "" || raw == "auto" {
		return nil, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, newFieldError("store.coalesce_find_requests", "want auto, true or false")
	}
	return &b, nil
}

// StoreOptions maps the settings to store options. The journal is not
// included; callers open it from JournalPath and pass store.WithJournal.
func (c *Config) StoreOptions(logger logrus.FieldLogger) ([]store.Option, error) {
	opts := []store.Option{
		store.WithBatchWindow(c.Store.BatchWindow),
		store.WithBackgroundReload(c.Store.BackgroundReload),
		store.WithDanglingPolicy(c.Store.DanglingPolicy),
	}
	if logger != nil {
		opts = append(opts, store.WithLogger(logger))
	}
	coalesce, err := c.Store.Coalesce()
	if err != nil {
		return nil, err
	}
	if coalesce != nil {
		opts = append(opts, store.WithCoalesceFindRequests(*coalesce))
	}
	return opts, nil
}
