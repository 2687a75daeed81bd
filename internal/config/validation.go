package config

import (
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/roach88/entcache/internal/store"
)

// Validate checks the decoded settings.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}

	s := c.Store
	if _, err := s.Coalesce(); err != nil {
		return err
	}
	if s.BatchWindow < 0 {
		return newFieldError("store.batch_window", "must not be negative")
	}
	if _, err := store.ParseDanglingPolicy(string(s.DanglingPolicy)); err != nil {
		return newFieldError("store.dangling_policy", "want warn, filter or error")
	}

	l := c.Log
	if _, err := logrus.ParseLevel(l.Level); err != nil {
		return newFieldError("log.level", err.Error())
	}
	switch l.Format {
	case FormatText, FormatJSON:
	default:
		return newFieldError("log.format", "want text or json")
	}
	if l.MaxSize < 0 {
		return newFieldError("log.max_size", "must not be negative")
	}
	if l.MaxBackups < 0 {
		return newFieldError("log.max_backups", "must not be negative")
	}
	return nil
}
