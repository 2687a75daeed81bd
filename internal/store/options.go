package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/roach88/entcache/internal/coalesce"
	"github.com/roach88/entcache/internal/normalize"
)

// DanglingPolicy decides what happens when a hasMany member is no longer
// in the identity map at the time the relationship is read.
type DanglingPolicy string

const (
	// DanglingWarn drops the member and logs a warning.
	DanglingWarn DanglingPolicy = "warn"
	// DanglingFilter drops the member silently.
	DanglingFilter DanglingPolicy = "filter"
	// DanglingError fails the read with DANGLING_REFERENCE.
	DanglingError DanglingPolicy = "error"
)

// DefaultDanglingPolicy is used when none is configured.
const DefaultDanglingPolicy = DanglingWarn

// ParseDanglingPolicy parses a policy name. The empty string yields the
// default.
func ParseDanglingPolicy(s string) (DanglingPolicy, error) {
	switch p := DanglingPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return DefaultDanglingPolicy, nil
	case DanglingWarn, DanglingFilter, DanglingError:
		return p, nil
	default:
		return "", fmt.Errorf("unknown dangling policy %q (want warn, filter or error)", s)
	}
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger. The default discards output.
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Store) {
		s.log = l
	}
}

// WithSerializer sets the serializer the normalizer runs on adapter
// payloads. The default is the JSON:API passthrough.
func WithSerializer(ser normalize.Serializer) Option {
	return func(s *Store) {
		s.serializer = ser
	}
}

// WithIDGenerator sets the request id generator. The default produces
// UUIDv7 ids; tests use a coalesce.FixedGenerator for exact traces.
func WithIDGenerator(g coalesce.IDGenerator) Option {
	return func(s *Store) {
		s.requestIDs = g
	}
}

// WithLocalIDGenerator sets the generator of local ids for client-created
// records.
func WithLocalIDGenerator(g coalesce.IDGenerator) Option {
	return func(s *Store) {
		s.localIDs = g
	}
}

// WithClock sets the generation clock. Used to resume generations.
func WithClock(c *coalesce.Clock) Option {
	return func(s *Store) {
		s.clock = c
	}
}

// WithJournal records every adapter request.
func WithJournal(j Journal) Option {
	return func(s *Store) {
		s.journal = j
	}
}

// WithCoalesceFindRequests overrides the adapter's batching capability.
func WithCoalesceFindRequests(enabled bool) Option {
	return func(s *Store) {
		s.batching = &enabled
	}
}

// WithBatchWindow delays batch flushes by d so fetches from several turns
// share one findMany. Zero flushes at the end of each turn.
func WithBatchWindow(d time.Duration) Option {
	return func(s *Store) {
		s.batchWindow = d
	}
}

// WithBackgroundReload sets the default for cached findRecord calls that
// neither the caller nor the adapter decides. Default: false.
func WithBackgroundReload(enabled bool) Option {
	return func(s *Store) {
		s.backgroundReload = enabled
	}
}

// WithDanglingPolicy sets the dangling hasMany member policy.
func WithDanglingPolicy(p DanglingPolicy) Option {
	return func(s *Store) {
		s.dangling = p
	}
}
