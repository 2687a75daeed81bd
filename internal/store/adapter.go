package store

import (
	"context"

	"github.com/roach88/entcache/internal/identity"
	"github.com/roach88/entcache/internal/ir"
	"github.com/roach88/entcache/internal/journal"
)

// Adapter performs network fetches. The store calls Fetch once per
// coalesced key, outside its turn, and treats an error as a fetch failure.
// The returned payload goes through the serializer and the normalizer.
type Adapter interface {
	Fetch(ctx context.Context, op ir.Operation) ([]byte, error)
}

// AdapterFunc adapts a function to Adapter.
type AdapterFunc func(ctx context.Context, op ir.Operation) ([]byte, error)

// Fetch implements Adapter.
func (f AdapterFunc) Fetch(ctx context.Context, op ir.Operation) ([]byte, error) {
	return f(ctx, op)
}

// CoalescingAdapter is implemented by adapters that can answer findMany.
// When CoalesceFindRequests returns true, single-record fetches issued in
// the same turn are batched, unless the store was configured otherwise.
type CoalescingAdapter interface {
	CoalesceFindRequests() bool
}

// ReloadPolicy lets an adapter decide freshness of cached records for
// findRecord calls that do not force a reload.
type ReloadPolicy interface {
	ShouldReloadRecord(rec *identity.Record, op ir.Operation) bool
	ShouldBackgroundReloadRecord(rec *identity.Record, op ir.Operation) bool
}

// Journal receives one entry per adapter request. *journal.Journal
// implements it.
type Journal interface {
	Append(ctx context.Context, e journal.Entry) error
}
