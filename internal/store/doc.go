// Package store is the entry point of the entity cache. It wires the
// identity map, the relationship table, the normalizer, the request
// coalescer and the relationship proxies together behind one explicit
// Store value.
//
// # Turns
//
// Every mutation of cache state happens inside a turn: a critical section
// on the store-wide lock. Adapter fetches run in goroutines outside any
// turn; when a response arrives it re-enters a turn, is normalized and
// merged whole, and only then are waiters released. Store methods and
// View therefore never observe a half-merged document. Reads through a
// *identity.Record handle outside a turn are consistent per record only.
//
// Single-record fetches queued during a turn are flushed when the turn
// ends (or after the configured batch window) as one findMany per type
// when batching is enabled.
//
// # Relationships
//
// Accessing an async relationship returns a proxy. If the related records
// are materialized the proxy is already fulfilled; otherwise one fetch is
// issued through the coalescer, keyed by (owner, field), and every
// concurrent access receives the same proxy. Sync relationships never
// fetch: reading one before its data is present fails with
// MISSING_BACKING_DATA.
//
// A hasMany member missing from the identity map is handled by the
// configured DanglingPolicy. A missing belongsTo member is fetched.
package store
