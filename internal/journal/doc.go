// Package journal records every adapter request the store issues in a
// SQLite database.
//
// The journal is instrumentation only: the cache never reads it back, and
// a store without a journal behaves identically. The CLI trace command
// lists it.
//
// Database configuration:
//   - WAL mode for concurrent reads while the store appends
//   - NORMAL synchronous mode
//   - 5-second busy timeout
//
// Entries are ordered by seq, the insertion order. Appends are idempotent
// on request id.
package journal
