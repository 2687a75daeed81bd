// Package relationship tracks the state of every (record, field)
// relationship: its members, link, meta and load state, and keeps inverse
// relationships symmetric.
//
// Load states move empty → pending → loaded. A loaded relationship returns
// to pending on reload, or when its members name records that still have to
// be fetched. Inline data moves a relationship straight to loaded.
//
// Like the identity map, a Table is mutated only under the store's turn
// lock.
package relationship
