package relationship

import (
	"slices"

	"github.com/roach88/entcache/internal/ir"
	"github.com/roach88/entcache/internal/schema"
)

// LoadState is the fetch lifecycle of one relationship.
type LoadState int

const (
	Empty LoadState = iota
	Pending
	Loaded
)

// String implements fmt.Stringer.
func (s LoadState) String() string {
	switch s {
	case Empty:
		return "empty"
	case Pending:
		return "pending"
	case Loaded:
		return "loaded"
	default:
		return "unknown"
	}
}

// State is the tracked state of one relationship field of one record.
type State struct {
	Key   ir.RelKey
	Kind  schema.Kind
	Type  string
	Async bool

	Load LoadState

	// Members are the related identities in order, without duplicates.
	// A belongsTo has at most one.
	Members []ir.Identity

	// HasData is true once the server (or a push, or an inverse belongsTo
	// update) stated the members. Members can be non-empty without HasData
	// when they were learned only from inverse updates.
	HasData bool

	Links ir.Links
	Meta  ir.Object

	// Stale marks a relationship whose members were unloaded. The next
	// access re-resolves them.
	Stale bool

	// Generation is the coalescer generation of the latest fetch.
	Generation int64

	prior *snapshot
}

type snapshot struct {
	load  LoadState
	stale bool
}

// Link returns the related-resource URL, falling back to self.
func (s *State) Link() string {
	if s.Links.Related != "" {
		return s.Links.Related
	}
	return s.Links.Self
}

// Known reports whether any member information is available.
func (s *State) Known() bool {
	return s.HasData || len(s.Members) > 0
}

// IsPending reports whether a fetch is in flight.
func (s *State) IsPending() bool {
	return s.Load == Pending
}

// BeginFetch moves s to pending and remembers the state to restore if
// the fetch fails.
func (s *State) BeginFetch(generation int64) {
	if s.Load != Pending {
		s.prior = &snapshot{load: s.Load, stale: s.Stale}
	}
	s.Load = Pending
	s.Generation = generation
}

// Contains reports whether id is a member.
func (s *State) Contains(id ir.Identity) bool {
	return indexOf(s.Members, id) >= 0
}

// Clone returns a copy safe to hand outside the turn.
func (s *State) Clone() State {
	out := *s
	out.Members = slices.Clone(s.Members)
	out.Meta = s.Meta.Clone()
	out.prior = nil
	return out
}

func indexOf(ids []ir.Identity, id ir.Identity) int {
	key := id.Key()
	for i, m := range ids {
		if m.Key() == key {
			return i
		}
	}
	return -1
}

func dedupe(ids []ir.Identity) []ir.Identity {
	out := make([]ir.Identity, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		k := id.Key()
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, id)
	}
	return out
}
