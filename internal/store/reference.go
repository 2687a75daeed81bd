package store

import (
	"context"
	"fmt"

	"github.com/roach88/entcache/internal/identity"
	"github.com/roach88/entcache/internal/ir"
	"github.com/roach88/entcache/internal/proxy"
	"github.com/roach88/entcache/internal/relationship"
	"github.com/roach88/entcache/internal/schema"
)

// Reference is a handle on one relationship of one record that reads its
// state without triggering a fetch. Relationship meta is only available
// here, never on the proxy.
type Reference struct {
	s     *Store
	rec   *identity.Record
	field string
	kind  schema.Kind
}

// Ref returns the reference for rec.field.
func (s *Store) Ref(rec *identity.Record, field string) (*Reference, error) {
	s.turn.Lock()
	defer s.turn.Unlock()

	st, err := s.stateOf(rec, field)
	if err != nil {
		return nil, err
	}
	return &Reference{s: s, rec: rec, field: field, kind: st.Kind}, nil
}

// Kind returns the relationship kind.
func (r *Reference) Kind() schema.Kind { return r.kind }

// State returns a copy of the relationship state.
func (r *Reference) State() relationship.State {
	var out relationship.State
	r.read(func(st *relationship.State) { out = st.Clone() })
	return out
}

// Identities returns the related identities in order.
func (r *Reference) Identities() []ir.Identity {
	var out []ir.Identity
	r.read(func(st *relationship.State) { out = append(out, st.Members...) })
	return out
}

// IDs returns the related ids in order.
func (r *Reference) IDs() []string {
	ids := r.Identities()
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.ID
	}
	return out
}

// ID returns the related id of a belongsTo, or "".
func (r *Reference) ID() string {
	if ids := r.IDs(); len(ids) > 0 {
		return ids[0]
	}
	return ""
}

// Link returns the related-resource link, or "".
func (r *Reference) Link() string {
	var link string
	r.read(func(st *relationship.State) { link = st.Link() })
	return link
}

// Meta returns a copy of the relationship meta.
func (r *Reference) Meta() ir.Object {
	var meta ir.Object
	r.read(func(st *relationship.State) { meta = st.Meta.Clone() })
	return meta
}

// Value returns the related records when every member is materialized.
// It never fetches.
func (r *Reference) Value() ([]*identity.Record, bool) {
	var (
		recs []*identity.Record
		ok   bool
	)
	r.read(func(st *relationship.State) {
		if !st.Known() {
			return
		}
		got, missing, err := r.s.resolve(st, true)
		if err != nil || len(missing) > 0 {
			return
		}
		recs, ok = got, true
	})
	return recs, ok
}

// Load accesses the relationship and waits for its proxy to settle.
func (r *Reference) Load(ctx context.Context) (*proxy.Proxy, error) {
	p, _, err := r.s.access(ctx, r.rec, r.field, r.kind)
	if err != nil {
		return nil, err
	}
	if err := p.Await(ctx); err != nil {
		return p, err
	}
	return p, nil
}

// Reload fetches the relationship again. It fails with
// RELOAD_BEFORE_CREATE if the relationship never loaded.
func (r *Reference) Reload(ctx context.Context, opts proxy.ReloadOptions) error {
	return r.s.reloadRelationship(ctx, r.rec, r.field, opts.AdapterOptions)
}

// String implements fmt.Stringer.
func (r *Reference) String() string {
	return fmt.Sprintf("%s.%s", r.rec.Identity().Key(), r.field)
}

func (r *Reference) read(fn func(st *relationship.State)) {
	r.s.turn.Lock()
	defer r.s.turn.Unlock()
	st, err := r.s.stateOf(r.rec, r.field)
	if err != nil {
		return
	}
	fn(st)
}
