package relationship

import (
	"fmt"
	"maps"
	"slices"

	"github.com/roach88/entcache/internal/ir"
	"github.com/roach88/entcache/internal/schema"
)

// Table holds every relationship state, keyed by (owner, field), plus a
// reverse index from a member identity to the relationships that list it.
type Table struct {
	registry *schema.Registry
	states   map[string]*State
	inbound  map[string]map[string]ir.RelKey
}

// NewTable creates an empty table for the registry's models.
func NewTable(registry *schema.Registry) *Table {
	return &Table{
		registry: registry,
		states:   make(map[string]*State),
		inbound:  make(map[string]map[string]ir.RelKey),
	}
}

// State returns the state for owner.field, creating an empty one on first
// use. It fails with UNKNOWN_RELATIONSHIP when the model does not declare
// the field.
func (t *Table) State(owner ir.Identity, field string) (*State, error) {
	key := ir.RelKey{Owner: owner, Field: field}
	if st, ok := t.states[key.String()]; ok {
		return st, nil
	}

	desc, ok := t.registry.Relationship(owner.Type, field)
	if !ok {
		return nil, &ir.Error{
			Code:     ir.ErrCodeUnknownRelationship,
			Message:  fmt.Sprintf("model %q has no relationship %q", owner.Type, field),
			Identity: owner,
			Field:    field,
		}
	}

	st := &State{
		Key:   key,
		Kind:  desc.Kind,
		Type:  desc.Type,
		Async: desc.Async,
	}
	t.states[key.String()] = st
	return st, nil
}

// Peek returns the state for owner.field without creating it.
func (t *Table) Peek(owner ir.Identity, field string) (*State, bool) {
	st, ok := t.states[ir.RelKey{Owner: owner, Field: field}.String()]
	return st, ok
}

// Apply merges one relationship payload. Inline data replaces the members
// and moves an idle relationship to loaded; links and meta overwrite the
// previous values when present.
func (t *Table) Apply(owner ir.Identity, field string, rel ir.Relationship) error {
	st, err := t.State(owner, field)
	if err != nil {
		return err
	}

	if rel.HasData {
		t.replace(st, rel.Data)
		st.HasData = true
		st.Stale = false
		if st.Load != Pending {
			st.Load = Loaded
		}
	}
	if !rel.Links.IsZero() {
		st.Links = rel.Links
	}
	if rel.Meta != nil {
		st.Meta = rel.Meta.Clone()
	}
	return nil
}

// Replace sets the members of owner.field and updates inverses on every
// added and removed member.
func (t *Table) Replace(owner ir.Identity, field string, members []ir.Identity) error {
	st, err := t.State(owner, field)
	if err != nil {
		return err
	}
	t.replace(st, members)
	st.HasData = true
	st.Stale = false
	return nil
}

// Members returns a copy of the members of owner.field.
func (t *Table) Members(owner ir.Identity, field string) []ir.Identity {
	st, ok := t.Peek(owner, field)
	if !ok {
		return nil
	}
	return slices.Clone(st.Members)
}

// Finish settles a successful fetch.
func (t *Table) Finish(owner ir.Identity, field string) {
	st, ok := t.Peek(owner, field)
	if !ok {
		return
	}
	st.Load = Loaded
	st.Stale = false
	st.prior = nil
}

// Fail reverts a failed fetch to the state recorded by BeginFetch.
func (t *Table) Fail(owner ir.Identity, field string) {
	st, ok := t.Peek(owner, field)
	if !ok || st.Load != Pending {
		return
	}
	if st.prior != nil {
		st.Load = st.prior.load
		st.Stale = st.prior.stale
	} else {
		st.Load = Empty
	}
	st.prior = nil
}

// Inbound returns the relationships that list id as a member, in key order.
func (t *Table) Inbound(id ir.Identity) []ir.RelKey {
	refs := t.inbound[id.Key()]
	keys := slices.Sorted(maps.Keys(refs))
	out := make([]ir.RelKey, len(keys))
	for i, k := range keys {
		out[i] = refs[k]
	}
	return out
}

// Detach prepares the table for id leaving the identity map. Synchronous
// relationships pointing at id drop it. Asynchronous ones keep it as a
// lookup and are marked stale. The record's own relationships are
// discarded. Returns the inbound relationships that were touched.
func (t *Table) Detach(id ir.Identity) []ir.RelKey {
	key := id.Key()
	var affected []ir.RelKey
	for _, rk := range t.Inbound(id) {
		st := t.states[rk.String()]
		if st == nil || st.Key.Owner.Key() == key {
			continue
		}
		if st.Async {
			st.Stale = true
		} else {
			idx := indexOf(st.Members, id)
			next := slices.Delete(slices.Clone(st.Members), idx, idx+1)
			t.setMembers(st, next)
		}
		affected = append(affected, st.Key)
	}

	for _, field := range t.fieldsOf(id.Type) {
		rk := ir.RelKey{Owner: id, Field: field}.String()
		if st, ok := t.states[rk]; ok {
			t.setMembers(st, nil)
			delete(t.states, rk)
		}
	}
	return affected
}

// Rekey moves every relationship owned by or pointing at from so it is
// addressed by to. The store calls it after a client-created record gets its
// server id.
func (t *Table) Rekey(from, to ir.Identity) {
	if from.Key() == to.Key() {
		return
	}

	for _, field := range t.fieldsOf(from.Type) {
		oldKey := ir.RelKey{Owner: from, Field: field}
		st, ok := t.states[oldKey.String()]
		if !ok {
			continue
		}
		members := st.Members
		t.setMembers(st, nil)
		delete(t.states, oldKey.String())

		st.Key = ir.RelKey{Owner: to, Field: field}
		t.states[st.Key.String()] = st
		t.setMembers(st, members)
	}

	for _, rk := range t.Inbound(from) {
		st := t.states[rk.String()]
		if st == nil {
			continue
		}
		next := slices.Clone(st.Members)
		if idx := indexOf(next, from); idx >= 0 {
			next[idx] = to
		}
		t.setMembers(st, next)
	}
}

// States returns copies of every tracked state in key order.
func (t *Table) States() []State {
	keys := slices.Sorted(maps.Keys(t.states))
	out := make([]State, len(keys))
	for i, k := range keys {
		out[i] = t.states[k].Clone()
	}
	return out
}

func (t *Table) fieldsOf(model string) []string {
	m, ok := t.registry.Model(model)
	if !ok {
		return nil
	}
	return m.RelationshipNames()
}

func (t *Table) replace(st *State, members []ir.Identity) {
	members = dedupe(members)
	if st.Kind == schema.BelongsTo && len(members) > 1 {
		members = members[:1]
	}

	old := st.Members
	t.setMembers(st, members)

	inv, ok := t.registry.Inverse(st.Key.Owner.Type, st.Key.Field)
	if !ok {
		return
	}
	owner := st.Key.Owner
	for _, m := range old {
		if indexOf(members, m) < 0 {
			t.removeInverse(m, inv.Name, owner)
		}
	}
	for _, m := range members {
		if indexOf(old, m) < 0 {
			t.addInverse(m, inv, owner, st.Key.Field)
		}
	}
}

// addInverse records owner on member.inv. A belongsTo inverse that pointed
// elsewhere is moved, and the previous owner loses member.
func (t *Table) addInverse(member ir.Identity, inv schema.Relationship, owner ir.Identity, field string) {
	st, err := t.State(member, inv.Name)
	if err != nil {
		return
	}
	if st.Contains(owner) {
		return
	}

	if inv.Kind == schema.BelongsTo {
		for _, prev := range st.Members {
			if other, ok := t.Peek(prev, field); ok {
				if idx := indexOf(other.Members, member); idx >= 0 {
					t.setMembers(other, slices.Delete(slices.Clone(other.Members), idx, idx+1))
				}
			}
		}
		t.setMembers(st, []ir.Identity{owner})
		st.HasData = true
		return
	}

	t.setMembers(st, append(slices.Clone(st.Members), owner))
}

func (t *Table) removeInverse(member ir.Identity, field string, owner ir.Identity) {
	st, ok := t.Peek(member, field)
	if !ok {
		return
	}
	idx := indexOf(st.Members, owner)
	if idx < 0 {
		return
	}
	t.setMembers(st, slices.Delete(slices.Clone(st.Members), idx, idx+1))
}

// setMembers is the only writer of State.Members and keeps the reverse
// index in step.
func (t *Table) setMembers(st *State, members []ir.Identity) {
	rk := st.Key.String()
	for _, m := range st.Members {
		if refs, ok := t.inbound[m.Key()]; ok {
			delete(refs, rk)
			if len(refs) == 0 {
				delete(t.inbound, m.Key())
			}
		}
	}
	st.Members = members
	for _, m := range members {
		refs, ok := t.inbound[m.Key()]
		if !ok {
			refs = make(map[string]ir.RelKey)
			t.inbound[m.Key()] = refs
		}
		refs[rk] = st.Key
	}
}
