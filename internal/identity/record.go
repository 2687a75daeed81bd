package identity

import (
	"sync"

	"github.com/roach88/entcache/internal/ir"
	"github.com/roach88/entcache/internal/schema"
)

// Record is the single in-memory handle for one identity. Every lookup of
// the same identity returns the same *Record, so pointer equality is
// identity equality.
//
// Relationship state is not owned by the record; it lives in the
// relationship table keyed by the record's identity.
//
// Reads are safe from any goroutine and consistent for one record. A
// writer updating several records does not hold them back together, so
// a reader of two records may see one updated and the other not.
type Record struct {
	mu       sync.RWMutex
	identity ir.Identity
	model    *schema.Model
	attrs    ir.Object
	loaded   bool
	unloaded bool
	slot     int
}

// Identity returns the record's current identity. It changes once when a
// client-created record is assigned its server id.
func (r *Record) Identity() ir.Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.identity
}

// Type returns the model name.
func (r *Record) Type() string {
	return r.Identity().Type
}

// ID returns the server id, or "" for records that have none yet.
func (r *Record) ID() string {
	return r.Identity().ID
}

// Model returns the schema model the record was created with.
func (r *Record) Model() *schema.Model {
	return r.model
}

// RelationshipNames returns the model's relationship fields in declaration
// order.
func (r *Record) RelationshipNames() []string {
	if r.model == nil {
		return nil
	}
	return r.model.RelationshipNames()
}

// Attr returns one attribute value.
func (r *Record) Attr(name string) (ir.Value, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.attrs[name]
	if !ok {
		return nil, false
	}
	return ir.CloneValue(v), true
}

// Attributes returns a copy of all attribute values.
func (r *Record) Attributes() ir.Object {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.attrs == nil {
		return ir.Object{}
	}
	return r.attrs.Clone()
}

// IsLoaded reports whether data for the record has been received from a
// push, a fetch or local creation. Records created only because something
// referenced them are not loaded.
func (r *Record) IsLoaded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loaded
}

// IsUnloaded reports whether the record has been removed from its map.
// Handles outlive removal; a removed handle never comes back.
func (r *Record) IsUnloaded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.unloaded
}

// IsNew reports whether the record was created on the client and has no
// server id yet.
func (r *Record) IsNew() bool {
	id := r.Identity()
	return id.ID == "" && id.LID != ""
}

// String implements fmt.Stringer.
func (r *Record) String() string {
	return r.Identity().Key()
}

func (r *Record) merge(attrs ir.Object) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.attrs == nil {
		r.attrs = make(ir.Object, len(attrs))
	}
	for k, v := range attrs {
		r.attrs[k] = ir.CloneValue(v)
	}
	r.loaded = true
}

func (r *Record) setID(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.identity.ID = id
}

func (r *Record) markUnloaded() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unloaded = true
	r.loaded = false
	r.attrs = nil
}
