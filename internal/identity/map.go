package identity

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/entcache/internal/ir"
	"github.com/roach88/entcache/internal/schema"
)

// Map is the identity map. Records live in an arena of slots; the index
// maps identity keys to slots so lookups are O(1). Slots freed by Remove
// are recycled.
//
// A client-created record that is later assigned a server id stays
// reachable under both keys.
type Map struct {
	registry *schema.Registry
	slots    []*Record
	free     []int
	index    map[string]int
}

// NewMap creates an empty identity map. The registry resolves each new
// record's model.
func NewMap(registry *schema.Registry) *Map {
	return &Map{
		registry: registry,
		index:    make(map[string]int),
	}
}

// GetOrCreate returns the handle for id, creating an unloaded one if the
// identity is not present. Repeated calls return the same pointer.
func (m *Map) GetOrCreate(id ir.Identity) *Record {
	if rec, ok := m.Peek(id); ok {
		return rec
	}
	return m.insert(id)
}

// Peek returns the handle for id without creating one.
func (m *Map) Peek(id ir.Identity) (*Record, bool) {
	if !id.Valid() {
		return nil, false
	}
	if slot, ok := m.index[id.Key()]; ok {
		return m.slots[slot], true
	}
	if id.ID != "" && id.LID != "" {
		if slot, ok := m.index[ir.Identity{Type: id.Type, LID: id.LID}.Key()]; ok {
			return m.slots[slot], true
		}
	}
	return nil, false
}

// Has reports whether id is present.
func (m *Map) Has(id ir.Identity) bool {
	_, ok := m.Peek(id)
	return ok
}

// Merge writes the given attributes onto the record for id, creating it if
// needed, and marks it loaded. Fields absent from attrs keep their values;
// an explicit ir.Null clears a value without removing the field.
func (m *Map) Merge(id ir.Identity, attrs ir.Object) *Record {
	rec := m.GetOrCreate(id)
	rec.merge(attrs)
	return rec
}

// Create inserts a new loaded record. It fails with ID_CONFLICT if the
// identity is already present.
func (m *Map) Create(id ir.Identity, attrs ir.Object) (*Record, error) {
	if !id.Valid() {
		return nil, fmt.Errorf("create record: invalid identity %q", id.Key())
	}
	if m.Has(id) {
		return nil, &ir.Error{
			Code:     ir.ErrCodeIDConflict,
			Message:  "record already exists",
			Identity: id,
		}
	}
	rec := m.insert(id)
	rec.merge(attrs)
	return rec, nil
}

// Remove detaches the record for id from the map. The handle reports
// IsUnloaded afterwards and its slot is recycled. Callers clear inbound
// relationship pointers before calling Remove.
func (m *Map) Remove(id ir.Identity) error {
	rec, ok := m.Peek(id)
	if !ok {
		return &ir.Error{
			Code:     ir.ErrCodeRecordNotFound,
			Message:  "record is not in the identity map",
			Identity: id,
		}
	}

	cur := rec.Identity()
	delete(m.index, cur.Key())
	if cur.ID != "" && cur.LID != "" {
		delete(m.index, ir.Identity{Type: cur.Type, LID: cur.LID}.Key())
	}

	m.slots[rec.slot] = nil
	m.free = append(m.free, rec.slot)
	rec.markUnloaded()
	return nil
}

// AssignID binds a server id to a client-created record. The record stays
// reachable under its local id. It fails with ID_CONFLICT when another
// record already owns the server id.
func (m *Map) AssignID(local ir.Identity, id string) (*Record, error) {
	rec, ok := m.Peek(local)
	if !ok {
		return nil, &ir.Error{
			Code:     ir.ErrCodeRecordNotFound,
			Message:  "record is not in the identity map",
			Identity: local,
		}
	}

	cur := rec.Identity()
	if cur.ID == id {
		return rec, nil
	}
	if cur.ID != "" {
		return nil, &ir.Error{
			Code:     ir.ErrCodeIDConflict,
			Message:  fmt.Sprintf("record already has id %q", cur.ID),
			Identity: cur,
		}
	}

	target := ir.Identity{Type: cur.Type, ID: id}
	if other, exists := m.Peek(target); exists && other != rec {
		return nil, &ir.Error{
			Code:     ir.ErrCodeIDConflict,
			Message:  "id is owned by another record",
			Identity: target,
		}
	}

	rec.setID(id)
	m.index[target.Key()] = rec.slot
	return rec, nil
}

// Len returns the number of live records.
func (m *Map) Len() int {
	return len(m.slots) - len(m.free)
}

// Records returns the live records ordered by identity key.
func (m *Map) Records() []*Record {
	out := make([]*Record, 0, m.Len())
	for _, rec := range m.slots {
		if rec != nil {
			out = append(out, rec)
		}
	}
	slices.SortFunc(out, func(a, b *Record) int {
		return strings.Compare(a.Identity().Key(), b.Identity().Key())
	})
	return out
}

func (m *Map) insert(id ir.Identity) *Record {
	var model *schema.Model
	if m.registry != nil {
		model, _ = m.registry.Model(id.Type)
	}

	rec := &Record{identity: id, model: model}
	if n := len(m.free); n > 0 {
		rec.slot = m.free[n-1]
		m.free = m.free[:n-1]
		m.slots[rec.slot] = rec
	} else {
		rec.slot = len(m.slots)
		m.slots = append(m.slots, rec)
	}

	m.index[id.Key()] = rec.slot
	if id.ID != "" && id.LID != "" {
		m.index[ir.Identity{Type: id.Type, LID: id.LID}.Key()] = rec.slot
	}
	return rec
}
