package store

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/roach88/entcache/internal/coalesce"
	"github.com/roach88/entcache/internal/identity"
	"github.com/roach88/entcache/internal/ir"
	"github.com/roach88/entcache/internal/relationship"
	"github.com/roach88/entcache/internal/schema"
)

func (s *Store) merge(doc *ir.Document) error {
	return s.mergeDocument(doc, nil)
}

// mergeDocument applies a document to the identity map and the
// relationship table. The whole document is checked first so a failure
// leaves the cache untouched. Primary resources whose key is in skip are
// not merged. Must be called inside a turn.
func (s *Store) mergeDocument(doc *ir.Document, skip map[string]bool) error {
	resources := doc.Resources()
	bound := make(map[string]string)
	for _, r := range resources {
		if err := s.checkResource(r); err != nil {
			return err
		}
		if err := bindOnce(bound, r.Identity); err != nil {
			return err
		}
	}

	for _, r := range resources {
		if skip[r.Identity.Key()] {
			continue
		}
		id := r.Identity
		if id.ID != "" && id.LID != "" {
			if local, ok := s.records.Peek(ir.Identity{Type: id.Type, LID: id.LID}); ok && local.ID() == "" {
				if err := s.assignID(local, id.ID); err != nil {
					return err
				}
			}
		}

		rec := s.records.Merge(id, r.Attributes)
		owner := rec.Identity()
		for _, field := range r.FieldNames() {
			s.applyRelationship(owner, field, r.Relationships[field])
		}
	}

	s.refreshProxies()
	return nil
}

// checkResource validates what merging r would need: known model, declared
// relationships with well-typed linkage, and no id conflict.
func (s *Store) checkResource(r ir.Resource) error {
	id := r.Identity
	if !id.Valid() {
		return ir.NewMalformedError("", "resource without identity")
	}
	if _, ok := s.registry.Model(id.Type); !ok {
		return &ir.Error{
			Code:     ir.ErrCodeUnknownModel,
			Message:  fmt.Sprintf("unknown model %q", id.Type),
			Identity: id,
		}
	}

	for name, rel := range r.Relationships {
		desc, ok := s.registry.Relationship(id.Type, name)
		if !ok {
			return &ir.Error{
				Code:     ir.ErrCodeUnknownRelationship,
				Message:  fmt.Sprintf("model %q has no relationship %q", id.Type, name),
				Identity: id,
				Field:    name,
			}
		}
		if desc.Kind == schema.BelongsTo && len(rel.Data) > 1 {
			return &ir.Error{
				Code:     ir.ErrCodeMalformedResponse,
				Message:  fmt.Sprintf("belongsTo linkage has %d members", len(rel.Data)),
				Identity: id,
				Field:    name,
			}
		}
		for _, m := range rel.Data {
			if !m.Valid() || m.Type != desc.Type {
				return &ir.Error{
					Code:     ir.ErrCodeMalformedResponse,
					Message:  fmt.Sprintf("linkage %q does not name a %s", m.Key(), desc.Type),
					Identity: id,
					Field:    name,
				}
			}
		}
	}

	if id.ID != "" && id.LID != "" {
		local, hasLocal := s.records.Peek(ir.Identity{Type: id.Type, LID: id.LID})
		server, hasServer := s.records.Peek(ir.Identity{Type: id.Type, ID: id.ID})
		switch {
		case hasLocal && local.ID() != "" && local.ID() != id.ID:
			return &ir.Error{
				Code:     ir.ErrCodeIDConflict,
				Message:  fmt.Sprintf("local id %q already has id %q", id.LID, local.ID()),
				Identity: id,
			}
		case hasLocal && hasServer && local != server:
			return &ir.Error{
				Code:     ir.ErrCodeIDConflict,
				Message:  "id is owned by another record",
				Identity: id,
			}
		}
	}
	return nil
}

// bindOnce records the local id to server id binding carried by id. One
// document may repeat a binding but not bind either side twice.
func bindOnce(bound map[string]string, id ir.Identity) error {
	if id.ID == "" || id.LID == "" {
		return nil
	}
	server := ir.Identity{Type: id.Type, ID: id.ID}.Key()
	local := ir.Identity{Type: id.Type, LID: id.LID}.Key()
	if other, ok := bound[server]; ok && other != local {
		return &ir.Error{
			Code:     ir.ErrCodeIDConflict,
			Message:  fmt.Sprintf("id is claimed by %s and %s", other, local),
			Identity: id,
		}
	}
	if other, ok := bound[local]; ok && other != server {
		return &ir.Error{
			Code:     ir.ErrCodeIDConflict,
			Message:  fmt.Sprintf("local id %q is bound to %s and %s", id.LID, other, server),
			Identity: id,
		}
	}
	bound[server] = local
	bound[local] = server
	return nil
}

// applyRelationship merges one relationship payload. Linked records get
// placeholder handles. Inline data arriving while a fetch for the same
// relationship is in flight wins: the fetch is superseded and the proxy
// settles from the inline data.
func (s *Store) applyRelationship(owner ir.Identity, field string, rel ir.Relationship) {
	for _, m := range rel.Data {
		s.records.GetOrCreate(m)
	}

	key := coalesce.RelationshipKey(owner, field)
	st, err := s.rels.State(owner, field)
	if err != nil {
		return
	}
	superseded := rel.HasData && st.IsPending() && s.hasLiveCall(key)
	if superseded {
		s.calls.Supersede(key)
	}
	if err := s.rels.Apply(owner, field, rel); err != nil {
		return
	}
	if superseded {
		s.rels.Finish(owner, field)
		s.settleProxy(st)
		s.log.WithFields(logrus.Fields{
			"action": "supersede",
			"type":   owner.Type,
			"id":     owner.ID,
			"field":  field,
		}).Debug("inline data replaced in-flight relationship fetch")
	}
}

// refreshProxies re-fulfills settled proxies whose members are all
// materialized, so content follows merges, inverse updates and unloads.
// Proxies with unmaterialized members keep their content until next
// accessed.
func (s *Store) refreshProxies() {
	for _, bp := range s.proxies {
		if !bp.p.Loaded() || bp.p.IsPending() {
			continue
		}
		st, ok := s.rels.Peek(bp.rec.Identity(), bp.field)
		if !ok || st.IsPending() {
			continue
		}
		recs, missing, err := s.resolve(st, true)
		if err != nil || len(missing) > 0 {
			continue
		}
		bp.p.Fulfill(recs)
	}
}

// settleProxy fulfills the proxy of st from the current members, or
// rejects it when the dangling policy escalates.
func (s *Store) settleProxy(st *relationship.State) {
	bp, ok := s.proxies[st.Key.String()]
	if !ok {
		return
	}
	recs, _, err := s.resolve(st, false)
	if err != nil {
		bp.p.Reject(err)
		return
	}
	bp.p.Fulfill(recs)
}

// failRelationship reverts a failed relationship fetch. A proxy that had
// content before keeps it; one that never loaded is rejected.
func (s *Store) failRelationship(owner ir.Identity, field string, err error) {
	s.rels.Fail(owner, field)
	if bp, ok := s.proxies[ir.RelKey{Owner: owner, Field: field}.String()]; ok {
		bp.p.Reject(err)
	}
	s.log.WithFields(logrus.Fields{
		"action": "relationship",
		"type":   owner.Type,
		"id":     owner.ID,
		"field":  field,
	}).WithError(err).Warn("relationship fetch failed")
}

// resolve dereferences the members of st through the identity map. It
// returns the materialized records in order and the members that still
// need a fetch: unloaded records, and belongsTo members missing from the
// map. A hasMany member missing from the map is handled by the dangling
// policy; quiet suppresses the warning.
func (s *Store) resolve(st *relationship.State, quiet bool) ([]*identity.Record, []ir.Identity, error) {
	var (
		records []*identity.Record
		missing []ir.Identity
	)
	for _, m := range st.Members {
		rec, ok := s.records.Peek(m)
		if !ok {
			if st.Kind == schema.BelongsTo {
				missing = append(missing, m)
				continue
			}
			switch s.dangling {
			case DanglingError:
				return nil, nil, ir.NewDanglingReferenceError(st.Key.Owner, st.Key.Field, m)
			case DanglingWarn:
				if !quiet {
					s.log.WithFields(logrus.Fields{
						"action": "resolve",
						"type":   st.Key.Owner.Type,
						"id":     st.Key.Owner.ID,
						"field":  st.Key.Field,
						"member": m.Key(),
					}).Warn("dropping hasMany member missing from the identity map")
				}
			}
			continue
		}
		if !rec.IsLoaded() {
			missing = append(missing, m)
			continue
		}
		records = append(records, rec)
	}
	return records, missing, nil
}
