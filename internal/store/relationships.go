package store

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/entcache/internal/coalesce"
	"github.com/roach88/entcache/internal/identity"
	"github.com/roach88/entcache/internal/ir"
	"github.com/roach88/entcache/internal/proxy"
	"github.com/roach88/entcache/internal/relationship"
	"github.com/roach88/entcache/internal/schema"
)

// boundProxy is the one proxy of a (record, field). It follows the record
// handle, so a client-created record keeps its proxies when it gets its
// server id.
type boundProxy struct {
	rec   *identity.Record
	field string
	p     *proxy.Proxy
}

// BelongsTo returns the proxy for a belongsTo relationship of rec. See
// HasMany for the access rules.
func (s *Store) BelongsTo(rec *identity.Record, field string) (*proxy.Proxy, error) {
	p, _, err := s.access(context.Background(), rec, field, schema.BelongsTo)
	return p, err
}

// HasMany returns the proxy for a hasMany relationship of rec.
//
// A sync relationship returns a fulfilled proxy, or MISSING_BACKING_DATA
// when its data is not loaded. An async relationship returns the same
// proxy to every caller: fulfilled at once when the related records are
// materialized, otherwise pending on one fetch shared by all callers.
func (s *Store) HasMany(rec *identity.Record, field string) (*proxy.Proxy, error) {
	p, _, err := s.access(context.Background(), rec, field, schema.HasMany)
	return p, err
}

// access returns the proxy for rec.field and the call it is waiting on,
// if any.
func (s *Store) access(ctx context.Context, rec *identity.Record, field string, kind schema.Kind) (*proxy.Proxy, *coalesce.Call[*result], error) {
	s.turn.Lock()
	defer s.turn.Unlock()

	st, err := s.stateOf(rec, field)
	if err != nil {
		return nil, nil, err
	}
	if st.Kind != kind {
		return nil, nil, &ir.Error{
			Code:     ir.ErrCodeUnknownRelationship,
			Message:  fmt.Sprintf("relationship is a %s, not a %s", st.Kind, kind),
			Identity: st.Key.Owner,
			Field:    field,
		}
	}

	p := s.proxyFor(rec, st)
	key := coalesce.RelationshipKey(st.Key.Owner, field)
	if st.IsPending() {
		call, _ := s.calls.Pending(key)
		return p, call, nil
	}

	if !st.Async {
		if !st.Known() {
			return nil, nil, ir.NewMissingBackingDataError(st.Key.Owner, field, "no data for the relationship was pushed")
		}
		recs, missing, err := s.resolve(st, false)
		if err != nil {
			return nil, nil, err
		}
		if len(missing) > 0 {
			return nil, nil, ir.NewMissingBackingDataError(st.Key.Owner, field,
				fmt.Sprintf("related record %s is not loaded", missing[0].Key()))
		}
		p.Fulfill(recs)
		return p, nil, nil
	}

	call, err := s.load(ctx, st, p, false, nil)
	if err != nil {
		return nil, nil, err
	}
	return p, call, nil
}

// stateOf returns the relationship state of rec.field. Must be called
// inside a turn.
func (s *Store) stateOf(rec *identity.Record, field string) (*relationship.State, error) {
	if rec.IsUnloaded() {
		return nil, &ir.Error{
			Code:     ir.ErrCodeRecordNotFound,
			Message:  "record has been unloaded",
			Identity: rec.Identity(),
			Field:    field,
		}
	}
	return s.rels.State(rec.Identity(), field)
}

func (s *Store) proxyFor(rec *identity.Record, st *relationship.State) *proxy.Proxy {
	k := st.Key.String()
	if bp, ok := s.proxies[k]; ok {
		return bp.p
	}
	field := st.Key.Field
	p := proxy.New(st.Key.Owner, field, st.Kind, func(ctx context.Context, opts proxy.ReloadOptions) error {
		return s.reloadRelationship(ctx, rec, field, opts.AdapterOptions)
	})
	s.proxies[k] = &boundProxy{rec: rec, field: field, p: p}
	return p
}

// load materializes st into p. With a link and no authoritative data (or
// when forced) the link is fetched. Otherwise the members are resolved;
// materialized ones fulfill p at once and the rest are fetched by
// identity. It returns the call p waits on, or nil when p settled.
func (s *Store) load(ctx context.Context, st *relationship.State, p *proxy.Proxy, force bool, adapterOptions map[string]any) (*coalesce.Call[*result], error) {
	if st.Kind == schema.BelongsTo && len(st.Members) == 1 {
		p.SetID(st.Members[0])
	}

	if link := st.Link(); link != "" && (!st.HasData || force) {
		return s.fetchRelationship(ctx, st, p, link, adapterOptions), nil
	}

	recs, missing, err := s.resolve(st, false)
	if err != nil {
		return nil, err
	}
	if force {
		missing = s.refetchable(st)
	}
	if len(missing) == 0 {
		if st.Known() {
			s.rels.Finish(st.Key.Owner, st.Key.Field)
		}
		p.Fulfill(recs)
		return nil, nil
	}
	return s.fetchMembers(ctx, st, p, missing, adapterOptions), nil
}

// refetchable returns the members a forced reload fetches again: every
// member still in the identity map, plus a missing belongsTo target.
func (s *Store) refetchable(st *relationship.State) []ir.Identity {
	var out []ir.Identity
	for _, m := range st.Members {
		if st.Kind == schema.BelongsTo || s.records.Has(m) {
			out = append(out, m)
		}
	}
	return out
}

// fetchRelationship fetches the related link of st. The response's
// primary resources become the members, in response order, and its meta
// becomes the relationship meta.
func (s *Store) fetchRelationship(ctx context.Context, st *relationship.State, p *proxy.Proxy, link string, adapterOptions map[string]any) *coalesce.Call[*result] {
	owner, field := st.Key.Owner, st.Key.Field
	key := coalesce.RelationshipKey(owner, field)
	if call, ok := s.calls.Pending(key); ok {
		return call
	}

	rt := ir.RequestFindHasMany
	if st.Kind == schema.BelongsTo {
		rt = ir.RequestFindBelongsTo
	}
	op := ir.Operation{
		RequestID:      s.requestIDs.Generate(),
		RequestType:    rt,
		Type:           st.Type,
		Owner:          owner,
		Field:          field,
		Link:           link,
		AdapterOptions: adapterOptions,
	}

	p.Restart()
	call, _ := s.calls.Fetch(ctx, key,
		func(ctx context.Context, gen int64) (*result, error) {
			op.Generation = gen
			return s.execute(ctx, op)
		},
		func(res *result, err error) error {
			if err == nil {
				err = s.settleRelationship(owner, field, res.doc)
			}
			if err != nil {
				s.failRelationship(owner, field, err)
			}
			return err
		},
	)
	st.BeginFetch(call.Generation())
	return call
}

func (s *Store) settleRelationship(owner ir.Identity, field string, doc *ir.Document) error {
	if err := s.merge(doc); err != nil {
		return err
	}
	if err := s.rels.Replace(owner, field, doc.PrimaryIdentities()); err != nil {
		return err
	}
	st, _ := s.rels.Peek(owner, field)
	st.Meta = doc.Meta()
	s.rels.Finish(owner, field)
	s.settleProxy(st)
	return nil
}

// fetchMembers fetches unmaterialized members by identity. Each member is
// its own record call, so it joins any fetch of that record already in
// flight and is batched with other record fetches of the turn. The
// relationship call settles once every member call has.
func (s *Store) fetchMembers(ctx context.Context, st *relationship.State, p *proxy.Proxy, missing []ir.Identity, adapterOptions map[string]any) *coalesce.Call[*result] {
	owner, field := st.Key.Owner, st.Key.Field
	key := coalesce.RelationshipKey(owner, field)
	if call, ok := s.calls.Pending(key); ok {
		return call
	}

	members := make([]*coalesce.Call[*result], len(missing))
	for i, m := range missing {
		members[i] = s.fetchRecordLocked(ctx, m, FindOptions{AdapterOptions: adapterOptions})
	}

	p.Restart()
	call, _ := s.calls.Fetch(ctx, key,
		func(ctx context.Context, _ int64) (*result, error) {
			results := make([]*result, len(members))
			g, gctx := errgroup.WithContext(ctx)
			for i, c := range members {
				g.Go(func() error {
					res, err := c.Wait(gctx)
					results[i] = res
					return err
				})
			}
			if err := g.Wait(); err != nil {
				return nil, err
			}
			return results[0], nil
		},
		func(_ *result, err error) error {
			if err != nil {
				s.failRelationship(owner, field, err)
				return err
			}
			s.rels.Finish(owner, field)
			if st, ok := s.rels.Peek(owner, field); ok {
				s.settleProxy(st)
			}
			return nil
		},
	)
	st.BeginFetch(call.Generation())
	return call
}

// reloadRelationship issues a fresh fetch for rec.field and waits for it.
// A relationship that never loaded cannot be reloaded. A reload while a
// fetch is in flight joins that fetch.
func (s *Store) reloadRelationship(ctx context.Context, rec *identity.Record, field string, adapterOptions map[string]any) error {
	s.turn.Lock()
	st, err := s.stateOf(rec, field)
	if err != nil {
		s.turn.Unlock()
		return err
	}
	p := s.proxyFor(rec, st)
	if !p.Loaded() && st.Load != relationship.Loaded {
		s.turn.Unlock()
		return ir.NewReloadBeforeCreateError(st.Key.Owner, field)
	}

	var call *coalesce.Call[*result]
	if st.IsPending() {
		call, _ = s.calls.Pending(coalesce.RelationshipKey(st.Key.Owner, field))
	} else {
		call, err = s.load(ctx, st, p, true, adapterOptions)
	}
	s.turn.Unlock()

	if err != nil || call == nil {
		return err
	}
	_, err = call.Wait(ctx)
	return err
}
