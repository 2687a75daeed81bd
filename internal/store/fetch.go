package store

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/entcache/internal/coalesce"
	"github.com/roach88/entcache/internal/identity"
	"github.com/roach88/entcache/internal/ir"
)

// FindOptions tune findRecord and findMany.
type FindOptions struct {
	// Reload forces a fetch even when the record is cached.
	Reload bool

	// BackgroundReload returns a cached record at once and refreshes it in
	// the background. Nil defers to the adapter's ReloadPolicy, then to the
	// store default.
	BackgroundReload *bool

	// Include is passed to the adapter. Fetches with includes are never
	// batched.
	Include []string

	// AdapterOptions are passed to the adapter untouched. Fetches with
	// adapter options are never batched.
	AdapterOptions map[string]any
}

// FindRecord returns the record for (typ, id), fetching it when it is not
// cached or the freshness policy asks for a reload.
func (s *Store) FindRecord(ctx context.Context, typ, id string, opts FindOptions) (*identity.Record, error) {
	rec, _, err := s.findRecord(ctx, typ, id, opts)
	return rec, err
}

func (s *Store) findRecord(ctx context.Context, typ, id string, opts FindOptions) (*identity.Record, ResponseMeta, error) {
	meta := ResponseMeta{RequestType: ir.RequestFindRecord}
	ident := ir.NewIdentity(typ, id)
	if err := s.checkFind(ident); err != nil {
		return nil, meta, err
	}

	s.turn.Lock()
	if rec, ok := s.records.Peek(ident); ok && rec.IsLoaded() {
		op := ir.Operation{RequestType: ir.RequestFindRecord, Type: typ, ID: id, Include: opts.Include, AdapterOptions: opts.AdapterOptions}
		if !s.shouldReload(rec, op, opts) {
			if s.shouldBackgroundReload(rec, op, opts) {
				s.fetchRecordLocked(ctx, ident, opts)
			}
			s.turn.Unlock()
			return rec, meta, nil
		}
	}
	call := s.fetchRecordLocked(ctx, ident, opts)
	s.turn.Unlock()

	res, err := call.Wait(ctx)
	meta = meta.from(res, call)
	if err != nil {
		return nil, meta, err
	}

	rec, ok := s.Peek(ident)
	if !ok {
		return nil, meta, notFound(ident)
	}
	return rec, meta, nil
}

func (s *Store) checkFind(id ir.Identity) error {
	if _, ok := s.registry.Model(id.Type); !ok {
		return &ir.Error{
			Code:        ir.ErrCodeUnknownModel,
			Message:     fmt.Sprintf("unknown model %q", id.Type),
			RequestType: ir.RequestFindRecord,
		}
	}
	if id.ID == "" {
		return fmt.Errorf("find %s: empty id", id.Type)
	}
	return nil
}

func (s *Store) shouldReload(rec *identity.Record, op ir.Operation, opts FindOptions) bool {
	if opts.Reload {
		return true
	}
	if rp, ok := s.adapter.(ReloadPolicy); ok {
		return rp.ShouldReloadRecord(rec, op)
	}
	return false
}

func (s *Store) shouldBackgroundReload(rec *identity.Record, op ir.Operation, opts FindOptions) bool {
	if opts.BackgroundReload != nil {
		return *opts.BackgroundReload
	}
	if rp, ok := s.adapter.(ReloadPolicy); ok {
		return rp.ShouldBackgroundReloadRecord(rec, op)
	}
	return s.backgroundReload
}

// fetchRecordLocked starts or joins the fetch of one record. With batching
// on, the fetch waits for its ticket's findMany instead of calling the
// adapter itself. Must be called inside a turn.
func (s *Store) fetchRecordLocked(ctx context.Context, id ir.Identity, opts FindOptions) *coalesce.Call[*result] {
	key := coalesce.RecordKey(id)
	if call, ok := s.calls.Pending(key); ok {
		return call
	}

	batched := *s.batching && len(opts.Include) == 0 && opts.AdapterOptions == nil
	settle := func(res *result, err error) error {
		if err != nil {
			return err
		}
		if !batched {
			if err := s.merge(res.doc); err != nil {
				return err
			}
		}
		if !slices.ContainsFunc(res.doc.PrimaryIdentities(), sameRecord(id)) || !s.records.Has(id) {
			return notFound(id)
		}
		return nil
	}

	if batched {
		ready := make(chan *coalesce.Ticket[*result], 1)
		call, _ := s.calls.Fetch(ctx, key, func(ctx context.Context, _ int64) (*result, error) {
			t := <-ready
			if t == nil {
				return nil, ir.NewFetchFailedError(ir.RequestFindRecord, id, "", errStoreClosed)
			}
			return t.Wait(ctx)
		}, settle)
		ready <- s.batcher.Enqueue(id, call.Generation())
		return call
	}

	op := ir.Operation{
		RequestID:      s.requestIDs.Generate(),
		RequestType:    ir.RequestFindRecord,
		Type:           id.Type,
		ID:             id.ID,
		Include:        opts.Include,
		AdapterOptions: opts.AdapterOptions,
	}
	call, _ := s.calls.Fetch(ctx, key, func(ctx context.Context, gen int64) (*result, error) {
		op.Generation = gen
		return s.execute(ctx, op)
	}, settle)
	return call
}

// FindMany returns the records for ids in order. Cached records are used
// unless opts.Reload is set. With batching on the rest are fetched through
// the batch queue; otherwise they are fetched with one findMany.
func (s *Store) FindMany(ctx context.Context, typ string, ids []string, opts FindOptions) ([]*identity.Record, error) {
	recs, _, err := s.findMany(ctx, typ, ids, opts)
	return recs, err
}

func (s *Store) findMany(ctx context.Context, typ string, ids []string, opts FindOptions) ([]*identity.Record, ResponseMeta, error) {
	meta := ResponseMeta{RequestType: ir.RequestFindMany}
	idents := make([]ir.Identity, len(ids))
	for i, id := range ids {
		idents[i] = ir.NewIdentity(typ, id)
		if err := s.checkFind(idents[i]); err != nil {
			return nil, meta, err
		}
	}

	s.turn.Lock()
	var (
		calls []*coalesce.Call[*result]
		fetch []ir.Identity
	)
	for _, id := range idents {
		if rec, ok := s.records.Peek(id); ok && rec.IsLoaded() && !opts.Reload {
			continue
		}
		switch call, ok := s.calls.Pending(coalesce.RecordKey(id)); {
		case ok:
			calls = append(calls, call)
		case *s.batching:
			calls = append(calls, s.fetchRecordLocked(ctx, id, opts))
		case !slices.ContainsFunc(fetch, sameRecord(id)):
			fetch = append(fetch, id)
		}
	}
	if len(fetch) > 0 {
		calls = append(calls, s.fetchCollectionLocked(ctx, typ, fetch, opts))
	}
	s.turn.Unlock()

	results := make([]*result, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range calls {
		g.Go(func() error {
			res, err := c.Wait(gctx)
			results[i] = res
			return err
		})
	}
	err := g.Wait()
	for i, res := range results {
		if res != nil {
			meta = meta.from(res, calls[i])
			break
		}
	}
	if err != nil {
		return nil, meta, err
	}

	s.turn.Lock()
	defer s.turn.Unlock()
	out := make([]*identity.Record, len(idents))
	for i, id := range idents {
		rec, ok := s.records.Peek(id)
		if !ok {
			return nil, meta, notFound(id)
		}
		out[i] = rec
	}
	return out, meta, nil
}

// fetchCollectionLocked issues one findMany for ids, keyed by the id list.
func (s *Store) fetchCollectionLocked(ctx context.Context, typ string, ids []ir.Identity, opts FindOptions) *coalesce.Call[*result] {
	raw := make([]string, len(ids))
	for i, id := range ids {
		raw[i] = id.ID
	}
	key := coalesce.Key{Op: coalesce.OpCollection, Identity: ir.NewIdentity(typ, strings.Join(raw, ","))}
	if call, ok := s.calls.Pending(key); ok {
		return call
	}

	op := ir.Operation{
		RequestID:      s.requestIDs.Generate(),
		RequestType:    ir.RequestFindMany,
		Type:           typ,
		IDs:            raw,
		Include:        opts.Include,
		AdapterOptions: opts.AdapterOptions,
	}
	call, _ := s.calls.Fetch(ctx, key, func(ctx context.Context, gen int64) (*result, error) {
		op.Generation = gen
		return s.execute(ctx, op)
	}, func(res *result, err error) error {
		if err != nil {
			return err
		}
		if err := s.merge(res.doc); err != nil {
			return err
		}
		got := res.doc.PrimaryIdentities()
		for _, id := range ids {
			if !slices.ContainsFunc(got, sameRecord(id)) {
				return notFound(id)
			}
		}
		return nil
	})
	return call
}

func sameRecord(id ir.Identity) func(ir.Identity) bool {
	return func(other ir.Identity) bool {
		return other.Type == id.Type && other.ID == id.ID
	}
}

func notFound(id ir.Identity) error {
	return &ir.Error{
		Code:     ir.ErrCodeRecordNotFound,
		Message:  "response did not contain the requested record",
		Identity: id,
	}
}
