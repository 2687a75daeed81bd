package store

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/roach88/entcache/internal/coalesce"
	"github.com/roach88/entcache/internal/identity"
	"github.com/roach88/entcache/internal/ir"
	"github.com/roach88/entcache/internal/journal"
	"github.com/roach88/entcache/internal/normalize"
	"github.com/roach88/entcache/internal/relationship"
	"github.com/roach88/entcache/internal/schema"
)

// result is what a coalesced call produces: the operation that was sent
// and the normalized response.
type result struct {
	op  ir.Operation
	doc *ir.Document
}

// pendingBatch is a drained batch with its operation already stamped.
type pendingBatch struct {
	op    ir.Operation
	batch coalesce.Batch[*result]
}

// Store is the entity cache.
//
// Thread-safety: every exported method is safe for concurrent use. Cache
// state is only touched inside a turn (see package docs).
type Store struct {
	registry   *schema.Registry
	adapter    Adapter
	serializer normalize.Serializer
	normalizer *normalize.Normalizer
	log        logrus.FieldLogger
	journal    Journal

	requestIDs coalesce.IDGenerator
	localIDs   coalesce.IDGenerator
	clock      *coalesce.Clock

	batching         *bool
	batchWindow      time.Duration
	backgroundReload bool
	dangling         DanglingPolicy

	// mu is the turn lock. idle is signalled at the end of every turn.
	mu   sync.Mutex
	idle *sync.Cond
	turn turnLock

	records *identity.Map
	rels    *relationship.Table
	calls   *coalesce.Coalescer[*result]
	batcher *coalesce.Batcher[*result]
	proxies map[string]*boundProxy

	// tasks counts batch fetches started but not merged.
	tasks int

	closeOnce sync.Once
	flushed   chan struct{}
}

// turnLock is the sync.Locker handed to the coalescer. Unlocking it ends
// the turn, which flushes queued batches.
type turnLock struct{ s *Store }

func (t turnLock) Lock()   { t.s.mu.Lock() }
func (t turnLock) Unlock() { t.s.endTurn(false) }

// New creates a store over registry that fetches through adapter.
func New(registry *schema.Registry, adapter Adapter, opts ...Option) *Store {
	s := &Store{
		registry:   registry,
		adapter:    adapter,
		serializer: normalize.JSONAPISerializer{},
		log:        discardLogger(),
		requestIDs: coalesce.UUIDv7Generator{},
		localIDs:   coalesce.UUIDv7Generator{},
		dangling:   DefaultDanglingPolicy,
		records:    identity.NewMap(registry),
		rels:       relationship.NewTable(registry),
		batcher:    coalesce.NewBatcher[*result](),
		proxies:    make(map[string]*boundProxy),
		flushed:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.idle = sync.NewCond(&s.mu)
	s.turn = turnLock{s: s}
	if s.clock == nil {
		s.clock = coalesce.NewClock()
	}
	s.calls = coalesce.New[*result](s.turn, s.clock)
	s.normalizer = normalize.New(registry,
		normalize.WithSerializer(s.serializer),
		normalize.WithLogger(s.log),
	)
	if s.batching == nil {
		enabled := false
		if ca, ok := adapter.(CoalescingAdapter); ok {
			enabled = ca.CoalesceFindRequests()
		}
		s.batching = &enabled
	}

	if *s.batching && s.batchWindow > 0 {
		go s.flushLoop()
	} else {
		close(s.flushed)
	}
	return s
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// Registry returns the schema the store was built with.
func (s *Store) Registry() *schema.Registry {
	return s.registry
}

// Batching reports whether single-record fetches are coalesced into
// findMany requests.
func (s *Store) Batching() bool {
	return *s.batching
}

// endTurn releases the turn lock. Batches queued during the turn are
// stamped before the unlock and dispatched after it.
func (s *Store) endTurn(force bool) {
	var ready []pendingBatch
	if *s.batching && (force || s.batchWindow == 0) {
		ready = s.prepareBatches()
	}
	s.idle.Broadcast()
	s.mu.Unlock()

	for _, pb := range ready {
		go s.runBatch(pb)
	}
}

// prepareBatches drains the batcher and assigns each batch its request id
// and generation. Must be called inside a turn.
func (s *Store) prepareBatches() []pendingBatch {
	if s.batcher.Len() == 0 {
		return nil
	}
	batches := s.batcher.Drain()
	out := make([]pendingBatch, 0, len(batches))
	for _, b := range batches {
		op := ir.Operation{
			RequestID:   s.requestIDs.Generate(),
			RequestType: ir.RequestFindMany,
			Type:        b.Type,
			IDs:         b.IDs(),
			Generation:  s.clock.Next(),
		}
		if len(b.Tickets) == 1 {
			op.RequestType = ir.RequestFindRecord
			op.ID = op.IDs[0]
			op.IDs = nil
		}
		s.tasks++
		out = append(out, pendingBatch{op: op, batch: b})
	}
	return out
}

func (s *Store) runBatch(pb pendingBatch) {
	res, err := s.execute(context.Background(), pb.op)

	s.turn.Lock()
	if err == nil {
		// Tickets whose record call was superseded (for example by Unload)
		// must not bring the record back.
		skip := make(map[string]bool)
		for _, t := range pb.batch.Tickets {
			if s.calls.Generation(coalesce.RecordKey(t.Identity)) != t.Generation {
				skip[t.Identity.Key()] = true
			}
		}
		err = s.mergeDocument(res.doc, skip)
	}
	s.tasks--
	s.turn.Unlock()

	pb.batch.Resolve(res, err)
}

func (s *Store) flushLoop() {
	defer close(s.flushed)
	for {
		_, ok := <-s.batcher.Wait()
		if ok {
			time.Sleep(s.batchWindow)
		}
		s.mu.Lock()
		s.endTurn(true)
		if !ok {
			return
		}
	}
}

// execute runs one adapter fetch and normalizes the response. It runs
// outside any turn.
func (s *Store) execute(ctx context.Context, op ir.Operation) (*result, error) {
	log := s.log.WithFields(logrus.Fields{
		"action":       "fetch",
		"request_id":   op.RequestID,
		"request_type": op.RequestType,
		"type":         op.Type,
		"generation":   op.Generation,
	})
	subject := ir.NewIdentity(op.Type, op.ID)
	if op.Owner.Valid() {
		subject = op.Owner
	}

	var doc *ir.Document
	raw, err := s.adapter.Fetch(ctx, op)
	if err != nil {
		err = ir.NewFetchFailedError(op.RequestType, subject, op.Field, err)
	} else {
		doc, err = s.normalizer.Normalize(raw, normalize.RequestContext{
			RequestType: op.RequestType,
			Type:        op.Type,
			ID:          op.ID,
		})
		if e, ok := err.(*ir.Error); ok {
			if !e.Identity.Valid() {
				e.Identity = subject
			}
			if e.Field == "" {
				e.Field = op.Field
			}
		}
	}

	if err != nil {
		log.WithError(err).Warn("fetch failed")
	} else {
		log.WithField("fingerprint", doc.Fingerprint()).Debug("fetch complete")
	}

	if s.journal != nil {
		if jerr := s.journal.Append(ctx, journal.EntryFor(op, doc, err)); jerr != nil {
			log.WithError(jerr).Warn("journal append failed")
		}
	}
	return &result{op: op, doc: doc}, err
}

// Push normalizes raw as a push payload and merges it. It returns the
// identities of the primary resources. Nothing is merged if the payload
// is malformed.
func (s *Store) Push(raw []byte) ([]ir.Identity, error) {
	doc, err := s.normalizer.Normalize(raw, normalize.RequestContext{RequestType: ir.RequestPush})
	if err != nil {
		return nil, err
	}
	return s.PushDocument(doc)
}

// PushDocument merges an already normalized document.
func (s *Store) PushDocument(doc *ir.Document) ([]ir.Identity, error) {
	s.turn.Lock()
	defer s.turn.Unlock()

	if err := s.merge(doc); err != nil {
		return nil, err
	}
	return doc.PrimaryIdentities(), nil
}

// Peek returns the record for id without fetching.
func (s *Store) Peek(id ir.Identity) (*identity.Record, bool) {
	s.turn.Lock()
	defer s.turn.Unlock()
	return s.records.Peek(id)
}

// Records returns every live record ordered by identity key.
func (s *Store) Records() []*identity.Record {
	s.turn.Lock()
	defer s.turn.Unlock()
	return s.records.Records()
}

// View runs fn inside a turn, so records read in fn reflect whole
// documents. fn must not call other Store methods.
func (s *Store) View(fn func()) {
	s.turn.Lock()
	defer s.turn.Unlock()
	fn()
}

// Relationships returns a copy of every tracked relationship state.
func (s *Store) Relationships() []relationship.State {
	s.turn.Lock()
	defer s.turn.Unlock()
	return s.rels.States()
}

// Unload removes a record from the cache. Relationships pointing at it are
// notified first: sync ones drop it, async ones keep it as a lookup and
// are marked stale. In-flight fetches for the record and its own
// relationships are superseded; their responses will be dropped.
func (s *Store) Unload(id ir.Identity) error {
	s.turn.Lock()
	defer s.turn.Unlock()

	rec, ok := s.records.Peek(id)
	if !ok {
		return &ir.Error{
			Code:     ir.ErrCodeRecordNotFound,
			Message:  "record is not in the identity map",
			Identity: id,
		}
	}
	cur := rec.Identity()

	if key := coalesce.RecordKey(cur); s.hasLiveCall(key) {
		s.calls.Supersede(key)
	}
	for _, field := range rec.RelationshipNames() {
		key := coalesce.RelationshipKey(cur, field)
		if s.hasLiveCall(key) {
			s.calls.Supersede(key)
		}
		rk := ir.RelKey{Owner: cur, Field: field}.String()
		if bp, ok := s.proxies[rk]; ok {
			if bp.p.IsPending() {
				bp.p.Reject(ir.NewSupersededError("", cur, field, s.calls.Generation(key), s.clock.Current()))
			}
			delete(s.proxies, rk)
		}
	}

	affected := s.rels.Detach(cur)
	if err := s.records.Remove(cur); err != nil {
		return err
	}
	s.refreshProxies()

	s.log.WithFields(logrus.Fields{
		"action":  "unload",
		"type":    cur.Type,
		"id":      cur.ID,
		"inbound": len(affected),
	}).Debug("record unloaded")
	return nil
}

// CreateRecord adds a client-side record with a fresh local id. Its
// relationships start loaded and empty.
func (s *Store) CreateRecord(typ string, attrs ir.Object) (*identity.Record, error) {
	model, ok := s.registry.Model(typ)
	if !ok {
		return nil, &ir.Error{
			Code:        ir.ErrCodeUnknownModel,
			Message:     fmt.Sprintf("unknown model %q", typ),
			RequestType: ir.RequestCreateRecord,
		}
	}
	for name := range attrs {
		if !model.HasAttribute(name) {
			return nil, fmt.Errorf("create %s: undeclared attribute %q", typ, name)
		}
	}

	s.turn.Lock()
	defer s.turn.Unlock()

	id := ir.Identity{Type: typ, LID: s.localIDs.Generate()}
	rec, err := s.records.Create(id, attrs)
	if err != nil {
		return nil, err
	}
	for _, field := range model.RelationshipNames() {
		if err := s.rels.Replace(id, field, nil); err != nil {
			return nil, err
		}
		s.rels.Finish(id, field)
	}
	return rec, nil
}

// AssignID binds a server id to a client-created record. Relationships and
// proxies follow the record to its new key.
func (s *Store) AssignID(rec *identity.Record, id string) error {
	s.turn.Lock()
	defer s.turn.Unlock()
	return s.assignID(rec, id)
}

func (s *Store) assignID(rec *identity.Record, id string) error {
	from := rec.Identity()
	if _, err := s.records.AssignID(from, id); err != nil {
		return err
	}
	to := rec.Identity()
	s.rels.Rekey(from, to)
	for _, field := range rec.RelationshipNames() {
		old := ir.RelKey{Owner: from, Field: field}.String()
		if bp, ok := s.proxies[old]; ok {
			delete(s.proxies, old)
			s.proxies[ir.RelKey{Owner: to, Field: field}.String()] = bp
		}
	}
	return nil
}

// SetRelationship replaces the members of rec.field with related, keeping
// inverses in step. The relationship becomes loaded.
func (s *Store) SetRelationship(rec *identity.Record, field string, related ...*identity.Record) error {
	s.turn.Lock()
	defer s.turn.Unlock()

	owner := rec.Identity()
	st, err := s.rels.State(owner, field)
	if err != nil {
		return err
	}
	if st.Kind == schema.BelongsTo && len(related) > 1 {
		return fmt.Errorf("set %s: belongsTo takes at most one record, got %d", st.Key, len(related))
	}
	members := make([]ir.Identity, len(related))
	for i, r := range related {
		if r.Type() != st.Type {
			return fmt.Errorf("set %s: want %s, got %s", st.Key, st.Type, r.Type())
		}
		members[i] = r.Identity()
	}
	if err := s.rels.Replace(owner, field, members); err != nil {
		return err
	}
	if !st.IsPending() {
		s.rels.Finish(owner, field)
	}
	s.refreshProxies()
	return nil
}

// Wait blocks until no fetch is in flight and no batch is queued.
func (s *Store) Wait() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.calls.Running() > 0 || s.tasks > 0 || s.batcher.Len() > 0 {
		s.idle.Wait()
	}
}

// Close stops batching and waits for in-flight fetches. Fetches issued
// after Close that would have been batched fail.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.batcher.Close()
		<-s.flushed
		s.Wait()
	})
	return nil
}

func (s *Store) hasLiveCall(key coalesce.Key) bool {
	_, ok := s.calls.Pending(key)
	return ok
}
