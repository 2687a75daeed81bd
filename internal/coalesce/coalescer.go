package coalesce

import (
	"context"
	"sync"

	"github.com/roach88/entcache/internal/ir"
)

// Op is the granularity of a key.
type Op string

const (
	// OpRecord keys a single-record fetch.
	OpRecord Op = "findRecord"
	// OpRelationship keys a relationship fetch of one (record, field).
	OpRelationship Op = "relationship"
	// OpCollection keys a findMany fetch of a fixed id list.
	OpCollection Op = "findMany"
)

// Key identifies what a call fetches.
type Key struct {
	Op       Op
	Identity ir.Identity
	Field    string
}

// RecordKey keys a single-record fetch.
func RecordKey(id ir.Identity) Key {
	return Key{Op: OpRecord, Identity: id}
}

// RelationshipKey keys a relationship fetch.
func RelationshipKey(owner ir.Identity, field string) Key {
	return Key{Op: OpRelationship, Identity: owner, Field: field}
}

// String implements fmt.Stringer.
func (k Key) String() string {
	s := string(k.Op) + ":" + k.Identity.Key()
	if k.Field != "" {
		s += "." + k.Field
	}
	return s
}

// Call is one in-flight (or finished) fetch shared by every caller that
// joined it.
type Call[T any] struct {
	key        Key
	generation int64
	done       chan struct{}

	value T
	err   error
}

// Key returns the key the call was started for.
func (c *Call[T]) Key() Key { return c.key }

// Generation returns the generation stamped when the call started.
func (c *Call[T]) Generation() int64 { return c.generation }

// Done is closed when the call has settled.
func (c *Call[T]) Done() <-chan struct{} { return c.done }

// Result returns the settled value and error. Only valid after Done.
func (c *Call[T]) Result() (T, error) {
	return c.value, c.err
}

// Wait blocks until the call settles or ctx is done. A cancelled wait does
// not cancel the call; other waiters still receive its result.
func (c *Call[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-c.done:
		return c.value, c.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// ProduceFunc performs the fetch. It runs without the lock.
type ProduceFunc[T any] func(ctx context.Context, generation int64) (T, error)

// SettleFunc merges a produced result. It runs with the lock held and its
// error becomes the call's error.
type SettleFunc[T any] func(value T, err error) error

// Coalescer tracks in-flight calls by key. Every method except the settle
// path must be called with lock held.
type Coalescer[T any] struct {
	lock        sync.Locker
	clock       *Clock
	calls       map[Key]*Call[T]
	generations map[Key]int64
	running     int
	wg          sync.WaitGroup
}

// New creates a coalescer that settles under lock and stamps generations
// from clock.
func New[T any](lock sync.Locker, clock *Clock) *Coalescer[T] {
	if clock == nil {
		clock = NewClock()
	}
	return &Coalescer[T]{
		lock:        lock,
		clock:       clock,
		calls:       make(map[Key]*Call[T]),
		generations: make(map[Key]int64),
	}
}

// Fetch joins the live call for key, or starts a new one. joined reports
// which. The context passed to produce keeps ctx's values but not its
// cancellation, since other callers may join.
func (c *Coalescer[T]) Fetch(ctx context.Context, key Key, produce ProduceFunc[T], settle SettleFunc[T]) (call *Call[T], joined bool) {
	if live, ok := c.calls[key]; ok {
		return live, true
	}

	call = &Call[T]{
		key:        key,
		generation: c.clock.Next(),
		done:       make(chan struct{}),
	}
	c.calls[key] = call
	c.generations[key] = call.generation
	c.running++

	runCtx := context.WithoutCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		value, err := produce(runCtx, call.generation)

		c.lock.Lock()
		defer c.lock.Unlock()
		c.finish(call, value, err, settle)
	}()

	return call, false
}

func (c *Coalescer[T]) finish(call *Call[T], value T, err error, settle SettleFunc[T]) {
	c.running--
	if c.calls[call.key] == call {
		delete(c.calls, call.key)
	}

	if current := c.generations[call.key]; current != call.generation {
		call.err = ir.NewSupersededError(
			ir.RequestType(call.key.Op), call.key.Identity, call.key.Field,
			call.generation, current,
		)
	} else {
		if settle != nil {
			err = settle(value, err)
		}
		call.value = value
		call.err = err
	}

	close(call.done)
}

// Pending returns the live call for key.
func (c *Coalescer[T]) Pending(key Key) (*Call[T], bool) {
	call, ok := c.calls[key]
	return call, ok
}

// InFlight returns the number of live calls.
func (c *Coalescer[T]) InFlight() int {
	return len(c.calls)
}

// Running returns the number of started calls that have not settled,
// including superseded ones.
func (c *Coalescer[T]) Running() int {
	return c.running
}

// Generation returns the current generation of key, 0 if never fetched.
func (c *Coalescer[T]) Generation(key Key) int64 {
	return c.generations[key]
}

// Supersede bumps the generation of key and detaches its live call, which
// is returned. The next Fetch for key starts a new call; the detached
// call's response will be dropped.
func (c *Coalescer[T]) Supersede(key Key) (*Call[T], bool) {
	c.generations[key] = c.clock.Next()
	call, ok := c.calls[key]
	if ok {
		delete(c.calls, key)
	}
	return call, ok
}

// Drain waits for every started call to settle. It must be called without
// the lock held.
func (c *Coalescer[T]) Drain() {
	c.wg.Wait()
}
