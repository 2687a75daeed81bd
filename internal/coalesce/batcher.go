package coalesce

import (
	"context"
	"sync"

	"github.com/roach88/entcache/internal/ir"
)

// Ticket is one queued single-record fetch waiting for its batch.
type Ticket[T any] struct {
	Identity   ir.Identity
	Generation int64

	done  chan struct{}
	value T
	err   error
}

// Wait blocks until the ticket's batch resolves or ctx is done.
func (t *Ticket[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-t.done:
		return t.value, t.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Batch is the set of tickets of one type drained together.
type Batch[T any] struct {
	Type    string
	Tickets []*Ticket[T]
}

// IDs returns the requested ids in enqueue order.
func (b Batch[T]) IDs() []string {
	ids := make([]string, len(b.Tickets))
	for i, t := range b.Tickets {
		ids[i] = t.Identity.ID
	}
	return ids
}

// Resolve hands the batch result to every ticket.
func (b Batch[T]) Resolve(value T, err error) {
	for _, t := range b.Tickets {
		t.value = value
		t.err = err
		close(t.done)
	}
}

// Batcher is a FIFO of tickets. Enqueue signals availability through a
// buffered channel, so a flusher can wait for work with select.
type Batcher[T any] struct {
	mu      sync.Mutex
	tickets []*Ticket[T]
	closed  bool
	signal  chan struct{}
}

// NewBatcher creates an empty batcher.
func NewBatcher[T any]() *Batcher[T] {
	return &Batcher[T]{
		tickets: make([]*Ticket[T], 0, 16),
		signal:  make(chan struct{}, 1),
	}
}

// Enqueue queues a fetch of id and returns its ticket. Returns nil if the
// batcher is closed.
func (b *Batcher[T]) Enqueue(id ir.Identity, generation int64) *Ticket[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	t := &Ticket[T]{Identity: id, Generation: generation, done: make(chan struct{})}
	b.tickets = append(b.tickets, t)

	// Buffer of 1 coalesces multiple signals.
	select {
	case b.signal <- struct{}{}:
	default:
	}
	return t
}

// Drain removes every queued ticket and groups them by type. Groups are
// ordered by the first ticket of each type; tickets keep enqueue order.
func (b *Batcher[T]) Drain() []Batch[T] {
	b.mu.Lock()
	tickets := b.tickets
	b.tickets = make([]*Ticket[T], 0, 16)
	b.mu.Unlock()

	var batches []Batch[T]
	index := make(map[string]int)
	for _, t := range tickets {
		i, ok := index[t.Identity.Type]
		if !ok {
			i = len(batches)
			index[t.Identity.Type] = i
			batches = append(batches, Batch[T]{Type: t.Identity.Type})
		}
		batches[i].Tickets = append(batches[i].Tickets, t)
	}
	return batches
}

// Wait returns a channel that signals when tickets may be queued.
func (b *Batcher[T]) Wait() <-chan struct{} {
	return b.signal
}

// Len returns the number of queued tickets.
func (b *Batcher[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.tickets)
}

// Close stops the batcher and wakes any flusher. Queued tickets stay
// queued for a final Drain.
func (b *Batcher[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	close(b.signal)
}
