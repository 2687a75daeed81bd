// Package proxy provides the promise-like handle returned for relationship
// access. One Proxy type serves both belongsTo and hasMany.
//
// A proxy is pending until the store settles it. While pending, reading its
// content fails with NOT_YET_LOADED. Once fulfilled, Record and Records
// return the identity map's own handles.
package proxy

import (
	"context"
	"sync"

	"github.com/roach88/entcache/internal/identity"
	"github.com/roach88/entcache/internal/ir"
	"github.com/roach88/entcache/internal/schema"
)

// Status is the settlement state of a proxy.
type Status int

const (
	StatusPending Status = iota
	StatusFulfilled
	StatusRejected
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusFulfilled:
		return "fulfilled"
	case StatusRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// ReloadOptions are passed through to the fetch a reload issues.
type ReloadOptions struct {
	AdapterOptions map[string]any
}

// ReloadFunc issues a fresh fetch for the proxy's relationship. The store
// supplies it.
type ReloadFunc func(ctx context.Context, opts ReloadOptions) error

// Proxy is the result of accessing a relationship.
type Proxy struct {
	owner  ir.Identity
	field  string
	kind   schema.Kind
	reload ReloadFunc

	mu      sync.RWMutex
	status  Status
	done    chan struct{}
	records []*identity.Record
	id      ir.Identity
	err     error

	// fulfilled is set once the proxy has ever had content.
	fulfilled bool
}

// New creates a pending proxy for owner.field.
func New(owner ir.Identity, field string, kind schema.Kind, reload ReloadFunc) *Proxy {
	return &Proxy{
		owner:  owner,
		field:  field,
		kind:   kind,
		reload: reload,
		done:   make(chan struct{}),
	}
}

// Owner returns the identity of the record owning the relationship.
func (p *Proxy) Owner() ir.Identity { return p.owner }

// Field returns the relationship field name.
func (p *Proxy) Field() string { return p.field }

// Kind returns the relationship kind.
func (p *Proxy) Kind() schema.Kind { return p.kind }

// Status returns the current settlement state.
func (p *Proxy) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// IsPending reports whether the proxy has not settled.
func (p *Proxy) IsPending() bool { return p.Status() == StatusPending }

// IsFulfilled reports whether the proxy settled with content.
func (p *Proxy) IsFulfilled() bool { return p.Status() == StatusFulfilled }

// IsRejected reports whether the proxy settled with an error.
func (p *Proxy) IsRejected() bool { return p.Status() == StatusRejected }

// Done returns a channel closed when the current fetch settles.
func (p *Proxy) Done() <-chan struct{} {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.done
}

// Await blocks until the proxy settles or ctx is done, and returns the
// rejection error if any.
func (p *Proxy) Await(ctx context.Context) error {
	select {
	case <-p.Done():
		return p.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Loaded reports whether the proxy has ever been fulfilled.
func (p *Proxy) Loaded() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.fulfilled
}

// Err returns the rejection error, or nil.
func (p *Proxy) Err() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.err
}

// ID returns the related identity of a belongsTo when it is known, even
// before the related record has loaded.
func (p *Proxy) ID() (ir.Identity, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.id, p.id.Valid()
}

// Record returns the related record of a belongsTo, or nil for an empty
// relationship.
func (p *Proxy) Record() (*identity.Record, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if err := p.readable(); err != nil {
		return nil, err
	}
	if len(p.records) == 0 {
		return nil, nil
	}
	return p.records[0], nil
}

// Records returns the related records of a hasMany in order. The slice is a
// copy; the records are the identity map's handles.
func (p *Proxy) Records() ([]*identity.Record, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if err := p.readable(); err != nil {
		return nil, err
	}
	out := make([]*identity.Record, len(p.records))
	copy(out, p.records)
	return out, nil
}

// Attr reads an attribute of a belongsTo's related record. A missing
// record or attribute yields nil.
func (p *Proxy) Attr(name string) (ir.Value, error) {
	rec, err := p.Record()
	if err != nil || rec == nil {
		return nil, err
	}
	v, _ := rec.Attr(name)
	return v, nil
}

// Len returns the number of related records.
func (p *Proxy) Len() (int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if err := p.readable(); err != nil {
		return 0, err
	}
	return len(p.records), nil
}

// At returns the i-th related record.
func (p *Proxy) At(i int) (*identity.Record, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if err := p.readable(); err != nil {
		return nil, err
	}
	if i < 0 || i >= len(p.records) {
		return nil, nil
	}
	return p.records[i], nil
}

// Reload issues a fresh fetch through the store and waits for it. Content
// is replaced in place; a reload while a fetch is pending joins it.
func (p *Proxy) Reload(ctx context.Context, opts ReloadOptions) error {
	if p.reload == nil {
		return ir.NewReloadBeforeCreateError(p.owner, p.field)
	}
	return p.reload(ctx, opts)
}

// readable reports whether content can be read. A proxy reloading after
// it was fulfilled keeps serving its previous content.
func (p *Proxy) readable() error {
	switch {
	case p.status == StatusRejected:
		return p.err
	case p.status == StatusPending && !p.fulfilled:
		return ir.NewNotYetLoadedError(p.owner, p.field)
	default:
		return nil
	}
}

// Fulfill settles the proxy with records, or replaces its content when it
// has already settled. Called by the store inside its turn.
func (p *Proxy) Fulfill(records []*identity.Record) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.records = append([]*identity.Record(nil), records...)
	if p.kind == schema.BelongsTo {
		if len(records) > 0 {
			p.id = records[0].Identity()
		} else {
			p.id = ir.Identity{}
		}
	}
	p.err = nil
	p.fulfilled = true
	p.settle(StatusFulfilled)
}

// Reject settles the proxy with err. A proxy that was fulfilled before
// (a failed reload) reverts to its previous content instead; the error is
// reported to the reload caller only. Called by the store inside its turn.
func (p *Proxy) Reject(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.fulfilled {
		p.settle(StatusFulfilled)
		return
	}
	p.err = err
	p.settle(StatusRejected)
}

// Restart returns a settled proxy to pending for a new fetch.
func (p *Proxy) Restart() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.status == StatusPending {
		return
	}
	p.status = StatusPending
	p.done = make(chan struct{})
}

// SetID records the known related identity of a belongsTo.
func (p *Proxy) SetID(id ir.Identity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.id = id
}

func (p *Proxy) settle(s Status) {
	wasPending := p.status == StatusPending
	p.status = s
	if wasPending {
		close(p.done)
	}
}
