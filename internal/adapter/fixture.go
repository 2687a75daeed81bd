// Package adapter provides Fixture, an in-memory adapter that answers
// store operations from JSON:API resources and canned relationship
// documents. Tests, the scenario harness and the CLI use it in place of a
// network adapter.
package adapter

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/roach88/entcache/internal/ir"
)

// Fixture answers findRecord and findMany from its resources and
// findBelongsTo / findHasMany from routes keyed by link. Every operation
// is recorded in call order.
//
// Thread-safety: safe for concurrent use.
type Fixture struct {
	mu        sync.Mutex
	resources map[string]ir.Object
	routes    map[string]ir.Object
	failures  map[string]error
	calls     []ir.Operation
	gate      chan struct{}
	coalesce  bool
}

// New creates an empty fixture.
func New() *Fixture {
	return &Fixture{
		resources: make(map[string]ir.Object),
		routes:    make(map[string]ir.Object),
		failures:  make(map[string]error),
	}
}

// SetCoalesce sets what CoalesceFindRequests reports.
func (f *Fixture) SetCoalesce(enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.coalesce = enabled
}

// CoalesceFindRequests implements store.CoalescingAdapter.
func (f *Fixture) CoalesceFindRequests() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.coalesce
}

// AddResource adds or replaces one JSON:API resource object.
func (f *Fixture) AddResource(obj ir.Object) error {
	id, err := identityOf(obj)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resources[id.Key()] = obj.Clone()
	return nil
}

// AddDocument adds the primary and included resources of a JSON:API
// document.
func (f *Fixture) AddDocument(raw []byte) error {
	obj, err := ir.DecodeObject(raw)
	if err != nil {
		return fmt.Errorf("fixture document: %w", err)
	}
	var all []ir.Value
	switch data := obj["data"].(type) {
	case ir.Object:
		all = append(all, data)
	case ir.Array:
		all = append(all, data...)
	}
	if inc, ok := obj["included"].(ir.Array); ok {
		all = append(all, inc...)
	}
	for i, v := range all {
		res, ok := v.(ir.Object)
		if !ok {
			return fmt.Errorf("fixture document: resource %d is not an object", i)
		}
		if err := f.AddResource(res); err != nil {
			return fmt.Errorf("fixture document: resource %d: %w", i, err)
		}
	}
	return nil
}

// Route answers relationship fetches for link with doc.
func (f *Fixture) Route(link string, doc []byte) error {
	obj, err := ir.DecodeObject(doc)
	if err != nil {
		return fmt.Errorf("route %s: %w", link, err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[link] = obj
	return nil
}

// Fail makes matching operations fail with err until cleared. match is a
// link, an identity key ("post:1") or a request type ("findMany").
func (f *Fixture) Fail(match string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[match] = err
}

// ClearFailures removes every failure set by Fail.
func (f *Fixture) ClearFailures() {
	f.mu.Lock()
	defer f.mu.Unlock()
	clear(f.failures)
}

// Hold makes Fetch block after recording the operation until Release.
func (f *Fixture) Hold() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gate == nil {
		f.gate = make(chan struct{})
	}
}

// Release unblocks every held Fetch.
func (f *Fixture) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gate != nil {
		close(f.gate)
		f.gate = nil
	}
}

// Calls returns the recorded operations in call order.
func (f *Fixture) Calls() []ir.Operation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

// Count returns how many operations of type rt were recorded. An empty rt
// counts all of them.
func (f *Fixture) Count(rt ir.RequestType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, op := range f.calls {
		if rt == "" || op.RequestType == rt {
			n++
		}
	}
	return n
}

// Links returns the routed links in sorted order.
func (f *Fixture) Links() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Sorted(maps.Keys(f.routes))
}

// Fetch implements store.Adapter.
func (f *Fixture) Fetch(ctx context.Context, op ir.Operation) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, op)
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.failureFor(op); err != nil {
		return nil, err
	}
	doc, err := f.answer(op)
	if err != nil {
		return nil, err
	}
	return ir.MarshalCanonical(doc)
}

func (f *Fixture) failureFor(op ir.Operation) error {
	candidates := []string{string(op.RequestType)}
	if op.Link != "" {
		candidates = append(candidates, op.Link)
	}
	if op.ID != "" {
		candidates = append(candidates, ir.NewIdentity(op.Type, op.ID).Key())
	}
	for _, id := range op.IDs {
		candidates = append(candidates, ir.NewIdentity(op.Type, id).Key())
	}
	for _, c := range candidates {
		if err, ok := f.failures[c]; ok {
			return err
		}
	}
	return nil
}

func (f *Fixture) answer(op ir.Operation) (ir.Object, error) {
	switch op.RequestType {
	case ir.RequestFindRecord:
		res, ok := f.resources[ir.NewIdentity(op.Type, op.ID).Key()]
		if !ok {
			return notFound(op.Type, op.ID), nil
		}
		return ir.Object{"data": res.Clone()}, nil

	case ir.RequestFindMany:
		data := make(ir.Array, 0, len(op.IDs))
		for _, id := range op.IDs {
			if res, ok := f.resources[ir.NewIdentity(op.Type, id).Key()]; ok {
				data = append(data, res.Clone())
			}
		}
		return ir.Object{"data": data}, nil

	case ir.RequestFindAll:
		data := ir.Array{}
		for _, k := range slices.Sorted(maps.Keys(f.resources)) {
			if res := f.resources[k]; res["type"] == ir.String(op.Type) {
				data = append(data, res.Clone())
			}
		}
		return ir.Object{"data": data}, nil

	case ir.RequestFindBelongsTo, ir.RequestFindHasMany:
		doc, ok := f.routes[op.Link]
		if !ok {
			return notFound(op.Type, op.Link), nil
		}
		return doc.Clone(), nil

	default:
		return nil, fmt.Errorf("fixture: unsupported request type %q", op.RequestType)
	}
}

func notFound(typ, what string) ir.Object {
	return ir.Object{"errors": ir.Array{ir.Object{
		"status": ir.String("404"),
		"title":  ir.String("Not Found"),
		"detail": ir.String(fmt.Sprintf("no %s %s", typ, what)),
	}}}
}

func identityOf(obj ir.Object) (ir.Identity, error) {
	typ, _ := obj["type"].(ir.String)
	id, _ := obj["id"].(ir.String)
	if typ == "" || id == "" {
		return ir.Identity{}, fmt.Errorf("resource needs a type and an id")
	}
	return ir.NewIdentity(string(typ), string(id)), nil
}
