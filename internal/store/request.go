package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/entcache/internal/coalesce"
	"github.com/roach88/entcache/internal/identity"
	"github.com/roach88/entcache/internal/ir"
	"github.com/roach88/entcache/internal/schema"
)

var errStoreClosed = errors.New("store is closed")

// Request is one operation for Store.Request. Build it with FindRecord,
// FindMany, FindBelongsTo or FindHasMany.
type Request struct {
	Op      ir.RequestType
	Type    string
	ID      string
	IDs     []string
	Record  *identity.Record
	Field   string
	Options FindOptions
}

// FindRecord builds a findRecord request.
func FindRecord(typ, id string, opts FindOptions) Request {
	return Request{Op: ir.RequestFindRecord, Type: typ, ID: id, Options: opts}
}

// FindMany builds a findMany request.
func FindMany(typ string, ids []string, opts FindOptions) Request {
	return Request{Op: ir.RequestFindMany, Type: typ, IDs: ids, Options: opts}
}

// FindBelongsTo builds a request that loads rec.field.
func FindBelongsTo(rec *identity.Record, field string) Request {
	return Request{Op: ir.RequestFindBelongsTo, Record: rec, Field: field}
}

// FindHasMany builds a request that loads rec.field.
func FindHasMany(rec *identity.Record, field string) Request {
	return Request{Op: ir.RequestFindHasMany, Record: rec, Field: field}
}

// Response is the envelope every Request returns.
type Response struct {
	Content Content
	Meta    ResponseMeta
}

// Content is the resolved value: one record for findRecord and
// findBelongsTo, an ordered list for findMany and findHasMany.
type Content struct {
	Many    bool
	Record  *identity.Record
	Records []*identity.Record
}

// ResponseMeta describes how the content was obtained.
type ResponseMeta struct {
	RequestType ir.RequestType

	// RequestID and Generation identify the adapter request the content
	// came from. Both are zero when the content was served from the cache.
	RequestID  string
	Generation int64

	// Fetched reports whether the request waited on an adapter fetch.
	Fetched bool
}

func (m ResponseMeta) from(res *result, call *coalesce.Call[*result]) ResponseMeta {
	if call == nil {
		return m
	}
	m.Fetched = true
	m.Generation = call.Generation()
	if res != nil {
		m.RequestID = res.op.RequestID
	}
	return m
}

// Request runs req and wraps its result in the uniform envelope.
func (s *Store) Request(ctx context.Context, req Request) (*Response, error) {
	switch req.Op {
	case ir.RequestFindRecord:
		rec, meta, err := s.findRecord(ctx, req.Type, req.ID, req.Options)
		if err != nil {
			return nil, err
		}
		return &Response{Content: Content{Record: rec}, Meta: meta}, nil

	case ir.RequestFindMany:
		recs, meta, err := s.findMany(ctx, req.Type, req.IDs, req.Options)
		if err != nil {
			return nil, err
		}
		return &Response{Content: Content{Many: true, Records: recs}, Meta: meta}, nil

	case ir.RequestFindBelongsTo, ir.RequestFindHasMany:
		return s.loadRelationship(ctx, req)

	default:
		return nil, fmt.Errorf("request: unsupported operation %q", req.Op)
	}
}

func (s *Store) loadRelationship(ctx context.Context, req Request) (*Response, error) {
	if req.Record == nil {
		return nil, fmt.Errorf("%s: no record", req.Op)
	}
	kind := schema.HasMany
	if req.Op == ir.RequestFindBelongsTo {
		kind = schema.BelongsTo
	}

	p, call, err := s.access(ctx, req.Record, req.Field, kind)
	if err != nil {
		return nil, err
	}
	meta := ResponseMeta{RequestType: req.Op}
	if call != nil {
		res, err := call.Wait(ctx)
		meta = meta.from(res, call)
		// A superseded fetch was replaced by inline data; the proxy holds it.
		if err != nil && !ir.IsSuperseded(err) {
			return nil, err
		}
	}
	if err := p.Await(ctx); err != nil {
		return nil, err
	}

	if kind == schema.BelongsTo {
		rec, err := p.Record()
		if err != nil {
			return nil, err
		}
		return &Response{Content: Content{Record: rec}, Meta: meta}, nil
	}
	recs, err := p.Records()
	if err != nil {
		return nil, err
	}
	return &Response{Content: Content{Many: true, Records: recs}, Meta: meta}, nil
}
