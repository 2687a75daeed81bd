// Package normalize validates adapter payloads against the schema and turns
// them into immutable ir.Documents. Nothing is merged from a payload that
// fails here.
package normalize

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/roach88/entcache/internal/ir"
	"github.com/roach88/entcache/internal/schema"
)

// RequestContext describes the request a payload answers.
type RequestContext struct {
	RequestType ir.RequestType
	// Type is the primary model requested; empty for pushes.
	Type string
	// ID is the requested id for single-record requests.
	ID string
}

// Normalizer converts raw payloads into documents. It holds no state
// between calls.
type Normalizer struct {
	registry   *schema.Registry
	serializer Serializer
	log        logrus.FieldLogger
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithSerializer replaces the default JSON:API passthrough.
func WithSerializer(s Serializer) Option {
	return func(n *Normalizer) {
		n.serializer = s
	}
}

// WithLogger sets the logger used for skipped-field warnings.
func WithLogger(l logrus.FieldLogger) Option {
	return func(n *Normalizer) {
		n.log = l
	}
}

// New creates a normalizer for the registry.
func New(registry *schema.Registry, opts ...Option) *Normalizer {
	n := &Normalizer{
		registry:   registry,
		serializer: JSONAPISerializer{},
		log:        discardLogger(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// Normalize runs the serializer and validates the result. Pushes bypass
// the serializer. The caller's bytes are never modified.
func (n *Normalizer) Normalize(raw []byte, rc RequestContext) (*ir.Document, error) {
	payload := raw
	if rc.RequestType != ir.RequestPush {
		var model *schema.Model
		if rc.Type != "" {
			m, ok := n.registry.Model(rc.Type)
			if !ok {
				return nil, &ir.Error{
					Code:        ir.ErrCodeUnknownModel,
					Message:     fmt.Sprintf("unknown model %q", rc.Type),
					RequestType: rc.RequestType,
				}
			}
			model = m
		}
		out, err := n.serializer.NormalizeResponse(model, append([]byte(nil), raw...), rc.ID, rc.RequestType)
		if err != nil {
			return nil, &ir.Error{
				Code:        ir.ErrCodeMalformedResponse,
				Message:     "serializer rejected payload",
				RequestType: rc.RequestType,
				Err:         err,
			}
		}
		payload = out
	}

	obj, err := ir.DecodeObject(payload)
	if err != nil {
		return nil, &ir.Error{
			Code:        ir.ErrCodeMalformedResponse,
			Message:     "payload is not a JSON object",
			RequestType: rc.RequestType,
			Err:         err,
		}
	}
	return n.NormalizeObject(obj, rc)
}

// NormalizeObject validates an already decoded payload.
func (n *Normalizer) NormalizeObject(obj ir.Object, rc RequestContext) (*ir.Document, error) {
	rt := rc.RequestType
	data, hasData := obj["data"]
	errs, hasErrors := obj["errors"]

	switch {
	case hasData && hasErrors:
		return nil, ir.NewMalformedError(rt, `document carries both "data" and "errors"`)
	case hasErrors:
		return nil, errorDocument(rt, rc, errs)
	case !hasData:
		return nil, ir.NewMalformedError(rt, `document carries neither "data" nor "errors"`)
	}

	p := parser{n: n, rt: rt}

	var (
		primary    []ir.Resource
		collection bool
	)
	switch d := data.(type) {
	case ir.Array:
		if !rt.IsCollection() && rt != ir.RequestPush {
			return nil, ir.NewMalformedError(rt, "%s expects a single resource, got an array", rt)
		}
		collection = true
		for i, elem := range d {
			r, err := p.resource(elem, fmt.Sprintf("data[%d]", i))
			if err != nil {
				return nil, err
			}
			primary = append(primary, r)
		}
	case ir.Object:
		if rt.IsCollection() {
			return nil, ir.NewMalformedError(rt, "%s expects an array of resources, got an object", rt)
		}
		r, err := p.resource(d, "data")
		if err != nil {
			return nil, err
		}
		primary = append(primary, r)
	case ir.Null:
		if !rt.AllowsNullData() {
			return nil, ir.NewMalformedError(rt, "%s does not accept null data", rt)
		}
	default:
		return nil, ir.NewMalformedError(rt, `"data" must be an object, an array or null`)
	}

	if rc.Type != "" && rt != ir.RequestPush {
		for _, r := range primary {
			if r.Identity.Type != rc.Type {
				e := ir.NewMalformedError(rt, "%s expects %s resources, got %s", rt, rc.Type, r.Identity.Key())
				e.Identity = r.Identity
				return nil, e
			}
		}
	}

	var included []ir.Resource
	if inc, ok := obj["included"]; ok {
		arr, ok := inc.(ir.Array)
		if !ok {
			return nil, ir.NewMalformedError(rt, `"included" must be an array`)
		}
		for i, elem := range arr {
			r, err := p.resource(elem, fmt.Sprintf("included[%d]", i))
			if err != nil {
				return nil, err
			}
			included = append(included, r)
		}
	}

	var meta ir.Object
	if m, ok := obj["meta"]; ok {
		if meta, ok = m.(ir.Object); !ok {
			return nil, ir.NewMalformedError(rt, `"meta" must be an object`)
		}
	}

	doc, err := ir.NewDocument(rt, collection, primary, included, meta)
	if err != nil {
		return nil, &ir.Error{Code: ir.ErrCodeMalformedResponse, Message: "fingerprint", RequestType: rt, Err: err}
	}
	return doc, nil
}

func errorDocument(rt ir.RequestType, rc RequestContext, errs ir.Value) error {
	arr, ok := errs.(ir.Array)
	if !ok {
		return ir.NewMalformedError(rt, `"errors" must be an array`)
	}
	apiErrors := make([]ir.Object, 0, len(arr))
	for i, elem := range arr {
		obj, ok := elem.(ir.Object)
		if !ok {
			return ir.NewMalformedError(rt, "errors[%d] must be an object", i)
		}
		apiErrors = append(apiErrors, obj.Clone())
	}

	e := ir.NewFetchFailedError(rt, ir.Identity{}, "", nil)
	e.Message = fmt.Sprintf("server returned %d error(s)", len(apiErrors))
	if rc.Type != "" && rc.ID != "" {
		e.Identity = ir.NewIdentity(rc.Type, rc.ID)
	}
	e.APIErrors = apiErrors
	return e
}
