package normalize

import (
	"github.com/roach88/entcache/internal/ir"
	"github.com/roach88/entcache/internal/schema"
)

// Serializer turns an adapter payload into a JSON:API shaped document.
// model is the primary model of the request; id is the requested id for
// single-record requests and "" otherwise.
type Serializer interface {
	NormalizeResponse(model *schema.Model, raw []byte, id string, rt ir.RequestType) ([]byte, error)
}

// SerializerFunc adapts a function to Serializer.
type SerializerFunc func(model *schema.Model, raw []byte, id string, rt ir.RequestType) ([]byte, error)

// NormalizeResponse implements Serializer.
func (f SerializerFunc) NormalizeResponse(model *schema.Model, raw []byte, id string, rt ir.RequestType) ([]byte, error) {
	return f(model, raw, id, rt)
}

// JSONAPISerializer is the default serializer. Payloads are already in the
// normalized shape, so it returns them unchanged.
type JSONAPISerializer struct{}

// NormalizeResponse implements Serializer.
func (JSONAPISerializer) NormalizeResponse(_ *schema.Model, raw []byte, _ string, _ ir.RequestType) ([]byte, error) {
	return raw, nil
}
