package ir

// RequestType names the operation that produced a document. Serializers
// receive it, documents are tagged with it, and tests assert on it.
type RequestType string

const (
	RequestPush          RequestType = "push"
	RequestFindRecord    RequestType = "findRecord"
	RequestFindMany      RequestType = "findMany"
	RequestFindAll       RequestType = "findAll"
	RequestQuery         RequestType = "query"
	RequestFindBelongsTo RequestType = "findBelongsTo"
	RequestFindHasMany   RequestType = "findHasMany"
	RequestCreateRecord  RequestType = "createRecord"
)

// IsCollection reports whether responses to this request type carry an
// array of primary resources.
func (rt RequestType) IsCollection() bool {
	switch rt {
	case RequestFindMany, RequestFindAll, RequestQuery, RequestFindHasMany:
		return true
	default:
		return false
	}
}

// AllowsNullData reports whether a null primary resource is a valid answer.
func (rt RequestType) AllowsNullData() bool {
	return rt == RequestFindBelongsTo || rt == RequestPush
}

// Operation is what the store hands to an adapter. Exactly one fetch is
// issued per coalesced key.
type Operation struct {
	// RequestID correlates the operation with journal entries and responses.
	RequestID string `json:"request_id"`

	RequestType RequestType `json:"request_type"`

	// Type is the primary model type requested.
	Type string `json:"type"`

	// ID is set for findRecord.
	ID string `json:"id,omitempty"`

	// IDs is set for findMany, in request order.
	IDs []string `json:"ids,omitempty"`

	// Owner and Field are set for relationship fetches.
	Owner Identity `json:"owner,omitzero"`
	Field string   `json:"field,omitempty"`

	// Link is the related-resource URL for findBelongsTo / findHasMany.
	Link string `json:"link,omitempty"`

	// Include lists related paths the caller wants sideloaded.
	Include []string `json:"include,omitempty"`

	// AdapterOptions are passed through untouched.
	AdapterOptions map[string]any `json:"adapter_options,omitempty"`

	// Generation is the coalescer generation that issued the operation.
	Generation int64 `json:"generation"`
}
