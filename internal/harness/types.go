package harness

import (
	"github.com/roach88/entcache/internal/ir"
)

// Trace event types.
const (
	EventStep    = "step"
	EventRequest = "request"
	EventResult  = "result"
)

// TraceEvent is one line of a scenario trace: a step starting, an adapter
// request the step caused, or the step's outcome.
type TraceEvent struct {
	Seq  int64  `json:"seq"`
	Type string `json:"type"`

	// Step and Target describe step and result events.
	Step   string `json:"step,omitempty"`
	Target string `json:"target,omitempty"`

	// Request fields, copied from the adapter operation.
	RequestID   string   `json:"request_id,omitempty"`
	RequestType string   `json:"request_type,omitempty"`
	Model       string   `json:"model,omitempty"`
	ID          string   `json:"id,omitempty"`
	IDs         []string `json:"ids,omitempty"`
	Link        string   `json:"link,omitempty"`
	Owner       string   `json:"owner,omitempty"`
	Field       string   `json:"field,omitempty"`

	// Result lists returned identities; nil when the step returns none.
	Result []string `json:"result,omitempty"`
	Error  string   `json:"error,omitempty"`
}

func requestEvent(op ir.Operation) TraceEvent {
	ev := TraceEvent{
		Type:        EventRequest,
		RequestID:   op.RequestID,
		RequestType: string(op.RequestType),
		Model:       op.Type,
		ID:          op.ID,
		IDs:         op.IDs,
		Link:        op.Link,
		Field:       op.Field,
	}
	if op.Owner.Valid() {
		ev.Owner = op.Owner.Key()
	}
	return ev
}

// canonical converts the event to plain values for ir.MarshalCanonical.
// Empty fields are left out.
func (e TraceEvent) canonical() map[string]any {
	m := map[string]any{
		"seq":  e.Seq,
		"type": e.Type,
	}
	for k, v := range map[string]string{
		"step":         e.Step,
		"target":       e.Target,
		"request_id":   e.RequestID,
		"request_type": e.RequestType,
		"model":        e.Model,
		"id":           e.ID,
		"link":         e.Link,
		"owner":        e.Owner,
		"field":        e.Field,
		"error":        e.Error,
	} {
		if v != "" {
			m[k] = v
		}
	}
	if len(e.IDs) > 0 {
		m["ids"] = stringsToAny(e.IDs)
	}
	if e.Result != nil {
		m["result"] = stringsToAny(e.Result)
	}
	return m
}

func stringsToAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every step met its expectation and every
	// assertion held.
	Pass bool `json:"pass"`

	Trace []TraceEvent `json:"trace"`

	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError records a failure.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Requests returns the request events of the trace.
func (r *Result) Requests() []TraceEvent {
	var out []TraceEvent
	for _, ev := range r.Trace {
		if ev.Type == EventRequest {
			out = append(out, ev)
		}
	}
	return out
}
