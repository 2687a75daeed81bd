package harness

import (
	"bytes"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/entcache/internal/ir"
	"github.com/roach88/entcache/internal/store"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

// Error implements the error interface. Request events of the trace are
// listed for context.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	requests := 0
	for _, ev := range e.Trace {
		if ev.Type != EventRequest {
			continue
		}
		if requests == 0 {
			fmt.Fprintf(&buf, "\nRequests:\n")
		}
		requests++
		fmt.Fprintf(&buf, "  [%d] %s %s\n", requests, ev.RequestType, describeRequest(ev))
	}
	return buf.String()
}

func describeRequest(ev TraceEvent) string {
	switch {
	case ev.Link != "":
		return ev.Owner + "." + ev.Field + " " + ev.Link
	case len(ev.IDs) > 0:
		return ev.Model + ":" + strings.Join(ev.IDs, ",")
	default:
		return ev.Model + ":" + ev.ID
	}
}

// matchRequest reports whether ev matches every field a sets.
func matchRequest(ev TraceEvent, a Assertion) bool {
	if ev.Type != EventRequest {
		return false
	}
	switch {
	case a.RequestType != "" && ev.RequestType != a.RequestType,
		a.Model != "" && ev.Model != a.Model,
		a.ID != "" && ev.ID != a.ID,
		a.IDs != nil && !slices.Equal(ev.IDs, a.IDs),
		a.Link != "" && ev.Link != a.Link,
		a.Owner != "" && ev.Owner != a.Owner:
		return false
	}
	return true
}

func assertTraceContains(trace []TraceEvent, a Assertion) error {
	for _, ev := range trace {
		if matchRequest(ev, a) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("%s request %s", a.RequestType, describeRequest(TraceEvent{Model: a.Model, ID: a.ID, IDs: a.IDs, Link: a.Link, Owner: a.Owner})),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that the request types occur in order. Other
// requests may come in between.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	next := 0
	for _, ev := range trace {
		if next < len(a.RequestTypes) && ev.Type == EventRequest && ev.RequestType == a.RequestTypes[next] {
			next++
		}
	}
	if next == len(a.RequestTypes) {
		return nil
	}
	return &AssertionError{
		Type:     AssertTraceOrder,
		Expected: fmt.Sprintf("requests in order: %v", a.RequestTypes),
		Actual:   fmt.Sprintf("%s not found after %v", a.RequestTypes[next], a.RequestTypes[:next]),
		Trace:    trace,
	}
}

func assertTraceCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, ev := range trace {
		if matchRequest(ev, a) {
			count++
		}
	}
	if count != a.Count {
		what := a.RequestType
		if what == "" {
			what = "any"
		}
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d %s requests", a.Count, what),
			Actual:   fmt.Sprintf("%d requests", count),
			Trace:    trace,
		}
	}
	return nil
}

func assertRelationship(st *store.Store, a Assertion) error {
	owner, _ := ir.ParseIdentity(a.Record)
	rec, ok := st.Peek(owner)
	if !ok {
		return &AssertionError{
			Type:     AssertRelationship,
			Expected: fmt.Sprintf("%s in the identity map", a.Record),
			Actual:   "not found",
		}
	}
	ref, err := st.Ref(rec, a.Field)
	if err != nil {
		return fmt.Errorf("%s: %w", AssertRelationship, err)
	}

	if a.Members != nil {
		got := identityKeys(ref.Identities())
		if !slices.Equal(got, a.Members) {
			return &AssertionError{
				Type:     AssertRelationship,
				Expected: fmt.Sprintf("%s.%s members %v", a.Record, a.Field, a.Members),
				Actual:   fmt.Sprintf("%v", got),
			}
		}
	}
	if a.Link != "" && ref.Link() != a.Link {
		return &AssertionError{
			Type:     AssertRelationship,
			Expected: fmt.Sprintf("%s.%s link %s", a.Record, a.Field, a.Link),
			Actual:   ref.Link(),
		}
	}
	if a.Meta != nil {
		if err := sameValue(a.Meta, ref.Meta()); err != nil {
			return &AssertionError{
				Type:     AssertRelationship,
				Expected: fmt.Sprintf("%s.%s meta %v", a.Record, a.Field, a.Meta),
				Actual:   err.Error(),
			}
		}
	}
	return nil
}

func assertRecord(st *store.Store, a Assertion) error {
	id, _ := ir.ParseIdentity(a.Record)
	rec, ok := st.Peek(id)
	if a.Absent {
		if ok {
			return &AssertionError{
				Type:     AssertRecord,
				Expected: fmt.Sprintf("%s absent", a.Record),
				Actual:   "present",
			}
		}
		return nil
	}
	if !ok {
		return &AssertionError{
			Type:     AssertRecord,
			Expected: fmt.Sprintf("%s present", a.Record),
			Actual:   "absent",
		}
	}

	for _, name := range sortedKeys(a.Attributes) {
		got, ok := rec.Attr(name)
		if !ok {
			return &AssertionError{
				Type:     AssertRecord,
				Expected: fmt.Sprintf("%s.%s = %v", a.Record, name, a.Attributes[name]),
				Actual:   "attribute not set",
			}
		}
		if err := sameValue(a.Attributes[name], got); err != nil {
			return &AssertionError{
				Type:     AssertRecord,
				Expected: fmt.Sprintf("%s.%s = %v", a.Record, name, a.Attributes[name]),
				Actual:   err.Error(),
			}
		}
	}
	return nil
}

// sameValue compares a YAML value with a cache value by their canonical
// encodings. The returned error carries the actual encoding.
func sameValue(expected any, actual ir.Value) error {
	want, err := ir.MarshalCanonical(expected)
	if err != nil {
		return err
	}
	if actual == nil {
		actual = ir.Null{}
	}
	got, err := ir.MarshalCanonical(actual)
	if err != nil {
		return err
	}
	if !bytes.Equal(want, got) {
		return fmt.Errorf("%s", got)
	}
	return nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// EvaluateAssertions checks every assertion and returns the failures.
// Relationship and record assertions need the scenario's store.
func EvaluateAssertions(result *Result, assertions []Assertion, st *store.Store) []string {
	var errs []string

	for i, a := range assertions {
		var err error

		switch a.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, a)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, a)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, a)
		case AssertRelationship, AssertRecord:
			if st == nil {
				err = fmt.Errorf("assertion[%d]: %s requires a store", i, a.Type)
			} else if a.Type == AssertRelationship {
				err = assertRelationship(st, a)
			} else {
				err = assertRecord(st, a)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, a.Type)
		}

		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	return errs
}
