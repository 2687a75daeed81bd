// Package harness runs cache scenarios against the fixture adapter and
// checks the adapter traffic they produce.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: inline_has_many
//	description: "Inline hasMany linkage loads with one findMany"
//	schema: ../schema
//	fixture:
//	  coalesce: true
//	  resources:
//	    - {type: comment, id: "1", attributes: {text: one}}
//	  routes:
//	    /posts/1/comments: {data: []}
//	  failures:
//	    post:9: server unavailable
//	steps:
//	  - push: {data: {type: post, id: "1"}}
//	  - access: post:1.comments
//	    expect:
//	      result: [comment:1]
//	  - reload: post:1.comments
//	    expect:
//	      error: RELOAD_BEFORE_CREATE
//	assertions:
//	  - type: trace_count
//	    request_type: findMany
//	    count: 1
//
// Paths in schema and fixture.dir are relative to the scenario file.
//
// # Steps
//
//   - push: merge a payload as a push
//   - find: findRecord (id) or findMany (ids), with reload
//   - access: read a relationship, "type:id.field"
//   - reload: reload a relationship through its reference
//   - unload: remove a record, "type:id"
//   - route: replace the document the fixture serves for a link
//
// # Assertion Types
//
//   - trace_contains: a request matching the given fields was issued
//   - trace_order: request types were issued in this order
//   - trace_count: a request type was issued exactly N times
//   - relationship: a relationship's members, link and meta
//   - record: a record's presence and attributes
//
// # Deterministic Traces
//
// Request ids come from testutil.SequenceGenerator and trace events are
// numbered by testutil.DeterministicClock. The store is drained after
// every step and the requests a step caused are listed in request id
// order, so a scenario produces a byte-identical trace on every run.
package harness
