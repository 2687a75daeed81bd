package harness

import (
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const schemaDir = "testdata/schema"

func pushPost(id string) Step {
	return Step{Push: map[string]any{
		"data": map[string]any{"type": "post", "id": id, "attributes": map[string]any{"title": "T" + id}},
	}}
}

func TestRun_MinimalScenario(t *testing.T) {
	sc := &Scenario{
		Name:        "minimal",
		Description: "push",
		Schema:      schemaDir,
		Steps:       []Step{pushPost("1")},
	}

	result, err := Run(sc)
	require.NoError(t, err)
	assert.True(t, result.Pass, result.Errors)
	require.Len(t, result.Trace, 2)
	assert.Equal(t, TraceEvent{Seq: 1, Type: EventStep, Step: StepPush}, result.Trace[0])
	assert.Equal(t, TraceEvent{Seq: 2, Type: EventResult, Step: StepPush, Result: []string{"post:1"}}, result.Trace[1])
	assert.Empty(t, result.Requests())
}

func TestRun_SchemaErrorAbortsRun(t *testing.T) {
	sc := &Scenario{Name: "n", Description: "d", Schema: "testdata/nowhere", Steps: []Step{pushPost("1")}}
	_, err := Run(sc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load schema")
}

func TestRun_FixtureErrorAbortsRun(t *testing.T) {
	sc := &Scenario{
		Name:        "n",
		Description: "d",
		Schema:      schemaDir,
		Fixture:     FixtureSpec{Resources: []map[string]any{{"type": "post"}}},
		Steps:       []Step{pushPost("1")},
	}
	_, err := Run(sc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "resources[0]")
}

func TestRun_FindTracesRequests(t *testing.T) {
	sc := &Scenario{
		Name:        "find",
		Description: "findMany without batching",
		Schema:      schemaDir,
		Fixture: FixtureSpec{Resources: []map[string]any{
			{"type": "post", "id": "1", "attributes": map[string]any{"title": "a"}},
			{"type": "post", "id": "2", "attributes": map[string]any{"title": "b"}},
		}},
		Steps: []Step{
			{Find: &FindStep{Type: "post", IDs: []string{"2", "1"}}, Expect: &Expect{Result: []string{"post:2", "post:1"}}},
			{Find: &FindStep{Type: "post", ID: "1"}, Expect: &Expect{Result: []string{"post:1"}}},
			{Find: &FindStep{Type: "post", ID: "1", Reload: true}},
		},
		Assertions: []Assertion{
			{Type: AssertTraceCount, RequestType: "findMany", Count: 1},
			{Type: AssertTraceCount, RequestType: "findRecord", Count: 1},
			{Type: AssertTraceOrder, RequestTypes: []string{"findMany", "findRecord"}},
		},
	}

	result, err := Run(sc)
	require.NoError(t, err)
	assert.True(t, result.Pass, result.Errors)

	requests := result.Requests()
	require.Len(t, requests, 2)
	assert.Equal(t, "req-0001", requests[0].RequestID)
	assert.Equal(t, []string{"2", "1"}, requests[0].IDs)
	assert.Equal(t, "req-0002", requests[1].RequestID)
	assert.Equal(t, "1", requests[1].ID)
}

func TestRun_ExpectationFailures(t *testing.T) {
	sc := &Scenario{
		Name:        "expect",
		Description: "expectations that do not hold",
		Schema:      schemaDir,
		Steps: []Step{
			{Push: pushPost("1").Push, Expect: &Expect{Result: []string{"post:2"}}},
			{Unload: "post:1", Expect: &Expect{Error: "RECORD_NOT_FOUND"}},
			{Unload: "post:1"},
			{Access: "post:1.comments", Expect: &Expect{Error: "RECORD_NOT_FOUND"}},
		},
	}

	result, err := Run(sc)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 3)
	assert.Contains(t, result.Errors[0], "expected result [post:2], got [post:1]")
	assert.Contains(t, result.Errors[1], "expected error RECORD_NOT_FOUND, got success")
	assert.Contains(t, result.Errors[2], "unexpected error")

	last := result.Trace[len(result.Trace)-1]
	assert.Equal(t, "RECORD_NOT_FOUND", last.Error, "the expected error is still traced")
}

func TestRun_Deterministic(t *testing.T) {
	sc, err := LoadScenario("testdata/scenarios/inline_has_many.yaml")
	require.NoError(t, err)

	first, err := Run(sc)
	require.NoError(t, err)
	second, err := Run(sc)
	require.NoError(t, err)

	a, err := FormatTrace(sc.Name, first.Trace)
	require.NoError(t, err)
	b, err := FormatTrace(sc.Name, second.Trace)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestRun_LogsThroughLogger(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	sc := &Scenario{Name: "logged", Description: "d", Schema: schemaDir, Steps: []Step{pushPost("1")}}
	_, err := Run(sc, WithLogger(logger))
	require.NoError(t, err)

	var actions []string
	for _, e := range hook.AllEntries() {
		if a, ok := e.Data["action"].(string); ok {
			actions = append(actions, a)
		}
	}
	assert.Contains(t, actions, "scenario_start")
	assert.Contains(t, actions, "scenario_done")
}

func TestResult_AddError(t *testing.T) {
	r := NewResult()
	assert.True(t, r.Pass)
	r.AddError("boom")
	assert.False(t, r.Pass)
	assert.Equal(t, []string{"boom"}, r.Errors)
}
