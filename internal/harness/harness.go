package harness

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/roach88/entcache/internal/adapter"
	"github.com/roach88/entcache/internal/identity"
	"github.com/roach88/entcache/internal/ir"
	"github.com/roach88/entcache/internal/logging"
	"github.com/roach88/entcache/internal/proxy"
	"github.com/roach88/entcache/internal/schema"
	"github.com/roach88/entcache/internal/store"
	"github.com/roach88/entcache/internal/testutil"
)

// DefaultStepTimeout bounds each step's wait on the adapter.
const DefaultStepTimeout = 10 * time.Second

// Harness runs one scenario over a fresh store and fixture adapter.
type Harness struct {
	store   *store.Store
	fixture *adapter.Fixture
	clock   *testutil.DeterministicClock
	log     logrus.FieldLogger
	timeout time.Duration
	base    []store.Option

	// seen is how many fixture calls are already in the trace.
	seen int
}

// Option configures a run.
type Option func(*Harness)

// WithLogger routes store and harness logs to l. The default discards them.
func WithLogger(l logrus.FieldLogger) Option {
	return func(h *Harness) {
		h.log = l
	}
}

// WithStoreOptions adds store options applied before the scenario's own,
// for example a request journal. Request id generators are always
// replaced by deterministic ones.
func WithStoreOptions(opts ...store.Option) Option {
	return func(h *Harness) {
		h.base = append(h.base, opts...)
	}
}

// WithStepTimeout overrides DefaultStepTimeout.
func WithStepTimeout(d time.Duration) Option {
	return func(h *Harness) {
		h.timeout = d
	}
}

// Run executes a scenario and returns its trace and verdict. The error
// is reserved for scenarios that cannot start: an unreadable schema or
// fixture. Failed expectations and assertions are reported in the result.
func Run(scenario *Scenario, opts ...Option) (*Result, error) {
	h := &Harness{
		clock:   testutil.NewDeterministicClock(),
		log:     logging.Discard(),
		timeout: DefaultStepTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}

	registry, err := schema.LoadDir(scenario.Schema)
	if err != nil {
		return nil, fmt.Errorf("failed to load schema: %w", err)
	}
	h.fixture, err = buildFixture(scenario.Fixture)
	if err != nil {
		return nil, fmt.Errorf("failed to build fixture: %w", err)
	}

	storeOpts, err := storeOptions(scenario.Options, h.log, h.base)
	if err != nil {
		return nil, err
	}
	h.store = store.New(registry, h.fixture, storeOpts...)
	defer h.store.Close()

	log := h.log.WithField("scenario", scenario.Name)
	log.WithField("action", "scenario_start").Debug("running scenario")

	ctx := context.Background()
	result := NewResult()
	for i, step := range scenario.Steps {
		h.executeStep(ctx, i, step, result)
	}

	for _, msg := range EvaluateAssertions(result, scenario.Assertions, h.store) {
		result.AddError(msg)
	}

	log.WithFields(logrus.Fields{
		"action":   "scenario_done",
		"pass":     result.Pass,
		"requests": len(result.Requests()),
	}).Debug("scenario finished")
	return result, nil
}

func storeOptions(o StoreOptions, log logrus.FieldLogger, base []store.Option) ([]store.Option, error) {
	opts := append([]store.Option{store.WithLogger(log)}, base...)
	if o.DanglingPolicy != "" {
		policy, err := store.ParseDanglingPolicy(o.DanglingPolicy)
		if err != nil {
			return nil, err
		}
		opts = append(opts, store.WithDanglingPolicy(policy))
	}
	if o.BackgroundReload != nil {
		opts = append(opts, store.WithBackgroundReload(*o.BackgroundReload))
	}
	if o.CoalesceFindRequests != nil {
		opts = append(opts, store.WithCoalesceFindRequests(*o.CoalesceFindRequests))
	}
	return append(opts,
		store.WithIDGenerator(testutil.NewSequenceGenerator("req")),
		store.WithLocalIDGenerator(testutil.NewSequenceGenerator("lid")),
	), nil
}

func buildFixture(spec FixtureSpec) (*adapter.Fixture, error) {
	f := adapter.New()
	if spec.Dir != "" {
		var err error
		if f, err = adapter.LoadDir(spec.Dir); err != nil {
			return nil, err
		}
	}
	if spec.Coalesce {
		f.SetCoalesce(true)
	}

	for i, res := range spec.Resources {
		obj, err := toObject(res)
		if err != nil {
			return nil, fmt.Errorf("resources[%d]: %w", i, err)
		}
		if err := f.AddResource(obj); err != nil {
			return nil, fmt.Errorf("resources[%d]: %w", i, err)
		}
	}
	for link, doc := range spec.Routes {
		raw, err := ir.MarshalCanonical(doc)
		if err != nil {
			return nil, fmt.Errorf("route %s: %w", link, err)
		}
		if err := f.Route(link, raw); err != nil {
			return nil, err
		}
	}
	for match, msg := range spec.Failures {
		f.Fail(match, errors.New(msg))
	}
	return f, nil
}

func toObject(m map[string]any) (ir.Object, error) {
	v, err := ir.FromAny(m)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(ir.Object)
	if !ok {
		return nil, fmt.Errorf("expected an object, got %T", v)
	}
	return obj, nil
}

// executeStep runs one step, drains the store and traces the step, the
// requests it caused and its outcome.
func (h *Harness) executeStep(ctx context.Context, index int, step Step, result *Result) {
	kind, target := step.Kind(), step.target()
	h.emit(result, TraceEvent{Type: EventStep, Step: kind, Target: target})

	stepCtx, cancel := context.WithTimeout(ctx, h.timeout)
	out, err := h.perform(stepCtx, step)
	cancel()

	h.store.Wait()
	h.emitRequests(result)

	ev := TraceEvent{Type: EventResult, Step: kind, Target: target, Result: out}
	if err != nil {
		ev.Result = nil
		ev.Error = errorCode(err)
	}
	h.emit(result, ev)

	if msg := checkExpect(step.Expect, out, err); msg != "" {
		result.AddError(fmt.Sprintf("steps[%d] %s %s: %s", index, kind, target, msg))
	}
}

func (h *Harness) perform(ctx context.Context, step Step) ([]string, error) {
	switch step.Kind() {
	case StepPush:
		raw, err := ir.MarshalCanonical(step.Push)
		if err != nil {
			return nil, err
		}
		ids, err := h.store.Push(raw)
		if err != nil {
			return nil, err
		}
		out := make([]string, len(ids))
		for i, id := range ids {
			out[i] = id.Key()
		}
		return out, nil

	case StepFind:
		return h.find(ctx, step.Find)

	case StepAccess:
		rec, field, err := h.target(step.Access)
		if err != nil {
			return nil, err
		}
		req := store.FindHasMany(rec, field)
		if rel, ok := h.store.Registry().Relationship(rec.Type(), field); ok && rel.Kind == schema.BelongsTo {
			req = store.FindBelongsTo(rec, field)
		}
		resp, err := h.store.Request(ctx, req)
		if err != nil {
			return nil, err
		}
		return contentKeys(resp.Content), nil

	case StepReload:
		rec, field, err := h.target(step.Reload)
		if err != nil {
			return nil, err
		}
		ref, err := h.store.Ref(rec, field)
		if err != nil {
			return nil, err
		}
		if err := ref.Reload(ctx, proxy.ReloadOptions{}); err != nil {
			return nil, err
		}
		return identityKeys(ref.Identities()), nil

	case StepUnload:
		id, err := ir.ParseIdentity(step.Unload)
		if err != nil {
			return nil, err
		}
		return nil, h.store.Unload(id)

	case StepRoute:
		raw, err := ir.MarshalCanonical(step.Route.Document)
		if err != nil {
			return nil, err
		}
		return nil, h.fixture.Route(step.Route.Link, raw)

	default:
		return nil, fmt.Errorf("step has no action")
	}
}

func (h *Harness) find(ctx context.Context, f *FindStep) ([]string, error) {
	opts := store.FindOptions{Reload: f.Reload, BackgroundReload: f.BackgroundReload}
	req := store.FindRecord(f.Type, f.ID, opts)
	if len(f.IDs) > 0 {
		req = store.FindMany(f.Type, f.IDs, opts)
	}
	resp, err := h.store.Request(ctx, req)
	if err != nil {
		return nil, err
	}
	return contentKeys(resp.Content), nil
}

// target resolves "type:id.field" to a cached record and field.
func (h *Harness) target(s string) (*identity.Record, string, error) {
	owner, field, err := ParseTarget(s)
	if err != nil {
		return nil, "", err
	}
	rec, ok := h.store.Peek(owner)
	if !ok {
		return nil, "", &ir.Error{
			Code:     ir.ErrCodeRecordNotFound,
			Message:  "record is not in the identity map",
			Identity: owner,
		}
	}
	return rec, field, nil
}

func (h *Harness) emit(result *Result, ev TraceEvent) {
	ev.Seq = h.clock.Next()
	result.Trace = append(result.Trace, ev)
}

// emitRequests traces the adapter calls made since the last step. Calls
// from concurrent fetches are recorded in arrival order; sorting by
// request id restores issue order.
func (h *Harness) emitRequests(result *Result) {
	calls := h.fixture.Calls()
	fresh := calls[h.seen:]
	h.seen = len(calls)

	sort.SliceStable(fresh, func(i, j int) bool {
		return fresh[i].RequestID < fresh[j].RequestID
	})
	for _, op := range fresh {
		h.emit(result, requestEvent(op))
	}
}

func (s Step) target() string {
	switch s.Kind() {
	case StepFind:
		if len(s.Find.IDs) > 0 {
			return s.Find.Type + ":" + strings.Join(s.Find.IDs, ",")
		}
		return s.Find.Type + ":" + s.Find.ID
	case StepAccess:
		return s.Access
	case StepReload:
		return s.Reload
	case StepUnload:
		return s.Unload
	case StepRoute:
		return s.Route.Link
	default:
		return ""
	}
}

func checkExpect(exp *Expect, out []string, err error) string {
	if exp != nil && exp.Error != "" {
		if err == nil {
			return fmt.Sprintf("expected error %s, got success", exp.Error)
		}
		if code := errorCode(err); code != exp.Error {
			return fmt.Sprintf("expected error %s, got %s", exp.Error, code)
		}
		return ""
	}
	if err != nil {
		return fmt.Sprintf("unexpected error: %v", err)
	}
	if exp != nil && exp.Result != nil && !slices.Equal(exp.Result, out) {
		return fmt.Sprintf("expected result %v, got %v", exp.Result, out)
	}
	return ""
}

// errorCode is the ir.ErrorCode of err, or its message when err carries
// no code.
func errorCode(err error) string {
	if code := ir.CodeOf(err); code != "" {
		return string(code)
	}
	return err.Error()
}

func contentKeys(c store.Content) []string {
	if !c.Many {
		if c.Record == nil {
			return []string{}
		}
		return []string{c.Record.Identity().Key()}
	}
	out := make([]string, len(c.Records))
	for i, rec := range c.Records {
		out[i] = rec.Identity().Key()
	}
	return out
}

func identityKeys(ids []ir.Identity) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.Key()
	}
	return out
}
