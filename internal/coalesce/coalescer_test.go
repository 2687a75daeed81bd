package coalesce

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/entcache/internal/ir"
)

// gate lets a test hold produce until it releases the response.
type gate struct {
	release chan struct{}
	calls   atomic.Int32
}

func newGate() *gate {
	return &gate{release: make(chan struct{})}
}

func (g *gate) produce(value string) ProduceFunc[string] {
	return func(ctx context.Context, _ int64) (string, error) {
		g.calls.Add(1)
		<-g.release
		return value, nil
	}
}

func TestFetchJoinsLiveCall(t *testing.T) {
	var mu sync.Mutex
	c := New[string](&mu, NewClock())
	g := newGate()
	key := RecordKey(ir.NewIdentity("post", "1"))

	mu.Lock()
	first, joined := c.Fetch(context.Background(), key, g.produce("a"), nil)
	assert.False(t, joined)
	second, joined := c.Fetch(context.Background(), key, g.produce("b"), nil)
	assert.True(t, joined)
	assert.Same(t, first, second)
	assert.Equal(t, 1, c.InFlight())
	mu.Unlock()

	close(g.release)
	v, err := first.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a", v)
	assert.Equal(t, int32(1), g.calls.Load())
}

func TestManyConcurrentCallersOneProduce(t *testing.T) {
	var mu sync.Mutex
	c := New[string](&mu, NewClock())
	g := newGate()
	key := RelationshipKey(ir.NewIdentity("post", "1"), "comments")

	const n = 100
	calls := make([]*Call[string], n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mu.Lock()
			calls[i], _ = c.Fetch(context.Background(), key, g.produce("ok"), nil)
			mu.Unlock()
		}()
	}
	wg.Wait()
	close(g.release)

	for _, call := range calls {
		assert.Same(t, calls[0], call)
		v, err := call.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "ok", v)
	}
	assert.Equal(t, int32(1), g.calls.Load())
}

func TestTokenRemovedBeforeWaitersRelease(t *testing.T) {
	var mu sync.Mutex
	c := New[string](&mu, NewClock())
	key := RecordKey(ir.NewIdentity("post", "1"))

	mu.Lock()
	call, _ := c.Fetch(context.Background(), key, func(context.Context, int64) (string, error) {
		return "v", nil
	}, nil)
	mu.Unlock()

	<-call.Done()
	mu.Lock()
	defer mu.Unlock()
	_, live := c.Pending(key)
	assert.False(t, live)
	assert.Equal(t, 0, c.InFlight())
}

func TestSettleRunsUnderLock(t *testing.T) {
	var mu sync.Mutex
	c := New[string](&mu, NewClock())
	key := RecordKey(ir.NewIdentity("post", "1"))

	var sawLocked bool
	mu.Lock()
	call, _ := c.Fetch(context.Background(), key,
		func(context.Context, int64) (string, error) { return "v", nil },
		func(v string, err error) error {
			sawLocked = !mu.TryLock()
			return err
		})
	mu.Unlock()

	_, err := call.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, sawLocked)
}

func TestSettleErrorBecomesCallError(t *testing.T) {
	var mu sync.Mutex
	c := New[string](&mu, NewClock())
	key := RecordKey(ir.NewIdentity("post", "1"))
	boom := errors.New("merge failed")

	mu.Lock()
	call, _ := c.Fetch(context.Background(), key,
		func(context.Context, int64) (string, error) { return "v", nil },
		func(string, error) error { return boom })
	mu.Unlock()

	_, err := call.Wait(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestFailedCallDoesNotPoisonRetry(t *testing.T) {
	var mu sync.Mutex
	c := New[string](&mu, NewClock())
	key := RecordKey(ir.NewIdentity("post", "1"))

	mu.Lock()
	call, _ := c.Fetch(context.Background(), key, func(context.Context, int64) (string, error) {
		return "", errors.New("offline")
	}, nil)
	mu.Unlock()
	_, err := call.Wait(context.Background())
	require.Error(t, err)

	mu.Lock()
	retry, joined := c.Fetch(context.Background(), key, func(context.Context, int64) (string, error) {
		return "ok", nil
	}, nil)
	mu.Unlock()
	assert.False(t, joined)
	assert.NotSame(t, call, retry)

	v, err := retry.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestGenerationsIncrease(t *testing.T) {
	var mu sync.Mutex
	c := New[string](&mu, NewClock())
	done := func(context.Context, int64) (string, error) { return "", nil }

	mu.Lock()
	a, _ := c.Fetch(context.Background(), RecordKey(ir.NewIdentity("post", "1")), done, nil)
	b, _ := c.Fetch(context.Background(), RecordKey(ir.NewIdentity("post", "2")), done, nil)
	mu.Unlock()

	assert.Equal(t, int64(1), a.Generation())
	assert.Equal(t, int64(2), b.Generation())
	c.Drain()
}

func TestSupersedeDropsStaleResponse(t *testing.T) {
	var mu sync.Mutex
	c := New[string](&mu, NewClock())
	key := RelationshipKey(ir.NewIdentity("post", "1"), "comments")
	g := newGate()

	var settled []string
	settle := func(v string, err error) error {
		settled = append(settled, v)
		return err
	}

	mu.Lock()
	old, _ := c.Fetch(context.Background(), key, g.produce("old"), settle)
	detached, ok := c.Supersede(key)
	require.True(t, ok)
	assert.Same(t, old, detached)

	fresh, joined := c.Fetch(context.Background(), key, func(context.Context, int64) (string, error) {
		return "new", nil
	}, settle)
	assert.False(t, joined)
	mu.Unlock()

	v, err := fresh.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "new", v)

	close(g.release)
	_, err = old.Wait(context.Background())
	require.Error(t, err)
	assert.True(t, ir.IsSuperseded(err))

	c.Drain()
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"new"}, settled, "superseded responses are never merged")
	assert.Zero(t, c.Running())
	assert.Greater(t, c.Generation(key), old.Generation())
}

func TestWaitHonorsContext(t *testing.T) {
	var mu sync.Mutex
	c := New[string](&mu, NewClock())
	g := newGate()
	defer close(g.release)

	mu.Lock()
	call, _ := c.Fetch(context.Background(), RecordKey(ir.NewIdentity("post", "1")), g.produce("v"), nil)
	mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := call.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestProduceContextIgnoresCallerCancel(t *testing.T) {
	var mu sync.Mutex
	c := New[string](&mu, NewClock())

	ctx, cancel := context.WithCancel(context.Background())
	mu.Lock()
	call, _ := c.Fetch(ctx, RecordKey(ir.NewIdentity("post", "1")), func(ctx context.Context, _ int64) (string, error) {
		cancel()
		return "v", ctx.Err()
	}, nil)
	mu.Unlock()

	v, err := call.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "v", v)
}

func TestKeyString(t *testing.T) {
	assert.Equal(t, "findRecord:post:1", RecordKey(ir.NewIdentity("post", "1")).String())
	assert.Equal(t, "relationship:post:1.comments", RelationshipKey(ir.NewIdentity("post", "1"), "comments").String())
}
