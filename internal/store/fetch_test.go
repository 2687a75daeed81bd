package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/entcache/internal/adapter"
	"github.com/roach88/entcache/internal/coalesce"
	"github.com/roach88/entcache/internal/identity"
	"github.com/roach88/entcache/internal/ir"
	"github.com/roach88/entcache/internal/journal"
)

func postResource(id, title string) string {
	return `{"type": "post", "id": "` + id + `", "attributes": {"title": "` + title + `"}}`
}

func TestFindRecordFreshness(t *testing.T) {
	fs := newStore(t, func(f *adapter.Fixture) {
		addResource(t, f, postResource("1", "Hello"))
	})
	ctx := context.Background()

	rec, err := fs.FindRecord(ctx, "post", "1", FindOptions{})
	require.NoError(t, err)
	assert.Equal(t, "Hello", text(t, rec, "title"))
	assert.Equal(t, 1, fs.fixture.Count(ir.RequestFindRecord))

	again, err := fs.FindRecord(ctx, "post", "1", FindOptions{})
	require.NoError(t, err)
	assert.Same(t, rec, again)
	assert.Equal(t, 1, fs.fixture.Count(ir.RequestFindRecord), "cached records are not fetched")

	_, err = fs.FindRecord(ctx, "post", "1", FindOptions{Reload: true})
	require.NoError(t, err)
	assert.Equal(t, 2, fs.fixture.Count(ir.RequestFindRecord))

	addResource(t, fs.fixture, postResource("1", "Updated"))
	bg, err := fs.FindRecord(ctx, "post", "1", FindOptions{BackgroundReload: ptr(true)})
	require.NoError(t, err)
	assert.Same(t, rec, bg)
	fs.Wait()
	assert.Equal(t, 3, fs.fixture.Count(ir.RequestFindRecord))
	assert.Equal(t, "Updated", text(t, rec, "title"), "background reload updates the handle in place")
}

func TestFindRecordMissing(t *testing.T) {
	fs := newStore(t, nil)

	_, err := fs.FindRecord(context.Background(), "post", "404", FindOptions{})
	require.Error(t, err)
	assert.True(t, ir.IsFetchFailed(err))
	_, ok := fs.Peek(ir.NewIdentity("post", "404"))
	assert.False(t, ok)
}

func TestFindRecordValidatesInput(t *testing.T) {
	fs := newStore(t, nil)
	ctx := context.Background()

	_, err := fs.FindRecord(ctx, "nope", "1", FindOptions{})
	assert.Equal(t, ir.ErrCodeUnknownModel, ir.CodeOf(err))

	_, err = fs.FindRecord(ctx, "post", "", FindOptions{})
	assert.Error(t, err)
	assert.Zero(t, fs.fixture.Count(""))
}

func TestFindRecordAdapterFailure(t *testing.T) {
	fs := newStore(t, func(f *adapter.Fixture) {
		addResource(t, f, postResource("1", "Hello"))
		f.Fail("post:1", assert.AnError)
	})

	_, err := fs.FindRecord(context.Background(), "post", "1", FindOptions{})
	require.Error(t, err)
	assert.True(t, ir.IsFetchFailed(err))
	assert.ErrorIs(t, err, assert.AnError)

	var e *ir.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, ir.NewIdentity("post", "1"), e.Identity)
	assert.Equal(t, ir.RequestFindRecord, e.RequestType)
}

type reloadAlways struct {
	*adapter.Fixture
}

func (reloadAlways) ShouldReloadRecord(*identity.Record, ir.Operation) bool           { return true }
func (reloadAlways) ShouldBackgroundReloadRecord(*identity.Record, ir.Operation) bool { return false }

func TestFindRecordConsultsReloadPolicy(t *testing.T) {
	f := adapter.New()
	require.NoError(t, f.AddResource(ir.Object{"type": ir.String("post"), "id": ir.String("1")}))
	s := New(blogRegistry(), reloadAlways{f})
	t.Cleanup(func() { _ = s.Close() })

	for range 3 {
		_, err := s.FindRecord(context.Background(), "post", "1", FindOptions{})
		require.NoError(t, err)
	}
	assert.Equal(t, 3, f.Count(ir.RequestFindRecord))
}

func TestFindManySkipsCachedRecords(t *testing.T) {
	fs := newStore(t, func(f *adapter.Fixture) {
		for _, id := range []string{"1", "2", "3"} {
			addResource(t, f, postResource(id, "p"+id))
		}
	})
	fs.push(t, `{"data": `+postResource("1", "cached")+`}`)

	recs, err := fs.FindMany(context.Background(), "post", []string{"3", "1", "2"}, FindOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"3", "1", "2"}, ids(recs))
	assert.Equal(t, "cached", text(t, recs[1], "title"))

	calls := fs.fixture.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, ir.RequestFindMany, calls[0].RequestType)
	assert.Equal(t, []string{"3", "2"}, calls[0].IDs)
}

func TestFindManyMissingRecord(t *testing.T) {
	fs := newStore(t, func(f *adapter.Fixture) {
		addResource(t, f, postResource("1", "a"))
	})

	_, err := fs.FindMany(context.Background(), "post", []string{"1", "2"}, FindOptions{})
	assert.Equal(t, ir.ErrCodeRecordNotFound, ir.CodeOf(err))
}

func TestBatchingSingleRecordUsesFindRecord(t *testing.T) {
	fs := newStore(t, func(f *adapter.Fixture) {
		f.SetCoalesce(true)
		addResource(t, f, postResource("1", "Hello"))
	})
	require.True(t, fs.Batching())

	rec, err := fs.FindRecord(context.Background(), "post", "1", FindOptions{})
	require.NoError(t, err)
	assert.Equal(t, "Hello", text(t, rec, "title"))

	calls := fs.fixture.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, ir.RequestFindRecord, calls[0].RequestType)
	assert.Equal(t, "1", calls[0].ID)
}

func TestBatchingOptionOverridesAdapter(t *testing.T) {
	fs := newStore(t, func(f *adapter.Fixture) { f.SetCoalesce(true) }, WithCoalesceFindRequests(false))
	assert.False(t, fs.Batching())
}

func TestBatchWindowCoalescesConcurrentFinds(t *testing.T) {
	fs := newStore(t, func(f *adapter.Fixture) {
		addResource(t, f, postResource("1", "a"))
		addResource(t, f, postResource("2", "b"))
	}, WithCoalesceFindRequests(true), WithBatchWindow(100*time.Millisecond))

	var wg sync.WaitGroup
	got := make([]*identity.Record, 2)
	for i, id := range []string{"1", "2"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := fs.FindRecord(context.Background(), "post", id, FindOptions{})
			assert.NoError(t, err)
			got[i] = rec
		}()
	}
	wg.Wait()

	assert.Equal(t, []string{"1", "2"}, ids(got))
	calls := fs.fixture.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, ir.RequestFindMany, calls[0].RequestType)
	assert.ElementsMatch(t, []string{"1", "2"}, calls[0].IDs)
}

func TestBatchingSkipsFetchesWithIncludes(t *testing.T) {
	fs := newStore(t, func(f *adapter.Fixture) {
		f.SetCoalesce(true)
		addResource(t, f, postResource("1", "a"))
	})

	_, err := fs.FindRecord(context.Background(), "post", "1", FindOptions{Include: []string{"comments"}})
	require.NoError(t, err)
	calls := fs.fixture.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"comments"}, calls[0].Include)
}

func TestCloseFailsLaterBatchedFetches(t *testing.T) {
	fs := newStore(t, func(f *adapter.Fixture) {
		f.SetCoalesce(true)
		addResource(t, f, postResource("1", "a"))
	})
	require.NoError(t, fs.Close())

	_, err := fs.FindRecord(context.Background(), "post", "1", FindOptions{})
	assert.ErrorIs(t, err, errStoreClosed)
	assert.Zero(t, fs.fixture.Count(""))
}

func TestRequestEnvelope(t *testing.T) {
	fs := newStore(t, func(f *adapter.Fixture) {
		addResource(t, f, postResource("1", "Hello"))
		route(t, f, "/posts/1/comments", `{"data": [`+comment("11", "a")+`]}`)
	}, WithIDGenerator(coalesce.NewFixedGenerator("req-1", "req-2")))
	ctx := context.Background()

	res, err := fs.Request(ctx, FindRecord("post", "1", FindOptions{}))
	require.NoError(t, err)
	assert.False(t, res.Content.Many)
	assert.Equal(t, "1", res.Content.Record.ID())
	assert.Equal(t, ir.RequestFindRecord, res.Meta.RequestType)
	assert.Equal(t, "req-1", res.Meta.RequestID)
	assert.True(t, res.Meta.Fetched)
	assert.Positive(t, res.Meta.Generation)

	res, err = fs.Request(ctx, FindRecord("post", "1", FindOptions{}))
	require.NoError(t, err)
	assert.Equal(t, ResponseMeta{RequestType: ir.RequestFindRecord}, res.Meta, "served from the cache")

	post := res.Content.Record
	fs.push(t, `{"data": {"type": "post", "id": "1", "relationships": {"comments": {"links": {"related": "/posts/1/comments"}}}}}`)
	res, err = fs.Request(ctx, FindHasMany(post, "comments"))
	require.NoError(t, err)
	assert.True(t, res.Content.Many)
	assert.Equal(t, []string{"11"}, ids(res.Content.Records))
	assert.Equal(t, ir.RequestFindHasMany, res.Meta.RequestType)
	assert.Equal(t, "req-2", res.Meta.RequestID)

	res, err = fs.Request(ctx, FindBelongsTo(res.Content.Records[0], "post"))
	require.NoError(t, err)
	assert.Same(t, post, res.Content.Record)
	assert.False(t, res.Meta.Fetched)

	_, err = fs.Request(ctx, Request{Op: ir.RequestPush})
	assert.Error(t, err)
	_, err = fs.Request(ctx, Request{Op: ir.RequestFindHasMany, Field: "comments"})
	assert.Error(t, err)
}

func TestRequestFindMany(t *testing.T) {
	fs := newStore(t, func(f *adapter.Fixture) {
		addResource(t, f, postResource("1", "a"))
		addResource(t, f, postResource("2", "b"))
	})

	res, err := fs.Request(context.Background(), FindMany("post", []string{"2", "1"}, FindOptions{}))
	require.NoError(t, err)
	assert.True(t, res.Content.Many)
	assert.Equal(t, []string{"2", "1"}, ids(res.Content.Records))
	assert.Equal(t, ir.RequestFindMany, res.Meta.RequestType)
	assert.True(t, res.Meta.Fetched)
}

func TestJournalRecordsEveryFetch(t *testing.T) {
	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })

	fs := newStore(t, func(f *adapter.Fixture) {
		addResource(t, f, postResource("1", "a"))
	}, WithJournal(j), WithIDGenerator(coalesce.NewFixedGenerator("req-1", "req-2")))
	ctx := context.Background()

	_, err = fs.FindRecord(ctx, "post", "1", FindOptions{})
	require.NoError(t, err)
	_, err = fs.FindRecord(ctx, "post", "2", FindOptions{})
	require.Error(t, err)

	entries, err := j.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "req-1", entries[0].RequestID)
	assert.Equal(t, journal.StatusOK, entries[0].Status)
	assert.Equal(t, []string{"1"}, entries[0].IDs)
	assert.NotEmpty(t, entries[0].Fingerprint)
	assert.Equal(t, 1, entries[0].Resources)

	assert.Equal(t, "req-2", entries[1].RequestID)
	assert.Equal(t, journal.StatusError, entries[1].Status)
	assert.Equal(t, ir.ErrCodeFetchFailed, entries[1].ErrorCode)
}
