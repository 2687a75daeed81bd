package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/entcache/internal/adapter"
	"github.com/roach88/entcache/internal/coalesce"
	"github.com/roach88/entcache/internal/ir"
	"github.com/roach88/entcache/internal/proxy"
	"github.com/roach88/entcache/internal/relationship"
)

const postWithLoadedComments = `{
  "data": {
    "type": "post", "id": "1",
    "relationships": {"comments": {"data": [{"type": "comment", "id": "1"}, {"type": "comment", "id": "2"}]}}
  },
  "included": [` + `{"type": "comment", "id": "1", "attributes": {"text": "a"}}, ` +
	`{"type": "comment", "id": "2", "attributes": {"text": "b"}}]
}`

func TestUnloadRemovesRecord(t *testing.T) {
	fs := newStore(t, nil)
	fs.push(t, postWithLoadedComments)
	c := fs.record(t, "comment", "2")

	require.NoError(t, fs.Unload(c.Identity()))
	assert.True(t, c.IsUnloaded())
	_, ok := fs.Peek(ir.NewIdentity("comment", "2"))
	assert.False(t, ok)

	err := fs.Unload(ir.NewIdentity("comment", "2"))
	assert.Equal(t, ir.ErrCodeRecordNotFound, ir.CodeOf(err))

	_, err = fs.BelongsTo(c, "post")
	assert.Equal(t, ir.ErrCodeRecordNotFound, ir.CodeOf(err), "unloaded handles have no relationships")

	ref, err := fs.Ref(fs.record(t, "post", "1"), "comments")
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, ref.IDs(), "async relationships keep the member as a lookup")
	assert.True(t, ref.State().Stale)
}

func TestDanglingPolicy(t *testing.T) {
	tests := []struct {
		name   string
		policy DanglingPolicy
		check  func(t *testing.T, fs *fixtureStore, err error, got []string)
	}{
		{
			name:   "warn",
			policy: DanglingWarn,
			check: func(t *testing.T, fs *fixtureStore, err error, got []string) {
				require.NoError(t, err)
				assert.Equal(t, []string{"1"}, got)
				var warned bool
				for _, e := range fs.logs.AllEntries() {
					if e.Level == logrus.WarnLevel && e.Data["member"] == "comment:2" {
						warned = true
					}
				}
				assert.True(t, warned, "expected a warning naming the dropped member")
			},
		},
		{
			name:   "filter",
			policy: DanglingFilter,
			check: func(t *testing.T, fs *fixtureStore, err error, got []string) {
				require.NoError(t, err)
				assert.Equal(t, []string{"1"}, got)
				for _, e := range fs.logs.AllEntries() {
					assert.NotEqual(t, logrus.WarnLevel, e.Level)
				}
			},
		},
		{
			name:   "error",
			policy: DanglingError,
			check: func(t *testing.T, _ *fixtureStore, err error, _ []string) {
				require.Error(t, err)
				assert.True(t, ir.IsDanglingReference(err))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := newStore(t, nil, WithDanglingPolicy(tt.policy))
			fs.push(t, postWithLoadedComments)
			post := fs.record(t, "post", "1")

			p, err := fs.HasMany(post, "comments")
			require.NoError(t, err)
			require.True(t, p.IsFulfilled())

			require.NoError(t, fs.Unload(ir.NewIdentity("comment", "2")))

			var got []string
			p, err = fs.HasMany(post, "comments")
			if err == nil {
				recs, rerr := p.Records()
				require.NoError(t, rerr)
				got = ids(recs)
			}
			tt.check(t, fs, err, got)
			assert.Zero(t, fs.fixture.Count(""), "a dangling hasMany member is never fetched")
		})
	}
}

func TestParseDanglingPolicy(t *testing.T) {
	for in, want := range map[string]DanglingPolicy{
		"":       DefaultDanglingPolicy,
		"warn":   DanglingWarn,
		"FILTER": DanglingFilter,
		"Error":  DanglingError,
	} {
		got, err := ParseDanglingPolicy(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseDanglingPolicy("ignore")
	assert.Error(t, err)
}

func TestUnloadedBelongsToTargetIsFetchedLazily(t *testing.T) {
	fs := newStore(t, func(f *adapter.Fixture) {
		addResource(t, f, postResource("1", "Fresh"))
	})
	fs.push(t, `{
	  "data": {"type": "comment", "id": "5", "relationships": {"post": {"data": {"type": "post", "id": "1"}}}},
	  "included": [`+postResource("1", "Stale")+`]
	}`)
	c := fs.record(t, "comment", "5")
	require.NoError(t, fs.Unload(ir.NewIdentity("post", "1")))

	p, err := fs.BelongsTo(c, "post")
	require.NoError(t, err)
	id, ok := p.ID()
	require.True(t, ok, "the related id is known before the fetch settles")
	assert.Equal(t, ir.NewIdentity("post", "1"), id)
	require.NoError(t, await(t, p))

	got, err := p.Record()
	require.NoError(t, err)
	assert.Equal(t, "Fresh", text(t, got, "title"))
	assert.Same(t, fs.record(t, "post", "1"), got)

	calls := fs.fixture.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, ir.RequestFindRecord, calls[0].RequestType)
}

func TestUnloadSupersedesRelationshipFetch(t *testing.T) {
	fs := newStore(t, func(f *adapter.Fixture) {
		route(t, f, "/posts/1/comments", `{"data": [`+comment("11", "a")+`]}`)
	})
	fs.push(t, postWithCommentsLink)
	fs.fixture.Hold()

	p, err := fs.HasMany(fs.record(t, "post", "1"), "comments")
	require.NoError(t, err)
	require.True(t, p.IsPending())

	require.NoError(t, fs.Unload(ir.NewIdentity("post", "1")))
	err = await(t, p)
	assert.True(t, ir.IsSuperseded(err))

	fs.fixture.Release()
	fs.Wait()
	_, ok := fs.Peek(ir.NewIdentity("comment", "11"))
	assert.False(t, ok, "the superseded response is dropped")
	assert.Empty(t, fs.Records())
}

func TestUnloadSupersedesRecordFetch(t *testing.T) {
	for _, batching := range []bool{false, true} {
		t.Run(map[bool]string{false: "direct", true: "batched"}[batching], func(t *testing.T) {
			fs := newStore(t, func(f *adapter.Fixture) {
				addResource(t, f, postResource("1", "Server"))
			}, WithCoalesceFindRequests(batching))
			fs.push(t, `{"data": `+postResource("1", "Local")+`}`)
			fs.fixture.Hold()

			done := make(chan error, 1)
			go func() {
				_, err := fs.FindRecord(context.Background(), "post", "1", FindOptions{Reload: true})
				done <- err
			}()
			require.Eventually(t, func() bool { return fs.fixture.Count("") == 1 }, time.Second, time.Millisecond)

			require.NoError(t, fs.Unload(ir.NewIdentity("post", "1")))
			fs.fixture.Release()

			err := <-done
			assert.True(t, ir.IsSuperseded(err))
			fs.Wait()
			_, ok := fs.Peek(ir.NewIdentity("post", "1"))
			assert.False(t, ok, "the response must not bring the record back")
		})
	}
}

func TestInlineDataSupersedesInFlightFetch(t *testing.T) {
	fs := newStore(t, func(f *adapter.Fixture) {
		route(t, f, "/posts/1/comments", `{"data": [`+comment("11", "from link")+`]}`)
	})
	fs.push(t, postWithCommentsLink)
	post := fs.record(t, "post", "1")
	fs.fixture.Hold()

	p, err := fs.HasMany(post, "comments")
	require.NoError(t, err)
	require.True(t, p.IsPending())

	fs.push(t, `{
	  "data": {"type": "post", "id": "1", "relationships": {"comments": {"data": [{"type": "comment", "id": "20"}]}}},
	  "included": [`+comment("20", "inline")+`]
	}`)
	require.True(t, p.IsFulfilled())
	recs, err := p.Records()
	require.NoError(t, err)
	assert.Equal(t, []string{"20"}, ids(recs))

	fs.fixture.Release()
	fs.Wait()
	recs, err = p.Records()
	require.NoError(t, err)
	assert.Equal(t, []string{"20"}, ids(recs), "the late link response is dropped")
	_, ok := fs.Peek(ir.NewIdentity("comment", "11"))
	assert.False(t, ok)
}

func TestCreateRecordKeepsHandleThroughSave(t *testing.T) {
	fs := newStore(t, nil, WithLocalIDGenerator(coalesce.NewFixedGenerator("lid-1")))

	rec, err := fs.CreateRecord("post", ir.Object{"title": ir.String("Draft")})
	require.NoError(t, err)
	assert.True(t, rec.IsNew())
	assert.Empty(t, rec.ID())
	assert.Equal(t, "lid-1", rec.Identity().LID)

	p, err := fs.HasMany(rec, "comments")
	require.NoError(t, err)
	assert.True(t, p.IsFulfilled(), "new records start with empty loaded relationships")
	n, err := p.Len()
	require.NoError(t, err)
	assert.Zero(t, n)

	ref, err := fs.Ref(rec, "author")
	require.NoError(t, err)
	assert.Equal(t, relationship.Loaded, ref.State().Load)

	fs.push(t, `{"data": {"type": "post", "id": "42", "lid": "lid-1", "attributes": {"title": "Saved"}}}`)
	assert.Equal(t, "42", rec.ID())
	assert.Same(t, rec, fs.record(t, "post", "42"))
	assert.Equal(t, "Saved", text(t, rec, "title"))

	again, err := fs.HasMany(rec, "comments")
	require.NoError(t, err)
	assert.Same(t, p, again, "proxies follow the record to its server id")
	assert.Zero(t, fs.fixture.Count(""))
}

func TestCreateRecordValidates(t *testing.T) {
	fs := newStore(t, nil)

	_, err := fs.CreateRecord("nope", nil)
	assert.Equal(t, ir.ErrCodeUnknownModel, ir.CodeOf(err))

	_, err = fs.CreateRecord("post", ir.Object{"color": ir.String("red")})
	assert.Error(t, err)
	assert.Empty(t, fs.Records())
}

func TestPushRejectsConflictingIDBindingsAtomically(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"two local records claim one id", `{"data": [
			{"type": "post", "id": "1", "lid": "lid-a", "attributes": {"title": "x"}},
			{"type": "post", "id": "1", "lid": "lid-b", "attributes": {"title": "y"}}]}`},
		{"one local record claims two ids", `{"data": [
			{"type": "post", "id": "1", "lid": "lid-a", "attributes": {"title": "x"}},
			{"type": "post", "id": "2", "lid": "lid-a", "attributes": {"title": "y"}}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := newStore(t, nil, WithLocalIDGenerator(coalesce.NewFixedGenerator("lid-a", "lid-b")))
			a, err := fs.CreateRecord("post", ir.Object{"title": ir.String("A")})
			require.NoError(t, err)
			b, err := fs.CreateRecord("post", ir.Object{"title": ir.String("B")})
			require.NoError(t, err)

			_, err = fs.Push([]byte(tt.raw))
			require.Error(t, err)
			assert.Equal(t, ir.ErrCodeIDConflict, ir.CodeOf(err))

			assert.Empty(t, a.ID())
			assert.Empty(t, b.ID())
			assert.Equal(t, "A", text(t, a, "title"))
			assert.Equal(t, "B", text(t, b, "title"))
			_, ok := fs.Peek(ir.NewIdentity("post", "1"))
			assert.False(t, ok)
			assert.Len(t, fs.Records(), 2)
		})
	}

	fs := newStore(t, nil, WithLocalIDGenerator(coalesce.NewFixedGenerator("lid-a")))
	a, err := fs.CreateRecord("post", nil)
	require.NoError(t, err)
	fs.push(t, `{"data": {"type": "post", "id": "1", "lid": "lid-a"},
		"included": [{"type": "post", "id": "1", "lid": "lid-a", "attributes": {"title": "again"}}]}`)
	assert.Equal(t, "1", a.ID(), "a repeated binding is not a conflict")
}

func TestAssignIDRekeysRelationships(t *testing.T) {
	fs := newStore(t, nil)
	fs.push(t, `{"data": {"type": "post", "id": "1"}}`)
	post := fs.record(t, "post", "1")

	c, err := fs.CreateRecord("comment", ir.Object{"text": ir.String("hi")})
	require.NoError(t, err)
	require.NoError(t, fs.SetRelationship(c, "post", post))

	require.NoError(t, fs.AssignID(c, "77"))
	ref, err := fs.Ref(post, "comments")
	require.NoError(t, err)
	assert.Equal(t, []string{"77"}, ref.IDs())

	back, err := fs.BelongsTo(c, "post")
	require.NoError(t, err)
	got, err := back.Record()
	require.NoError(t, err)
	assert.Same(t, post, got)

	fs.push(t, `{"data": {"type": "comment", "id": "78"}}`)
	other := fs.record(t, "comment", "78")
	d, err := fs.CreateRecord("comment", nil)
	require.NoError(t, err)
	err = fs.AssignID(d, other.ID())
	assert.Equal(t, ir.ErrCodeIDConflict, ir.CodeOf(err))
}

func TestSetRelationshipMaintainsInverse(t *testing.T) {
	fs := newStore(t, nil)
	fs.push(t, `{"data": [{"type": "post", "id": "1"}, {"type": "post", "id": "2"}]}`)
	fs.push(t, `{"data": {"type": "comment", "id": "5", "relationships": {"post": {"data": {"type": "post", "id": "1"}}}}}`)
	p1, p2 := fs.record(t, "post", "1"), fs.record(t, "post", "2")
	c := fs.record(t, "comment", "5")

	comments1, err := fs.HasMany(p1, "comments")
	require.NoError(t, err)
	recs, err := comments1.Records()
	require.NoError(t, err)
	assert.Equal(t, []string{"5"}, ids(recs))

	require.NoError(t, fs.SetRelationship(c, "post", p2))

	recs, err = comments1.Records()
	require.NoError(t, err)
	assert.Empty(t, recs, "the settled proxy follows the inverse update")

	ref, err := fs.Ref(p2, "comments")
	require.NoError(t, err)
	assert.Equal(t, []string{"5"}, ref.IDs())

	back, err := fs.BelongsTo(c, "post")
	require.NoError(t, err)
	got, err := back.Record()
	require.NoError(t, err)
	assert.Same(t, p2, got)

	assert.Error(t, fs.SetRelationship(c, "post", p1, p2), "belongsTo takes one record")
	assert.Error(t, fs.SetRelationship(p1, "comments", p2), "members must have the related type")
}

func TestPushRejectsMalformedPayloadAtomically(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"unknown model", `{"data": [{"type": "post", "id": "1"}, {"type": "nope", "id": "2"}]}`},
		{"wrong linkage type", `{"data": [{"type": "post", "id": "1"}, {"type": "post", "id": "2",
		  "relationships": {"comments": {"data": [{"type": "user", "id": "1"}]}}}]}`},
		{"not json", `{"data": `},
		{"no data", `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := newStore(t, nil)
			_, err := fs.Push([]byte(tt.raw))
			require.Error(t, err)
			assert.Empty(t, fs.Records(), "nothing is merged from a rejected payload")
			assert.Empty(t, fs.Relationships())
		})
	}
}

func TestReferenceValueNeverFetches(t *testing.T) {
	fs := newStore(t, func(f *adapter.Fixture) {
		addResource(t, f, comment("1", "a"))
		addResource(t, f, comment("2", "b"))
	})
	fs.push(t, postWithInlineComments)
	post := fs.record(t, "post", "1")

	ref, err := fs.Ref(post, "comments")
	require.NoError(t, err)
	assert.Equal(t, "post:1.comments", ref.String())
	_, ok := ref.Value()
	assert.False(t, ok, "members are not loaded yet")
	assert.Zero(t, fs.fixture.Count(""))

	p, err := ref.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, p.IsFulfilled())

	recs, ok := ref.Value()
	require.True(t, ok)
	assert.Equal(t, []string{"1", "2"}, ids(recs))

	_, err = fs.Ref(post, "nope")
	assert.Equal(t, ir.ErrCodeUnknownRelationship, ir.CodeOf(err))
}

func TestForcedReloadWithoutLinkRefetchesMembers(t *testing.T) {
	fs := newStore(t, func(f *adapter.Fixture) {
		addResource(t, f, comment("1", "new a"))
		addResource(t, f, comment("2", "new b"))
	})
	fs.push(t, postWithLoadedComments)
	post := fs.record(t, "post", "1")

	p, err := fs.HasMany(post, "comments")
	require.NoError(t, err)
	require.True(t, p.IsFulfilled())

	require.NoError(t, p.Reload(context.Background(), proxy.ReloadOptions{}))
	recs, err := p.Records()
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, ids(recs))
	assert.Equal(t, "new a", text(t, recs[0], "text"))
	assert.Equal(t, 2, fs.fixture.Count(ir.RequestFindRecord))
}

func TestViewSeesWholeDocuments(t *testing.T) {
	fs := newStore(t, nil)
	doc := func(v int) []byte {
		return []byte(fmt.Sprintf(`{"data": [
			{"type": "post", "id": "1", "attributes": {"title": "v%d"}},
			{"type": "post", "id": "2", "attributes": {"title": "v%d"}}]}`, v, v))
	}
	_, err := fs.Push(doc(0))
	require.NoError(t, err)
	a, b := fs.record(t, "post", "1"), fs.record(t, "post", "2")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for v := 1; v <= 200; v++ {
			if _, err := fs.Push(doc(v)); err != nil {
				return
			}
		}
	}()

	for i := 0; i < 200; i++ {
		var first, second ir.Value
		fs.View(func() {
			first, _ = a.Attr("title")
			second, _ = b.Attr("title")
		})
		require.Equal(t, first, second)
	}
	<-done
	assert.Equal(t, "v200", text(t, a, "title"))
}
