package store

import (
	"context"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/roach88/entcache/internal/adapter"
	"github.com/roach88/entcache/internal/identity"
	"github.com/roach88/entcache/internal/ir"
	"github.com/roach88/entcache/internal/schema"
)

func blogRegistry() *schema.Registry {
	return schema.MustRegistry(
		schema.Model{
			Name:       "post",
			Attributes: []string{"title", "body"},
			Relationships: []schema.Relationship{
				{Name: "author", Kind: schema.BelongsTo, Type: "user", Async: true, Inverse: "posts"},
				{Name: "comments", Kind: schema.HasMany, Type: "comment", Async: true, Inverse: "post"},
				{Name: "tags", Kind: schema.HasMany, Type: "tag", Async: false},
			},
		},
		schema.Model{
			Name:       "user",
			Attributes: []string{"name"},
			Relationships: []schema.Relationship{
				{Name: "posts", Kind: schema.HasMany, Type: "post", Async: true, Inverse: "author"},
			},
		},
		schema.Model{
			Name:       "comment",
			Attributes: []string{"text"},
			Relationships: []schema.Relationship{
				{Name: "post", Kind: schema.BelongsTo, Type: "post", Async: true, Inverse: "comments"},
			},
		},
		schema.Model{Name: "tag", Attributes: []string{"label"}},
	)
}

type fixtureStore struct {
	*Store
	fixture *adapter.Fixture
	logs    *logtest.Hook
}

// newStore builds a store over a fresh fixture adapter. setup runs before
// the store is created so it can set the adapter's capabilities.
func newStore(t *testing.T, setup func(f *adapter.Fixture), opts ...Option) *fixtureStore {
	t.Helper()
	f := adapter.New()
	if setup != nil {
		setup(f)
	}
	logger, hook := logtest.NewNullLogger()
	s := New(blogRegistry(), f, append([]Option{WithLogger(logger)}, opts...)...)
	t.Cleanup(func() {
		f.Release()
		_ = s.Close()
	})
	return &fixtureStore{Store: s, fixture: f, logs: hook}
}

func (fs *fixtureStore) push(t *testing.T, raw string) []ir.Identity {
	t.Helper()
	ids, err := fs.Push([]byte(raw))
	require.NoError(t, err)
	return ids
}

func (fs *fixtureStore) record(t *testing.T, typ, id string) *identity.Record {
	t.Helper()
	rec, ok := fs.Peek(ir.NewIdentity(typ, id))
	require.True(t, ok, "%s:%s not in the identity map", typ, id)
	return rec
}

func addResource(t *testing.T, f *adapter.Fixture, raw string) {
	t.Helper()
	obj, err := ir.DecodeObject([]byte(raw))
	require.NoError(t, err)
	require.NoError(t, f.AddResource(obj))
}

func route(t *testing.T, f *adapter.Fixture, link, raw string) {
	t.Helper()
	require.NoError(t, f.Route(link, []byte(raw)))
}

func comment(id, text string) string {
	return `{"type": "comment", "id": "` + id + `", "attributes": {"text": "` + text + `"}}`
}

func await(t *testing.T, p interface{ Await(context.Context) error }) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return p.Await(ctx)
}

func ids(recs []*identity.Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID()
	}
	return out
}

func text(t *testing.T, rec *identity.Record, attr string) string {
	t.Helper()
	v, ok := rec.Attr(attr)
	require.True(t, ok, "%s has no %s", rec, attr)
	s, ok := v.(ir.String)
	require.True(t, ok)
	return string(s)
}

func ptr[T any](v T) *T { return &v }
