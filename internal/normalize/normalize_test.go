package normalize

import (
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/entcache/internal/ir"
	"github.com/roach88/entcache/internal/schema"
)

func blogRegistry() *schema.Registry {
	return schema.MustRegistry(
		schema.Model{
			Name:       "post",
			Attributes: []string{"title"},
			Relationships: []schema.Relationship{
				{Name: "author", Kind: schema.BelongsTo, Type: "user", Async: true, Inverse: "posts"},
				{Name: "comments", Kind: schema.HasMany, Type: "comment", Async: true},
			},
		},
		schema.Model{
			Name: "user",
			Relationships: []schema.Relationship{
				{Name: "posts", Kind: schema.HasMany, Type: "post", Async: true, Inverse: "author"},
			},
		},
		schema.Model{Name: "comment"},
	)
}

const postDoc = `{
  "data": {
    "type": "post", "id": "1",
    "attributes": {"title": "Hello"},
    "relationships": {
      "author": {"data": {"type": "user", "id": "9"}},
      "comments": {"links": {"related": "/posts/1/comments"}, "meta": {"count": 2}}
    }
  },
  "included": [{"type": "user", "id": "9", "attributes": {"name": "Ann"}}],
  "meta": {"page": 1}
}`

func findRecord(typ, id string) RequestContext {
	return RequestContext{RequestType: ir.RequestFindRecord, Type: typ, ID: id}
}

func TestNormalizeSingleResource(t *testing.T) {
	n := New(blogRegistry())

	doc, err := n.Normalize([]byte(postDoc), findRecord("post", "1"))
	require.NoError(t, err)

	assert.Equal(t, ir.RequestFindRecord, doc.RequestType())
	assert.False(t, doc.IsCollection())
	require.Len(t, doc.Primary(), 1)
	require.Len(t, doc.Included(), 1)

	post := doc.Primary()[0]
	assert.Equal(t, ir.NewIdentity("post", "1"), post.Identity)
	assert.Equal(t, ir.Object{"title": ir.String("Hello")}, post.Attributes)

	author := post.Relationships["author"]
	assert.True(t, author.HasData)
	assert.True(t, author.ToOne)
	assert.Equal(t, []ir.Identity{ir.NewIdentity("user", "9")}, author.Data)

	comments := post.Relationships["comments"]
	assert.False(t, comments.HasData)
	assert.Equal(t, "/posts/1/comments", comments.Links.Related)
	assert.Equal(t, ir.Object{"count": ir.Int(2)}, comments.Meta)

	assert.Equal(t, ir.Object{"page": ir.Int(1)}, doc.Meta())
	assert.Len(t, doc.Fingerprint(), 64)
}

func TestNormalizeIsDeterministic(t *testing.T) {
	n := New(blogRegistry())
	raw := []byte(postDoc)
	before := string(raw)

	a, err := n.Normalize(raw, findRecord("post", "1"))
	require.NoError(t, err)
	b, err := n.Normalize(raw, findRecord("post", "1"))
	require.NoError(t, err)

	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.Equal(t, a.Value(), b.Value())
	assert.Equal(t, before, string(raw), "input is not mutated")
}

func TestNormalizeCollection(t *testing.T) {
	n := New(blogRegistry())
	raw := `{"data": [{"type": "comment", "id": "1"}, {"type": "comment", "id": "2"}]}`

	doc, err := n.Normalize([]byte(raw), RequestContext{RequestType: ir.RequestFindHasMany, Type: "comment"})
	require.NoError(t, err)
	assert.True(t, doc.IsCollection())
	assert.Equal(t, []ir.Identity{ir.NewIdentity("comment", "1"), ir.NewIdentity("comment", "2")}, doc.PrimaryIdentities())
}

func TestNormalizeNullBelongsTo(t *testing.T) {
	n := New(blogRegistry())

	doc, err := n.Normalize([]byte(`{"data": null}`), RequestContext{RequestType: ir.RequestFindBelongsTo, Type: "user"})
	require.NoError(t, err)
	assert.Empty(t, doc.Primary())

	_, err = n.Normalize([]byte(`{"data": null}`), findRecord("user", "1"))
	require.Error(t, err)
	assert.True(t, ir.IsMalformedResponse(err))
}

func TestNormalizeShapeMismatch(t *testing.T) {
	n := New(blogRegistry())

	_, err := n.Normalize([]byte(`{"data": [{"type": "post", "id": "1"}]}`), findRecord("post", "1"))
	require.Error(t, err)
	assert.Equal(t, ir.ErrCodeMalformedResponse, ir.CodeOf(err))

	_, err = n.Normalize([]byte(`{"data": {"type": "post", "id": "1"}}`), RequestContext{RequestType: ir.RequestFindMany, Type: "post"})
	require.Error(t, err)
	assert.Equal(t, ir.ErrCodeMalformedResponse, ir.CodeOf(err))
}

func TestNormalizePrimaryTypeMustMatchRequest(t *testing.T) {
	n := New(blogRegistry())

	tests := []struct {
		name string
		raw  string
		rc   RequestContext
	}{
		{"hasMany", `{"data": [{"type": "comment", "id": "1"}, {"type": "user", "id": "9"}]}`,
			RequestContext{RequestType: ir.RequestFindHasMany, Type: "comment"}},
		{"belongsTo", `{"data": {"type": "user", "id": "9"}}`,
			RequestContext{RequestType: ir.RequestFindBelongsTo, Type: "post"}},
		{"findRecord", `{"data": {"type": "user", "id": "1"}}`, findRecord("post", "1")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := n.Normalize([]byte(tt.raw), tt.rc)
			require.Error(t, err)
			assert.Equal(t, ir.ErrCodeMalformedResponse, ir.CodeOf(err))

			var e *ir.Error
			require.True(t, errors.As(err, &e))
			assert.Equal(t, "user", e.Identity.Type)
		})
	}

	// Included resources and pushes may carry any model.
	_, err := n.Normalize([]byte(postDoc), findRecord("post", "1"))
	require.NoError(t, err)
	_, err = n.Normalize([]byte(`{"data": [{"type": "user", "id": "9"}, {"type": "post", "id": "1"}]}`), RequestContext{RequestType: ir.RequestPush})
	require.NoError(t, err)
}

func TestNormalizeMalformed(t *testing.T) {
	n := New(blogRegistry())

	cases := map[string]string{
		"not json":           `{`,
		"not an object":      `[1, 2]`,
		"no data":            `{"meta": {}}`,
		"data and errors":    `{"data": null, "errors": []}`,
		"missing type":       `{"data": {"id": "1"}}`,
		"missing id":         `{"data": {"type": "post"}}`,
		"numeric id":         `{"data": {"type": "post", "id": 1}}`,
		"bad attributes":     `{"data": {"type": "post", "id": "1", "attributes": []}}`,
		"linkage no id":      `{"data": {"type": "post", "id": "1", "relationships": {"author": {"data": {"type": "user"}}}}}`,
		"linkage wrong kind": `{"data": {"type": "post", "id": "1", "relationships": {"author": {"data": []}}}}`,
		"hasMany object":     `{"data": {"type": "post", "id": "1", "relationships": {"comments": {"data": {"type": "comment", "id": "1"}}}}}`,
		"linkage wrong type": `{"data": {"type": "post", "id": "1", "relationships": {"author": {"data": {"type": "comment", "id": "1"}}}}}`,
		"included object":    `{"data": {"type": "post", "id": "1"}, "included": {}}`,
		"bad link":           `{"data": {"type": "post", "id": "1", "relationships": {"comments": {"links": {"related": 3}}}}}`,
	}

	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := n.Normalize([]byte(raw), findRecord("post", "1"))
			require.Error(t, err)
			assert.True(t, ir.IsMalformedResponse(err), "got %v", err)
		})
	}
}

func TestNormalizeUnknownModel(t *testing.T) {
	n := New(blogRegistry())

	_, err := n.Normalize([]byte(`{"data": {"type": "widget", "id": "1"}}`), RequestContext{RequestType: ir.RequestPush})
	require.Error(t, err)
	assert.Equal(t, ir.ErrCodeUnknownModel, ir.CodeOf(err))
	assert.True(t, ir.IsMalformedResponse(err))

	_, err = n.Normalize([]byte(`{"data": null}`), findRecord("widget", "1"))
	require.Error(t, err)
	assert.Equal(t, ir.ErrCodeUnknownModel, ir.CodeOf(err))

	_, err = n.Normalize([]byte(`{"data": {"type": "post", "id": "1"}, "included": [{"type": "widget", "id": "2"}]}`), findRecord("post", "1"))
	require.Error(t, err)
	assert.Equal(t, ir.ErrCodeUnknownModel, ir.CodeOf(err))
}

func TestNormalizeErrorDocument(t *testing.T) {
	n := New(blogRegistry())

	_, err := n.Normalize([]byte(`{"errors": [{"status": "404", "title": "Not Found"}]}`), findRecord("post", "7"))
	require.Error(t, err)
	assert.True(t, ir.IsFetchFailed(err))

	var e *ir.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, ir.NewIdentity("post", "7"), e.Identity)
	require.Len(t, e.APIErrors, 1)
	assert.Equal(t, ir.String("Not Found"), e.APIErrors[0]["title"])
}

func TestNormalizeSkipsUnknownFields(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	n := New(blogRegistry(), WithLogger(logger))

	raw := `{"data": {"type": "post", "id": "1",
		"attributes": {"title": "Hi", "rating": 5},
		"relationships": {"editor": {"data": {"type": "user", "id": "1"}}}}}`

	doc, err := n.Normalize([]byte(raw), findRecord("post", "1"))
	require.NoError(t, err)

	post := doc.Primary()[0]
	assert.Equal(t, ir.Object{"title": ir.String("Hi")}, post.Attributes)
	assert.NotContains(t, post.Relationships, "editor")

	require.Len(t, hook.AllEntries(), 2)
	for _, entry := range hook.AllEntries() {
		assert.Equal(t, logrus.WarnLevel, entry.Level)
		assert.Equal(t, "post", entry.Data["type"])
	}
}

func TestPushBypassesSerializer(t *testing.T) {
	called := 0
	n := New(blogRegistry(), WithSerializer(SerializerFunc(func(_ *schema.Model, raw []byte, _ string, _ ir.RequestType) ([]byte, error) {
		called++
		return raw, nil
	})))

	_, err := n.Normalize([]byte(`{"data": {"type": "post", "id": "1"}}`), RequestContext{RequestType: ir.RequestPush})
	require.NoError(t, err)
	assert.Equal(t, 0, called)

	_, err = n.Normalize([]byte(`{"data": {"type": "post", "id": "1"}}`), findRecord("post", "1"))
	require.NoError(t, err)
	assert.Equal(t, 1, called)
}

func TestSerializerReceivesRequestContext(t *testing.T) {
	var (
		gotModel string
		gotID    string
		gotRT    ir.RequestType
	)
	n := New(blogRegistry(), WithSerializer(SerializerFunc(func(m *schema.Model, _ []byte, id string, rt ir.RequestType) ([]byte, error) {
		gotModel, gotID, gotRT = m.Name, id, rt
		// Wrap a bare resource in a document.
		return []byte(`{"data": {"type": "post", "id": "` + id + `"}}`), nil
	})))

	doc, err := n.Normalize([]byte(`{"post": {"id": "3"}}`), findRecord("post", "3"))
	require.NoError(t, err)
	assert.Equal(t, "post", gotModel)
	assert.Equal(t, "3", gotID)
	assert.Equal(t, ir.RequestFindRecord, gotRT)
	assert.Equal(t, []ir.Identity{ir.NewIdentity("post", "3")}, doc.PrimaryIdentities())
}

func TestSerializerError(t *testing.T) {
	n := New(blogRegistry(), WithSerializer(SerializerFunc(func(*schema.Model, []byte, string, ir.RequestType) ([]byte, error) {
		return nil, errors.New("boom")
	})))

	_, err := n.Normalize([]byte(`{}`), findRecord("post", "1"))
	require.Error(t, err)
	assert.True(t, ir.IsMalformedResponse(err))
	assert.Contains(t, err.Error(), "boom")
}

func TestLinkObjects(t *testing.T) {
	n := New(blogRegistry())
	raw := `{"data": {"type": "post", "id": "1", "relationships": {
		"comments": {"links": {"related": {"href": "/posts/1/comments"}, "self": "/posts/1/relationships/comments"}}}}}`

	doc, err := n.Normalize([]byte(raw), findRecord("post", "1"))
	require.NoError(t, err)

	links, ok := doc.Links(ir.RelKey{Owner: ir.NewIdentity("post", "1"), Field: "comments"})
	require.True(t, ok)
	assert.Equal(t, ir.Links{Self: "/posts/1/relationships/comments", Related: "/posts/1/comments"}, links)
}
