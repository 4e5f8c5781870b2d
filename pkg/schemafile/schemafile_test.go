package schemafile

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openfga/grapher/assets"
	"github.com/openfga/grapher/internal/graph"
	"github.com/openfga/grapher/internal/resolver"
	"github.com/openfga/grapher/pkg/body"
	"github.com/openfga/grapher/pkg/document"
	grapherErrors "github.com/openfga/grapher/pkg/errors"
	storagefixtures "github.com/openfga/grapher/pkg/testfixtures/storage"
)

func TestLoadBlogSchema(t *testing.T) {
	f, err := LoadFS(assets.EmbedSchemas, assets.BlogSchema)
	require.NoError(t, err)

	r, err := f.Registry()
	require.NoError(t, err)

	require.ElementsMatch(t, []string{"authors", "comments", "groups", "posts"}, r.Collections())

	author, err := r.Linker("posts", "author")
	require.NoError(t, err)
	require.True(t, author.IsSingle())
	require.Equal(t, "authorId", author.StorageField())
	require.Equal(t, "authorCache", author.Denormalize().Field)
	require.True(t, author.Config().Index)

	posts, err := r.Linker("authors", "posts")
	require.NoError(t, err)
	require.True(t, posts.IsVirtual())
	require.True(t, posts.IsMany())

	members, err := r.Linker("groups", "authors")
	require.NoError(t, err)
	require.True(t, members.IsMetadata())

	exposure, ok := r.Exposure("authors")
	require.True(t, ok)
	require.Equal(t, 50, exposure.MaxLimit)
	require.Equal(t, []string{"password"}, exposure.RestrictedFields)

	shout, ok := r.Reducer("posts", "shout")
	require.True(t, ok)
	value, err := shout.Reduce(document.Document{"title": "hello"}, nil)
	require.NoError(t, err)
	require.Equal(t, "HELLO", value)
}

func TestBlogSchemaResolves(t *testing.T) {
	f, err := LoadFS(assets.EmbedSchemas, assets.BlogSchema)
	require.NoError(t, err)
	r, err := f.Registry()
	require.NoError(t, err)

	ds := storagefixtures.MustBootstrapSeededDatastore(t, "memory")

	root, err := graph.Build(r, "authors", body.New().Field("fullName", "postCount", "password").Filter(map[string]any{"_id": "author2"}), graph.BuildOptions{})
	require.NoError(t, err)

	docs, err := resolver.NewResolver(r, ds).Fetch(context.Background(), resolver.Request{Root: root})
	require.NoError(t, err)
	require.Equal(t, []document.Document{{
		"_id":       "author2",
		"fullName":  "First2 Last2",
		"postCount": int64(4),
	}}, docs)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name   string
		schema string
		target error
	}{
		{
			name:   "unknown_key",
			schema: "collections:\n  posts:\n    linkz: {}\n",
			target: grapherErrors.ErrConfiguration,
		},
		{
			name: "unknown_inverse_pair",
			schema: `
collections:
  authors:
    links:
      posts: {collection: posts, inversedBy: writer}
  posts: {}
`,
			target: grapherErrors.ErrConfiguration,
		},
		{
			name: "bad_expression",
			schema: `
collections:
  posts:
    reducers:
      broken: {body: {title: 1}, expression: "doc.title +"}
`,
			target: grapherErrors.ErrConfiguration,
		},
		{
			name: "empty_reducer_body",
			schema: `
collections:
  posts:
    reducers:
      empty: {expression: "1"}
`,
			target: grapherErrors.ErrConfiguration,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			f, err := Parse([]byte(test.schema))
			if err == nil {
				_, err = f.Registry()
			}
			require.ErrorIs(t, err, test.target)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("does-not-exist.yaml")
	require.Error(t, err)
}
