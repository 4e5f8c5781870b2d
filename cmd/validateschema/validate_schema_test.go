package validateschema

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/openfga/grapher/assets"
	"github.com/openfga/grapher/cmd"
	"github.com/openfga/grapher/cmd/util"
	"github.com/openfga/grapher/pkg/schemafile"
)

func TestValidate(t *testing.T) {
	t.Run("blog_schema", func(t *testing.T) {
		f, err := schemafile.LoadFS(assets.EmbedSchemas, assets.BlogSchema)
		require.NoError(t, err)

		result := Validate(f)
		require.True(t, result.Valid)
		require.Empty(t, result.Errors)
		require.Len(t, result.Collections, 4)

		authors := result.Collections[0]
		require.Equal(t, "authors", authors.Name)
		require.Equal(t, []string{"fullName", "postCount"}, authors.Reducers)
		require.Equal(t, []LinkResult{
			{Name: "groups", Target: "groups", Many: true, Metadata: true},
			{Name: "posts", Target: "posts", Many: true, Virtual: true},
		}, authors.Links)
	})

	t.Run("broken_link", func(t *testing.T) {
		f, err := schemafile.Parse([]byte(`
collections:
  posts:
    links:
      author: {type: one, collection: authors, field: authorId}
`))
		require.NoError(t, err)

		result := Validate(f)
		require.False(t, result.Valid)
		require.Equal(t, []string{"link 'posts#author' points to unknown collection 'authors'"}, result.Errors)
	})

	t.Run("reducer_cycle", func(t *testing.T) {
		f, err := schemafile.Parse([]byte(`
collections:
  posts:
    reducers:
      a: {body: {b: 1}, expression: 'doc.b'}
      b: {body: {a: 1}, expression: 'doc.a'}
`))
		require.NoError(t, err)

		result := Validate(f)
		require.False(t, result.Valid)
		require.Len(t, result.Errors, 1)
		require.Contains(t, result.Errors[0], "posts.a")
	})

	t.Run("invalid_expression", func(t *testing.T) {
		f, err := schemafile.Parse([]byte(`
collections:
  posts:
    reducers:
      broken: {body: {title: 1}, expression: 'doc.title +'}
`))
		require.NoError(t, err)

		result := Validate(f)
		require.False(t, result.Valid)
		require.Len(t, result.Errors, 1)
		require.Empty(t, result.Collections)
	})
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()
	data, err := assets.EmbedSchemas.ReadFile(assets.BlogSchema)
	require.NoError(t, err)
	valid := filepath.Join(dir, "blog.yaml")
	require.NoError(t, os.WriteFile(valid, data, 0600))
	broken := filepath.Join(dir, "broken.yaml")
	require.NoError(t, os.WriteFile(broken, []byte("collections:\n  posts:\n    links:\n      author: {type: one, collection: authors}\n"), 0600))

	run := func(t *testing.T, args ...string) (*bytes.Buffer, error) {
		util.PrepareTempConfigDir(t)
		t.Cleanup(viper.Reset)

		root := cmd.NewRootCommand()
		root.AddCommand(NewValidateCommand())
		out := &bytes.Buffer{}
		root.SetOut(out)
		root.SetErr(&bytes.Buffer{})
		root.SetArgs(append([]string{"validate-schema"}, args...))
		return out, root.Execute()
	}

	t.Run("valid", func(t *testing.T) {
		out, err := run(t, "--schema", valid)
		require.NoError(t, err)
		res := gjson.ParseBytes(out.Bytes())
		require.True(t, res.Get("valid").Bool())
		require.Equal(t, int64(4), res.Get("collections.#").Int())
	})

	t.Run("invalid", func(t *testing.T) {
		out, err := run(t, "--schema", broken)
		require.ErrorIs(t, err, ErrInvalidSchema)
		res := gjson.ParseBytes(out.Bytes())
		require.False(t, res.Get("valid").Bool())
		require.Equal(t, int64(1), res.Get("errors.#").Int())
	})

	t.Run("schema_from_env", func(t *testing.T) {
		t.Setenv("GRAPHER_SCHEMA", valid)
		_, err := run(t)
		require.NoError(t, err)
	})

	t.Run("missing_schema", func(t *testing.T) {
		_, err := run(t)
		require.ErrorContains(t, err, "a schema file must be provided")
	})

	t.Run("missing_file", func(t *testing.T) {
		_, err := run(t, "--schema", filepath.Join(dir, "nope.yaml"))
		require.ErrorIs(t, err, os.ErrNotExist)
	})
}
