package schema_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/openfga/grapher/internal/mocks"
	"github.com/openfga/grapher/pkg/document"
	grapherErrors "github.com/openfga/grapher/pkg/errors"
	"github.com/openfga/grapher/pkg/schema"
	"github.com/openfga/grapher/pkg/storage"
	"github.com/openfga/grapher/pkg/testfixtures"
	storagefixtures "github.com/openfga/grapher/pkg/testfixtures/storage"
)

func mustFindOne(t *testing.T, ds storage.Datastore, collection string, id string) document.Document {
	t.Helper()
	docs, err := ds.Find(context.Background(), collection, storage.Filter{"_id": id}, storage.FindOptions{})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	return docs[0]
}

func ids(docs []document.Document) []any {
	out := make([]any, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.ID())
	}
	return out
}

func TestLinkFetch(t *testing.T) {
	ctx := context.Background()
	r := testfixtures.MustNewRegistry()
	ds := storagefixtures.MustBootstrapSeededDatastore(t, "memory")

	t.Run("direct_single", func(t *testing.T) {
		post := mustFindOne(t, ds, testfixtures.Posts, testfixtures.PostID(1))
		link, err := r.GetLink(post, testfixtures.Posts, "author", ds)
		require.NoError(t, err)
		require.Equal(t, testfixtures.AuthorID(2), link.Value())

		res, err := link.Fetch(ctx, nil, storage.FindOptions{Fields: []string{"name"}}, nil)
		require.NoError(t, err)
		require.Equal(t, document.Document{"_id": testfixtures.AuthorID(2), "name": "Author 2"}, res)

		res, err = link.Fetch(ctx, storage.Filter{"name": "nobody"}, storage.FindOptions{}, nil)
		require.NoError(t, err)
		require.Nil(t, res)
	})

	t.Run("inverse_many", func(t *testing.T) {
		author := mustFindOne(t, ds, testfixtures.Authors, testfixtures.AuthorID(1))
		link, err := r.GetLink(author, testfixtures.Authors, "posts", ds)
		require.NoError(t, err)
		require.Nil(t, link.Value())

		posts, err := link.FetchAsArray(ctx, nil, storage.FindOptions{
			Fields: []string{"title"},
			Sort:   []storage.SortField{{Field: "createdAt", Descending: true}},
		}, nil)
		require.NoError(t, err)
		require.Equal(t, []any{testfixtures.PostID(9), testfixtures.PostID(6), testfixtures.PostID(3)}, ids(posts))
		require.NotContains(t, posts[0], "authorId")

		first, err := link.FetchOne(ctx, storage.Filter{"published": true}, storage.FindOptions{}, nil)
		require.NoError(t, err)
		require.Equal(t, testfixtures.PostID(3), first.ID())
	})

	t.Run("inverse_single", func(t *testing.T) {
		author := mustFindOne(t, ds, testfixtures.Authors, testfixtures.AuthorID(2))
		link, err := r.GetLink(author, testfixtures.Authors, "profile", ds)
		require.NoError(t, err)

		res, err := link.Fetch(ctx, nil, storage.FindOptions{}, nil)
		require.NoError(t, err)
		profile, ok := res.(document.Document)
		require.True(t, ok)
		require.Equal(t, testfixtures.ProfileID(2), profile.ID())
	})

	t.Run("direct_metadata", func(t *testing.T) {
		author := mustFindOne(t, ds, testfixtures.Authors, testfixtures.AuthorID(2))
		link, err := r.GetLink(author, testfixtures.Authors, "groups", ds)
		require.NoError(t, err)

		groups, err := link.FetchAsArray(ctx, nil, storage.FindOptions{}, nil)
		require.NoError(t, err)
		require.Len(t, groups, 2)
		require.Equal(t, map[string]any{"role": "member"}, groups[0][document.MetadataField])
	})

	t.Run("inverse_metadata", func(t *testing.T) {
		group := mustFindOne(t, ds, testfixtures.Groups, testfixtures.GroupID(1))
		link, err := r.GetLink(group, testfixtures.Groups, "authors", ds)
		require.NoError(t, err)

		members, err := link.FetchAsArray(ctx, nil, storage.FindOptions{Fields: []string{"name"}}, map[string]any{"role": "member"})
		require.NoError(t, err)
		require.Equal(t, []any{testfixtures.AuthorID(2), testfixtures.AuthorID(3)}, ids(members))
		require.Equal(t, map[string]any{"role": "member"}, members[0][document.MetadataField])
		require.NotContains(t, members[0], "groupsIds")
	})

	t.Run("meta_on_plain_link", func(t *testing.T) {
		post := mustFindOne(t, ds, testfixtures.Posts, testfixtures.PostID(1))
		link, err := r.GetLink(post, testfixtures.Posts, "author", ds)
		require.NoError(t, err)

		_, err = link.FetchAsArray(ctx, nil, storage.FindOptions{}, map[string]any{"role": "x"})
		var metaErr *grapherErrors.MetaFilterError
		require.ErrorAs(t, err, &metaErr)
	})
}

func TestLinkFetchRejectedMetadataIssuesNoQuery(t *testing.T) {
	mockController := gomock.NewController(t)
	defer mockController.Finish()

	ds := mocks.NewMockDatastore(mockController)
	ds.EXPECT().Find(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

	r := testfixtures.MustNewRegistry()
	author := testfixtures.Documents()[testfixtures.Authors][1]
	link, err := r.GetLink(author, testfixtures.Authors, "groups", ds)
	require.NoError(t, err)

	groups, err := link.FetchAsArray(context.Background(), nil, storage.FindOptions{}, map[string]any{"role": "admin"})
	require.NoError(t, err)
	require.Empty(t, groups)
	require.NotNil(t, groups)
}

func TestLinkFetchBrokenLink(t *testing.T) {
	r := schema.NewRegistry()
	require.NoError(t, r.AddLink("posts", "author", schema.LinkConfig{Type: "one", Collection: "writers"}))

	ds := storagefixtures.MustBootstrapDatastore(t, "memory")
	link, err := r.GetLink(document.Document{"_id": "p1", "authorId": "w1"}, "posts", "author", ds)
	require.NoError(t, err)

	_, err = link.Fetch(context.Background(), nil, storage.FindOptions{}, nil)
	var broken *grapherErrors.BrokenLinkError
	require.ErrorAs(t, err, &broken)
	require.Equal(t, "writers", broken.Target)
}

func TestLinkMutations(t *testing.T) {
	ctx := context.Background()
	r := testfixtures.MustNewRegistry()

	t.Run("set_refreshes_denormalized_copy", func(t *testing.T) {
		ds := storagefixtures.MustBootstrapSeededDatastore(t, "memory")
		post := mustFindOne(t, ds, testfixtures.Posts, testfixtures.PostID(1))
		link, err := r.GetLink(post, testfixtures.Posts, "author", ds)
		require.NoError(t, err)

		require.NoError(t, link.Set(ctx, document.Document{"_id": testfixtures.AuthorID(3), "name": "ignored"}))
		require.Equal(t, testfixtures.AuthorID(3), link.Value())

		stored := mustFindOne(t, ds, testfixtures.Posts, testfixtures.PostID(1))
		require.Equal(t, testfixtures.AuthorID(3), stored["authorId"])
		require.Equal(t, map[string]any{"_id": testfixtures.AuthorID(3), "name": "Author 3"}, stored["authorCache"])

		require.NoError(t, link.Unset(ctx))
		stored = mustFindOne(t, ds, testfixtures.Posts, testfixtures.PostID(1))
		require.NotContains(t, stored, "authorId")
		require.NotContains(t, stored, "authorCache")

		require.ErrorIs(t, link.Add(ctx, testfixtures.AuthorID(1)), schema.ErrUnsupportedOperation)
	})

	t.Run("add_remove_metadata", func(t *testing.T) {
		ds := storagefixtures.MustBootstrapSeededDatastore(t, "memory")
		author := mustFindOne(t, ds, testfixtures.Authors, testfixtures.AuthorID(3))
		link, err := r.GetLink(author, testfixtures.Authors, "groups", ds)
		require.NoError(t, err)

		require.NoError(t, link.AddWithMetadata(ctx, testfixtures.GroupID(2), map[string]any{"role": "owner"}))
		require.NoError(t, link.SetMetadata(ctx, testfixtures.GroupID(1), map[string]any{"role": "admin"}))

		stored := mustFindOne(t, ds, testfixtures.Authors, testfixtures.AuthorID(3))
		require.Equal(t, []any{
			map[string]any{"_id": testfixtures.GroupID(1), "role": "admin"},
			map[string]any{"_id": testfixtures.GroupID(2), "role": "owner"},
		}, stored["groupsIds"])

		require.NoError(t, link.Remove(ctx, testfixtures.GroupID(1)))
		stored = mustFindOne(t, ds, testfixtures.Authors, testfixtures.AuthorID(3))
		require.Equal(t, []any{map[string]any{"_id": testfixtures.GroupID(2), "role": "owner"}}, stored["groupsIds"])

		require.ErrorIs(t, link.SetMetadata(ctx, "missing", map[string]any{}), storage.ErrNotFound)
		require.ErrorIs(t, link.Set(ctx, testfixtures.GroupID(1)), schema.ErrUnsupportedOperation)
	})

	t.Run("inverse_add_rewrites_targets", func(t *testing.T) {
		ds := storagefixtures.MustBootstrapSeededDatastore(t, "memory")
		author := mustFindOne(t, ds, testfixtures.Authors, testfixtures.AuthorID(1))
		link, err := r.GetLink(author, testfixtures.Authors, "posts", ds)
		require.NoError(t, err)

		require.NoError(t, link.Add(ctx, testfixtures.PostID(1)))
		stored := mustFindOne(t, ds, testfixtures.Posts, testfixtures.PostID(1))
		require.Equal(t, testfixtures.AuthorID(1), stored["authorId"])
		require.Equal(t, map[string]any{"_id": testfixtures.AuthorID(1), "name": "Author 1"}, stored["authorCache"])

		require.NoError(t, link.Remove(ctx, testfixtures.PostID(1)))
		stored = mustFindOne(t, ds, testfixtures.Posts, testfixtures.PostID(1))
		require.NotContains(t, stored, "authorId")
	})

	t.Run("inverse_set_replaces_relation", func(t *testing.T) {
		ds := storagefixtures.MustBootstrapSeededDatastore(t, "memory")
		author := mustFindOne(t, ds, testfixtures.Authors, testfixtures.AuthorID(1))
		link, err := r.GetLink(author, testfixtures.Authors, "profile", ds)
		require.NoError(t, err)

		require.NoError(t, link.Set(ctx, testfixtures.ProfileID(2)))
		require.NotContains(t, mustFindOne(t, ds, testfixtures.Profiles, testfixtures.ProfileID(1)), "authorId")
		require.Equal(t, testfixtures.AuthorID(1), mustFindOne(t, ds, testfixtures.Profiles, testfixtures.ProfileID(2))["authorId"])
	})

	t.Run("inverse_metadata", func(t *testing.T) {
		ds := storagefixtures.MustBootstrapSeededDatastore(t, "memory")
		group := mustFindOne(t, ds, testfixtures.Groups, testfixtures.GroupID(2))
		link, err := r.GetLink(group, testfixtures.Groups, "authors", ds)
		require.NoError(t, err)

		require.NoError(t, link.AddWithMetadata(ctx, testfixtures.AuthorID(1), map[string]any{"role": "guest"}))
		require.NoError(t, link.SetMetadata(ctx, testfixtures.AuthorID(2), map[string]any{"role": "admin"}))

		admins, err := link.FetchAsArray(ctx, nil, storage.FindOptions{}, map[string]any{"role": "admin"})
		require.NoError(t, err)
		require.Equal(t, []any{testfixtures.AuthorID(2)}, ids(admins))

		guests, err := link.FetchAsArray(ctx, nil, storage.FindOptions{}, map[string]any{"role": "guest"})
		require.NoError(t, err)
		require.Equal(t, []any{testfixtures.AuthorID(1)}, ids(guests))
	})
}
