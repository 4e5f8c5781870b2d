package resolver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openfga/grapher/internal/graph"
	"github.com/openfga/grapher/pkg/body"
	"github.com/openfga/grapher/pkg/storage"
	"github.com/openfga/grapher/pkg/testfixtures"
	storagefixtures "github.com/openfga/grapher/pkg/testfixtures/storage"
)

const (
	eventuallyWait = 2 * time.Second
	eventuallyTick = 5 * time.Millisecond
)

func mustCompose(t *testing.T, ds storage.Datastore, collection string, b *body.Body, opts ...SessionOption) (*Session, *Collector) {
	t.Helper()

	r := testfixtures.MustNewRegistry()
	root, err := graph.Build(r, collection, b, graph.BuildOptions{BypassDenormalization: true})
	require.NoError(t, err)

	collector := NewCollector()
	session, err := NewResolver(r, ds, WithChangeWatcher(ds)).Compose(context.Background(), Request{Root: root}, collector, opts...)
	require.NoError(t, err)
	t.Cleanup(session.Stop)
	return session, collector
}

func TestComposePublishesChanges(t *testing.T) {
	ctx := context.Background()
	ds := storagefixtures.MustBootstrapSeededDatastore(t, "memory")

	session, collector := mustCompose(t, ds, testfixtures.Authors,
		body.New().Field("name").Link("posts", body.New().Field("title")))

	require.Equal(t, testfixtures.NumAuthors, collector.Len(testfixtures.Authors))
	require.Equal(t, testfixtures.NumPosts, collector.Len(testfixtures.Posts))
	post, ok := collector.Get(testfixtures.Posts, "post1")
	require.True(t, ok)
	require.Equal(t, "Post 1", post["title"])
	author, ok := collector.Get(testfixtures.Authors, "author1")
	require.True(t, ok)
	require.NotContains(t, author, "posts")

	t.Run("insert", func(t *testing.T) {
		_, err := ds.Insert(ctx, testfixtures.Posts, map[string]any{"_id": "post11", "title": "Post 11", "authorId": "author1"})
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			return collector.Len(testfixtures.Posts) == testfixtures.NumPosts+1
		}, eventuallyWait, eventuallyTick)
	})

	t.Run("update", func(t *testing.T) {
		_, err := ds.Update(ctx, testfixtures.Posts, storage.Filter{"_id": "post1"}, storage.Update{Set: map[string]any{"title": "Updated"}})
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			post, _ := collector.Get(testfixtures.Posts, "post1")
			return post["title"] == "Updated"
		}, eventuallyWait, eventuallyTick)
	})

	t.Run("remove", func(t *testing.T) {
		_, err := ds.Remove(ctx, testfixtures.Posts, storage.Filter{"_id": "post2"})
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			_, ok := collector.Get(testfixtures.Posts, "post2")
			return !ok
		}, eventuallyWait, eventuallyTick)
	})

	t.Run("unrelated_documents_are_not_published", func(t *testing.T) {
		_, err := ds.Insert(ctx, testfixtures.Posts, map[string]any{"_id": "orphan", "title": "Orphan", "authorId": "nobody"})
		require.NoError(t, err)
		_, err = ds.Insert(ctx, testfixtures.Posts, map[string]any{"_id": "post12", "title": "Post 12", "authorId": "author2"})
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			_, ok := collector.Get(testfixtures.Posts, "post12")
			return ok
		}, eventuallyWait, eventuallyTick)
		_, ok := collector.Get(testfixtures.Posts, "orphan")
		require.False(t, ok)
	})

	session.Stop()
	session.Stop()

	before := collector.Len(testfixtures.Posts)
	_, err := ds.Insert(ctx, testfixtures.Posts, map[string]any{"_id": "post13", "title": "Post 13", "authorId": "author1"})
	require.NoError(t, err)
	require.Never(t, func() bool {
		return collector.Len(testfixtures.Posts) != before
	}, 50*time.Millisecond, eventuallyTick)
}

func TestComposeRefCount(t *testing.T) {
	ctx := context.Background()
	ds := storagefixtures.MustBootstrapSeededDatastore(t, "memory")

	session, collector := mustCompose(t, ds, testfixtures.Posts,
		body.New().Field("title").Link("author", body.New().Field("name")))

	require.Equal(t, 3, session.RefCount(testfixtures.Authors, "author1"))
	require.Equal(t, 4, session.RefCount(testfixtures.Authors, "author2"))
	require.Equal(t, 0, session.RefCount(testfixtures.Authors, "unknown"))

	// author1 keeps being published while any post still reaches it
	_, err := ds.Update(ctx, testfixtures.Posts, storage.Filter{"authorId": "author1"}, storage.Update{Set: map[string]any{"authorId": "author2"}})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := collector.Get(testfixtures.Authors, "author1")
		return !ok && session.RefCount(testfixtures.Authors, "author2") == 7
	}, eventuallyWait, eventuallyTick)
}

func TestComposeScope(t *testing.T) {
	ds := storagefixtures.MustBootstrapSeededDatastore(t, "memory")

	session, collector := mustCompose(t, ds, testfixtures.Groups, body.New().Field("name"), WithScope())

	require.NotEmpty(t, session.ID())
	for _, doc := range collector.Documents(testfixtures.Groups) {
		require.Equal(t, 1, doc[session.ScopeField()])
	}
	require.Equal(t, ScopeFieldPrefix+session.ID(), session.ScopeField())
}

func TestComposeRejections(t *testing.T) {
	ds := storagefixtures.MustBootstrapSeededDatastore(t, "memory")
	r := testfixtures.MustNewRegistry()

	t.Run("no_change_watcher", func(t *testing.T) {
		root, err := graph.Build(r, testfixtures.Groups, body.New(), graph.BuildOptions{})
		require.NoError(t, err)

		_, err = NewResolver(r, ds).Compose(context.Background(), Request{Root: root}, NewCollector())
		require.ErrorIs(t, err, ErrNoChangeWatcher)
	})

	t.Run("reducers", func(t *testing.T) {
		root, err := graph.Build(r, testfixtures.Authors, body.New().Field("fullName"), graph.BuildOptions{})
		require.NoError(t, err)

		_, err = NewResolver(r, ds, WithChangeWatcher(ds)).Compose(context.Background(), Request{Root: root}, NewCollector())
		require.ErrorIs(t, err, errSessionReducers)
	})
}

func TestComposeEndsWithContext(t *testing.T) {
	ds := storagefixtures.MustBootstrapSeededDatastore(t, "memory")
	r := testfixtures.MustNewRegistry()

	root, err := graph.Build(r, testfixtures.Groups, body.New().Field("name"), graph.BuildOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	session, err := NewResolver(r, ds, WithChangeWatcher(ds)).Compose(ctx, Request{Root: root}, NewCollector())
	require.NoError(t, err)

	cancel()
	select {
	case <-session.done:
	case <-time.After(eventuallyWait):
		t.Fatal("session did not end with its context")
	}
	session.Stop()
}
