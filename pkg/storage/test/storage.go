// Package test holds the behaviour every datastore engine must share, run by each
// engine's own tests.
package test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/openfga/grapher/pkg/document"
	"github.com/openfga/grapher/pkg/storage"
	"github.com/openfga/grapher/pkg/testutils"
)

const watchTimeout = 10 * time.Second

// RunAllTests runs the datastore contract against ds. Every test works in its own
// collection so ds may be shared.
func RunAllTests(t *testing.T, ds storage.Datastore) {
	t.Run("FindTest", func(t *testing.T) { FindTest(t, ds) })
	t.Run("WriteTest", func(t *testing.T) { WriteTest(t, ds) })
	t.Run("WatchTest", func(t *testing.T) { WatchTest(t, ds) })
}

func newCollection(prefix string) string {
	return prefix + "_" + testutils.CreateRandomString(8)
}

func seedPosts(t *testing.T, ds storage.Datastore, n int) string {
	collection := newCollection("posts")
	docs := testutils.MakeDocuments(n, func(i int) document.Document {
		return document.Document{
			"_id":      fmt.Sprintf("p%d", i),
			"title":    fmt.Sprintf("title %02d", i),
			"authorId": fmt.Sprintf("a%d", i%2),
			"meta":     map[string]any{"lang": "en", "draft": i%2 == 0},
		}
	})
	for _, doc := range docs {
		_, err := ds.Insert(context.Background(), collection, doc)
		require.NoError(t, err)
	}
	return collection
}

func ids(docs []document.Document) []any {
	res := make([]any, 0, len(docs))
	for _, doc := range docs {
		res = append(res, doc.ID())
	}
	return res
}

func FindTest(t *testing.T, ds storage.Datastore) {
	ctx := context.Background()
	collection := seedPosts(t, ds, 6)

	t.Run("filter", func(t *testing.T) {
		docs, err := ds.Find(ctx, collection, storage.Filter{"authorId": "a1"}, storage.FindOptions{})
		require.NoError(t, err)
		require.ElementsMatch(t, []any{"p1", "p3", "p5"}, ids(docs))
	})

	t.Run("in_filter", func(t *testing.T) {
		docs, err := ds.Find(ctx, collection, storage.Filter{"_id": map[string]any{"$in": []any{"p0", "p4", "missing"}}}, storage.FindOptions{})
		require.NoError(t, err)
		require.ElementsMatch(t, []any{"p0", "p4"}, ids(docs))
	})

	t.Run("nested_path_filter", func(t *testing.T) {
		docs, err := ds.Find(ctx, collection, storage.Filter{"meta.draft": true}, storage.FindOptions{})
		require.NoError(t, err)
		require.ElementsMatch(t, []any{"p0", "p2", "p4"}, ids(docs))
	})

	t.Run("sort_skip_limit", func(t *testing.T) {
		docs, err := ds.Find(ctx, collection, nil, storage.FindOptions{
			Sort:  []storage.SortField{{Field: "title", Descending: true}},
			Skip:  1,
			Limit: 3,
		})
		require.NoError(t, err)
		require.Equal(t, []any{"p4", "p3", "p2"}, ids(docs))
	})

	t.Run("projection", func(t *testing.T) {
		docs, err := ds.Find(ctx, collection, storage.Filter{"_id": "p1"}, storage.FindOptions{Fields: []string{"title", "meta.lang"}})
		require.NoError(t, err)
		require.Equal(t, []document.Document{{
			"_id":   "p1",
			"title": "title 01",
			"meta":  map[string]any{"lang": "en"},
		}}, docs)
	})

	t.Run("omit", func(t *testing.T) {
		docs, err := ds.Find(ctx, collection, storage.Filter{"_id": "p2"}, storage.FindOptions{Omit: []string{"meta", "authorId"}})
		require.NoError(t, err)
		require.Equal(t, []document.Document{{"_id": "p2", "title": "title 02"}}, docs)
	})

	t.Run("unordered_comparison", func(t *testing.T) {
		docs, err := ds.Find(ctx, collection, storage.Filter{"authorId": "a0"}, storage.FindOptions{Fields: []string{"_id"}})
		require.NoError(t, err)
		expected := []document.Document{{"_id": "p4"}, {"_id": "p0"}, {"_id": "p2"}}
		if diff := cmp.Diff(expected, docs, testutils.DocumentCmpTransformer); diff != "" {
			t.Errorf("unexpected documents (-want +got):\n%s", diff)
		}
	})

	t.Run("invalid_filter", func(t *testing.T) {
		_, err := ds.Find(ctx, collection, storage.Filter{"$bad": 1}, storage.FindOptions{})
		require.ErrorIs(t, err, storage.ErrInvalidFilter)
	})

	t.Run("unknown_collection", func(t *testing.T) {
		docs, err := ds.Find(ctx, newCollection("missing"), nil, storage.FindOptions{})
		require.NoError(t, err)
		require.Empty(t, docs)
	})
}

func WriteTest(t *testing.T, ds storage.Datastore) {
	ctx := context.Background()

	t.Run("insert_generates_id", func(t *testing.T) {
		collection := newCollection("authors")
		id, err := ds.Insert(ctx, collection, document.Document{"name": "Ada"})
		require.NoError(t, err)
		require.NotNil(t, id)

		docs, err := ds.Find(ctx, collection, storage.Filter{"_id": id}, storage.FindOptions{Fields: []string{"name"}})
		require.NoError(t, err)
		require.Len(t, docs, 1)
		require.Equal(t, "Ada", docs[0]["name"])
	})

	t.Run("insert_collision", func(t *testing.T) {
		collection := newCollection("authors")
		_, err := ds.Insert(ctx, collection, document.Document{"_id": "a1"})
		require.NoError(t, err)
		_, err = ds.Insert(ctx, collection, document.Document{"_id": "a1"})
		require.ErrorIs(t, err, storage.ErrCollision)
	})

	t.Run("update", func(t *testing.T) {
		collection := seedPosts(t, ds, 4)
		n, err := ds.Update(ctx, collection, storage.Filter{"authorId": "a1"}, storage.Update{
			Set:   map[string]any{"meta.lang": "fr", "published": true},
			Unset: []string{"title"},
		})
		require.NoError(t, err)
		require.Equal(t, 2, n)

		docs, err := ds.Find(ctx, collection, storage.Filter{"_id": "p1"}, storage.FindOptions{})
		require.NoError(t, err)
		require.Equal(t, []document.Document{{
			"_id":       "p1",
			"authorId":  "a1",
			"published": true,
			"meta":      map[string]any{"lang": "fr", "draft": false},
		}}, docs)
	})

	t.Run("remove", func(t *testing.T) {
		collection := seedPosts(t, ds, 4)
		n, err := ds.Remove(ctx, collection, storage.Filter{"authorId": "a0"})
		require.NoError(t, err)
		require.Equal(t, 2, n)

		docs, err := ds.Find(ctx, collection, nil, storage.FindOptions{})
		require.NoError(t, err)
		require.ElementsMatch(t, []any{"p1", "p3"}, ids(docs))
	})
}

func WatchTest(t *testing.T, ds storage.Datastore) {
	collection := seedPosts(t, ds, 2)
	ctx, cancel := context.WithCancel(context.Background())

	events, err := ds.Watch(ctx, collection, storage.Filter{"authorId": "a1"})
	require.NoError(t, err)

	writes := func() error {
		bg := context.Background()
		if _, err := ds.Insert(bg, collection, document.Document{"_id": "p7", "authorId": "a1"}); err != nil {
			return err
		}
		if _, err := ds.Insert(bg, collection, document.Document{"_id": "p8", "authorId": "a0"}); err != nil {
			return err
		}
		if _, err := ds.Update(bg, collection, storage.Filter{"_id": "p7"}, storage.Update{Set: map[string]any{"title": "new"}}); err != nil {
			return err
		}
		if _, err := ds.Update(bg, collection, storage.Filter{"_id": "p1"}, storage.Update{Set: map[string]any{"authorId": "a2"}}); err != nil {
			return err
		}
		_, err := ds.Remove(bg, collection, storage.Filter{"_id": "p7"})
		return err
	}
	require.NoError(t, writes())

	expected := []struct {
		typ storage.ChangeType
		id  string
	}{
		{storage.ChangeAdded, "p7"},
		{storage.ChangeChanged, "p7"},
		{storage.ChangeRemoved, "p1"},
		{storage.ChangeRemoved, "p7"},
	}
	for _, e := range expected {
		select {
		case ev := <-events:
			require.Equal(t, e.typ, ev.Type, ev.ID)
			require.Equal(t, e.id, ev.ID)
			require.Equal(t, collection, ev.Collection)
		case <-time.After(watchTimeout):
			t.Fatalf("timed out waiting for %s of %s", e.typ, e.id)
		}
	}

	cancel()
	for range events {
	}
}
