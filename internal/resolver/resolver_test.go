package resolver

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/mock/gomock"

	"github.com/openfga/grapher/internal/graph"
	"github.com/openfga/grapher/internal/mocks"
	"github.com/openfga/grapher/pkg/body"
	"github.com/openfga/grapher/pkg/document"
	grapherErrors "github.com/openfga/grapher/pkg/errors"
	"github.com/openfga/grapher/pkg/logger"
	"github.com/openfga/grapher/pkg/schema"
	"github.com/openfga/grapher/pkg/storage"
	"github.com/openfga/grapher/pkg/storage/storagewrappers"
	"github.com/openfga/grapher/pkg/testfixtures"
	storagefixtures "github.com/openfga/grapher/pkg/testfixtures/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fetchTest struct {
	registry   *schema.Registry
	ds         storage.DocumentReader
	collection string
	body       *body.Body
	build      graph.BuildOptions
	req        Request
	logger     logger.Logger
}

func (ft fetchTest) run(t *testing.T) ([]document.Document, storagewrappers.Metrics, error) {
	t.Helper()
	if ft.registry == nil {
		ft.registry = testfixtures.MustNewRegistry()
	}
	root, err := graph.Build(ft.registry, ft.collection, ft.body, ft.build)
	require.NoError(t, err)

	reader := storagewrappers.NewInstrumentedReader(ft.ds)
	ft.req.Root = root
	var opts []ResolverOption
	if ft.logger != nil {
		opts = append(opts, WithLogger(ft.logger))
	}
	docs, err := NewResolver(ft.registry, reader, opts...).Fetch(context.Background(), ft.req)
	return docs, reader.GetMetrics(), err
}

func TestFetchNestedTree(t *testing.T) {
	ds := storagefixtures.MustBootstrapSeededDatastore(t, "memory")

	docs, metrics, err := fetchTest{
		ds:         ds,
		collection: testfixtures.Authors,
		body: body.MustParse(`{
			"name": 1,
			"$filters": {"_id": "author1"},
			"posts": {"title": 1, "$options": {"sort": {"createdAt": 1}}}
		}`),
	}.run(t)
	require.NoError(t, err)

	want := []document.Document{{
		"_id":  "author1",
		"name": "Author 1",
		"posts": []any{
			map[string]any{"_id": "post3", "title": "Post 3"},
			map[string]any{"_id": "post6", "title": "Post 6"},
			map[string]any{"_id": "post9", "title": "Post 9"},
		},
	}}
	if diff := cmp.Diff(want, docs); diff != "" {
		t.Errorf("unexpected result (-want +got):\n%s", diff)
	}
	require.Equal(t, 2, metrics.DatastoreQueryCount)
}

func TestFetchPerParentWindow(t *testing.T) {
	ds := storagefixtures.MustBootstrapSeededDatastore(t, "memory")

	t.Run("root_limit_with_single_link", func(t *testing.T) {
		docs, metrics, err := fetchTest{
			ds:         ds,
			collection: testfixtures.Posts,
			body: body.New().Field("title").Sort("createdAt", false).Limit(5).
				Link("author", body.New().Field("name", "email")),
		}.run(t)
		require.NoError(t, err)

		require.Len(t, docs, 5)
		for i, doc := range docs {
			author, ok := doc["author"].(map[string]any)
			require.True(t, ok)
			require.Equal(t, testfixtures.AuthorID(testfixtures.PostAuthor(i+1)), author["_id"])
			require.NotContains(t, doc, "authorId")
		}
		require.Equal(t, map[string]int{testfixtures.Posts: 1, testfixtures.Authors: 1}, metrics.PerCollection)
	})

	t.Run("limit_and_skip_apply_per_parent", func(t *testing.T) {
		docs, metrics, err := fetchTest{
			ds:         ds,
			collection: testfixtures.Authors,
			body: body.New().Field("name").
				Link("posts", body.New().Field("title").Sort("createdAt", true).Skip(1).Limit(2)),
		}.run(t)
		require.NoError(t, err)

		require.Len(t, docs, testfixtures.NumAuthors)
		for _, doc := range docs {
			posts, ok := doc["posts"].([]any)
			require.True(t, ok)
			require.Len(t, posts, 2)
		}
		first := docs[0]["posts"].([]any)
		require.Equal(t, "post6", first[0].(map[string]any)["_id"])
		require.Equal(t, "post3", first[1].(map[string]any)["_id"])
		require.Equal(t, 2, metrics.DatastoreQueryCount)
	})
}

func TestFetchCardinality(t *testing.T) {
	ds := storagefixtures.MustBootstrapSeededDatastore(t, "memory")

	docs, _, err := fetchTest{
		ds:         ds,
		collection: testfixtures.Authors,
		body: body.New().Field("name").
			Link("profile", body.New().Field("bio")).
			Link("posts", body.New().Field("title").Filter(map[string]any{"title": "missing"})),
	}.run(t)
	require.NoError(t, err)
	require.Len(t, docs, 3)

	require.Equal(t, map[string]any{"_id": "profile1", "bio": "Bio of author 1"}, docs[0]["profile"])
	require.NotContains(t, docs[2], "profile")
	for _, doc := range docs {
		require.NotNil(t, doc["posts"])
		require.Empty(t, doc["posts"])
	}
}

func TestFetchSharesReadsAcrossNodes(t *testing.T) {
	ds := storagefixtures.MustBootstrapSeededDatastore(t, "memory")

	author := func() *body.Body { return body.New().Field("name", "email") }
	docs, metrics, err := fetchTest{
		ds:         ds,
		collection: testfixtures.Posts,
		body: body.New().Field("title").
			Link("author", author()).
			Link("comments", body.New().Field("text").Link("author", author())),
	}.run(t)
	require.NoError(t, err)
	require.Len(t, docs, testfixtures.NumPosts)

	comments := docs[0]["comments"].([]any)
	require.Len(t, comments, testfixtures.CommentsPerPost)
	require.Contains(t, comments[0].(map[string]any), "author")

	require.Equal(t, map[string]int{
		testfixtures.Posts:    1,
		testfixtures.Authors:  1,
		testfixtures.Comments: 1,
	}, metrics.PerCollection)

	t.Run("extra_field_splits_the_read", func(t *testing.T) {
		docs, metrics, err := fetchTest{
			ds:         ds,
			collection: testfixtures.Posts,
			body: body.New().Field("title").
				Link("author", author()).
				Link("comments", body.New().Field("text").Link("author", author().Field("firstName"))),
		}.run(t)
		require.NoError(t, err)

		postAuthor := docs[0]["author"].(map[string]any)
		require.NotContains(t, postAuthor, "firstName")
		commentAuthor := docs[0]["comments"].([]any)[0].(map[string]any)["author"].(map[string]any)
		require.Contains(t, commentAuthor, "firstName")

		require.Equal(t, map[string]int{
			testfixtures.Posts:    1,
			testfixtures.Authors:  2,
			testfixtures.Comments: 1,
		}, metrics.PerCollection)
	})
}

func TestFetchMetadata(t *testing.T) {
	ds := storagefixtures.MustBootstrapSeededDatastore(t, "memory")

	t.Run("direct", func(t *testing.T) {
		docs, metrics, err := fetchTest{
			ds:         ds,
			collection: testfixtures.Authors,
			body: body.New().Field("name").
				Link("groups", body.New().Field("name").WithMeta(map[string]any{"role": "admin"})),
		}.run(t)
		require.NoError(t, err)

		require.Equal(t, []any{
			map[string]any{"_id": "group1", "name": "Group 1", "$metadata": map[string]any{"role": "admin"}},
		}, docs[0]["groups"])
		require.Equal(t, []any{}, docs[1]["groups"])
		require.Equal(t, 2, metrics.DatastoreQueryCount)
	})

	t.Run("inverse", func(t *testing.T) {
		docs, _, err := fetchTest{
			ds:         ds,
			collection: testfixtures.Groups,
			body: body.New().Field("name").Filter(map[string]any{"_id": "group1"}).
				Link("authors", body.New().Field("name").WithMeta(map[string]any{"role": "member"})),
		}.run(t)
		require.NoError(t, err)
		require.Len(t, docs, 1)

		want := []any{
			map[string]any{"_id": "author2", "name": "Author 2", "$metadata": map[string]any{"role": "member"}},
			map[string]any{"_id": "author3", "name": "Author 3", "$metadata": map[string]any{"role": "member"}},
		}
		if diff := cmp.Diff(want, docs[0]["authors"]); diff != "" {
			t.Errorf("unexpected authors (-want +got):\n%s", diff)
		}
	})

	t.Run("direct_no_match", func(t *testing.T) {
		docs, _, err := fetchTest{
			ds:         ds,
			collection: testfixtures.Authors,
			body: body.New().Field("name").
				Link("groups", body.New().Field("name").WithMeta(map[string]any{"role": "owner"})),
		}.run(t)
		require.NoError(t, err)
		for _, doc := range docs {
			require.Equal(t, []any{}, doc["groups"])
		}
	})

	t.Run("inverse_no_match", func(t *testing.T) {
		docs, _, err := fetchTest{
			ds:         ds,
			collection: testfixtures.Groups,
			body: body.New().Field("name").
				Link("authors", body.New().Field("name").WithMeta(map[string]any{"role": "owner"})),
		}.run(t)
		require.NoError(t, err)
		require.Len(t, docs, 2)
		for _, doc := range docs {
			require.Equal(t, []any{}, doc["authors"])
		}
	})
}

func TestFetchDenormalized(t *testing.T) {
	ds := storagefixtures.MustBootstrapSeededDatastore(t, "memory")

	docs, metrics, err := fetchTest{
		ds:         ds,
		collection: testfixtures.Posts,
		body:       body.New().Field("title").Filter(map[string]any{"_id": "post1"}).Link("author", body.New().Field("name")),
	}.run(t)
	require.NoError(t, err)

	require.Equal(t, []document.Document{{
		"_id":    "post1",
		"title":  "Post 1",
		"author": map[string]any{"_id": "author2", "name": "Author 2"},
	}}, docs)
	require.Equal(t, map[string]int{testfixtures.Posts: 1}, metrics.PerCollection)

	t.Run("firewalled_target_is_fetched", func(t *testing.T) {
		r := testfixtures.MustNewRegistry()
		require.NoError(t, r.AddFirewall(testfixtures.Authors, func(context.Context, storage.Filter, *storage.FindOptions, string) error {
			return nil
		}))

		_, metrics, err := fetchTest{
			registry:   r,
			ds:         ds,
			collection: testfixtures.Posts,
			body:       body.New().Field("title").Link("author", body.New().Field("name")),
		}.run(t)
		require.NoError(t, err)
		require.Equal(t, 1, metrics.PerCollection[testfixtures.Authors])
	})
}

func TestFetchFirewalls(t *testing.T) {
	ds := storagefixtures.MustBootstrapSeededDatastore(t, "memory")

	t.Run("mutations_are_honored", func(t *testing.T) {
		r := testfixtures.MustNewRegistry()
		var seenUser string
		require.NoError(t, r.AddFirewall(testfixtures.Posts, func(_ context.Context, filters storage.Filter, options *storage.FindOptions, userID string) error {
			seenUser = userID
			filters["published"] = true
			options.Omit = append(options.Omit, "createdAt")
			return nil
		}))

		docs, _, err := fetchTest{
			registry:   r,
			ds:         ds,
			collection: testfixtures.Authors,
			body:       body.New().Field("name").Link("posts", body.New()),
			req:        Request{UserID: "user1"},
		}.run(t)
		require.NoError(t, err)
		require.Equal(t, "user1", seenUser)

		for _, doc := range docs {
			for _, p := range doc["posts"].([]any) {
				post := p.(map[string]any)
				require.Equal(t, true, post["published"])
				require.NotContains(t, post, "createdAt")
			}
		}
	})

	t.Run("nested_operators", func(t *testing.T) {
		r := testfixtures.MustNewRegistry()
		require.NoError(t, r.AddFirewall(testfixtures.Posts, func(_ context.Context, filters storage.Filter, _ *storage.FindOptions, _ string) error {
			filters["createdAt"] = storage.Filter{"$gte": 8}
			return nil
		}))

		docs, _, err := fetchTest{
			registry:   r,
			ds:         ds,
			collection: testfixtures.Posts,
			body:       body.New().Field("title"),
		}.run(t)
		require.NoError(t, err)
		require.Len(t, docs, 3)
	})

	t.Run("veto_is_logged", func(t *testing.T) {
		r := testfixtures.MustNewRegistry()
		require.NoError(t, r.AddFirewall(testfixtures.Posts, schema.DenyAll(errors.New("posts are private"))))

		l, logs := logger.NewObserverLogger("info")
		_, _, err := fetchTest{
			registry:   r,
			ds:         ds,
			collection: testfixtures.Posts,
			body:       body.New().Field("title"),
			req:        Request{UserID: "user1"},
			logger:     l,
		}.run(t)
		require.ErrorIs(t, err, grapherErrors.ErrSecurity)

		vetoes := logs.FilterMessage("firewall rejected the request")
		require.Equal(t, 1, vetoes.Len())
		require.Equal(t, "user1", vetoes.All()[0].ContextMap()["user_id"])
	})

	t.Run("veto", func(t *testing.T) {
		r := testfixtures.MustNewRegistry()
		require.NoError(t, r.AddFirewall(testfixtures.Posts, schema.DenyAll(errors.New("posts are private"))))

		_, _, err := fetchTest{
			registry:   r,
			ds:         ds,
			collection: testfixtures.Authors,
			body:       body.New().Field("name").Link("posts", body.New().Field("title")),
		}.run(t)

		var forbidden *grapherErrors.ForbiddenError
		require.ErrorAs(t, err, &forbidden)
		require.ErrorIs(t, err, grapherErrors.ErrSecurity)
		require.Equal(t, "forbidden: posts are private", err.Error())

		docs, _, err := fetchTest{
			registry:   r,
			ds:         ds,
			collection: testfixtures.Authors,
			body:       body.New().Field("name").Link("posts", body.New().Field("title")),
			req:        Request{BypassFirewalls: true},
		}.run(t)
		require.NoError(t, err)
		require.Len(t, docs, 3)
	})

	t.Run("root_veto_issues_no_query", func(t *testing.T) {
		mockController := gomock.NewController(t)
		defer mockController.Finish()

		mockDatastore := mocks.NewMockDatastore(mockController)
		mockDatastore.EXPECT().Find(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

		r := testfixtures.MustNewRegistry()
		require.NoError(t, r.AddFirewall(testfixtures.Posts, schema.DenyAll(errors.New("no"))))

		_, _, err := fetchTest{registry: r, ds: mockDatastore, collection: testfixtures.Posts, body: body.New()}.run(t)
		require.ErrorIs(t, err, grapherErrors.ErrSecurity)
	})
}

func TestFetchReducers(t *testing.T) {
	ds := storagefixtures.MustBootstrapSeededDatastore(t, "memory")

	docs, _, err := fetchTest{
		ds:         ds,
		collection: testfixtures.Authors,
		body:       body.New().Field("greeting", "postCount").Filter(map[string]any{"_id": "author1"}),
		req:        Request{Params: map[string]any{"salutation": "Dear"}},
	}.run(t)
	require.NoError(t, err)

	require.Equal(t, []document.Document{{
		"_id":       "author1",
		"greeting":  "Dear, First1 Last1",
		"postCount": 3,
	}}, docs)
}

func TestFetchErrors(t *testing.T) {
	t.Run("store_errors_propagate", func(t *testing.T) {
		mockController := gomock.NewController(t)
		defer mockController.Finish()

		errDown := errors.New("datastore is down")
		mockDatastore := mocks.NewMockDatastore(mockController)
		mockDatastore.EXPECT().Find(gomock.Any(), testfixtures.Authors, gomock.Any(), gomock.Any()).
			Return([]document.Document{{"_id": "author1"}}, nil)
		mockDatastore.EXPECT().Find(gomock.Any(), testfixtures.Posts, gomock.Any(), gomock.Any()).
			Return(nil, errDown)

		_, _, err := fetchTest{
			ds:         mockDatastore,
			collection: testfixtures.Authors,
			body:       body.New().Field("name").Link("posts", body.New()),
		}.run(t)
		require.ErrorIs(t, err, errDown)
	})

	t.Run("cancellation", func(t *testing.T) {
		ds := storagefixtures.MustBootstrapSeededDatastore(t, "memory")
		slow := mocks.NewMockSlowDataStorage(ds, time.Second)

		r := testfixtures.MustNewRegistry()
		root, err := graph.Build(r, testfixtures.Posts, body.New(), graph.BuildOptions{})
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		_, err = NewResolver(r, slow).Fetch(ctx, Request{Root: root})
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("no_root", func(t *testing.T) {
		_, err := NewResolver(testfixtures.MustNewRegistry(), nil).Fetch(context.Background(), Request{})
		require.Error(t, err)
	})
}

func TestSignatureIgnoresKeyOrderAndJoinValues(t *testing.T) {
	a := signature{collection: "authors", joinField: "_id", filters: storage.Filter{"a": 1, "b": map[string]any{"x": 1, "y": 2}}}
	b := signature{collection: "authors", joinField: "_id", filters: storage.Filter{"b": map[string]any{"y": 2, "x": 1}, "a": 1}}
	c := signature{collection: "authors", joinField: "_id", filters: storage.Filter{"a": 1}, options: storage.FindOptions{Fields: []string{"name"}}}

	ka, err := a.key()
	require.NoError(t, err)
	kb, err := b.key()
	require.NoError(t, err)
	kc, err := c.key()
	require.NoError(t, err)

	require.Equal(t, ka, kb)
	require.NotEqual(t, ka, kc)
}

func TestPassCacheFetchesMissingValuesOnly(t *testing.T) {
	cache := newPassCache()
	sig := signature{collection: "authors", joinField: "_id"}

	var loaded [][]any
	load := func(_ context.Context, keys []any) ([]document.Document, error) {
		loaded = append(loaded, keys)
		out := make([]document.Document, 0, len(keys))
		for _, k := range keys {
			out = append(out, document.Document{"_id": k})
		}
		return out, nil
	}

	rows, err := cache.get(context.Background(), sig, []any{"a", "b"}, load)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	rows, err = cache.get(context.Background(), sig, []any{"b", "c"}, load)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	_, err = cache.get(context.Background(), sig, []any{"a", "c"}, load)
	require.NoError(t, err)

	require.Equal(t, [][]any{{"a", "b"}, {"c"}}, loaded)
}

func TestPassCacheConcurrentReadsLoadOnce(t *testing.T) {
	cache := newPassCache()
	sig := signature{collection: "authors", joinField: "_id"}

	var loads atomic.Int32
	load := func(_ context.Context, keys []any) ([]document.Document, error) {
		loads.Add(1)
		time.Sleep(10 * time.Millisecond)
		out := make([]document.Document, 0, len(keys))
		for _, k := range keys {
			out = append(out, document.Document{"_id": k})
		}
		return out, nil
	}

	const readers = 8
	results := make([][]document.Document, readers)
	var wg sync.WaitGroup
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rows, err := cache.get(context.Background(), sig, []any{"a", "b"}, load)
			assert.NoError(t, err)
			results[i] = rows
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), loads.Load())
	for _, rows := range results {
		require.Len(t, rows, 2)
	}
}
