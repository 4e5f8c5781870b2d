package server

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/mock/gomock"

	"github.com/openfga/grapher/internal/mocks"
	"github.com/openfga/grapher/internal/resolver"
	serverconfig "github.com/openfga/grapher/internal/server/config"
	"github.com/openfga/grapher/pkg/body"
	"github.com/openfga/grapher/pkg/document"
	grapherErrors "github.com/openfga/grapher/pkg/errors"
	serverErrors "github.com/openfga/grapher/pkg/server/errors"
	"github.com/openfga/grapher/pkg/storage"
	"github.com/openfga/grapher/pkg/storage/memory"
	"github.com/openfga/grapher/pkg/testfixtures"
	storagefixtures "github.com/openfga/grapher/pkg/testfixtures/storage"
)

func ExampleNewServerWithOpts() {
	datastore := memory.New() // mongodb is also supported
	defer datastore.Close()

	if err := testfixtures.Seed(context.Background(), datastore); err != nil {
		panic(err)
	}

	grapher, err := NewServerWithOpts(
		WithDatastore(datastore),
		WithRegistry(testfixtures.MustNewRegistry()),
		WithMaxDepth(5),
		// more options available
	)
	if err != nil {
		panic(err)
	}
	defer grapher.Close()

	post, err := grapher.FetchOne(context.Background(), testfixtures.Posts,
		body.MustParse(`{"title": 1, "author": {"name": 1}, "$filters": {"_id": "post1"}}`),
		QueryOptions{},
	)
	if err != nil {
		panic(err)
	}
	fmt.Println(post["title"], post["author"].(map[string]any)["name"])
	// Output: Post 1 Author 2
}

func TestServerPanicIfNoDatastore(t *testing.T) {
	require.PanicsWithError(t, "failed to construct the grapher server: a datastore option must be provided", func() {
		_ = MustNewServerWithOpts()
	})
}

func mustNewServer(t *testing.T, ds storage.Datastore, opts ...GrapherServiceOption) *Server {
	t.Helper()
	s := MustNewServerWithOpts(append([]GrapherServiceOption{
		WithDatastore(ds),
		WithRegistry(testfixtures.MustNewRegistry()),
	}, opts...)...)
	t.Cleanup(s.Close)
	return s
}

func TestGuardrailsIssueNoQuery(t *testing.T) {
	mockController := gomock.NewController(t)
	defer mockController.Finish()

	mockDatastore := mocks.NewMockDatastore(mockController)
	mockDatastore.EXPECT().Find(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

	s := mustNewServer(t, mockDatastore, WithMaxDepth(2), WithMaxLimit(5))

	tests := []struct {
		name       string
		collection string
		body       *body.Body
		check      func(t *testing.T, err error)
	}{
		{
			name:       "max_depth",
			collection: testfixtures.Authors,
			body: body.New().Link("posts", body.New().
				Link("comments", body.New().
					Link("author", body.New().Field("name")))),
			check: func(t *testing.T, err error) {
				var target *grapherErrors.MaxDepthExceededError
				require.ErrorAs(t, err, &target)
				require.ErrorIs(t, err, grapherErrors.ErrRequest)
			},
		},
		{
			name:       "max_limit",
			collection: testfixtures.Posts,
			body:       body.New().Field("title").Limit(10),
			check: func(t *testing.T, err error) {
				var target *grapherErrors.MaxLimitExceededError
				require.ErrorAs(t, err, &target)
				require.ErrorIs(t, err, grapherErrors.ErrRequest)
			},
		},
		{
			name:       "meta_outside_metadata_link",
			collection: testfixtures.Posts,
			body:       body.New().Link("author", body.New().WithMeta(map[string]any{"role": "admin"})),
			check: func(t *testing.T, err error) {
				var target *grapherErrors.MetaFilterError
				require.ErrorAs(t, err, &target)
			},
		},
		{
			name:       "unknown_collection",
			collection: "unknown",
			body:       body.New(),
			check: func(t *testing.T, err error) {
				require.ErrorIs(t, err, grapherErrors.ErrConfiguration)
			},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := s.Fetch(context.Background(), test.collection, test.body, QueryOptions{})
			test.check(t, err)
		})
	}
}

func TestFetch(t *testing.T) {
	ds := storagefixtures.MustBootstrapSeededDatastore(t, "memory")
	s := mustNewServer(t, ds, WithMaxLimit(4), WithMaxConcurrentReads(2))
	ctx := context.Background()

	t.Run("root_limit_defaults_to_max_limit", func(t *testing.T) {
		docs, err := s.Fetch(ctx, testfixtures.Posts, body.New().Field("title"), QueryOptions{})
		require.NoError(t, err)
		require.Len(t, docs, 4)
	})

	t.Run("fetch_one", func(t *testing.T) {
		doc, err := s.FetchOne(ctx, testfixtures.Posts, body.New().Field("title").Sort("createdAt", true), QueryOptions{})
		require.NoError(t, err)
		require.Equal(t, document.Document{"_id": "post10", "title": "Post 10"}, doc)

		doc, err = s.FetchOne(ctx, testfixtures.Posts, body.New().Filter(map[string]any{"_id": "missing"}), QueryOptions{})
		require.NoError(t, err)
		require.Nil(t, doc)
	})

	t.Run("link_mutations_are_visible", func(t *testing.T) {
		link, err := s.Link(document.Document{"_id": "post1", "authorId": "author2"}, testfixtures.Posts, "category")
		require.NoError(t, err)
		require.NoError(t, link.Set(ctx, "category2"))

		doc, err := s.FetchOne(ctx, testfixtures.Posts, body.New().Filter(map[string]any{"_id": "post1"}).
			Link("category", body.New().Field("name")), QueryOptions{})
		require.NoError(t, err)
		require.Equal(t, map[string]any{"_id": "category2", "name": "Category 2"}, doc["category"])
	})
}

func TestSubscribe(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ds := storagefixtures.MustBootstrapSeededDatastore(t, "memory")
	s := mustNewServer(t, ds)
	ctx := context.Background()

	collector := resolver.NewCollector()
	session, err := s.Subscribe(ctx, testfixtures.Posts, body.New().Field("title").Link("author", body.New().Field("name")), collector, QueryOptions{})
	require.NoError(t, err)

	require.Equal(t, testfixtures.NumPosts, collector.Len(testfixtures.Posts))
	require.Equal(t, testfixtures.NumAuthors, collector.Len(testfixtures.Authors))

	_, err = ds.Update(ctx, testfixtures.Authors, storage.Filter{"_id": "author1"}, storage.Update{Set: map[string]any{"name": "Renamed"}})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		author, _ := collector.Get(testfixtures.Authors, "author1")
		return author["name"] == "Renamed"
	}, 2*time.Second, 5*time.Millisecond)

	session.Stop()
}

func TestNamedQueries(t *testing.T) {
	ds := storagefixtures.MustBootstrapSeededDatastore(t, "memory")
	s := mustNewServer(t, ds)
	ctx := context.Background()

	q, err := s.CreateNamedQuery("postsList", testfixtures.Posts,
		body.New().Field("title", "createdAt").Sort("createdAt", false).Link("author", body.New().Field("name", "email")),
		NamedQueryOptions{
			Params: map[string]any{"published": true},
			ValidateParams: func(params map[string]any) error {
				if _, ok := params["published"].(bool); !ok {
					return errors.New("published must be a boolean")
				}
				return nil
			},
		})
	require.NoError(t, err)
	require.Equal(t, "postsList", q.Name())

	t.Run("duplicate", func(t *testing.T) {
		_, err := s.CreateNamedQuery("postsList", testfixtures.Posts, body.New(), NamedQueryOptions{})
		var exists *serverErrors.NamedQueryExistsError
		require.ErrorAs(t, err, &exists)
		require.ErrorIs(t, err, grapherErrors.ErrConfiguration)
	})

	t.Run("unknown_collection", func(t *testing.T) {
		_, err := s.CreateNamedQuery("other", "unknown", body.New(), NamedQueryOptions{})
		require.ErrorIs(t, err, grapherErrors.ErrConfiguration)
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := s.FetchNamed(ctx, "missing", nil, "user1")
		var unknown *serverErrors.UnknownNamedQueryError
		require.ErrorAs(t, err, &unknown)
	})

	t.Run("not_exposed", func(t *testing.T) {
		_, err := s.FetchNamed(ctx, "postsList", nil, "user1")
		require.ErrorIs(t, err, serverErrors.ErrNotExposed)

		docs, err := q.Fetch(ctx, nil)
		require.NoError(t, err)
		require.Len(t, docs, testfixtures.NumPosts)
	})

	var firewallCalls []string
	require.NoError(t, q.Expose(ExposeConfig{
		Firewall: []NamedQueryFirewall{
			func(_ context.Context, userID string, _ map[string]any) error {
				firewallCalls = append(firewallCalls, "first:"+userID)
				return nil
			},
			func(_ context.Context, userID string, _ map[string]any) error {
				firewallCalls = append(firewallCalls, "second:"+userID)
				if userID == "" {
					return errors.New("anonymous users cannot list posts")
				}
				return nil
			},
		},
		Embody: func(b *body.Body, params map[string]any) error {
			b.Filter(map[string]any{"published": params["published"]})
			return nil
		},
		MaxLimit: 3,
	}))
	require.ErrorIs(t, q.Expose(ExposeConfig{}), serverErrors.ErrAlreadyExposed)

	t.Run("exposed", func(t *testing.T) {
		firewallCalls = nil
		docs, err := s.FetchNamed(ctx, "postsList", nil, "user1")
		require.NoError(t, err)
		require.Equal(t, []string{"first:user1", "second:user1"}, firewallCalls)

		require.Len(t, docs, 3)
		for i, doc := range docs {
			require.Equal(t, testfixtures.PostID(2*i+1), doc["_id"])
			require.Contains(t, doc, "author")
		}
	})

	t.Run("subscribe", func(t *testing.T) {
		collector := resolver.NewCollector()
		session, err := s.SubscribeNamed(ctx, "postsList", nil, "user1", collector)
		require.NoError(t, err)
		defer session.Stop()

		require.Equal(t, 3, collector.Len(testfixtures.Posts))
		post, ok := collector.Get(testfixtures.Posts, "post1")
		require.True(t, ok)
		require.NotContains(t, post, session.ScopeField())

		_, err = s.SubscribeNamed(ctx, "postsList", nil, "", resolver.NewCollector())
		require.ErrorIs(t, err, grapherErrors.ErrSecurity)
	})

	t.Run("body_param_narrows", func(t *testing.T) {
		docs, err := s.FetchNamed(ctx, "postsList", map[string]any{
			"published": false,
			"$body":     map[string]any{"title": 1, "secret": 1, "author": map[string]any{"name": 1}},
		}, "user1")
		require.NoError(t, err)
		require.Len(t, docs, 3)
		require.Equal(t, document.Document{
			"_id":    "post2",
			"title":  "Post 2",
			"author": map[string]any{"_id": "author3", "name": "Author 3"},
		}, docs[0])
	})

	t.Run("invalid_params", func(t *testing.T) {
		_, err := s.FetchNamed(ctx, "postsList", map[string]any{"published": "yes"}, "user1")
		var invalid *serverErrors.InvalidParamsError
		require.ErrorAs(t, err, &invalid)
		require.ErrorIs(t, err, grapherErrors.ErrRequest)
	})

	t.Run("firewall_veto", func(t *testing.T) {
		firewallCalls = nil
		_, err := s.FetchNamed(ctx, "postsList", nil, "")
		require.ErrorIs(t, err, grapherErrors.ErrSecurity)
		require.Equal(t, "forbidden: anonymous users cannot list posts", err.Error())
		require.Equal(t, []string{"first:", "second:"}, firewallCalls)
	})
}

func TestNamedQueryEmbodyBody(t *testing.T) {
	ds := storagefixtures.MustBootstrapSeededDatastore(t, "memory")
	s := mustNewServer(t, ds)
	ctx := context.Background()

	q, err := s.CreateNamedQuery("authorByID", testfixtures.Authors,
		body.New().Field("name").Filter(map[string]any{"_id": "author2"}), NamedQueryOptions{})
	require.NoError(t, err)
	require.NoError(t, q.Expose(ExposeConfig{
		EmbodyBody: body.New().Field("email").Filter(map[string]any{"_id": "author1"}).
			Link("posts", body.New().Field("title").Filter(map[string]any{"published": true})),
		Scoped: true,
	}))

	docs, err := s.FetchNamed(ctx, "authorByID", nil, "user1")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Equal(t, "author1", docs[0]["_id"])
	require.Equal(t, "Author 1", docs[0]["name"])
	require.Equal(t, "author1@example.com", docs[0]["email"])

	// author1 wrote post3, post6 and post9; only odd posts are published
	posts, ok := docs[0]["posts"].([]any)
	require.True(t, ok)
	require.Len(t, posts, 2)

	t.Run("scoped_subscription", func(t *testing.T) {
		collector := resolver.NewCollector()
		session, err := s.SubscribeNamed(ctx, "authorByID", nil, "user1", collector)
		require.NoError(t, err)
		defer session.Stop()

		author, ok := collector.Get(testfixtures.Authors, "author1")
		require.True(t, ok)
		require.Equal(t, 1, author[session.ScopeField()])
		require.Equal(t, 1, collector.Len(testfixtures.Authors))
		require.Equal(t, 2, collector.Len(testfixtures.Posts))
	})
}

type countingDatastore struct {
	storage.Datastore
	finds atomic.Int32
}

func (c *countingDatastore) Find(ctx context.Context, collection string, filter storage.Filter, options storage.FindOptions) ([]document.Document, error) {
	c.finds.Add(1)
	return c.Datastore.Find(ctx, collection, filter, options)
}

func TestNamedQueryCache(t *testing.T) {
	ds := &countingDatastore{Datastore: storagefixtures.MustBootstrapSeededDatastore(t, "memory")}
	s := mustNewServer(t, ds, WithNamedQueryCache(serverconfig.NamedQueryCacheConfig{
		Enabled: true,
		Limit:   100,
		TTL:     time.Minute,
	}))
	ctx := context.Background()

	q, err := s.CreateNamedQuery("groups", testfixtures.Groups, body.New().Field("name"), NamedQueryOptions{})
	require.NoError(t, err)
	require.NoError(t, q.Expose(ExposeConfig{Cache: true}))

	first, err := s.FetchNamed(ctx, "groups", nil, "user1")
	require.NoError(t, err)
	require.Len(t, first, 2)
	require.Equal(t, int32(1), ds.finds.Load())

	// callers get copies of the cached documents
	first[0]["name"] = "changed"

	second, err := s.FetchNamed(ctx, "groups", nil, "user1")
	require.NoError(t, err)
	require.Equal(t, "Group 1", second[0]["name"])
	require.Equal(t, int32(1), ds.finds.Load())

	_, err = s.FetchNamed(ctx, "groups", nil, "user2")
	require.NoError(t, err)
	require.Equal(t, int32(2), ds.finds.Load())

	_, err = s.FetchNamed(ctx, "groups", map[string]any{"page": 2}, "user1")
	require.NoError(t, err)
	require.Equal(t, int32(3), ds.finds.Load())
}
