// Package server is the entry point of grapher: it ties a datastore, a link registry
// and the resolver together and serves one-shot queries, live subscriptions and named
// queries.
package server

import (
	"context"
	"fmt"
	"sync"

	"github.com/Yiling-J/theine-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/openfga/grapher/internal/graph"
	"github.com/openfga/grapher/internal/resolver"
	serverconfig "github.com/openfga/grapher/internal/server/config"
	"github.com/openfga/grapher/pkg/body"
	"github.com/openfga/grapher/pkg/document"
	"github.com/openfga/grapher/pkg/logger"
	"github.com/openfga/grapher/pkg/schema"
	serverErrors "github.com/openfga/grapher/pkg/server/errors"
	"github.com/openfga/grapher/pkg/storage"
	"github.com/openfga/grapher/pkg/storage/storagewrappers"
	"github.com/openfga/grapher/pkg/telemetry"
)

var tracer = otel.Tracer("grapher/pkg/server")

// Server resolves queries over the collections of its registry.
type Server struct {
	datastore storage.Datastore
	registry  *schema.Registry
	logger    logger.Logger
	resolver  *resolver.Resolver

	maxDepth           int
	maxLimit           int
	breadthLimit       int
	maxConcurrentReads uint32

	namedQueryCacheConfig serverconfig.NamedQueryCacheConfig
	resultCache           *theine.Cache[string, []document.Document]
	inflight              singleflight.Group

	mu           sync.RWMutex
	namedQueries map[string]*NamedQuery // GUARDED_BY(mu)
}

type GrapherServiceOption func(s *Server)

func WithDatastore(ds storage.Datastore) GrapherServiceOption {
	return func(s *Server) {
		s.datastore = ds
	}
}

// WithRegistry sets the link registry. A new empty registry is used by default.
func WithRegistry(r *schema.Registry) GrapherServiceOption {
	return func(s *Server) {
		s.registry = r
	}
}

func WithLogger(l logger.Logger) GrapherServiceOption {
	return func(s *Server) {
		s.logger = l
	}
}

// WithMaxDepth sets the deepest link level a query may reach. Zero means unlimited.
func WithMaxDepth(depth int) GrapherServiceOption {
	return func(s *Server) {
		s.maxDepth = depth
	}
}

// WithMaxLimit sets the largest limit a query level may ask for, and the limit of root
// levels without one. Zero means unlimited.
func WithMaxLimit(limit int) GrapherServiceOption {
	return func(s *Server) {
		s.maxLimit = limit
	}
}

// WithBreadthLimit sets how many node groups of a level are fetched concurrently.
func WithBreadthLimit(limit int) GrapherServiceOption {
	return func(s *Server) {
		s.breadthLimit = limit
	}
}

// WithMaxConcurrentReads bounds the number of concurrent datastore reads of the server.
func WithMaxConcurrentReads(n uint32) GrapherServiceOption {
	return func(s *Server) {
		s.maxConcurrentReads = n
	}
}

// WithNamedQueryCache configures the result cache of exposed named queries that
// ask for it.
func WithNamedQueryCache(cfg serverconfig.NamedQueryCacheConfig) GrapherServiceOption {
	return func(s *Server) {
		s.namedQueryCacheConfig = cfg
	}
}

// MustNewServerWithOpts see NewServerWithOpts.
func MustNewServerWithOpts(opts ...GrapherServiceOption) *Server {
	s, err := NewServerWithOpts(opts...)
	if err != nil {
		panic(fmt.Errorf("failed to construct the grapher server: %w", err))
	}

	return s
}

// NewServerWithOpts returns a new server. You must call Close on it after you are
// done using it.
func NewServerWithOpts(opts ...GrapherServiceOption) (*Server, error) {
	s := &Server{
		logger:                logger.NewNoopLogger(),
		maxDepth:              serverconfig.DefaultMaxDepth,
		maxLimit:              serverconfig.DefaultMaxLimit,
		breadthLimit:          serverconfig.DefaultResolveBreadthLimit,
		maxConcurrentReads:    serverconfig.DefaultMaxConcurrentReads,
		namedQueryCacheConfig: serverconfig.NewDefaultNamedQueryCacheConfig(),
		namedQueries:          make(map[string]*NamedQuery),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.datastore == nil {
		return nil, serverErrors.ErrMissingDatastore
	}
	if s.registry == nil {
		s.registry = schema.NewRegistry()
	}
	if s.maxDepth < 0 || s.maxLimit < 0 {
		return nil, fmt.Errorf("max depth and max limit must be non-negative")
	}

	var reader storage.DocumentReader = s.datastore
	if s.maxConcurrentReads > 0 && s.maxConcurrentReads < serverconfig.DefaultMaxConcurrentReads {
		reader = storagewrappers.NewBoundedConcurrencyReader(reader, s.maxConcurrentReads)
	}

	s.resolver = resolver.NewResolver(s.registry, reader,
		resolver.WithLogger(s.logger),
		resolver.WithBreadthLimit(s.breadthLimit),
		resolver.WithChangeWatcher(s.datastore),
	)

	if s.namedQueryCacheConfig.ShouldCacheNamedQueries() {
		cache, err := theine.NewBuilder[string, []document.Document](int64(s.namedQueryCacheConfig.Limit)).Build()
		if err != nil {
			return nil, fmt.Errorf("failed to build the named query cache: %w", err)
		}
		s.resultCache = cache
	}

	return s, nil
}

// Close releases the server caches. The datastore is owned by the caller.
func (s *Server) Close() {
	if s.resultCache != nil {
		s.resultCache.Close()
	}
}

func (s *Server) Registry() *schema.Registry {
	return s.registry
}

// Link returns the link instance of object for the link name of collection, used to
// read and mutate its relations.
func (s *Server) Link(object document.Document, collection, name string) (*schema.Link, error) {
	return s.registry.GetLink(object, collection, name, s.datastore)
}

// QueryOptions are the caller-side inputs of a query.
type QueryOptions struct {
	UserID string
	Params map[string]any

	// BypassFirewalls skips collection firewalls. Only trusted callers should set it.
	BypassFirewalls bool
}

func (s *Server) buildOptions(params map[string]any) graph.BuildOptions {
	return graph.BuildOptions{
		MaxDepth: s.maxDepth,
		MaxLimit: s.maxLimit,
		Params:   params,
	}
}

// Fetch resolves b against collection and returns the nested result. Every guardrail
// is checked before the datastore is read.
func (s *Server) Fetch(ctx context.Context, collection string, b *body.Body, opts QueryOptions) ([]document.Document, error) {
	ctx, span := tracer.Start(ctx, "Fetch")
	defer span.End()
	span.SetAttributes(attribute.String("collection", collection))

	root, err := graph.Build(s.registry, collection, b, s.buildOptions(opts.Params))
	if err != nil {
		telemetry.TraceError(span, err)
		return nil, err
	}

	return s.resolver.Fetch(ctx, resolver.Request{
		Root:            root,
		UserID:          opts.UserID,
		Params:          opts.Params,
		BypassFirewalls: opts.BypassFirewalls,
	})
}

// FetchOne is Fetch limited to the first document. It returns nil when nothing
// matches.
func (s *Server) FetchOne(ctx context.Context, collection string, b *body.Body, opts QueryOptions) (document.Document, error) {
	if b == nil {
		b = body.New()
	}
	one := b.Clone().Limit(1)

	docs, err := s.Fetch(ctx, collection, one, opts)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}
	return docs[0], nil
}

// Subscribe publishes the documents reached by b to sink and keeps them up to date
// until the returned session is stopped or ctx is done. Denormalized copies are not
// used so every published document is watched in its own collection.
func (s *Server) Subscribe(ctx context.Context, collection string, b *body.Body, sink resolver.Sink, opts QueryOptions, sessionOpts ...resolver.SessionOption) (*resolver.Session, error) {
	buildOpts := s.buildOptions(opts.Params)
	buildOpts.BypassDenormalization = true

	root, err := graph.Build(s.registry, collection, b, buildOpts)
	if err != nil {
		return nil, err
	}

	session, err := s.resolver.Compose(ctx, resolver.Request{
		Root:            root,
		UserID:          opts.UserID,
		Params:          opts.Params,
		BypassFirewalls: opts.BypassFirewalls,
	}, sink, sessionOpts...)
	if err != nil {
		return nil, err
	}

	s.logger.DebugWithContext(ctx, "live session started",
		zap.String("collection", collection),
		zap.String("session_id", session.ID()),
	)
	return session, nil
}
