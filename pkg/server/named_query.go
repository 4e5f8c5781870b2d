package server

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/openfga/grapher/internal/build"
	"github.com/openfga/grapher/internal/graph"
	"github.com/openfga/grapher/internal/resolver"
	"github.com/openfga/grapher/pkg/body"
	"github.com/openfga/grapher/pkg/document"
	grapherErrors "github.com/openfga/grapher/pkg/errors"
	serverErrors "github.com/openfga/grapher/pkg/server/errors"
	"github.com/openfga/grapher/pkg/telemetry"
)

var (
	namedQueryCacheCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "named_query_cache_requests_total",
		Help:      "The total number of exposed named query fetches going through the result cache, by outcome (hit, miss).",
	}, []string{"outcome"})

	deduplicatedNamedQueriesCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "deduplicated_named_queries_total",
		Help:      "The total number of named query fetches that shared the result of a concurrent identical fetch.",
	})
)

var errBodyNotAnObject = errors.New("must be an object")

// ParamsValidator checks the params of a named query before anything else runs.
type ParamsValidator func(params map[string]any) error

// NamedQueryFirewall runs before an exposed named query is built. A non-nil error
// rejects the fetch.
type NamedQueryFirewall func(ctx context.Context, userID string, params map[string]any) error

// Embody rewrites the body of an exposed named query from its params, after the
// client's $body was intersected with it.
type Embody func(b *body.Body, params map[string]any) error

type NamedQueryOptions struct {
	// Params are the default params, overridden by the params of each fetch.
	Params         map[string]any
	ValidateParams ParamsValidator
}

// ExposeConfig makes a named query fetchable by clients.
type ExposeConfig struct {
	Firewall []NamedQueryFirewall

	// EmbodyBody is deep-merged into the body after the client's $body was intersected
	// with it. Its filters override those of the body. Embody runs afterwards.
	EmbodyBody *body.Body
	Embody     Embody

	// MaxLimit and MaxDepth tighten the server guardrails for this query.
	MaxLimit int
	MaxDepth int

	// Cache stores results in the server result cache, when it is enabled.
	Cache bool

	// Scoped adds the session scope field to the documents of live subscriptions.
	Scoped bool
}

// NamedQuery is a query body registered under a name. Server-side code fetches it
// directly; clients only reach it once exposed.
type NamedQuery struct {
	server     *Server
	name       string
	collection string
	body       *body.Body
	opts       NamedQueryOptions

	mu       sync.RWMutex
	exposure *ExposeConfig // GUARDED_BY(mu)
}

// CreateNamedQuery registers b on collection under name.
func (s *Server) CreateNamedQuery(name, collection string, b *body.Body, opts NamedQueryOptions) (*NamedQuery, error) {
	if !s.registry.HasCollection(collection) {
		return nil, fmt.Errorf("%w: unknown collection '%s'", grapherErrors.ErrConfiguration, collection)
	}
	if b == nil {
		b = body.New()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.namedQueries[name]; ok {
		return nil, &serverErrors.NamedQueryExistsError{Name: name}
	}

	q := &NamedQuery{
		server:     s,
		name:       name,
		collection: collection,
		body:       b.Clone(),
		opts:       opts,
	}
	s.namedQueries[name] = q
	return q, nil
}

// NamedQuery returns the named query registered under name.
func (s *Server) NamedQuery(name string) (*NamedQuery, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.namedQueries[name]
	return q, ok
}

func (q *NamedQuery) Name() string {
	return q.name
}

// Expose makes the query fetchable by clients. It may only be called once.
func (q *NamedQuery) Expose(cfg ExposeConfig) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.exposure != nil {
		return serverErrors.ErrAlreadyExposed
	}
	q.exposure = &cfg
	return nil
}

func (q *NamedQuery) exposed() (ExposeConfig, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.exposure == nil {
		return ExposeConfig{}, false
	}
	return *q.exposure, true
}

func (q *NamedQuery) params(params map[string]any) (map[string]any, error) {
	merged := maps.Clone(q.opts.Params)
	if merged == nil {
		merged = make(map[string]any, len(params))
	}
	maps.Copy(merged, params)

	if q.opts.ValidateParams != nil {
		if err := q.opts.ValidateParams(merged); err != nil {
			return nil, &serverErrors.InvalidParamsError{Name: q.name, Cause: err}
		}
	}
	return merged, nil
}

// Fetch resolves the query as a trusted server-side caller: exposure settings and
// collection firewalls do not apply.
func (q *NamedQuery) Fetch(ctx context.Context, params map[string]any) ([]document.Document, error) {
	params, err := q.params(params)
	if err != nil {
		return nil, err
	}
	return q.server.Fetch(ctx, q.collection, q.body, QueryOptions{Params: params, BypassFirewalls: true})
}

// FetchNamed resolves the exposed named query name on behalf of userID. The params
// are validated, the exposure firewalls run in order, the client's $body param
// narrows the query body and the exposure embodies it before the tree is built.
func (s *Server) FetchNamed(ctx context.Context, name string, params map[string]any, userID string) ([]document.Document, error) {
	ctx, span := tracer.Start(ctx, "FetchNamed")
	defer span.End()
	span.SetAttributes(attribute.String("named_query", name))

	q, exposure, params, err := s.exposedQuery(ctx, name, params, userID)
	if err != nil {
		telemetry.TraceError(span, err)
		return nil, err
	}

	fetch := func() ([]document.Document, error) {
		root, err := s.buildExposed(q, exposure, params, false)
		if err != nil {
			return nil, err
		}
		return s.resolver.Fetch(ctx, resolver.Request{Root: root, UserID: userID, Params: params})
	}
	if !exposure.Cache || s.resultCache == nil {
		return fetch()
	}

	key, err := namedQueryCacheKey(name, userID, params)
	if err != nil {
		return nil, err
	}
	if docs, ok := s.resultCache.Get(key); ok {
		namedQueryCacheCounter.WithLabelValues("hit").Inc()
		return cloneDocuments(docs), nil
	}
	namedQueryCacheCounter.WithLabelValues("miss").Inc()

	res, err, shared := s.inflight.Do(key, func() (any, error) {
		docs, err := fetch()
		if err != nil {
			return nil, err
		}
		s.resultCache.SetWithTTL(key, docs, 1, s.namedQueryCacheConfig.TTL)
		return docs, nil
	})
	if shared {
		deduplicatedNamedQueriesCounter.Inc()
	}
	if err != nil {
		return nil, err
	}
	return cloneDocuments(res.([]document.Document)), nil
}

// SubscribeNamed publishes the exposed named query name to sink on behalf of userID
// and keeps it up to date, as Subscribe does. The exposure applies as for FetchNamed.
// Results are never cached.
func (s *Server) SubscribeNamed(ctx context.Context, name string, params map[string]any, userID string, sink resolver.Sink) (*resolver.Session, error) {
	ctx, span := tracer.Start(ctx, "SubscribeNamed")
	defer span.End()
	span.SetAttributes(attribute.String("named_query", name))

	q, exposure, params, err := s.exposedQuery(ctx, name, params, userID)
	if err != nil {
		telemetry.TraceError(span, err)
		return nil, err
	}
	root, err := s.buildExposed(q, exposure, params, true)
	if err != nil {
		telemetry.TraceError(span, err)
		return nil, err
	}

	var sessionOpts []resolver.SessionOption
	if exposure.Scoped {
		sessionOpts = append(sessionOpts, resolver.WithScope())
	}
	session, err := s.resolver.Compose(ctx, resolver.Request{Root: root, UserID: userID, Params: params}, sink, sessionOpts...)
	if err != nil {
		telemetry.TraceError(span, err)
		return nil, err
	}

	s.logger.DebugWithContext(ctx, "named query session started",
		zap.String("named_query", name),
		zap.String("session_id", session.ID()),
	)
	return session, nil
}

// exposedQuery looks up the exposed query name, merges and validates its params and
// runs the exposure firewalls.
func (s *Server) exposedQuery(ctx context.Context, name string, params map[string]any, userID string) (*NamedQuery, ExposeConfig, map[string]any, error) {
	q, ok := s.NamedQuery(name)
	if !ok {
		return nil, ExposeConfig{}, nil, &serverErrors.UnknownNamedQueryError{Name: name}
	}
	exposure, ok := q.exposed()
	if !ok {
		return nil, ExposeConfig{}, nil, serverErrors.ErrNotExposed
	}

	params, err := q.params(params)
	if err != nil {
		return nil, ExposeConfig{}, nil, err
	}

	for _, fw := range exposure.Firewall {
		if err := fw(ctx, userID, params); err != nil {
			s.logger.InfoWithContext(ctx, "named query firewall rejected the request",
				zap.String("named_query", name),
				zap.String("user_id", userID),
				zap.Error(err),
			)
			return nil, ExposeConfig{}, nil, &grapherErrors.ForbiddenError{Cause: err}
		}
	}
	return q, exposure, params, nil
}

// buildExposed narrows the query body with the $body param, embodies it and builds
// the tree under the exposure guardrails.
func (s *Server) buildExposed(q *NamedQuery, exposure ExposeConfig, params map[string]any, live bool) (*graph.Node, error) {
	b := q.body.Clone()
	if requested, ok := params[body.BodyKey]; ok {
		m, ok := document.AsMap(requested)
		if !ok {
			return nil, &grapherErrors.InvalidBodyError{Path: body.BodyKey, Cause: errBodyNotAnObject}
		}
		narrowed, err := body.FromMap(m)
		if err != nil {
			return nil, err
		}
		b = body.Intersect(b, narrowed)
	}

	if exposure.EmbodyBody != nil {
		embody(b, exposure.EmbodyBody)
	}
	if exposure.Embody != nil {
		if err := exposure.Embody(b, params); err != nil {
			return nil, &grapherErrors.InvalidBodyError{Path: q.name, Cause: err}
		}
	}

	opts := s.buildOptions(params)
	opts.MaxDepth = tighter(opts.MaxDepth, exposure.MaxDepth)
	opts.MaxLimit = tighter(opts.MaxLimit, exposure.MaxLimit)
	opts.BypassDenormalization = live

	return graph.Build(s.registry, q.collection, b, opts)
}

// embody deep-merges extra into b, letting the filters of extra win at every level.
func embody(b, extra *body.Body) {
	b.Merge(extra)
	overrideFilters(b, extra)
}

func overrideFilters(b, extra *body.Body) {
	if len(extra.Filters) > 0 {
		if b.Filters == nil {
			b.Filters = make(map[string]any, len(extra.Filters))
		}
		maps.Copy(b.Filters, document.Document(extra.Filters).Clone())
	}
	for _, key := range extra.Keys() {
		theirs, _ := extra.Get(key)
		ours, _ := b.Get(key)
		if theirs != nil && ours != nil {
			overrideFilters(ours, theirs)
		}
	}
}

// tighter returns the smaller non-zero bound.
func tighter(a, b int) int {
	switch {
	case a == 0:
		return b
	case b == 0:
		return a
	}
	return min(a, b)
}

// namedQueryCacheKey hashes the query name, the user and the params. Results are
// kept per user since firewalls may depend on it.
func namedQueryCacheKey(name, userID string, params map[string]any) (string, error) {
	hasher := resolver.NewHasher(xxhash.New())
	if err := hasher.WriteString(name + "/" + userID); err != nil {
		return "", err
	}
	if err := resolver.NewValueHasher(params).Append(hasher); err != nil {
		return "", err
	}
	return strconv.FormatUint(hasher.Key(), 10), nil
}

func cloneDocuments(docs []document.Document) []document.Document {
	out := make([]document.Document, len(docs))
	for i, doc := range docs {
		out[i] = doc.Clone()
	}
	return out
}
