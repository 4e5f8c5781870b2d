// Package resolver resolves graph nodes against a datastore, one depth level at a
// time, and keeps live sessions up to date with datastore changes.
package resolver

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/openfga/grapher/internal/build"
	"github.com/openfga/grapher/internal/concurrency"
	"github.com/openfga/grapher/internal/graph"
	"github.com/openfga/grapher/pkg/document"
	grapherErrors "github.com/openfga/grapher/pkg/errors"
	"github.com/openfga/grapher/pkg/logger"
	"github.com/openfga/grapher/pkg/schema"
	"github.com/openfga/grapher/pkg/storage"
	"github.com/openfga/grapher/pkg/telemetry"
)

var tracer = otel.Tracer("grapher/internal/resolver")

const defaultBreadthLimit = 25

var (
	passDurationHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: build.ProjectName,
		Name:      "resolution_pass_duration_ms",
		Help:      "The duration (in ms) of a resolution pass.",
		Buckets:   []float64{1, 5, 10, 25, 50, 100, 200, 500, 1000, 5000},
	})

	denormalizedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "denormalized_nodes_total",
		Help:      "The total number of nodes served from a denormalized copy.",
	})

	firewallVetoCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "firewall_vetoes_total",
		Help:      "The total number of requests rejected by a firewall, by collection.",
	}, []string{"collection"})
)

// Request is one resolution of a built tree.
type Request struct {
	Root   *graph.Node
	UserID string
	Params map[string]any

	// BypassFirewalls skips the firewalls of every collection. It is meant for
	// trusted server-side callers.
	BypassFirewalls bool
}

// Resolver resolves requests against a datastore. It holds no per-request state and
// may be shared.
type Resolver struct {
	registry     *schema.Registry
	reader       storage.DocumentReader
	watcher      storage.ChangeWatcher
	logger       logger.Logger
	breadthLimit int
}

type ResolverOption func(*Resolver)

func WithLogger(l logger.Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = l
	}
}

// WithBreadthLimit bounds how many node groups of one level are fetched concurrently.
func WithBreadthLimit(limit int) ResolverOption {
	return func(r *Resolver) {
		r.breadthLimit = limit
	}
}

// WithChangeWatcher enables live sessions.
func WithChangeWatcher(w storage.ChangeWatcher) ResolverOption {
	return func(r *Resolver) {
		r.watcher = w
	}
}

func NewResolver(registry *schema.Registry, reader storage.DocumentReader, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		registry:     registry,
		reader:       reader,
		logger:       logger.NewNoopLogger(),
		breadthLimit: defaultBreadthLimit,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.breadthLimit <= 0 {
		r.breadthLimit = defaultBreadthLimit
	}
	return r
}

var errNoRoot = errors.New("request has no root node")

// Fetch resolves req into the nested result of its root collection, computing
// reducers and cleaning documents down to the requested bodies.
func (r *Resolver) Fetch(ctx context.Context, req Request) ([]document.Document, error) {
	if req.Root == nil {
		return nil, errNoRoot
	}

	ctx, span := tracer.Start(ctx, "resolver.Fetch")
	defer span.End()
	span.SetAttributes(attribute.String("collection", req.Root.Collection))

	start := time.Now()
	p := newPass(r, req)
	if err := p.run(ctx); err != nil {
		telemetry.TraceError(span, err)
		return nil, err
	}

	docs := p.docs[req.Root]
	if err := graph.ApplyReducers(req.Root, docs, req.Params); err != nil {
		telemetry.TraceError(span, err)
		return nil, err
	}

	elapsed := time.Since(start)
	passDurationHistogram.Observe(float64(elapsed.Milliseconds()))
	r.logger.DebugWithContext(ctx, "resolution pass completed",
		zap.String("collection", req.Root.Collection),
		zap.Int("documents", len(docs)),
		zap.Int64("fetches", p.fetches.Load()),
		zap.Duration("duration", elapsed),
	)
	span.SetAttributes(attribute.Int64("fetches", p.fetches.Load()))

	if docs == nil {
		docs = []document.Document{}
	}
	return docs, nil
}

// pass is a single resolution of a tree. It owns its cache.
type pass struct {
	resolver *Resolver
	req      Request
	cache    *passCache
	fetches  atomic.Int64

	mu   sync.Mutex
	docs map[*graph.Node][]document.Document // GUARDED_BY(mu)
}

func newPass(r *Resolver, req Request) *pass {
	return &pass{
		resolver: r,
		req:      req,
		cache:    newPassCache(),
		docs:     make(map[*graph.Node][]document.Document),
	}
}

// preparedNode is a node whose firewalls ran, ready to be fetched for its parents.
type preparedNode struct {
	node    *graph.Node
	filters storage.Filter
	options storage.FindOptions
	parents []document.Document
	keys    []any
	sig     signature
}

func (p *pass) run(ctx context.Context) error {
	levels := p.req.Root.Levels()

	root, err := p.prepare(ctx, p.req.Root)
	if err != nil {
		return err
	}
	docs, err := p.find(ctx, root.node.Collection, root.filters, root.options)
	if err != nil {
		return err
	}
	p.docs[root.node] = docs

	for depth, level := range levels[1:] {
		if err := p.resolveLevel(ctx, depth+1, level); err != nil {
			return err
		}
	}
	return nil
}

// prepare runs the firewalls of the collection of n on copies of its filters and
// options.
func (p *pass) prepare(ctx context.Context, n *graph.Node) (*preparedNode, error) {
	pn := &preparedNode{
		node:    n,
		filters: n.Filters.Clone(),
		options: n.Options.Clone(),
	}
	if p.req.BypassFirewalls {
		return pn, nil
	}

	for _, fw := range p.resolver.registry.Firewalls(n.Collection) {
		if err := fw(ctx, pn.filters, &pn.options, p.req.UserID); err != nil {
			firewallVetoCounter.WithLabelValues(n.Collection).Inc()
			p.resolver.logger.InfoWithContext(ctx, "firewall rejected the request",
				zap.String("path", n.Path()),
				zap.String("user_id", p.req.UserID),
				zap.Error(err),
			)
			return nil, &grapherErrors.ForbiddenError{Cause: err}
		}
	}
	return pn, nil
}

func (p *pass) find(ctx context.Context, collection string, filter storage.Filter, options storage.FindOptions) ([]document.Document, error) {
	p.fetches.Add(1)
	docs, err := p.resolver.reader.Find(ctx, collection, filter, options)
	if err != nil {
		p.resolver.logger.ErrorWithContext(ctx, "datastore find failed",
			zap.String("collection", collection),
			zap.Error(err),
		)
		return nil, err
	}
	return docs, nil
}

// resolveLevel resolves every node of one depth. All groups of the level are fetched
// before any result is attached to the parents, and the next level only starts once
// this one is complete.
func (p *pass) resolveLevel(ctx context.Context, depth int, level []*graph.Node) error {
	ctx, span := tracer.Start(ctx, "resolver.level")
	defer span.End()
	span.SetAttributes(attribute.Int("depth", depth), attribute.Int("nodes", len(level)))

	var fetched []*graph.Node
	for _, n := range level {
		// firewalls of the target must see the node, so the copy is only used without them
		if n.Denormalized && (p.req.BypassFirewalls || len(p.resolver.registry.Firewalls(n.Collection)) == 0) {
			p.serveDenormalized(n)
			continue
		}
		fetched = append(fetched, n)
	}

	prepared := make([]*preparedNode, len(fetched))
	pool := concurrency.NewPool(ctx, p.resolver.breadthLimit)
	for i, n := range fetched {
		pool.Go(func(ctx context.Context) error {
			pn, err := p.prepare(ctx, n)
			if err != nil {
				return err
			}
			pn.parents = p.parentDocs(n)
			pn.keys = joinKeys(n.Linker, pn.parents, n.Meta)
			pn.sig = signatureOf(pn)
			prepared[i] = pn
			return nil
		})
	}
	if err := pool.Wait(); err != nil {
		telemetry.TraceError(span, err)
		return err
	}

	groups := groupBySignature(prepared)
	rows := make([][]document.Document, len(groups))
	pool = concurrency.NewPool(ctx, p.resolver.breadthLimit)
	for i, group := range groups {
		pool.Go(func(ctx context.Context) error {
			res, err := p.fetchGroup(ctx, group)
			if err != nil {
				return err
			}
			rows[i] = res
			return nil
		})
	}
	if err := pool.Wait(); err != nil {
		telemetry.TraceError(span, err)
		return err
	}

	// parents are shared between siblings, so results are attached sequentially
	for i, group := range groups {
		for _, pn := range group {
			children := distribute(pn, rows[i])
			p.setDocs(pn.node, children)
		}
	}
	return nil
}

func (p *pass) parentDocs(n *graph.Node) []document.Document {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.docs[n.Parent]
}

func (p *pass) setDocs(n *graph.Node, docs []document.Document) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.docs[n] = docs
}

// joinKeys returns the distinct join values of parents.
func joinKeys(linker *schema.Linker, parents []document.Document, meta map[string]any) []any {
	seen := make(map[string]struct{})
	var keys []any
	for _, parent := range parents {
		for _, k := range linker.SourceKeys(parent, meta) {
			id := document.IDKey(k)
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			keys = append(keys, k)
		}
	}
	return keys
}

func signatureOf(pn *preparedNode) signature {
	linker := pn.node.Linker
	sig := signature{
		collection: pn.node.Collection,
		joinField:  linker.TargetJoinField(),
		filters:    pn.filters,
		options: storage.FindOptions{
			Fields: pn.options.Fields,
			Omit:   pn.options.Omit,
			Sort:   pn.options.Sort,
		},
	}
	if linker.IsVirtual() && linker.IsMetadata() {
		sig.meta = pn.node.Meta
	}
	return sig
}

// groupBySignature groups nodes reading the same rows, in order of first appearance.
func groupBySignature(prepared []*preparedNode) [][]*preparedNode {
	var groups [][]*preparedNode
	index := make(map[uint64]int)
	for _, pn := range prepared {
		key, err := pn.sig.key()
		if err != nil {
			groups = append(groups, []*preparedNode{pn})
			continue
		}
		i, ok := index[key]
		if !ok {
			index[key] = len(groups)
			groups = append(groups, []*preparedNode{pn})
			continue
		}
		groups[i] = append(groups[i], pn)
	}
	return groups
}

// fetchGroup reads the rows related to the union of the join values of group, going
// through the pass cache.
func (p *pass) fetchGroup(ctx context.Context, group []*preparedNode) ([]document.Document, error) {
	var keys []any
	seen := make(map[string]struct{})
	for _, pn := range group {
		for _, k := range pn.keys {
			id := document.IDKey(k)
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return nil, nil
	}

	lead := group[0]
	linker := lead.node.Linker
	load := func(ctx context.Context, missing []any) ([]document.Document, error) {
		filter := linker.TargetFilter(missing, lead.sig.meta)
		if len(lead.filters) > 0 {
			filter = storage.Filter{"$and": []any{map[string]any(filter), map[string]any(lead.filters.Clone())}}
		}
		return p.find(ctx, lead.node.Collection, filter, lead.sig.options)
	}
	return p.cache.get(ctx, lead.sig, keys, load)
}

// distribute attaches to each parent the rows related to it, applying the per-parent
// window and cardinality, and returns every attached document.
func distribute(pn *preparedNode, rows []document.Document) []document.Document {
	n := pn.node
	linker := n.Linker

	index := make(map[string][]int)
	for i, row := range rows {
		for _, k := range linker.TargetKeys(row) {
			id := document.IDKey(k)
			index[id] = append(index[id], i)
		}
	}

	var out []document.Document
	for _, parent := range pn.parents {
		seen := make(map[int]struct{})
		var matched []int
		for _, k := range linker.SourceKeys(parent, n.Meta) {
			for _, i := range index[document.IDKey(k)] {
				if _, ok := seen[i]; ok {
					continue
				}
				seen[i] = struct{}{}
				matched = append(matched, i)
			}
		}
		slices.Sort(matched)

		related := make([]document.Document, 0, len(matched))
		for _, i := range matched {
			if linker.IsVirtual() && len(n.Meta) > 0 && !linker.Relates(parent, rows[i], n.Meta) {
				continue
			}
			related = append(related, rows[i])
		}
		related = window(related, pn.options.Skip, pn.options.Limit)

		values := make([]any, 0, len(related))
		for _, row := range related {
			doc := row.Clone()
			if meta, ok := linker.Metadata(parent, row); ok {
				doc[document.MetadataField] = meta
			}
			values = append(values, map[string]any(doc))
			out = append(out, doc)
		}
		attach(parent, linker, n.LinkName, values)
	}
	return out
}

func window(docs []document.Document, skip, limit int) []document.Document {
	if skip > 0 {
		if skip >= len(docs) {
			return docs[:0]
		}
		docs = docs[skip:]
	}
	if limit > 0 && len(docs) > limit {
		docs = docs[:limit]
	}
	return docs
}

// attach stores values under name: a document or nothing for single links, an
// array, possibly empty, for multiple ones.
func attach(parent document.Document, linker *schema.Linker, name string, values []any) {
	if linker.IsMany() {
		parent[name] = values
		return
	}
	if len(values) == 0 {
		delete(parent, name)
		return
	}
	parent[name] = values[0]
}

// serveDenormalized attaches the cached copies held by the parents of n, projected
// to the requested fields.
func (p *pass) serveDenormalized(n *graph.Node) {
	denormalizedCounter.Inc()

	cacheField := n.Linker.Denormalize().Field
	var out []document.Document
	for _, parent := range p.parentDocs(n) {
		cached, _ := parent.Get(cacheField)

		var values []any
		if m, ok := document.AsMap(cached); ok {
			cached = []any{m}
		}
		arr, _ := document.AsSlice(cached)
		for _, elem := range arr {
			m, ok := document.AsMap(elem)
			if !ok {
				continue
			}
			doc := document.Project(document.Document(m), n.Options.Fields)
			values = append(values, map[string]any(doc))
			out = append(out, doc)
		}
		if values == nil {
			values = []any{}
		}
		attach(parent, n.Linker, n.LinkName, values)
	}
	p.setDocs(n, out)
}
