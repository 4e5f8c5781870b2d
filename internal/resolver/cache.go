package resolver

import (
	"context"
	"slices"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/openfga/grapher/internal/build"
	"github.com/openfga/grapher/pkg/document"
	"github.com/openfga/grapher/pkg/selector"
	"github.com/openfga/grapher/pkg/storage"
)

var (
	passCacheCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "pass_cache_requests_total",
		Help:      "The total number of node group reads served by the pass cache, by outcome (hit, partial, miss).",
	}, []string{"outcome"})
)

// loadFunc fetches the rows related to the given join values.
type loadFunc func(ctx context.Context, keys []any) ([]document.Document, error)

// passCache memoizes the reads of one resolution pass. Entries are keyed by the
// signature of a read and remember which join values they already cover, so a later
// read with overlapping values only fetches the missing ones.
type passCache struct {
	mu      sync.Mutex
	entries map[uint64]*cacheEntry // GUARDED_BY(mu)
}

type cacheEntry struct {
	mu      sync.Mutex
	sort    []storage.SortField
	covered map[string]struct{} // GUARDED_BY(mu)
	ids     map[string]struct{} // GUARDED_BY(mu)
	rows    []document.Document // GUARDED_BY(mu)
}

func newPassCache() *passCache {
	return &passCache{entries: make(map[uint64]*cacheEntry)}
}

func (c *passCache) entry(key uint64, sort []storage.SortField) *cacheEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		e = &cacheEntry{
			sort:    sort,
			covered: make(map[string]struct{}),
			ids:     make(map[string]struct{}),
		}
		c.entries[key] = e
	}
	return e
}

// get returns every row the entry of sig holds once keys are covered. The entry is
// locked while loading, so concurrent readers of the same signature never fetch the
// same values twice.
func (c *passCache) get(ctx context.Context, sig signature, keys []any, load loadFunc) ([]document.Document, error) {
	key, err := sig.key()
	if err != nil {
		return nil, err
	}
	e := c.entry(key, sig.options.Sort)

	e.mu.Lock()
	defer e.mu.Unlock()

	var missing []any
	for _, k := range keys {
		if _, ok := e.covered[document.IDKey(k)]; !ok {
			missing = append(missing, k)
		}
	}

	switch {
	case len(missing) == 0:
		passCacheCounter.WithLabelValues("hit").Inc()
		return slices.Clone(e.rows), nil
	case len(missing) < len(keys):
		passCacheCounter.WithLabelValues("partial").Inc()
	default:
		passCacheCounter.WithLabelValues("miss").Inc()
	}

	rows, err := load(ctx, missing)
	if err != nil {
		return nil, err
	}

	appended := false
	for _, row := range rows {
		id := document.IDKey(row.ID())
		if _, ok := e.ids[id]; ok {
			continue
		}
		e.ids[id] = struct{}{}
		e.rows = append(e.rows, row)
		appended = true
	}
	for _, k := range missing {
		e.covered[document.IDKey(k)] = struct{}{}
	}

	if appended && len(e.sort) > 0 && len(e.rows) > len(rows) {
		slices.SortStableFunc(e.rows, func(a, b document.Document) int {
			return compareBySort(a, b, e.sort)
		})
	}
	return slices.Clone(e.rows), nil
}

func compareBySort(a, b document.Document, sortFields []storage.SortField) int {
	for _, field := range sortFields {
		va, _ := a.Get(field.Field)
		vb, _ := b.Get(field.Field)
		c := selector.Compare(va, vb)
		if field.Descending {
			c = -c
		}
		if c != 0 {
			return c
		}
	}
	return 0
}
