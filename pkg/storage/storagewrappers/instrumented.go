package storagewrappers

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/openfga/grapher/internal/build"
	"github.com/openfga/grapher/pkg/document"
	"github.com/openfga/grapher/pkg/storage"
)

var _ storage.DocumentReader = (*InstrumentedReader)(nil)

var datastoreFindCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: build.ProjectName,
	Name:      "datastore_find_count",
	Help:      "The total number of Find calls issued to the datastore.",
}, []string{"collection"})

// InstrumentedReader counts the Find calls issued per collection. It is safe for
// concurrent use and is meant to be created per request, so the counts describe a
// single resolution.
type InstrumentedReader struct {
	storage.DocumentReader

	mu     sync.Mutex
	counts map[string]int // GUARDED_BY(mu).
}

func NewInstrumentedReader(wrapped storage.DocumentReader) *InstrumentedReader {
	return &InstrumentedReader{
		DocumentReader: wrapped,
		counts:         map[string]int{},
	}
}

type Metrics struct {
	DatastoreQueryCount int
	PerCollection       map[string]int
}

func (m *InstrumentedReader) GetMetrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	metrics := Metrics{PerCollection: make(map[string]int, len(m.counts))}
	for collection, count := range m.counts {
		metrics.DatastoreQueryCount += count
		metrics.PerCollection[collection] = count
	}
	return metrics
}

// Find see [storage.DocumentReader].Find.
func (m *InstrumentedReader) Find(ctx context.Context, collection string, filter storage.Filter, options storage.FindOptions) ([]document.Document, error) {
	m.mu.Lock()
	m.counts[collection]++
	m.mu.Unlock()
	datastoreFindCounter.WithLabelValues(collection).Inc()

	return m.DocumentReader.Find(ctx, collection, filter, options)
}
