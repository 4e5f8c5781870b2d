package storagewrappers

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfga/grapher/internal/build"
	"github.com/openfga/grapher/pkg/document"
	"github.com/openfga/grapher/pkg/storage"
)

var _ storage.DocumentReader = (*BoundedConcurrencyReader)(nil)

var (
	timeWaitingHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: build.ProjectName,
		Name:      "datastore_bounded_read_delay_ms",
		Help:      "Time (in ms) spent waiting for Find calls to the datastore",
		Buckets:   []float64{1, 3, 5, 10, 25, 50, 100, 1000, 5000},
	})
)

// BoundedConcurrencyReader wraps a reader so there are, at most, N concurrent Find
// calls. One resolution pass fanning out over many nodes cannot hoard all the
// connections of the datastore.
type BoundedConcurrencyReader struct {
	storage.DocumentReader
	limiter chan struct{}
}

func NewBoundedConcurrencyReader(wrapped storage.DocumentReader, n uint32) *BoundedConcurrencyReader {
	return &BoundedConcurrencyReader{
		DocumentReader: wrapped,
		limiter:        make(chan struct{}, n),
	}
}

// Find see [storage.DocumentReader].Find.
func (b *BoundedConcurrencyReader) Find(ctx context.Context, collection string, filter storage.Filter, options storage.FindOptions) ([]document.Document, error) {
	start := time.Now()

	select {
	case b.limiter <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() {
		<-b.limiter
	}()

	timeWaiting := time.Since(start).Milliseconds()
	timeWaitingHistogram.Observe(float64(timeWaiting))
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.Int64("time_waiting", timeWaiting))

	return b.DocumentReader.Find(ctx, collection, filter, options)
}
