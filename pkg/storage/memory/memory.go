package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/openfga/grapher/pkg/document"
	"github.com/openfga/grapher/pkg/selector"
	"github.com/openfga/grapher/pkg/storage"
	"github.com/openfga/grapher/pkg/telemetry"
)

var tracer = otel.Tracer("grapher/pkg/storage/memory")

// StorageOption defines a function type used for configuring a [MemoryBackend] instance.
type StorageOption func(dataStore *MemoryBackend)

const defaultWatchBufferSize = 128

// MemoryBackend provides an ephemeral memory-backed implementation of [storage.Datastore].
// These instances may be safely shared by multiple go-routines.
type MemoryBackend struct {
	watchBufferSize int

	// map: collection => documents in insertion order
	collections map[string][]document.Document // GUARDED_BY(mutexDocuments).
	mutexDocuments sync.RWMutex

	// map: collection => active watchers
	watchers      map[string]map[*watcher]struct{} // GUARDED_BY(mutexWatchers).
	mutexWatchers sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
}

// Ensures that [MemoryBackend] implements the [storage.Datastore] interface.
var _ storage.Datastore = (*MemoryBackend)(nil)

// New creates a new [MemoryBackend] given the options.
func New(opts ...StorageOption) *MemoryBackend {
	ctx, cancel := context.WithCancel(context.Background())
	ds := &MemoryBackend{
		watchBufferSize: defaultWatchBufferSize,
		collections:     make(map[string][]document.Document),
		watchers:        make(map[string]map[*watcher]struct{}),
		ctx:             ctx,
		cancel:          cancel,
	}

	for _, opt := range opts {
		opt(ds)
	}

	return ds
}

// WithWatchBufferSize sets how many change events may be queued per watcher before
// writers start waiting on the consumer.
func WithWatchBufferSize(n int) StorageOption {
	return func(ds *MemoryBackend) { ds.watchBufferSize = n }
}

// Close stops every watcher. Documents stay readable.
func (s *MemoryBackend) Close() {
	s.cancel()
}

// Find see [storage.DocumentReader].Find.
func (s *MemoryBackend) Find(ctx context.Context, collection string, filter storage.Filter, options storage.FindOptions) ([]document.Document, error) {
	_, span := tracer.Start(ctx, "memory.Find")
	defer span.End()
	span.SetAttributes(attribute.String("collection", collection))

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mutexDocuments.RLock()
	var matched []document.Document
	for _, doc := range s.collections[collection] {
		ok, err := selector.Match(doc, filter)
		if err != nil {
			s.mutexDocuments.RUnlock()
			err = storage.InvalidFilterError(collection, err)
			telemetry.TraceError(span, err)
			return nil, err
		}
		if ok {
			matched = append(matched, doc.Clone())
		}
	}
	s.mutexDocuments.RUnlock()

	if len(options.Sort) > 0 {
		slices.SortStableFunc(matched, func(a, b document.Document) int {
			for _, field := range options.Sort {
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
		})
	}

	if options.Skip > 0 {
		if options.Skip >= len(matched) {
			matched = nil
		} else {
			matched = matched[options.Skip:]
		}
	}
	if options.Limit > 0 && len(matched) > options.Limit {
		matched = matched[:options.Limit]
	}

	res := make([]document.Document, 0, len(matched))
	for _, doc := range matched {
		projected := document.Project(doc, options.Fields)
		for _, path := range options.Omit {
			if path != document.IDField {
				projected.Unset(path)
			}
		}
		res = append(res, projected)
	}
	span.SetAttributes(attribute.Int("documents", len(res)))

	return res, nil
}

// Insert see [storage.DocumentWriter].Insert.
func (s *MemoryBackend) Insert(ctx context.Context, collection string, doc document.Document) (any, error) {
	_, span := tracer.Start(ctx, "memory.Insert")
	defer span.End()

	stored := doc.Clone()
	if stored == nil {
		stored = document.Document{}
	}
	if _, ok := stored[document.IDField]; !ok {
		stored[document.IDField] = ulid.Make().String()
	}
	id := stored.ID()

	s.mutexDocuments.Lock()
	key := document.IDKey(id)
	for _, existing := range s.collections[collection] {
		if document.IDKey(existing.ID()) == key {
			s.mutexDocuments.Unlock()
			return nil, storage.ErrCollision
		}
	}
	s.collections[collection] = append(s.collections[collection], stored)
	s.mutexDocuments.Unlock()

	s.notify(collection, []change{{id: id, after: stored.Clone()}})

	return id, nil
}

// Update see [storage.DocumentWriter].Update.
func (s *MemoryBackend) Update(ctx context.Context, collection string, filter storage.Filter, update storage.Update) (int, error) {
	_, span := tracer.Start(ctx, "memory.Update")
	defer span.End()

	var changes []change

	s.mutexDocuments.Lock()
	for _, doc := range s.collections[collection] {
		ok, err := selector.Match(doc, filter)
		if err != nil {
			s.mutexDocuments.Unlock()
			return 0, storage.InvalidFilterError(collection, err)
		}
		if !ok {
			continue
		}

		before := doc.Clone()
		for path, value := range update.Set {
			if path == document.IDField {
				continue
			}
			doc.Set(path, document.CloneValue(value))
		}
		for _, path := range update.Unset {
			if path == document.IDField {
				continue
			}
			doc.Unset(path)
		}
		changes = append(changes, change{id: doc.ID(), before: before, after: doc.Clone()})
	}
	s.mutexDocuments.Unlock()

	s.notify(collection, changes)

	return len(changes), nil
}

// Remove see [storage.DocumentWriter].Remove.
func (s *MemoryBackend) Remove(ctx context.Context, collection string, filter storage.Filter) (int, error) {
	_, span := tracer.Start(ctx, "memory.Remove")
	defer span.End()

	// the collection is compacted in place, so the filter is validated upfront
	if _, err := selector.Match(document.Document{}, filter); err != nil {
		return 0, storage.InvalidFilterError(collection, err)
	}

	var changes []change

	s.mutexDocuments.Lock()
	docs := s.collections[collection]
	kept := docs[:0]
	for _, doc := range docs {
		if ok, _ := selector.Match(doc, filter); ok {
			changes = append(changes, change{id: doc.ID(), before: doc.Clone()})
			continue
		}
		kept = append(kept, doc)
	}
	clear(docs[len(kept):])
	s.collections[collection] = kept
	s.mutexDocuments.Unlock()

	s.notify(collection, changes)

	return len(changes), nil
}
