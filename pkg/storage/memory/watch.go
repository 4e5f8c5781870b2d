package memory

import (
	"context"
	"sync"

	"github.com/openfga/grapher/pkg/document"
	"github.com/openfga/grapher/pkg/selector"
	"github.com/openfga/grapher/pkg/storage"
)

type watcher struct {
	collection string
	filter     storage.Filter
	ctx        context.Context

	mu     sync.Mutex
	closed bool
	ch     chan storage.ChangeEvent // GUARDED_BY(mu) for close.
}

type change struct {
	id     any
	before document.Document
	after  document.Document
}

// Watch see [storage.ChangeWatcher].Watch.
func (s *MemoryBackend) Watch(ctx context.Context, collection string, filter storage.Filter) (<-chan storage.ChangeEvent, error) {
	if _, err := selector.Match(document.Document{}, filter); err != nil {
		return nil, storage.InvalidFilterError(collection, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	w := &watcher{
		collection: collection,
		filter:     filter.Clone(),
		ctx:        ctx,
		ch:         make(chan storage.ChangeEvent, s.watchBufferSize),
	}

	s.mutexWatchers.Lock()
	if s.watchers[collection] == nil {
		s.watchers[collection] = make(map[*watcher]struct{})
	}
	s.watchers[collection][w] = struct{}{}
	s.mutexWatchers.Unlock()

	go func() {
		defer cancel()
		select {
		case <-ctx.Done():
		case <-s.ctx.Done():
			cancel()
		}

		s.mutexWatchers.Lock()
		delete(s.watchers[collection], w)
		s.mutexWatchers.Unlock()

		w.mu.Lock()
		w.closed = true
		close(w.ch)
		w.mu.Unlock()
	}()

	return w.ch, nil
}

// notify delivers changes to the watchers of collection. It must be called without
// holding mutexDocuments so consumers can read while they are being notified.
func (s *MemoryBackend) notify(collection string, changes []change) {
	if len(changes) == 0 {
		return
	}

	s.mutexWatchers.Lock()
	watchers := make([]*watcher, 0, len(s.watchers[collection]))
	for w := range s.watchers[collection] {
		watchers = append(watchers, w)
	}
	s.mutexWatchers.Unlock()

	for _, w := range watchers {
		for _, c := range changes {
			event, ok := w.eventFor(c)
			if !ok {
				continue
			}
			if !w.send(event) {
				break
			}
		}
	}
}

func (w *watcher) eventFor(c change) (storage.ChangeEvent, bool) {
	matchedBefore := c.before != nil && w.matches(c.before)
	matchedAfter := c.after != nil && w.matches(c.after)

	event := storage.ChangeEvent{Collection: w.collection, ID: c.id, Document: c.after}
	switch {
	case !matchedBefore && matchedAfter:
		event.Type = storage.ChangeAdded
	case matchedBefore && matchedAfter:
		event.Type = storage.ChangeChanged
	case matchedBefore && !matchedAfter:
		event.Type = storage.ChangeRemoved
		event.Document = nil
	default:
		return storage.ChangeEvent{}, false
	}
	return event, true
}

func (w *watcher) send(event storage.ChangeEvent) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return false
	}
	select {
	case <-w.ctx.Done():
		return false
	case w.ch <- event:
		return true
	}
}

func (w *watcher) matches(doc document.Document) bool {
	ok, _ := selector.Match(doc, w.filter)
	return ok
}
