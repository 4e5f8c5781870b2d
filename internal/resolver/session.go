package resolver

import (
	"context"
	"errors"
	"sync"

	"github.com/google/go-cmp/cmp"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/openfga/grapher/internal/concurrency"
	"github.com/openfga/grapher/internal/graph"
	"github.com/openfga/grapher/pkg/document"
	"github.com/openfga/grapher/pkg/storage"
)

// ScopeFieldPrefix prefixes the field added to published documents when a session is
// scoped, so clients can tell which session a document belongs to.
const ScopeFieldPrefix = "_sub_"

var (
	ErrNoChangeWatcher = errors.New("the resolver has no change watcher")
	errSessionReducers = errors.New("live sessions do not compute reducers")
)

// Sink receives the flat documents published by a live session. Calls are made from
// a single goroutine.
type Sink interface {
	Added(collection string, id any, fields document.Document)
	Changed(collection string, id any, fields document.Document)
	Removed(collection string, id any)
}

type SessionOption func(*Session)

// WithScope adds the _sub_<session id> field to every published document.
func WithScope() SessionOption {
	return func(s *Session) {
		s.scoped = true
	}
}

type published struct {
	collection string
	id         any
	fields     document.Document
	refs       int
}

// Session publishes the documents reached by a request and keeps them up to date.
// It must be stopped with Stop.
type Session struct {
	id       string
	resolver *Resolver
	req      Request
	sink     Sink
	scoped   bool

	cancel context.CancelFunc
	done   chan struct{}
	events <-chan storage.ChangeEvent

	mu        sync.Mutex
	published map[string]*published // GUARDED_BY(mu)
	stopOnce  sync.Once
}

// Compose resolves req, publishes every reached document to sink and starts
// watching the collections of the tree. Each change recomputes the whole request
// with a fresh cache and publishes the difference. The session ends when ctx is
// done or Stop is called.
func (r *Resolver) Compose(ctx context.Context, req Request, sink Sink, opts ...SessionOption) (*Session, error) {
	if r.watcher == nil {
		return nil, ErrNoChangeWatcher
	}
	if req.Root == nil {
		return nil, errNoRoot
	}
	var hasReducers bool
	req.Root.Walk(func(n *graph.Node) {
		hasReducers = hasReducers || len(n.Reducers) > 0
	})
	if hasReducers {
		return nil, errSessionReducers
	}

	s := &Session{
		id:        ulid.Make().String(),
		resolver:  r,
		req:       req,
		sink:      sink,
		done:      make(chan struct{}),
		published: make(map[string]*published),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.recompute(ctx); err != nil {
		return nil, err
	}

	watchCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	var chans []<-chan storage.ChangeEvent
	var watchErr error
	req.Root.Walk(func(n *graph.Node) {
		if watchErr != nil {
			return
		}
		ch, err := r.watcher.Watch(watchCtx, n.Collection, n.Filters)
		if err != nil {
			watchErr = err
			return
		}
		chans = append(chans, ch)
	})
	if watchErr != nil {
		cancel()
		for _, ch := range chans {
			<-concurrency.Drain(ch)
		}
		return nil, watchErr
	}
	s.events = concurrency.FanIn(watchCtx, chans)

	go s.loop(watchCtx)
	return s, nil
}

// ID returns the identifier of the session.
func (s *Session) ID() string {
	return s.id
}

// ScopeField returns the name of the scoping field of the session.
func (s *Session) ScopeField() string {
	return ScopeFieldPrefix + s.id
}

func (s *Session) loop(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-s.events:
			if !ok {
				return
			}
			// coalesce the events already queued into one recomputation
			for drained := false; !drained; {
				select {
				case _, ok := <-s.events:
					if !ok {
						return
					}
				default:
					drained = true
				}
			}
			if err := s.recompute(ctx); err != nil && ctx.Err() == nil {
				s.resolver.logger.ErrorWithContext(ctx, "live session recomputation failed",
					zap.String("session_id", s.id),
					zap.Error(err),
				)
			}
		}
	}
}

// recompute resolves the request and publishes the difference with the previous
// result.
func (s *Session) recompute(ctx context.Context) error {
	p := newPass(s.resolver, s.req)
	if err := p.run(ctx); err != nil {
		return err
	}

	next := make(map[string]*published)
	var order []string
	s.req.Root.Walk(func(n *graph.Node) {
		for _, doc := range p.docs[n] {
			flat := flatten(n, doc)
			key := n.Collection + "/" + document.IDKey(doc.ID())
			entry, ok := next[key]
			if !ok {
				entry = &published{collection: n.Collection, id: doc.ID(), fields: document.Document{}}
				next[key] = entry
				order = append(order, key)
			}
			for k, v := range flat {
				entry.fields[k] = v
			}
			entry.refs++
		}
	})

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range order {
		entry := next[key]
		if s.scoped {
			entry.fields[s.ScopeField()] = 1
		}
		prev, ok := s.published[key]
		switch {
		case !ok:
			s.sink.Added(entry.collection, entry.id, entry.fields.Clone())
		case !cmp.Equal(prev.fields, entry.fields):
			s.sink.Changed(entry.collection, entry.id, entry.fields.Clone())
		}
	}
	for key, prev := range s.published {
		if _, ok := next[key]; !ok {
			s.sink.Removed(prev.collection, prev.id)
		}
	}
	s.published = next
	return nil
}

// flatten returns doc without the documents attached by the children of n.
func flatten(n *graph.Node, doc document.Document) document.Document {
	flat := make(document.Document, len(doc))
	for k, v := range doc {
		if k == document.MetadataField || n.Child(k) != nil {
			continue
		}
		flat[k] = document.CloneValue(v)
	}
	return flat
}

// RefCount returns how many times the document is reached by the current result.
func (s *Session) RefCount(collection string, id any) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.published[collection+"/"+document.IDKey(id)]; ok {
		return entry.refs
	}
	return 0
}

// Stop stops watching, waits for the session goroutines and releases the published
// state. It is safe to call more than once.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		<-s.done
		<-concurrency.Drain(s.events)

		s.mu.Lock()
		s.published = nil
		s.mu.Unlock()
	})
}
