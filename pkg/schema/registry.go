// Package schema holds the link registry: the links, reducers, firewalls and exposure
// settings declared for each collection.
package schema

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/openfga/grapher/pkg/body"
	grapherErrors "github.com/openfga/grapher/pkg/errors"
	"github.com/openfga/grapher/pkg/storage"
)

// Firewall inspects and may rewrite the filters and options of a node before it is
// fetched. A non-nil error vetoes the whole request.
type Firewall func(ctx context.Context, filters storage.Filter, options *storage.FindOptions, userID string) error

// Exposure restricts what client requests may reach on a collection.
type Exposure struct {
	MaxLimit         int
	MaxDepth         int
	RestrictedFields []string
	RestrictedLinks  []string
}

type collection struct {
	name      string
	links     map[string]*Linker
	reducers  map[string]*Reducer
	firewalls []Firewall
	exposure  *Exposure
}

// Registry is the set of collections known to the engine. Registrations are rejected
// once the registry is sealed, which happens on the first resolution pass.
type Registry struct {
	mu          sync.RWMutex
	collections map[string]*collection // GUARDED_BY(mu)
	sealed      atomic.Bool
}

func NewRegistry() *Registry {
	return &Registry{collections: make(map[string]*collection)}
}

// checkOpenLocked must be called with mu held, so a registration cannot interleave
// with Seal.
func (r *Registry) checkOpenLocked() error {
	if r.sealed.Load() {
		return grapherErrors.ErrRegistrySealed
	}
	return nil
}

// collectionLocked returns the handle of name, creating it when missing.
func (r *Registry) collectionLocked(name string) *collection {
	c, ok := r.collections[name]
	if !ok {
		c = &collection{
			name:     name,
			links:    make(map[string]*Linker),
			reducers: make(map[string]*Reducer),
		}
		r.collections[name] = c
	}
	return c
}

// AddCollection declares a collection. Declaring it twice is a no-op.
func (r *Registry) AddCollection(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkOpenLocked(); err != nil {
		return err
	}
	r.collectionLocked(name)
	return nil
}

// HasCollection reports whether name was declared, either directly or by owning a
// link, reducer or firewall.
func (r *Registry) HasCollection(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.collections[name]
	return ok
}

// Collections returns the declared collection names, sorted.
func (r *Registry) Collections() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.collections))
	for name := range r.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AddLink registers a link on collection. Inverse links must name an existing direct
// link of the target collection pointing back to collection.
func (r *Registry) AddLink(collectionName, name string, cfg LinkConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkOpenLocked(); err != nil {
		return err
	}

	c := r.collectionLocked(collectionName)
	if _, ok := c.links[name]; ok {
		return &grapherErrors.DuplicateLinkError{Collection: collectionName, Link: name}
	}
	if _, ok := c.reducers[name]; ok {
		return &grapherErrors.DuplicateLinkError{Collection: collectionName, Link: name}
	}

	linker, err := newLinker(r, collectionName, name, cfg)
	if err != nil {
		return &grapherErrors.InvalidLinkError{Collection: collectionName, Link: name, Cause: err}
	}

	if cfg.InversedBy != "" {
		if err := r.checkPairLocked(collectionName, cfg); err != nil {
			return &grapherErrors.InvalidLinkError{Collection: collectionName, Link: name, Cause: err}
		}
		if cfg.Type == "" && r.collections[cfg.Collection].links[cfg.InversedBy].config.Unique {
			linker.single = true
		}
	}

	c.links[name] = linker
	return nil
}

func (r *Registry) checkPairLocked(owner string, cfg LinkConfig) error {
	target, ok := r.collections[cfg.Collection]
	if !ok {
		return &grapherErrors.UnknownLinkError{Collection: cfg.Collection, Link: cfg.InversedBy}
	}
	pair, ok := target.links[cfg.InversedBy]
	if !ok {
		return &grapherErrors.UnknownLinkError{Collection: cfg.Collection, Link: cfg.InversedBy}
	}
	if pair.IsVirtual() {
		return errInverseOfInverse
	}
	if pair.TargetCollection() != owner {
		return errPairTarget
	}
	return nil
}

// AddLinks registers several links of collection. Direct links are registered before
// inverse ones so a map may hold both sides of a self-referencing pair.
func (r *Registry) AddLinks(collectionName string, links map[string]LinkConfig) error {
	names := make([]string, 0, len(links))
	for name := range links {
		names = append(names, name)
	}
	sort.SliceStable(names, func(i, j int) bool {
		vi, vj := links[names[i]].InversedBy != "", links[names[j]].InversedBy != ""
		if vi != vj {
			return !vi
		}
		return names[i] < names[j]
	})

	for _, name := range names {
		if err := r.AddLink(collectionName, name, links[name]); err != nil {
			return err
		}
	}
	return nil
}

// Linker returns the link name of collection.
func (r *Registry) Linker(collectionName, name string) (*Linker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.collections[collectionName]
	if !ok {
		return nil, &grapherErrors.UnknownLinkError{Collection: collectionName, Link: name}
	}
	l, ok := c.links[name]
	if !ok {
		return nil, &grapherErrors.UnknownLinkError{Collection: collectionName, Link: name}
	}
	return l, nil
}

// HasLink reports whether collection declares a link called name.
func (r *Registry) HasLink(collectionName, name string) bool {
	_, err := r.Linker(collectionName, name)
	return err == nil
}

// Links returns the links of collection sorted by name.
func (r *Registry) Links(collectionName string) []*Linker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.collections[collectionName]
	if !ok {
		return nil
	}
	out := make([]*Linker, 0, len(c.links))
	for _, l := range c.links {
		out = append(out, l)
	}
	slices.SortFunc(out, func(a, b *Linker) int {
		switch {
		case a.name < b.name:
			return -1
		case a.name > b.name:
			return 1
		}
		return 0
	})
	return out
}

// AddReducer registers a computed field on collection.
func (r *Registry) AddReducer(collectionName, name string, cfg ReducerConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkOpenLocked(); err != nil {
		return err
	}

	c := r.collectionLocked(collectionName)
	if _, ok := c.links[name]; ok {
		return &grapherErrors.DuplicateReducerError{Collection: collectionName, Reducer: name}
	}
	if _, ok := c.reducers[name]; ok {
		return &grapherErrors.DuplicateReducerError{Collection: collectionName, Reducer: name}
	}

	reducer, err := newReducer(collectionName, name, cfg)
	if err != nil {
		return err
	}
	c.reducers[name] = reducer
	return nil
}

// Reducer returns the reducer name of collection.
func (r *Registry) Reducer(collectionName, name string) (*Reducer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.collections[collectionName]
	if !ok {
		return nil, false
	}
	reducer, ok := c.reducers[name]
	return reducer, ok
}

// Reducers returns the reducer names of collection, sorted.
func (r *Registry) Reducers(collectionName string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.collections[collectionName]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(c.reducers))
	for name := range c.reducers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AddFirewall appends security interceptors to collection. They run in registration
// order on every node of that collection.
func (r *Registry) AddFirewall(collectionName string, firewalls ...Firewall) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkOpenLocked(); err != nil {
		return err
	}
	c := r.collectionLocked(collectionName)
	c.firewalls = append(c.firewalls, firewalls...)
	return nil
}

// Firewalls returns the interceptors of collection, restricted fields first.
func (r *Registry) Firewalls(collectionName string) []Firewall {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.collections[collectionName]
	if !ok {
		return nil
	}
	var out []Firewall
	if c.exposure != nil && len(c.exposure.RestrictedFields) > 0 {
		out = append(out, RestrictFields(c.exposure.RestrictedFields...))
	}
	return append(out, c.firewalls...)
}

// Expose sets the exposure settings of collection.
func (r *Registry) Expose(collectionName string, exposure Exposure) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkOpenLocked(); err != nil {
		return err
	}
	c := r.collectionLocked(collectionName)
	if c.exposure != nil {
		return fmt.Errorf("%w: collection '%s' is already exposed", grapherErrors.ErrConfiguration, collectionName)
	}
	c.exposure = &exposure
	return nil
}

// Exposure returns the exposure settings of collection.
func (r *Registry) Exposure(collectionName string) (Exposure, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.collections[collectionName]
	if !ok || c.exposure == nil {
		return Exposure{}, false
	}
	return *c.exposure, true
}

// Sealed reports whether the registry accepts no more registrations.
func (r *Registry) Sealed() bool {
	return r.sealed.Load()
}

// Seal validates the reducer dependency graph and freezes the registry. Sealing an
// already sealed registry is a no-op.
func (r *Registry) Seal() error {
	if r.sealed.Load() {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed.Load() {
		return nil
	}
	if err := r.validateReducersLocked(); err != nil {
		return err
	}
	r.sealed.Store(true)
	return nil
}

type reducerRef struct {
	collection string
	name       string
}

func (ref reducerRef) String() string {
	return ref.collection + "." + ref.name
}

// validateReducersLocked walks reducer dependencies, following links into other
// collections, and fails on the first cycle found.
func (r *Registry) validateReducersLocked() error {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[reducerRef]int)
	var stack []reducerRef

	var visit func(ref reducerRef) error
	visit = func(ref reducerRef) error {
		switch state[ref] {
		case done:
			return nil
		case visiting:
			start := slices.Index(stack, ref)
			chain := make([]string, 0, len(stack)-start+1)
			for _, s := range stack[start:] {
				chain = append(chain, s.String())
			}
			return &grapherErrors.CyclicReducerError{Chain: append(chain, ref.String())}
		}

		state[ref] = visiting
		stack = append(stack, ref)
		reducer := r.collections[ref.collection].reducers[ref.name]
		for _, dep := range r.reducerDepsLocked(ref.collection, reducer.Body) {
			if err := visit(dep); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		state[ref] = done
		return nil
	}

	names := make([]string, 0, len(r.collections))
	for name := range r.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		reducers := make([]string, 0, len(r.collections[name].reducers))
		for reducer := range r.collections[name].reducers {
			reducers = append(reducers, reducer)
		}
		sort.Strings(reducers)
		for _, reducer := range reducers {
			if err := visit(reducerRef{collection: name, name: reducer}); err != nil {
				return err
			}
		}
	}
	return nil
}

// reducerDepsLocked returns the reducers a dependency body reaches, in this
// collection and through links in others.
func (r *Registry) reducerDepsLocked(collectionName string, b *body.Body) []reducerRef {
	c, ok := r.collections[collectionName]
	if !ok || b == nil {
		return nil
	}
	var deps []reducerRef
	for _, key := range b.Keys() {
		if _, ok := c.reducers[key]; ok {
			deps = append(deps, reducerRef{collection: collectionName, name: key})
			continue
		}
		linker, ok := c.links[key]
		if !ok {
			continue
		}
		child, _ := b.Get(key)
		deps = append(deps, r.reducerDepsLocked(linker.TargetCollection(), child)...)
	}
	return deps
}
