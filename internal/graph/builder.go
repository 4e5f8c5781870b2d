package graph

import (
	"fmt"
	"slices"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/openfga/grapher/pkg/body"
	"github.com/openfga/grapher/pkg/document"
	grapherErrors "github.com/openfga/grapher/pkg/errors"
	"github.com/openfga/grapher/pkg/schema"
	"github.com/openfga/grapher/pkg/storage"
)

// maxReducerExpansions bounds the number of reducer bodies merged into a single node.
const maxReducerExpansions = 1000

// BuildOptions are the guardrails and inputs of a build.
type BuildOptions struct {
	// MaxDepth is the deepest link level allowed. Zero means unlimited.
	MaxDepth int

	// MaxLimit is the largest explicit limit allowed, and the limit of a root without
	// one. Zero means unlimited.
	MaxLimit int

	// Params are passed to $filter hooks and reducers.
	Params map[string]any

	// BypassDenormalization fetches denormalized links from their collection.
	BypassDenormalization bool
}

type builder struct {
	registry *schema.Registry
	opts     BuildOptions
}

// Build seals registry and turns b into a tree of nodes rooted at collection. Every
// guardrail is checked before any document is read.
func Build(registry *schema.Registry, collection string, b *body.Body, opts BuildOptions) (*Node, error) {
	if err := registry.Seal(); err != nil {
		return nil, err
	}
	if !registry.HasCollection(collection) {
		return nil, fmt.Errorf("%w: unknown collection '%s'", grapherErrors.ErrConfiguration, collection)
	}
	if b == nil {
		b = body.New()
	}

	if exposure, ok := registry.Exposure(collection); ok {
		opts.MaxDepth = tighter(opts.MaxDepth, exposure.MaxDepth)
	}

	bld := &builder{registry: registry, opts: opts}
	root := &Node{Collection: collection}
	if err := bld.buildNode(root, b.Clone(), b.Clone(), mapset.NewThreadUnsafeSet[string]()); err != nil {
		return nil, err
	}
	return root, nil
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

func (bld *builder) maxLimit(collection string) int {
	maxLimit := bld.opts.MaxLimit
	if exposure, ok := bld.registry.Exposure(collection); ok {
		maxLimit = tighter(maxLimit, exposure.MaxLimit)
	}
	return maxLimit
}

// buildNode fills n from work, the body with reducer dependencies still to merge,
// and requested, what the caller asked for at this level. active holds the reducers
// whose dependencies led to this node.
func (bld *builder) buildNode(n *Node, work, requested *body.Body, active mapset.Set[string]) error {
	path := n.Path()

	filters := storage.Filter(document.Document(work.Filters).Clone())
	if filters == nil {
		filters = storage.Filter{}
	}
	options := work.Options
	options.Sort = slices.Clone(options.Sort)
	if work.FilterFunc != nil {
		if err := work.FilterFunc(filters, &options, bld.opts.Params); err != nil {
			return &grapherErrors.InvalidBodyError{Path: path, Cause: err}
		}
	}

	if len(work.Meta) > 0 {
		if n.Linker == nil || !n.Linker.IsMetadata() {
			return &grapherErrors.MetaFilterError{Path: path}
		}
		n.Meta = document.Document(work.Meta).Clone()
	}

	maxLimit := bld.maxLimit(n.Collection)
	if maxLimit > 0 {
		if options.Limit > maxLimit {
			return &grapherErrors.MaxLimitExceededError{Path: path, Limit: options.Limit, MaxLimit: maxLimit}
		}
		if n.IsRoot() && options.Limit == 0 {
			options.Limit = maxLimit
		}
	}

	merged, reducers, err := bld.expandReducers(n, work, requested, active)
	if err != nil {
		return err
	}
	n.Reducers = reducers
	n.Requested = requested
	n.Filters = filters

	childActive := active.Clone()
	for _, r := range reducers {
		childActive.Add(r.Collection + "." + r.Name)
	}

	var restricted []string
	if exposure, ok := bld.registry.Exposure(n.Collection); ok {
		restricted = exposure.RestrictedLinks
	}

	var fields []string
	seen := mapset.NewThreadUnsafeSet[string]()
	addField := func(f string) {
		if seen.Add(f) {
			fields = append(fields, f)
		}
	}
	var implicit []string

	for _, key := range merged.Keys() {
		child, _ := merged.Get(key)

		if reducer, ok := bld.registry.Reducer(n.Collection, key); ok {
			if !reducer.Expand && child != nil && child.Len() > 0 {
				return &grapherErrors.InvalidBodyError{Path: path + "." + key, Cause: fmt.Errorf("reducer '%s' takes no body", key)}
			}
			continue
		}

		linker, err := bld.registry.Linker(n.Collection, key)
		if err != nil {
			if child == nil || child.Len() == 0 {
				addField(key)
				continue
			}
			for _, p := range schema.FieldPaths(child) {
				addField(key + "." + p)
			}
			continue
		}

		if slices.Contains(restricted, key) {
			return &grapherErrors.UnknownLinkError{Collection: n.Collection, Link: key}
		}
		if !bld.registry.HasCollection(linker.TargetCollection()) {
			return &grapherErrors.BrokenLinkError{Collection: n.Collection, Link: key, Target: linker.TargetCollection()}
		}

		c := &Node{
			Collection: linker.TargetCollection(),
			LinkName:   key,
			Linker:     linker,
			Parent:     n,
			Depth:      n.Depth + 1,
		}
		if bld.opts.MaxDepth > 0 && c.Depth > bld.opts.MaxDepth {
			return &grapherErrors.MaxDepthExceededError{MaxDepth: bld.opts.MaxDepth}
		}

		childWork := child.Clone()
		if childWork == nil {
			childWork = body.New()
		}
		var childRequested *body.Body
		if r, ok := requested.Get(key); ok {
			childRequested = r.Clone()
			if childRequested == nil {
				childRequested = body.New()
			}
		}

		if err := bld.buildNode(c, childWork, childRequested, childActive); err != nil {
			return err
		}
		if len(c.Options.Fields) > 0 {
			c.Options.Fields = appendMissing(c.Options.Fields, linker.TargetFields()...)
		}
		n.Children = append(n.Children, c)

		if !linker.IsVirtual() {
			implicit = append(implicit, linker.SourceFields()...)
		} else if f := linker.IdentityField(); f != document.IDField {
			implicit = append(implicit, f)
		}

		if bld.canBypass(c, childWork) {
			c.Denormalized = true
			implicit = append(implicit, linker.Denormalize().Field)
		}
	}

	var projection []string
	if len(fields) > 0 {
		for _, f := range implicit {
			addField(f)
		}
		projection = fields
	}
	n.Options = storage.FindOptions{
		Fields: projection,
		Sort:   options.Sort,
		Limit:  options.Limit,
		Skip:   options.Skip,
	}
	return nil
}

func appendMissing(fields []string, extra ...string) []string {
	for _, f := range extra {
		if f != document.IDField && !slices.Contains(fields, f) {
			fields = append(fields, f)
		}
	}
	return fields
}

// canBypass reports whether c can be served from the denormalized copy of its parent:
// the requested fields all live in the copy and nothing else is asked of the node.
func (bld *builder) canBypass(c *Node, work *body.Body) bool {
	d := c.Linker.Denormalize()
	if d == nil || bld.opts.BypassDenormalization || c.Linker.IsVirtual() {
		return false
	}
	if len(c.Filters) > 0 || c.Meta != nil || !work.Options.IsZero() || work.FilterFunc != nil {
		return false
	}
	if len(c.Children) > 0 || len(c.Reducers) > 0 || len(c.Options.Fields) == 0 {
		return false
	}

	cached := mapset.NewThreadUnsafeSet[string](d.Fields()...)
	cached.Add(document.IDField)
	for _, f := range c.Options.Fields {
		if !cached.Contains(f) && !coveredByParent(cached, f) {
			return false
		}
	}
	return true
}

// coveredByParent reports whether a parent path of f is cached whole.
func coveredByParent(cached mapset.Set[string], f string) bool {
	for i := len(f) - 1; i > 0; i-- {
		if f[i] == '.' && cached.Contains(f[:i]) {
			return true
		}
	}
	return false
}

// expandReducers merges the dependency bodies of the reducers reached from work,
// depth-first, and returns the merged body with the reducers to compute in
// dependency order.
func (bld *builder) expandReducers(n *Node, work, requested *body.Body, active mapset.Set[string]) (*body.Body, []*schema.Reducer, error) {
	merged := work.Clone()
	var order []*schema.Reducer
	done := mapset.NewThreadUnsafeSet[string]()
	var stack []string
	expansions := 0

	var visit func(name string) error
	visit = func(name string) error {
		reducer, ok := bld.registry.Reducer(n.Collection, name)
		if !ok {
			return nil
		}
		qualified := n.Collection + "." + name
		if done.Contains(name) {
			return nil
		}
		if slices.Contains(stack, qualified) {
			return &grapherErrors.CyclicReducerError{Chain: append(slices.Clone(stack), qualified)}
		}
		if active.Contains(qualified) && !requested.Has(name) {
			return &grapherErrors.CyclicReducerError{Chain: append(active.ToSlice(), qualified)}
		}

		expansions++
		if expansions > maxReducerExpansions {
			return &grapherErrors.CyclicReducerError{Chain: append(slices.Clone(stack), qualified)}
		}

		stack = append(stack, qualified)
		for _, key := range reducer.Body.Keys() {
			if err := visit(key); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]

		merged.Merge(reducer.Body)
		if reducer.Expand && requested.Has(name) {
			requested.Merge(reducer.Body)
		}
		done.Add(name)
		if !reducer.Expand {
			order = append(order, reducer)
		}
		return nil
	}

	for _, key := range work.Keys() {
		if err := visit(key); err != nil {
			return nil, nil, err
		}
	}
	return merged, order, nil
}
