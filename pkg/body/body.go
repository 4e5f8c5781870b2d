// Package body models query bodies: ordered trees of requested fields and links,
// plus the reserved $filters, $options and $meta keys of each level.
package body

import (
	"sort"
	"strings"

	"github.com/emirpasic/gods/maps/linkedhashmap"

	"github.com/openfga/grapher/pkg/document"
	"github.com/openfga/grapher/pkg/storage"
)

// Reserved keys of a body level.
const (
	FiltersKey = "$filters"
	OptionsKey = "$options"
	MetaKey    = "$meta"
	FilterKey  = "$filter"
	BodyKey    = "$body"
)

// Options are the caller-facing query options of a body level.
type Options struct {
	Limit int
	Skip  int
	Sort  []storage.SortField
}

// IsZero reports whether no option was set.
func (o Options) IsZero() bool {
	return o.Limit == 0 && o.Skip == 0 && len(o.Sort) == 0
}

// FilterFunc customizes filters and options of a level from the query params before
// the body is built.
type FilterFunc func(filters map[string]any, options *Options, params map[string]any) error

// Body is one level of a query body. Entries keep declaration order; an entry with a
// nil child is a plain field, any other entry a nested body (a link or a
// subdocument projection).
type Body struct {
	entries    *linkedhashmap.Map
	Filters    map[string]any
	Options    Options
	Meta       map[string]any
	FilterFunc FilterFunc
}

// New returns an empty body.
func New() *Body {
	return &Body{entries: linkedhashmap.New()}
}

// Field requests plain fields. Dotted names request nested fields.
func (b *Body) Field(names ...string) *Body {
	for _, name := range names {
		b.Set(name, nil)
	}
	return b
}

// Link requests a nested body under name.
func (b *Body) Link(name string, child *Body) *Body {
	if child == nil {
		child = New()
	}
	b.Set(name, child)
	return b
}

// Set adds or replaces the entry for key. Dotted keys are expanded into nested
// bodies; a nil child marks a plain field.
func (b *Body) Set(key string, child *Body) {
	if head, rest, dotted := strings.Cut(key, "."); dotted {
		nested, ok := b.Get(head)
		if !ok || nested == nil {
			if ok {
				// the whole subdocument is already requested
				return
			}
			nested = New()
			b.entries.Put(head, nested)
		}
		nested.Set(rest, child)
		return
	}
	if child == nil {
		b.entries.Put(key, (*Body)(nil))
		return
	}
	b.entries.Put(key, child)
}

// Filter sets the $filters of the level.
func (b *Body) Filter(filters map[string]any) *Body {
	b.Filters = filters
	return b
}

func (b *Body) Limit(n int) *Body {
	b.Options.Limit = n
	return b
}

func (b *Body) Skip(n int) *Body {
	b.Options.Skip = n
	return b
}

func (b *Body) Sort(field string, descending bool) *Body {
	b.Options.Sort = append(b.Options.Sort, storage.SortField{Field: field, Descending: descending})
	return b
}

// WithMeta sets the $meta filter evaluated against relation metadata.
func (b *Body) WithMeta(meta map[string]any) *Body {
	b.Meta = meta
	return b
}

func (b *Body) WithFilterFunc(fn FilterFunc) *Body {
	b.FilterFunc = fn
	return b
}

// Get returns the child for key. A plain field returns a nil body and true.
func (b *Body) Get(key string) (*Body, bool) {
	if b == nil {
		return nil, false
	}
	v, ok := b.entries.Get(key)
	if !ok {
		return nil, false
	}
	child, _ := v.(*Body)
	return child, true
}

// Has reports whether key is requested.
func (b *Body) Has(key string) bool {
	_, ok := b.Get(key)
	return ok
}

// Remove drops key from the body.
func (b *Body) Remove(key string) {
	b.entries.Remove(key)
}

// Keys returns the requested keys in declaration order.
func (b *Body) Keys() []string {
	if b == nil {
		return nil
	}
	keys := make([]string, 0, b.entries.Size())
	for _, k := range b.entries.Keys() {
		keys = append(keys, k.(string))
	}
	return keys
}

func (b *Body) Len() int {
	if b == nil {
		return 0
	}
	return b.entries.Size()
}

// Clone returns a deep copy.
func (b *Body) Clone() *Body {
	if b == nil {
		return nil
	}
	out := New()
	for _, key := range b.Keys() {
		child, _ := b.Get(key)
		out.entries.Put(key, child.Clone())
	}
	if b.Filters != nil {
		out.Filters = document.Document(b.Filters).Clone()
	}
	if b.Meta != nil {
		out.Meta = document.Document(b.Meta).Clone()
	}
	out.Options = Options{
		Limit: b.Options.Limit,
		Skip:  b.Options.Skip,
		Sort:  append([]storage.SortField(nil), b.Options.Sort...),
	}
	out.FilterFunc = b.FilterFunc
	return out
}

// Merge deep-merges other into b. A plain field wins over a nested body for the same
// key since it requests the whole value. Filters and options of b are kept and only
// filled from other when b has none.
func (b *Body) Merge(other *Body) {
	if other == nil {
		return
	}
	for _, key := range other.Keys() {
		theirs, _ := other.Get(key)
		ours, exists := b.Get(key)
		switch {
		case !exists:
			b.entries.Put(key, theirs.Clone())
		case ours == nil:
		case theirs == nil:
			b.entries.Put(key, (*Body)(nil))
		default:
			ours.Merge(theirs)
		}
	}
	if b.Filters == nil && other.Filters != nil {
		b.Filters = document.Document(other.Filters).Clone()
	}
	if b.Meta == nil && other.Meta != nil {
		b.Meta = document.Document(other.Meta).Clone()
	}
	if b.Options.IsZero() {
		b.Options = other.Options
	}
	if b.FilterFunc == nil {
		b.FilterFunc = other.FilterFunc
	}
}

// Intersect returns the part of b that other also requests, keeping the filters,
// options and hooks of b. A plain field intersected with a nested body yields the
// nested body.
func Intersect(b, other *Body) *Body {
	if b == nil {
		return nil
	}
	out := New()
	out.Filters = b.Clone().Filters
	out.Meta = b.Clone().Meta
	out.Options = b.Clone().Options
	out.FilterFunc = b.FilterFunc

	for _, key := range b.Keys() {
		ours, _ := b.Get(key)
		theirs, ok := other.Get(key)
		if !ok {
			continue
		}
		switch {
		case ours == nil && theirs == nil:
			out.entries.Put(key, (*Body)(nil))
		case ours == nil:
			out.entries.Put(key, stripReserved(theirs))
		case theirs == nil:
			out.entries.Put(key, ours.Clone())
		default:
			out.entries.Put(key, Intersect(ours, theirs))
		}
	}
	return out
}

func stripReserved(b *Body) *Body {
	out := New()
	for _, key := range b.Keys() {
		child, _ := b.Get(key)
		if child == nil {
			out.entries.Put(key, (*Body)(nil))
			continue
		}
		out.entries.Put(key, stripReserved(child))
	}
	return out
}

// ToMap renders the body back into its wire shape. Key order is lost.
func (b *Body) ToMap() map[string]any {
	out := map[string]any{}
	for _, key := range b.Keys() {
		child, _ := b.Get(key)
		if child == nil {
			out[key] = 1
			continue
		}
		out[key] = child.ToMap()
	}
	if len(b.Filters) > 0 || len(b.Meta) > 0 {
		filters := map[string]any{}
		for k, v := range b.Filters {
			filters[k] = v
		}
		if len(b.Meta) > 0 {
			filters[MetaKey] = b.Meta
		}
		out[FiltersKey] = filters
	}
	if !b.Options.IsZero() {
		opts := map[string]any{}
		if b.Options.Limit > 0 {
			opts["limit"] = b.Options.Limit
		}
		if b.Options.Skip > 0 {
			opts["skip"] = b.Options.Skip
		}
		if len(b.Options.Sort) > 0 {
			sortSpec := map[string]any{}
			for _, s := range b.Options.Sort {
				dir := 1
				if s.Descending {
					dir = -1
				}
				sortSpec[s.Field] = dir
			}
			opts["sort"] = sortSpec
		}
		out[OptionsKey] = opts
	}
	return out
}

// sortedKeys returns the keys of m in lexical order.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
