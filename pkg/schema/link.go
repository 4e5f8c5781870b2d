package schema

import (
	"errors"
	"fmt"

	"github.com/openfga/grapher/pkg/body"
	"github.com/openfga/grapher/pkg/document"
	"github.com/openfga/grapher/pkg/selector"
	"github.com/openfga/grapher/pkg/storage"
)

const (
	TypeOne  = "one"
	TypeMany = "many"
)

var (
	errInvalidType        = errors.New("type must be one of 'one', '1', 'many' or '*'")
	errMissingCollection  = errors.New("a target collection is required")
	errFieldAndInversedBy = errors.New("a link cannot declare both a storage field and inversedBy")
	errInverseOfInverse   = errors.New("inversedBy must name a direct link")
	errPairTarget         = errors.New("the paired link does not point back to this collection")
	errDenormalizeField   = errors.New("denormalize requires a cache field and a body")
)

// LinkConfig is the registration contract of a link.
type LinkConfig struct {
	Type                 string             `json:"type"`
	Collection           string             `json:"collection"`
	Field                string             `json:"field,omitempty"`
	ForeignIdentityField string             `json:"foreignIdentityField,omitempty"`
	InversedBy           string             `json:"inversedBy,omitempty"`
	Metadata             bool               `json:"metadata,omitempty"`
	Denormalize          *DenormalizeConfig `json:"denormalize,omitempty"`

	// Storage hints. They are kept for tooling and not acted upon.
	Index      bool `json:"index,omitempty"`
	Unique     bool `json:"unique,omitempty"`
	Autoremove bool `json:"autoremove,omitempty"`
}

// DenormalizeConfig keeps a copy of the linked documents, projected to Body, in the
// Field of the owning document.
type DenormalizeConfig struct {
	Field string
	Body  *body.Body
}

// Fields returns the dotted field paths the denormalized copy holds.
func (d *DenormalizeConfig) Fields() []string {
	return FieldPaths(d.Body)
}

// FieldPaths flattens a body into dotted field paths.
func FieldPaths(b *body.Body) []string {
	var out []string
	var walk func(prefix string, b *body.Body)
	walk = func(prefix string, b *body.Body) {
		for _, key := range b.Keys() {
			child, _ := b.Get(key)
			path := key
			if prefix != "" {
				path = prefix + "." + key
			}
			if child == nil || child.Len() == 0 {
				out = append(out, path)
				continue
			}
			walk(path, child)
		}
	}
	walk("", b)
	return out
}

// Linker is a registered link of a collection.
type Linker struct {
	registry   *Registry
	collection string
	name       string
	config     LinkConfig
	single     bool
}

func newLinker(r *Registry, collection, name string, cfg LinkConfig) (*Linker, error) {
	l := &Linker{registry: r, collection: collection, name: name, config: cfg}

	switch cfg.Type {
	case TypeOne, "1":
		l.single = true
	case TypeMany, "*":
	case "":
		// inverse links default to the cardinality of their pair
		if cfg.InversedBy == "" {
			return nil, errInvalidType
		}
		l.single = cfg.Unique
	default:
		return nil, errInvalidType
	}

	if cfg.Collection == "" {
		return nil, errMissingCollection
	}
	if cfg.InversedBy != "" && cfg.Field != "" {
		return nil, errFieldAndInversedBy
	}
	if cfg.InversedBy == "" && cfg.Field == "" {
		if l.single {
			l.config.Field = name + "Id"
		} else {
			l.config.Field = name + "Ids"
		}
	}
	if d := cfg.Denormalize; d != nil && (d.Field == "" || d.Body == nil || d.Body.Len() == 0) {
		return nil, errDenormalizeField
	}

	return l, nil
}

func (l *Linker) Name() string {
	return l.name
}

// Collection returns the owning collection.
func (l *Linker) Collection() string {
	return l.collection
}

// TargetCollection returns the collection the link points to.
func (l *Linker) TargetCollection() string {
	return l.config.Collection
}

func (l *Linker) Config() LinkConfig {
	return l.config
}

func (l *Linker) IsSingle() bool {
	return l.single
}

func (l *Linker) IsMany() bool {
	return !l.single
}

// IsVirtual reports whether this is an inverse link, stored on the target side.
func (l *Linker) IsVirtual() bool {
	return l.config.InversedBy != ""
}

// Pair returns the direct link an inverse link is paired with.
func (l *Linker) Pair() *Linker {
	if !l.IsVirtual() {
		return nil
	}
	pair, err := l.registry.Linker(l.config.Collection, l.config.InversedBy)
	if err != nil {
		return nil
	}
	return pair
}

// IsMetadata reports whether relations carry metadata.
func (l *Linker) IsMetadata() bool {
	if l.IsVirtual() {
		return l.Pair().config.Metadata
	}
	return l.config.Metadata
}

// StorageField returns the field holding the relation: on the owning documents for
// direct links, on the targets for inverse ones.
func (l *Linker) StorageField() string {
	if l.IsVirtual() {
		return l.Pair().config.Field
	}
	return l.config.Field
}

// IdentityField returns the field of the documents the stored values point at.
func (l *Linker) IdentityField() string {
	if l.IsVirtual() {
		return l.Pair().IdentityField()
	}
	if l.config.ForeignIdentityField != "" {
		return l.config.ForeignIdentityField
	}
	return document.IDField
}

// Denormalize returns the denormalization settings, if any.
func (l *Linker) Denormalize() *DenormalizeConfig {
	return l.config.Denormalize
}

// SourceFields returns the fields the owning documents must carry to resolve the link.
func (l *Linker) SourceFields() []string {
	if l.IsVirtual() {
		return []string{l.IdentityField()}
	}
	return []string{l.StorageField()}
}

// TargetFields returns the fields fetched targets must carry to be related back.
func (l *Linker) TargetFields() []string {
	if l.IsVirtual() {
		return []string{l.StorageField()}
	}
	return []string{l.IdentityField()}
}

// TargetJoinField returns the target field matched against SourceKeys.
func (l *Linker) TargetJoinField() string {
	if !l.IsVirtual() {
		return l.IdentityField()
	}
	if l.IsMetadata() {
		return l.StorageField() + "." + document.IDField
	}
	return l.StorageField()
}

// SourceKeys returns the values of source that related targets carry in their join
// field. For direct metadata links, relations whose metadata does not satisfy meta
// are skipped.
func (l *Linker) SourceKeys(source document.Document, meta map[string]any) []any {
	if l.IsVirtual() {
		v, ok := source.Get(l.IdentityField())
		if !ok || v == nil {
			return nil
		}
		return []any{v}
	}

	stored, ok := source.Get(l.StorageField())
	if !ok || stored == nil {
		return nil
	}

	var keys []any
	for _, value := range storedValues(stored) {
		if !l.config.Metadata {
			keys = append(keys, value)
			continue
		}
		entry, ok := document.AsMap(value)
		if !ok {
			continue
		}
		if len(meta) > 0 && !metaMatches(entry, meta) {
			continue
		}
		keys = append(keys, entry[document.IDField])
	}
	return keys
}

// TargetKeys returns the join values of a target document.
func (l *Linker) TargetKeys(target document.Document) []any {
	if !l.IsVirtual() {
		v, ok := target.Get(l.IdentityField())
		if !ok {
			return nil
		}
		return []any{v}
	}

	stored, ok := target.Get(l.StorageField())
	if !ok || stored == nil {
		return nil
	}
	var keys []any
	for _, value := range storedValues(stored) {
		if l.IsMetadata() {
			if entry, ok := document.AsMap(value); ok {
				keys = append(keys, entry[document.IDField])
			}
			continue
		}
		keys = append(keys, value)
	}
	return keys
}

// TargetFilter returns the selector matching the targets related to keys. For
// inverse metadata links meta is folded into the selector.
func (l *Linker) TargetFilter(keys []any, meta map[string]any) storage.Filter {
	in := map[string]any{"$in": keys}
	if !l.IsVirtual() || !l.IsMetadata() || len(meta) == 0 {
		return storage.Filter{l.TargetJoinField(): in}
	}

	match := map[string]any{document.IDField: in}
	for k, v := range meta {
		match[k] = v
	}
	if l.Pair().IsSingle() {
		filter := storage.Filter{}
		for k, v := range match {
			filter[l.StorageField()+"."+k] = v
		}
		return filter
	}
	return storage.Filter{l.StorageField(): map[string]any{"$elemMatch": match}}
}

// Metadata returns the metadata of the relation between source and target, without
// the identity.
func (l *Linker) Metadata(source, target document.Document) (map[string]any, bool) {
	if !l.IsMetadata() {
		return nil, false
	}

	var holder document.Document
	var key any
	if l.IsVirtual() {
		holder = target
		key, _ = source.Get(l.IdentityField())
	} else {
		holder = source
		key, _ = target.Get(l.IdentityField())
	}

	stored, ok := holder.Get(l.StorageField())
	if !ok {
		return nil, false
	}
	for _, value := range storedValues(stored) {
		entry, ok := document.AsMap(value)
		if !ok || !selector.Equal(entry[document.IDField], key) {
			continue
		}
		meta := make(map[string]any, len(entry))
		for k, v := range entry {
			if k != document.IDField {
				meta[k] = document.CloneValue(v)
			}
		}
		return meta, true
	}
	return nil, false
}

// Relates reports whether target belongs to source through this link and, for
// metadata links, whether the relation satisfies meta.
func (l *Linker) Relates(source, target document.Document, meta map[string]any) bool {
	sourceKeys := l.SourceKeys(source, meta)
	targetKeys := l.TargetKeys(target)
	found := false
	for _, sk := range sourceKeys {
		for _, tk := range targetKeys {
			if selector.Equal(sk, tk) {
				found = true
			}
		}
	}
	if !found {
		return false
	}
	if l.IsVirtual() && l.IsMetadata() && len(meta) > 0 {
		entry, ok := l.Metadata(source, target)
		return ok && metaMatches(entry, meta)
	}
	return true
}

func (l *Linker) String() string {
	return fmt.Sprintf("%s#%s", l.collection, l.name)
}

func storedValues(stored any) []any {
	if arr, ok := document.AsSlice(stored); ok {
		return arr
	}
	return []any{stored}
}

func metaMatches(entry map[string]any, meta map[string]any) bool {
	ok, err := selector.Match(entry, meta)
	return err == nil && ok
}
