package schema

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/openfga/grapher/pkg/document"
	grapherErrors "github.com/openfga/grapher/pkg/errors"
	"github.com/openfga/grapher/pkg/selector"
	"github.com/openfga/grapher/pkg/storage"
)

var (
	// ErrUnsupportedOperation is returned when a mutation does not apply to the
	// cardinality or kind of a link.
	ErrUnsupportedOperation = fmt.Errorf("%w: operation not supported by this link", grapherErrors.ErrRequest)

	errMissingIdentity = errors.New("document has no identity")
)

// Link binds a link definition to one document of the owning collection. Mutations
// are not atomic and a single Link must not be mutated concurrently.
type Link struct {
	linker *Linker
	object document.Document
	ds     storage.Datastore
}

// GetLink returns the link name of the document object of collection.
func (r *Registry) GetLink(object document.Document, collectionName, name string, ds storage.Datastore) (*Link, error) {
	linker, err := r.Linker(collectionName, name)
	if err != nil {
		return nil, err
	}
	if object == nil {
		object = document.Document{}
	}
	return &Link{linker: linker, object: object, ds: ds}, nil
}

func (l *Link) Linker() *Linker {
	return l.linker
}

// Object returns the owning document, including the changes made through the link.
func (l *Link) Object() document.Document {
	return l.object
}

// Value returns what the owning document stores for a direct link. Inverse links
// store nothing on the owner and return nil.
func (l *Link) Value() any {
	if l.linker.IsVirtual() {
		return nil
	}
	v, _ := l.object.Get(l.linker.StorageField())
	return v
}

func (l *Link) checkTarget() error {
	target := l.linker.TargetCollection()
	if !l.linker.registry.HasCollection(target) {
		return &grapherErrors.BrokenLinkError{Collection: l.linker.Collection(), Link: l.linker.Name(), Target: target}
	}
	return nil
}

// Fetch returns the related documents: a document or nil for single links, a slice
// for multiple ones.
func (l *Link) Fetch(ctx context.Context, filters storage.Filter, options storage.FindOptions, meta map[string]any) (any, error) {
	docs, err := l.FetchAsArray(ctx, filters, options, meta)
	if err != nil {
		return nil, err
	}
	if l.linker.IsSingle() {
		if len(docs) == 0 {
			return nil, nil
		}
		return docs[0], nil
	}
	return docs, nil
}

// FetchOne returns the first related document or nil.
func (l *Link) FetchOne(ctx context.Context, filters storage.Filter, options storage.FindOptions, meta map[string]any) (document.Document, error) {
	options.Limit = 1
	docs, err := l.FetchAsArray(ctx, filters, options, meta)
	if err != nil || len(docs) == 0 {
		return nil, err
	}
	return docs[0], nil
}

// FetchAsArray returns the related documents matching filters. For metadata links
// meta is evaluated against the relation metadata and each result carries its
// metadata under $metadata.
func (l *Link) FetchAsArray(ctx context.Context, filters storage.Filter, options storage.FindOptions, meta map[string]any) ([]document.Document, error) {
	if err := l.checkTarget(); err != nil {
		return nil, err
	}
	if len(meta) > 0 && !l.linker.IsMetadata() {
		return nil, &grapherErrors.MetaFilterError{Path: l.linker.Name()}
	}

	keys := l.linker.SourceKeys(l.object, meta)
	if len(keys) == 0 {
		return []document.Document{}, nil
	}

	filter := l.linker.TargetFilter(keys, meta)
	if len(filters) > 0 {
		filter = storage.Filter{"$and": []any{map[string]any(filter), map[string]any(filters.Clone())}}
	}

	options = options.Clone()
	var added []string
	if len(options.Fields) > 0 {
		for _, field := range l.linker.TargetFields() {
			if field != document.IDField && !slices.Contains(options.Fields, field) {
				options.Fields = append(options.Fields, field)
				added = append(added, field)
			}
		}
	}

	docs, err := l.ds.Find(ctx, l.linker.TargetCollection(), filter, options)
	if err != nil {
		return nil, err
	}

	out := make([]document.Document, 0, len(docs))
	for _, doc := range docs {
		if !l.linker.Relates(l.object, doc, meta) {
			continue
		}
		if metadata, ok := l.linker.Metadata(l.object, doc); ok {
			doc[document.MetadataField] = metadata
		}
		for _, field := range added {
			doc.Unset(field)
		}
		out = append(out, doc)
	}
	return out, nil
}

type relation struct {
	key      any
	metadata map[string]any
}

// Add relates targets, given as identities or documents, to a multiple link.
func (l *Link) Add(ctx context.Context, targets ...any) error {
	rels := make([]relation, 0, len(targets))
	for _, t := range targets {
		rels = append(rels, relation{key: t})
	}
	return l.add(ctx, rels)
}

// AddWithMetadata relates target with metadata.
func (l *Link) AddWithMetadata(ctx context.Context, target any, metadata map[string]any) error {
	if !l.linker.IsMetadata() {
		return ErrUnsupportedOperation
	}
	return l.add(ctx, []relation{{key: target, metadata: metadata}})
}

func (l *Link) add(ctx context.Context, rels []relation) error {
	if l.linker.IsSingle() {
		return ErrUnsupportedOperation
	}
	if l.linker.IsVirtual() {
		return l.addInverse(ctx, rels)
	}
	for i := range rels {
		key, err := targetKey(rels[i].key, l.linker.IdentityField())
		if err != nil {
			return err
		}
		rels[i].key = key
	}
	return l.linker.addRelations(ctx, l.ds, l.object, rels)
}

// Remove unrelates targets from a multiple link.
func (l *Link) Remove(ctx context.Context, targets ...any) error {
	if l.linker.IsSingle() {
		return ErrUnsupportedOperation
	}
	if l.linker.IsVirtual() {
		return l.removeInverse(ctx, targets)
	}
	keys := make([]any, 0, len(targets))
	for _, t := range targets {
		key, err := targetKey(t, l.linker.IdentityField())
		if err != nil {
			return err
		}
		keys = append(keys, key)
	}
	return l.linker.removeRelations(ctx, l.ds, l.object, keys)
}

// Set relates target to a single link, replacing the current relation.
func (l *Link) Set(ctx context.Context, target any) error {
	return l.set(ctx, relation{key: target})
}

// SetWithMetadata relates target to a single link with metadata.
func (l *Link) SetWithMetadata(ctx context.Context, target any, metadata map[string]any) error {
	if !l.linker.IsMetadata() {
		return ErrUnsupportedOperation
	}
	return l.set(ctx, relation{key: target, metadata: metadata})
}

func (l *Link) set(ctx context.Context, rel relation) error {
	if l.linker.IsMany() {
		return ErrUnsupportedOperation
	}
	if l.linker.IsVirtual() {
		if err := l.Unset(ctx); err != nil {
			return err
		}
		return l.addInverse(ctx, []relation{rel})
	}
	key, err := targetKey(rel.key, l.linker.IdentityField())
	if err != nil {
		return err
	}
	rel.key = key
	return l.linker.addRelations(ctx, l.ds, l.object, []relation{rel})
}

// Unset removes the relation of a single link.
func (l *Link) Unset(ctx context.Context) error {
	if l.linker.IsMany() {
		return ErrUnsupportedOperation
	}
	if !l.linker.IsVirtual() {
		return l.linker.removeRelations(ctx, l.ds, l.object, nil)
	}

	ownerKey, err := l.ownerKey()
	if err != nil {
		return err
	}
	current, err := l.ds.Find(ctx, l.linker.TargetCollection(), l.linker.TargetFilter([]any{ownerKey}, nil), storage.FindOptions{})
	if err != nil {
		return err
	}
	pair := l.linker.Pair()
	for _, doc := range current {
		if err := pair.removeRelations(ctx, l.ds, doc, []any{ownerKey}); err != nil {
			return err
		}
	}
	return nil
}

// SetMetadata replaces the metadata of the relation with target. For single direct
// links target may be nil to address the current relation.
func (l *Link) SetMetadata(ctx context.Context, target any, metadata map[string]any) error {
	if !l.linker.IsMetadata() {
		return ErrUnsupportedOperation
	}

	if !l.linker.IsVirtual() {
		var key any
		if target == nil && l.linker.IsSingle() {
			keys := l.linker.SourceKeys(l.object, nil)
			if len(keys) == 0 {
				return storage.ErrNotFound
			}
			key = keys[0]
		} else {
			var err error
			if key, err = targetKey(target, l.linker.IdentityField()); err != nil {
				return err
			}
		}
		return l.linker.setMetadata(ctx, l.ds, l.object, key, metadata)
	}

	ownerKey, err := l.ownerKey()
	if err != nil {
		return err
	}
	doc, err := l.loadTarget(ctx, target)
	if err != nil {
		return err
	}
	return l.linker.Pair().setMetadata(ctx, l.ds, doc, ownerKey, metadata)
}

func (l *Link) ownerKey() (any, error) {
	key, ok := l.object.Get(l.linker.IdentityField())
	if !ok || key == nil {
		return nil, errMissingIdentity
	}
	return key, nil
}

func (l *Link) loadTarget(ctx context.Context, target any) (document.Document, error) {
	id, err := targetKey(target, document.IDField)
	if err != nil {
		return nil, err
	}
	docs, err := l.ds.Find(ctx, l.linker.TargetCollection(), storage.Filter{document.IDField: id}, storage.FindOptions{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, storage.ErrNotFound
	}
	return docs[0], nil
}

func (l *Link) addInverse(ctx context.Context, rels []relation) error {
	ownerKey, err := l.ownerKey()
	if err != nil {
		return err
	}
	pair := l.linker.Pair()
	for _, rel := range rels {
		doc, err := l.loadTarget(ctx, rel.key)
		if err != nil {
			return err
		}
		if err := pair.addRelations(ctx, l.ds, doc, []relation{{key: ownerKey, metadata: rel.metadata}}); err != nil {
			return err
		}
	}
	return nil
}

func (l *Link) removeInverse(ctx context.Context, targets []any) error {
	ownerKey, err := l.ownerKey()
	if err != nil {
		return err
	}
	pair := l.linker.Pair()
	for _, t := range targets {
		doc, err := l.loadTarget(ctx, t)
		if err != nil {
			return err
		}
		if err := pair.removeRelations(ctx, l.ds, doc, []any{ownerKey}); err != nil {
			return err
		}
	}
	return nil
}

func targetKey(target any, field string) (any, error) {
	m, ok := document.AsMap(target)
	if !ok {
		return target, nil
	}
	key, ok := document.Lookup(m, field)
	if !ok || key == nil {
		return nil, errMissingIdentity
	}
	return key, nil
}

// addRelations stores rels on holder through the direct link l. Single links keep
// the last relation only.
func (l *Linker) addRelations(ctx context.Context, ds storage.Datastore, holder document.Document, rels []relation) error {
	if len(rels) == 0 {
		return nil
	}
	encode := func(rel relation) any {
		if !l.config.Metadata {
			return rel.key
		}
		entry := map[string]any{document.IDField: rel.key}
		for k, v := range rel.metadata {
			if k != document.IDField {
				entry[k] = document.CloneValue(v)
			}
		}
		return entry
	}

	if l.single {
		return l.persist(ctx, ds, holder, encode(rels[len(rels)-1]))
	}

	stored, _ := holder.Get(l.config.Field)
	var values []any
	if stored != nil {
		values = slices.Clone(storedValues(stored))
	}
	for _, rel := range rels {
		idx := slices.IndexFunc(values, func(v any) bool {
			return selector.Equal(l.storedKey(v), rel.key)
		})
		switch {
		case idx < 0:
			values = append(values, encode(rel))
		case l.config.Metadata:
			values[idx] = encode(rel)
		}
	}
	return l.persist(ctx, ds, holder, values)
}

// removeRelations drops keys from holder. A nil keys slice removes every relation.
func (l *Linker) removeRelations(ctx context.Context, ds storage.Datastore, holder document.Document, keys []any) error {
	stored, ok := holder.Get(l.config.Field)
	if !ok {
		return nil
	}
	if l.single {
		if keys != nil && !slices.ContainsFunc(keys, func(k any) bool { return selector.Equal(l.storedKey(stored), k) }) {
			return nil
		}
		return l.persist(ctx, ds, holder, nil)
	}
	if keys == nil {
		return l.persist(ctx, ds, holder, []any{})
	}
	values := slices.DeleteFunc(slices.Clone(storedValues(stored)), func(v any) bool {
		return slices.ContainsFunc(keys, func(k any) bool { return selector.Equal(l.storedKey(v), k) })
	})
	return l.persist(ctx, ds, holder, values)
}

func (l *Linker) setMetadata(ctx context.Context, ds storage.Datastore, holder document.Document, key any, metadata map[string]any) error {
	stored, ok := holder.Get(l.config.Field)
	if !ok || stored == nil {
		return storage.ErrNotFound
	}
	values := storedValues(stored)
	if !slices.ContainsFunc(values, func(v any) bool { return selector.Equal(l.storedKey(v), key) }) {
		return storage.ErrNotFound
	}
	return l.addRelations(ctx, ds, holder, []relation{{key: key, metadata: metadata}})
}

func (l *Linker) storedKey(v any) any {
	if !l.config.Metadata {
		return v
	}
	if entry, ok := document.AsMap(v); ok {
		return entry[document.IDField]
	}
	return nil
}

// persist writes value to the storage field of holder, or unsets it when nil, and
// refreshes the denormalized copy.
func (l *Linker) persist(ctx context.Context, ds storage.Datastore, holder document.Document, value any) error {
	id := holder.ID()
	if id == nil {
		return errMissingIdentity
	}

	update := storage.Update{}
	if value == nil {
		update.Unset = []string{l.config.Field}
		holder.Unset(l.config.Field)
	} else {
		update.Set = map[string]any{l.config.Field: value}
		holder.Set(l.config.Field, value)
	}

	if d := l.config.Denormalize; d != nil {
		cache, err := l.denormalize(ctx, ds, holder)
		if err != nil {
			return err
		}
		if cache == nil {
			update.Unset = append(update.Unset, d.Field)
			holder.Unset(d.Field)
		} else {
			if update.Set == nil {
				update.Set = map[string]any{}
			}
			update.Set[d.Field] = cache
			holder.Set(d.Field, cache)
		}
	}

	_, err := ds.Update(ctx, l.collection, storage.Filter{document.IDField: id}, update)
	return err
}

// denormalize loads the projected copy of the documents holder relates to.
func (l *Linker) denormalize(ctx context.Context, ds storage.Datastore, holder document.Document) (any, error) {
	keys := l.SourceKeys(holder, nil)
	if len(keys) == 0 {
		return nil, nil
	}

	fields := l.config.Denormalize.Fields()
	docs, err := ds.Find(ctx, l.config.Collection, storage.Filter{l.IdentityField(): map[string]any{"$in": keys}}, storage.FindOptions{Fields: fields})
	if err != nil {
		return nil, err
	}
	if l.single {
		if len(docs) == 0 {
			return nil, nil
		}
		return map[string]any(docs[0]), nil
	}
	out := make([]any, 0, len(docs))
	for _, doc := range docs {
		out = append(out, map[string]any(doc))
	}
	return out, nil
}
