// Package storage contains the datastore contract the resolver reads from and
// its implementations.
//
//go:generate mockgen -source storage.go -destination ../../internal/mocks/mock_storage.go -package mocks Datastore
package storage

import (
	"context"

	"github.com/openfga/grapher/pkg/document"
)

// Filter is a document-store selector, e.g. {"_id": {"$in": [...]}}.
type Filter map[string]any

// Clone returns a deep copy of the filter.
func (f Filter) Clone() Filter {
	if f == nil {
		return Filter{}
	}
	return Filter(document.Document(f).Clone())
}

type SortField struct {
	Field      string
	Descending bool
}

// FindOptions shape the documents returned by Find. Fields is an inclusion
// projection of dotted paths; an empty list returns whole documents. Omit removes
// paths from whatever the projection returns.
type FindOptions struct {
	Fields []string
	Omit   []string
	Sort   []SortField
	Limit  int
	Skip   int
}

// Clone returns a copy that can be mutated without affecting the receiver.
func (o FindOptions) Clone() FindOptions {
	o.Fields = append([]string(nil), o.Fields...)
	o.Omit = append([]string(nil), o.Omit...)
	o.Sort = append([]SortField(nil), o.Sort...)
	return o
}

// Update describes a modification applied to every matched document.
type Update struct {
	Set   map[string]any
	Unset []string
}

type DocumentReader interface {
	// Find returns the documents of collection matching filter, shaped by options.
	// The order is the one requested by options.Sort, or insertion order otherwise.
	Find(ctx context.Context, collection string, filter Filter, options FindOptions) ([]document.Document, error)
}

type DocumentWriter interface {
	// Insert stores doc and returns its identity. A missing _id is generated.
	Insert(ctx context.Context, collection string, doc document.Document) (any, error)

	// Update applies update to every document matching filter and returns how many
	// documents were modified.
	Update(ctx context.Context, collection string, filter Filter, update Update) (int, error)

	// Remove deletes every document matching filter and returns how many were removed.
	Remove(ctx context.Context, collection string, filter Filter) (int, error)
}

type ChangeType int

const (
	ChangeAdded ChangeType = iota
	ChangeChanged
	ChangeRemoved
)

func (c ChangeType) String() string {
	switch c {
	case ChangeAdded:
		return "added"
	case ChangeChanged:
		return "changed"
	case ChangeRemoved:
		return "removed"
	}
	return "unknown"
}

// ChangeEvent is emitted for each write touching a watched collection. Document is
// the full document after the write and nil on removal.
type ChangeEvent struct {
	Collection string
	Type       ChangeType
	ID         any
	Document   document.Document
}

type ChangeWatcher interface {
	// Watch streams the changes of documents of collection that match filter before
	// or after a write. Delivery is at least once. The channel is closed once ctx is
	// done.
	Watch(ctx context.Context, collection string, filter Filter) (<-chan ChangeEvent, error)
}

type Datastore interface {
	DocumentReader
	DocumentWriter
	ChangeWatcher

	// Close releases the resources held by the datastore.
	Close()
}
