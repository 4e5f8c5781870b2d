package graph

import (
	"fmt"

	"github.com/openfga/grapher/pkg/body"
	"github.com/openfga/grapher/pkg/document"
	"github.com/openfga/grapher/pkg/schema"
)

// ApplyReducers computes the reducers of every node, children first, then cleans
// each document down to what the caller requested. docs are modified in place.
func ApplyReducers(root *Node, docs []document.Document, params map[string]any) error {
	if err := compute(root, docs, params); err != nil {
		return err
	}
	for _, doc := range docs {
		clean(root, doc)
	}
	return nil
}

// Clean strips from docs everything the caller did not request, without computing
// reducers.
func Clean(root *Node, docs []document.Document) {
	for _, doc := range docs {
		clean(root, doc)
	}
}

func compute(n *Node, docs []document.Document, params map[string]any) error {
	for _, c := range n.Children {
		var linked []document.Document
		for _, doc := range docs {
			linked = append(linked, Linked(doc, c.LinkName)...)
		}
		if err := compute(c, linked, params); err != nil {
			return err
		}
	}

	for _, r := range n.Reducers {
		for _, doc := range docs {
			value, err := r.Reduce(doc, params)
			if err != nil {
				return fmt.Errorf("reducer '%s.%s': %w", r.Collection, r.Name, err)
			}
			doc[r.Name] = value
		}
	}
	return nil
}

// Linked returns the documents found under key, whether a single document or an array.
func Linked(doc document.Document, key string) []document.Document {
	value, ok := doc[key]
	if !ok || value == nil {
		return nil
	}
	if m, ok := document.AsMap(value); ok {
		return []document.Document{document.Document(m)}
	}
	arr, _ := document.AsSlice(value)
	out := make([]document.Document, 0, len(arr))
	for _, elem := range arr {
		if m, ok := document.AsMap(elem); ok {
			out = append(out, document.Document(m))
		}
	}
	return out
}

func clean(n *Node, doc document.Document) {
	requested := n.Requested
	projected := requested != nil && hasPlainEntries(n, requested)

	for key := range doc {
		if key == document.IDField || key == document.MetadataField {
			continue
		}

		if c := n.Child(key); c != nil {
			if !requested.Has(key) {
				delete(doc, key)
				continue
			}
			for _, linked := range Linked(doc, key) {
				clean(c, linked)
			}
			continue
		}

		if _, isReducer := reducerOf(n, key); isReducer {
			if !requested.Has(key) {
				delete(doc, key)
			}
			continue
		}

		if !projected {
			continue
		}
		sub, ok := requested.Get(key)
		switch {
		case !ok:
			delete(doc, key)
		case sub != nil && sub.Len() > 0:
			kept := document.Project(document.Document{key: doc[key]}, prefixed(key, schema.FieldPaths(sub)))
			if v, ok := kept[key]; ok {
				doc[key] = v
			} else {
				delete(doc, key)
			}
		}
	}
}

// hasPlainEntries reports whether b requests anything besides links, which switches
// cleaning from whole documents to the requested projection.
func hasPlainEntries(n *Node, b *body.Body) bool {
	for _, key := range b.Keys() {
		if n.Child(key) == nil {
			return true
		}
	}
	return false
}

func reducerOf(n *Node, key string) (*schema.Reducer, bool) {
	for _, r := range n.Reducers {
		if r.Name == key {
			return r, true
		}
	}
	return nil, false
}

func prefixed(prefix string, paths []string) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = prefix + "." + p
	}
	return out
}
