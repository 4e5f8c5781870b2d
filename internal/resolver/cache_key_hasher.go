package resolver

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/openfga/grapher/pkg/document"
	"github.com/openfga/grapher/pkg/storage"
)

type hasher interface {
	WriteString(value string) error
}

// CacheKeyHasher implements a key hash using Hash64 for computing cache keys in a stable way.
type CacheKeyHasher struct {
	hasher *xxhash.Digest
}

// NewHasher returns a hasher for string values.
func NewHasher(xhash *xxhash.Digest) *CacheKeyHasher {
	return &CacheKeyHasher{hasher: xhash}
}

// WriteString writes the provided string to the hash.
func (c *CacheKeyHasher) WriteString(value string) error {
	_, err := c.hasher.WriteString(value)
	if err != nil {
		return err
	}

	return nil
}

func (c *CacheKeyHasher) Key() uint64 {
	return c.hasher.Sum64()
}

// NewValueHasher returns a hasher for a selector or any other document value. Map
// keys are sorted so two selectors that differ only by key order hash the same.
func NewValueHasher(value any) *ValueHasher {
	return &ValueHasher{value: value}
}

type ValueHasher struct {
	value any
}

func (v *ValueHasher) Append(h hasher) error {
	// prefix to avoid overlap with previous strings written
	if err := h.WriteString("/"); err != nil {
		return err
	}
	return writeCanonical(h, v.value)
}

func writeCanonical(h hasher, value any) error {
	if m, ok := document.AsMap(value); ok {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		if err := h.WriteString("{"); err != nil {
			return err
		}
		for _, k := range keys {
			if err := h.WriteString(strconv.Quote(k) + ":"); err != nil {
				return err
			}
			if err := writeCanonical(h, m[k]); err != nil {
				return err
			}
			if err := h.WriteString(","); err != nil {
				return err
			}
		}
		return h.WriteString("}")
	}

	if arr, ok := document.AsSlice(value); ok {
		if err := h.WriteString("["); err != nil {
			return err
		}
		for _, elem := range arr {
			if err := writeCanonical(h, elem); err != nil {
				return err
			}
			if err := h.WriteString(","); err != nil {
				return err
			}
		}
		return h.WriteString("]")
	}

	switch v := value.(type) {
	case string:
		return h.WriteString(strconv.Quote(v))
	case nil, bool:
		return h.WriteString(document.IDKey(v))
	}
	if _, ok := document.ToFloat(value); ok {
		return h.WriteString(document.IDKey(value))
	}
	return h.WriteString(fmt.Sprintf("%T:%v", value, value))
}

// signature identifies the datastore reads a node group issues, excluding the join
// values themselves.
type signature struct {
	collection string
	joinField  string
	filters    storage.Filter
	options    storage.FindOptions
	meta       map[string]any
}

func (s signature) key() (uint64, error) {
	h := NewHasher(xxhash.New())

	if err := h.WriteString(s.collection + "#" + s.joinField); err != nil {
		return 0, err
	}
	if err := NewValueHasher(map[string]any(s.filters)).Append(h); err != nil {
		return 0, err
	}

	fields := append([]string(nil), s.options.Fields...)
	sort.Strings(fields)
	omit := append([]string(nil), s.options.Omit...)
	sort.Strings(omit)
	sortSpec := make([]any, 0, len(s.options.Sort))
	for _, f := range s.options.Sort {
		sortSpec = append(sortSpec, fmt.Sprintf("%s:%t", f.Field, f.Descending))
	}

	for _, value := range []any{fields, omit, sortSpec, s.meta} {
		if err := NewValueHasher(value).Append(h); err != nil {
			return 0, err
		}
	}
	return h.Key(), nil
}
