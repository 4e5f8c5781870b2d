// Package document provides helpers over schemaless documents: dotted path access,
// deep copies, inclusion projections and canonical identity keys.
package document

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

const (
	// IDField is the identity field every stored document carries.
	IDField = "_id"

	// MetadataField holds the relation metadata attached to documents reached through
	// a metadata link.
	MetadataField = "$metadata"
)

// Document is a single schemaless record.
type Document map[string]any

// ID returns the identity value of the document.
func (d Document) ID() any {
	return d[IDField]
}

// Get returns the value at the dotted path. Arrays met along the path are not
// traversed; use Values for array-aware lookups.
func (d Document) Get(path string) (any, bool) {
	return Lookup(map[string]any(d), path)
}

// Set assigns value at the dotted path, creating intermediate documents.
func (d Document) Set(path string, value any) {
	parts := strings.Split(path, ".")
	cur := map[string]any(d)
	for _, part := range parts[:len(parts)-1] {
		next, ok := AsMap(cur[part])
		if !ok {
			next = map[string]any{}
			cur[part] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = value
}

// Unset removes the value at the dotted path. Missing paths are ignored.
func (d Document) Unset(path string) {
	parts := strings.Split(path, ".")
	cur := map[string]any(d)
	for _, part := range parts[:len(parts)-1] {
		next, ok := AsMap(cur[part])
		if !ok {
			return
		}
		cur = next
	}
	delete(cur, parts[len(parts)-1])
}

// Clone returns a deep copy of the document.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	return Document(cloneMap(d))
}

// Lookup walks value following the dotted path through nested documents.
func Lookup(value any, path string) (any, bool) {
	cur := value
	for _, part := range strings.Split(path, ".") {
		m, ok := AsMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Values returns every value reachable through path, descending into arrays the way
// document stores do: an array met before the last segment is traversed element by
// element, and numeric segments index into arrays.
func Values(value any, path string) []any {
	return values(value, strings.Split(path, "."))
}

func values(value any, parts []string) []any {
	if len(parts) == 0 {
		return []any{value}
	}

	if m, ok := AsMap(value); ok {
		next, ok := m[parts[0]]
		if !ok {
			return nil
		}
		return values(next, parts[1:])
	}

	if arr, ok := AsSlice(value); ok {
		if idx, err := strconv.Atoi(parts[0]); err == nil {
			if idx < 0 || idx >= len(arr) {
				return nil
			}
			return values(arr[idx], parts[1:])
		}
		var out []any
		for _, elem := range arr {
			if _, ok := AsMap(elem); ok {
				out = append(out, values(elem, parts)...)
			}
		}
		return out
	}

	return nil
}

// AsMap returns value as a plain map if it is any of the document shapes in use.
func AsMap(value any) (map[string]any, bool) {
	switch v := value.(type) {
	case map[string]any:
		return v, true
	case Document:
		return v, true
	case primitive.M:
		return v, true
	case primitive.D:
		return v.Map(), true
	case nil:
		return nil, false
	}

	// named map types such as storage.Filter
	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return nil, false
	}
	if rv.Type().ConvertibleTo(mapType) {
		return rv.Convert(mapType).Interface().(map[string]any), true
	}
	out := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		out[iter.Key().String()] = iter.Value().Interface()
	}
	return out, true
}

var mapType = reflect.TypeOf(map[string]any{})

// AsSlice returns value as a []any if it is an array.
func AsSlice(value any) ([]any, bool) {
	switch v := value.(type) {
	case []any:
		return v, true
	case primitive.A:
		return v, true
	case []Document:
		out := make([]any, len(v))
		for i := range v {
			out[i] = v[i]
		}
		return out, true
	case []map[string]any:
		out := make([]any, len(v))
		for i := range v {
			out[i] = v[i]
		}
		return out, true
	case nil, string, []byte:
		return nil, false
	}

	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Slice {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// CloneValue deep copies maps and arrays. Scalars are returned as is.
func CloneValue(value any) any {
	if m, ok := AsMap(value); ok {
		return cloneMap(m)
	}
	if arr, ok := AsSlice(value); ok {
		out := make([]any, len(arr))
		for i := range arr {
			out[i] = CloneValue(arr[i])
		}
		return out
	}
	return value
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = CloneValue(v)
	}
	return out
}

// Project returns a copy of doc restricted to the dotted field paths. The identity
// field is always kept. An empty field list keeps the whole document.
func Project(doc Document, fields []string) Document {
	if len(fields) == 0 {
		return doc.Clone()
	}

	tree := map[string]any{}
	for _, field := range fields {
		addPath(tree, strings.Split(field, "."))
	}
	tree[IDField] = true

	return Document(projectMap(doc, tree))
}

func addPath(tree map[string]any, parts []string) {
	if len(parts) == 1 {
		tree[parts[0]] = true
		return
	}
	sub, ok := tree[parts[0]].(map[string]any)
	if !ok {
		if tree[parts[0]] == true {
			// the whole parent is already included
			return
		}
		sub = map[string]any{}
		tree[parts[0]] = sub
	}
	addPath(sub, parts[1:])
}

func projectMap(src map[string]any, tree map[string]any) map[string]any {
	out := make(map[string]any, len(tree))
	for key, spec := range tree {
		value, ok := src[key]
		if !ok {
			continue
		}
		sub, nested := spec.(map[string]any)
		if !nested {
			out[key] = CloneValue(value)
			continue
		}
		if m, ok := AsMap(value); ok {
			out[key] = projectMap(m, sub)
			continue
		}
		if arr, ok := AsSlice(value); ok {
			projected := make([]any, 0, len(arr))
			for _, elem := range arr {
				if m, ok := AsMap(elem); ok {
					projected = append(projected, projectMap(m, sub))
				}
			}
			out[key] = projected
		}
	}
	return out
}

// IDKey returns a canonical string for an identity value so ids of different Go
// representations can be used as map keys. Numbers compare by value.
func IDKey(value any) string {
	switch v := value.(type) {
	case nil:
		return "null"
	case string:
		return "s:" + v
	case primitive.ObjectID:
		return "o:" + v.Hex()
	case bool:
		return "b:" + strconv.FormatBool(v)
	}
	if f, ok := ToFloat(value); ok {
		if f == math.Trunc(f) && math.Abs(f) < 1e15 {
			return "n:" + strconv.FormatInt(int64(f), 10)
		}
		return "n:" + strconv.FormatFloat(f, 'g', -1, 64)
	}
	return fmt.Sprintf("%T:%v", value, value)
}

// ToFloat converts any Go numeric type to float64.
func ToFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	}
	return 0, false
}
