package body

import (
	"errors"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/openfga/grapher/pkg/document"
	grapherErrors "github.com/openfga/grapher/pkg/errors"
	"github.com/openfga/grapher/pkg/storage"
)

var (
	errNotAnObject   = errors.New("expected an object")
	errInvalidOption = errors.New("invalid option")
	errInvalidValue  = errors.New("expected 1, true or a nested body")
)

// Parse reads a JSON body. Keys keep their declaration order.
func Parse(data []byte) (*Body, error) {
	if !gjson.ValidBytes(data) {
		return nil, &grapherErrors.InvalidBodyError{Cause: errors.New("malformed JSON")}
	}
	res := gjson.ParseBytes(data)
	if !res.IsObject() {
		return nil, &grapherErrors.InvalidBodyError{Cause: errNotAnObject}
	}
	return parseObject(res, "")
}

// MustParse is Parse for bodies known to be valid.
func MustParse(data string) *Body {
	b, err := Parse([]byte(data))
	if err != nil {
		panic(err)
	}
	return b
}

func parseObject(res gjson.Result, path string) (*Body, error) {
	b := New()
	var err error

	res.ForEach(func(key, value gjson.Result) bool {
		k := key.String()
		here := join(path, k)

		switch k {
		case FiltersKey:
			filters, ok := value.Value().(map[string]any)
			if !ok {
				err = &grapherErrors.InvalidBodyError{Path: here, Cause: errNotAnObject}
				return false
			}
			if meta, ok := filters[MetaKey]; ok {
				metaMap, isMap := meta.(map[string]any)
				if !isMap {
					err = &grapherErrors.InvalidBodyError{Path: join(here, MetaKey), Cause: errNotAnObject}
					return false
				}
				b.Meta = metaMap
				delete(filters, MetaKey)
			}
			b.Filters = filters
		case MetaKey:
			meta, ok := value.Value().(map[string]any)
			if !ok {
				err = &grapherErrors.InvalidBodyError{Path: here, Cause: errNotAnObject}
				return false
			}
			b.Meta = meta
		case OptionsKey:
			b.Options, err = parseOptions(value, here)
		case BodyKey:
			// only meaningful as a named query parameter
		default:
			switch {
			case value.IsObject():
				var child *Body
				child, err = parseObject(value, here)
				if err == nil {
					b.Set(k, child)
				}
			case value.Type == gjson.True, value.Type == gjson.Number && value.Num != 0:
				b.Set(k, nil)
			case value.Type == gjson.False, value.Type == gjson.Number:
				// explicitly not requested
			default:
				err = &grapherErrors.InvalidBodyError{Path: here, Cause: errInvalidValue}
			}
		}
		return err == nil
	})

	if err != nil {
		return nil, err
	}
	return b, nil
}

func parseOptions(value gjson.Result, path string) (Options, error) {
	var opts Options
	if !value.IsObject() {
		return opts, &grapherErrors.InvalidBodyError{Path: path, Cause: errNotAnObject}
	}

	var err error
	value.ForEach(func(key, v gjson.Result) bool {
		switch key.String() {
		case "limit":
			if v.Type != gjson.Number || v.Int() < 0 {
				err = &grapherErrors.InvalidBodyError{Path: join(path, "limit"), Cause: errInvalidOption}
				return false
			}
			opts.Limit = int(v.Int())
		case "skip":
			if v.Type != gjson.Number || v.Int() < 0 {
				err = &grapherErrors.InvalidBodyError{Path: join(path, "skip"), Cause: errInvalidOption}
				return false
			}
			opts.Skip = int(v.Int())
		case "sort":
			if !v.IsObject() {
				err = &grapherErrors.InvalidBodyError{Path: join(path, "sort"), Cause: errNotAnObject}
				return false
			}
			v.ForEach(func(field, dir gjson.Result) bool {
				opts.Sort = append(opts.Sort, storage.SortField{Field: field.String(), Descending: dir.Num < 0})
				return true
			})
		default:
			err = &grapherErrors.InvalidBodyError{Path: join(path, key.String()), Cause: errInvalidOption}
		}
		return err == nil
	})
	return opts, err
}

// FromMap builds a body from decoded values. Map iteration order is not stable so
// keys are added in lexical order; use Parse when declaration order matters.
func FromMap(m map[string]any) (*Body, error) {
	return fromMap(m, "")
}

func fromMap(m map[string]any, path string) (*Body, error) {
	b := New()
	for _, k := range sortedKeys(m) {
		value := m[k]
		here := join(path, k)

		switch k {
		case FiltersKey:
			filters, ok := document.AsMap(value)
			if !ok {
				return nil, &grapherErrors.InvalidBodyError{Path: here, Cause: errNotAnObject}
			}
			filters = document.Document(filters).Clone()
			if meta, ok := document.AsMap(filters[MetaKey]); ok {
				b.Meta = meta
				delete(filters, MetaKey)
			}
			b.Filters = filters
		case MetaKey:
			meta, ok := document.AsMap(value)
			if !ok {
				return nil, &grapherErrors.InvalidBodyError{Path: here, Cause: errNotAnObject}
			}
			b.Meta = document.Document(meta).Clone()
		case OptionsKey:
			opts, err := optionsFromMap(value, here)
			if err != nil {
				return nil, err
			}
			b.Options = opts
		case BodyKey:
		default:
			if nested, ok := document.AsMap(value); ok {
				child, err := fromMap(nested, here)
				if err != nil {
					return nil, err
				}
				b.Set(k, child)
				continue
			}
			switch v := value.(type) {
			case bool:
				if v {
					b.Set(k, nil)
				}
				continue
			}
			if n, ok := document.ToFloat(value); ok {
				if n != 0 {
					b.Set(k, nil)
				}
				continue
			}
			return nil, &grapherErrors.InvalidBodyError{Path: here, Cause: errInvalidValue}
		}
	}
	return b, nil
}

func optionsFromMap(value any, path string) (Options, error) {
	var opts Options
	m, ok := document.AsMap(value)
	if !ok {
		return opts, &grapherErrors.InvalidBodyError{Path: path, Cause: errNotAnObject}
	}
	for _, key := range sortedKeys(m) {
		switch key {
		case "limit", "skip":
			n, ok := document.ToFloat(m[key])
			if !ok || n < 0 {
				return opts, &grapherErrors.InvalidBodyError{Path: join(path, key), Cause: errInvalidOption}
			}
			if key == "limit" {
				opts.Limit = int(n)
			} else {
				opts.Skip = int(n)
			}
		case "sort":
			spec, ok := document.AsMap(m[key])
			if !ok {
				return opts, &grapherErrors.InvalidBodyError{Path: join(path, key), Cause: errNotAnObject}
			}
			for _, field := range sortedKeys(spec) {
				dir, _ := document.ToFloat(spec[field])
				opts.Sort = append(opts.Sort, storage.SortField{Field: field, Descending: dir < 0})
			}
		default:
			return opts, &grapherErrors.InvalidBodyError{Path: join(path, key), Cause: fmt.Errorf("%w '%s'", errInvalidOption, key)}
		}
	}
	return opts, nil
}

func join(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}
