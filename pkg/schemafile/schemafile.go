// Package schemafile loads link, reducer and exposure declarations from YAML (or
// JSON) files into a registry.
package schemafile

import (
	"fmt"
	"io/fs"
	"os"
	"sort"

	"sigs.k8s.io/yaml"

	"github.com/openfga/grapher/internal/expression"
	"github.com/openfga/grapher/pkg/body"
	grapherErrors "github.com/openfga/grapher/pkg/errors"
	"github.com/openfga/grapher/pkg/schema"
)

type File struct {
	Collections map[string]Collection `json:"collections"`
}

type Collection struct {
	Links    map[string]Link    `json:"links,omitempty"`
	Reducers map[string]Reducer `json:"reducers,omitempty"`
	Exposure *Exposure          `json:"exposure,omitempty"`
}

type Link struct {
	Type                 string       `json:"type,omitempty"`
	Collection           string       `json:"collection"`
	Field                string       `json:"field,omitempty"`
	ForeignIdentityField string       `json:"foreignIdentityField,omitempty"`
	InversedBy           string       `json:"inversedBy,omitempty"`
	Metadata             bool         `json:"metadata,omitempty"`
	Denormalize          *Denormalize `json:"denormalize,omitempty"`
	Index                bool         `json:"index,omitempty"`
	Unique               bool         `json:"unique,omitempty"`
	Autoremove           bool         `json:"autoremove,omitempty"`
}

type Denormalize struct {
	Field string         `json:"field"`
	Body  map[string]any `json:"body"`
}

// Reducer is a reducer whose value is computed by a CEL expression over doc and
// params. Without an expression the reducer only expands its body.
type Reducer struct {
	Body       map[string]any `json:"body"`
	Expression string         `json:"expression,omitempty"`
	Expand     bool           `json:"expand,omitempty"`
}

type Exposure struct {
	MaxLimit         int      `json:"maxLimit,omitempty"`
	MaxDepth         int      `json:"maxDepth,omitempty"`
	RestrictedFields []string `json:"restrictedFields,omitempty"`
	RestrictedLinks  []string `json:"restrictedLinks,omitempty"`
}

// Parse decodes a schema file. Unknown keys are rejected.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.UnmarshalStrict(data, &f); err != nil {
		return nil, fmt.Errorf("%w: invalid schema file: %w", grapherErrors.ErrConfiguration, err)
	}
	return &f, nil
}

// Load reads and decodes the schema file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// LoadFS reads and decodes the schema file at path within fsys.
func LoadFS(fsys fs.FS, path string) (*File, error) {
	data, err := fs.ReadFile(fsys, path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Apply declares the content of f on r. Collections and direct links are declared
// before inverse links so declaration order in the file does not matter. opts apply
// to every reducer expression.
func (f *File) Apply(r *schema.Registry, opts ...expression.Option) error {
	names := make([]string, 0, len(f.Collections))
	for name := range f.Collections {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := r.AddCollection(name); err != nil {
			return err
		}
	}

	for _, inverse := range []bool{false, true} {
		for _, name := range names {
			links := make(map[string]schema.LinkConfig)
			for linkName, l := range f.Collections[name].Links {
				if (l.InversedBy != "") != inverse {
					continue
				}
				cfg, err := l.config()
				if err != nil {
					return fmt.Errorf("link '%s.%s': %w", name, linkName, err)
				}
				links[linkName] = cfg
			}
			if err := r.AddLinks(name, links); err != nil {
				return err
			}
		}
	}

	for _, name := range names {
		c := f.Collections[name]

		reducers := make([]string, 0, len(c.Reducers))
		for reducerName := range c.Reducers {
			reducers = append(reducers, reducerName)
		}
		sort.Strings(reducers)
		for _, reducerName := range reducers {
			cfg, err := c.Reducers[reducerName].config(name+"."+reducerName, opts)
			if err != nil {
				return err
			}
			if err := r.AddReducer(name, reducerName, cfg); err != nil {
				return err
			}
		}

		if c.Exposure != nil {
			if err := r.Expose(name, schema.Exposure{
				MaxLimit:         c.Exposure.MaxLimit,
				MaxDepth:         c.Exposure.MaxDepth,
				RestrictedFields: c.Exposure.RestrictedFields,
				RestrictedLinks:  c.Exposure.RestrictedLinks,
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

// Registry returns a new registry holding the content of f.
func (f *File) Registry(opts ...expression.Option) (*schema.Registry, error) {
	r := schema.NewRegistry()
	if err := f.Apply(r, opts...); err != nil {
		return nil, err
	}
	return r, nil
}

func (l Link) config() (schema.LinkConfig, error) {
	cfg := schema.LinkConfig{
		Type:                 l.Type,
		Collection:           l.Collection,
		Field:                l.Field,
		ForeignIdentityField: l.ForeignIdentityField,
		InversedBy:           l.InversedBy,
		Metadata:             l.Metadata,
		Index:                l.Index,
		Unique:               l.Unique,
		Autoremove:           l.Autoremove,
	}
	if l.Denormalize != nil {
		b, err := body.FromMap(l.Denormalize.Body)
		if err != nil {
			return schema.LinkConfig{}, err
		}
		cfg.Denormalize = &schema.DenormalizeConfig{Field: l.Denormalize.Field, Body: b}
	}
	return cfg, nil
}

func (red Reducer) config(qualified string, opts []expression.Option) (schema.ReducerConfig, error) {
	b, err := body.FromMap(red.Body)
	if err != nil {
		return schema.ReducerConfig{}, fmt.Errorf("reducer '%s': %w", qualified, err)
	}
	cfg := schema.ReducerConfig{Body: b, Expand: red.Expand}
	if red.Expression != "" {
		e, err := expression.Compile(qualified, red.Expression, opts...)
		if err != nil {
			return schema.ReducerConfig{}, err
		}
		cfg.Reduce = e.ReduceFunc()
	}
	return cfg, nil
}
