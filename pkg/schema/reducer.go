package schema

import (
	"errors"

	"github.com/openfga/grapher/pkg/body"
	"github.com/openfga/grapher/pkg/document"
	grapherErrors "github.com/openfga/grapher/pkg/errors"
)

var errEmptyReducer = errors.New("a reducer needs a dependency body")

// ReduceFunc computes the value of a reducer from a document holding its dependencies.
type ReduceFunc func(doc document.Document, params map[string]any) (any, error)

// ReducerConfig is the registration contract of a reducer.
type ReducerConfig struct {
	// Body is the dependency fragment merged into requests that ask for the reducer.
	Body *body.Body

	// Reduce computes the value. Expander reducers leave it nil.
	Reduce ReduceFunc

	// Expand merges Body as if the caller had requested it and keeps its fields in the
	// result instead of computing a value.
	Expand bool
}

// Reducer is a registered computed field.
type Reducer struct {
	Collection string
	Name       string
	Body       *body.Body
	Reduce     ReduceFunc
	Expand     bool
}

func newReducer(collection, name string, cfg ReducerConfig) (*Reducer, error) {
	if cfg.Body == nil || cfg.Body.Len() == 0 {
		return nil, &grapherErrors.InvalidLinkError{Collection: collection, Link: name, Cause: errEmptyReducer}
	}
	return &Reducer{
		Collection: collection,
		Name:       name,
		Body:       cfg.Body.Clone(),
		Reduce:     cfg.Reduce,
		Expand:     cfg.Expand || cfg.Reduce == nil,
	}, nil
}
