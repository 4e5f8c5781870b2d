// Package expression compiles reducer expressions written in CEL. An expression sees
// the document being reduced as doc and the query params as params.
package expression

import (
	"fmt"
	"reflect"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common"
	celtypes "github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/ext"

	"github.com/openfga/grapher/internal/errors"
	"github.com/openfga/grapher/pkg/document"
	grapherErrors "github.com/openfga/grapher/pkg/errors"
	"github.com/openfga/grapher/pkg/schema"
)

const (
	DocVariable    = "doc"
	ParamsVariable = "params"

	// DefaultMaxCost bounds the runtime cost of a single evaluation.
	DefaultMaxCost = 10000
)

var celBaseEnv *cel.Env

func init() {
	env, err := cel.NewEnv(
		cel.Variable(DocVariable, cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable(ParamsVariable, cel.MapType(cel.StringType, cel.DynType)),
		ext.Strings(),
		ext.Math(),
		ext.Lists(),
		cel.EagerlyValidateDeclarations(true),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to construct CEL base env: %v", err))
	}

	celBaseEnv = env
}

// Expression is a compiled reducer expression. It is safe for concurrent use.
type Expression struct {
	reducer string
	source  string
	program cel.Program
}

type Option func(*options)

type options struct {
	maxCost uint64
}

// WithMaxCost overrides DefaultMaxCost.
func WithMaxCost(cost uint64) Option {
	return func(o *options) {
		o.maxCost = cost
	}
}

// Compile validates and compiles source for the reducer of the given name. Failures
// are configuration errors.
func Compile(reducer, source string, opts ...Option) (*Expression, error) {
	o := options{maxCost: DefaultMaxCost}
	for _, opt := range opts {
		opt(&o)
	}

	ast, issues := celBaseEnv.CompileSource(common.NewStringSource(source, reducer))
	if issues != nil {
		if err := issues.Err(); err != nil {
			return nil, errors.With(&CompilationError{Reducer: reducer, Cause: err}, grapherErrors.ErrConfiguration)
		}
	}

	prg, err := celBaseEnv.Program(ast, cel.CostLimit(o.maxCost))
	if err != nil {
		return nil, errors.With(&CompilationError{
			Reducer: reducer,
			Cause:   fmt.Errorf("expression construction: %w", err),
		}, grapherErrors.ErrConfiguration)
	}

	return &Expression{reducer: reducer, source: source, program: prg}, nil
}

// MustCompile is like Compile but panics on error.
func MustCompile(reducer, source string, opts ...Option) *Expression {
	e, err := Compile(reducer, source, opts...)
	if err != nil {
		panic(err)
	}
	return e
}

func (e *Expression) String() string {
	return e.source
}

// Evaluate runs the expression against doc and params and returns its value as
// plain Go values: lists as []any, maps as map[string]any and null as nil. Failures
// are request errors.
func (e *Expression) Evaluate(doc document.Document, params map[string]any) (any, error) {
	if doc == nil {
		doc = document.Document{}
	}
	if params == nil {
		params = map[string]any{}
	}

	out, _, err := e.program.Eval(map[string]any{
		DocVariable:    map[string]any(doc),
		ParamsVariable: params,
	})
	if err != nil {
		return nil, errors.With(&EvaluationError{Reducer: e.reducer, Cause: err}, grapherErrors.ErrRequest)
	}

	value, err := toNative(out)
	if err != nil {
		return nil, errors.With(&EvaluationError{Reducer: e.reducer, Cause: err}, grapherErrors.ErrRequest)
	}
	return value, nil
}

// ReduceFunc adapts the expression to a reducer.
func (e *Expression) ReduceFunc() schema.ReduceFunc {
	return e.Evaluate
}

var (
	sliceType = reflect.TypeOf([]any{})
	mapType   = reflect.TypeOf(map[string]any{})
)

func toNative(v ref.Val) (any, error) {
	switch v.Type() {
	case celtypes.NullType:
		return nil, nil
	case celtypes.ListType:
		return v.ConvertToNative(sliceType)
	case celtypes.MapType:
		return v.ConvertToNative(mapType)
	}
	return v.Value(), nil
}
