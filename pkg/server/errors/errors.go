// Package errors holds the errors returned by the grapher server facade.
package errors

import (
	"errors"
	"fmt"

	grapherErrors "github.com/openfga/grapher/pkg/errors"
)

var (
	ErrMissingDatastore = errors.New("a datastore option must be provided")

	// ErrAlreadyExposed is returned when a named query is exposed twice.
	ErrAlreadyExposed = fmt.Errorf("%w: named query is already exposed", grapherErrors.ErrConfiguration)

	// ErrNotExposed is returned when a client fetches a named query that was never exposed.
	ErrNotExposed = fmt.Errorf("%w: named query is not exposed", grapherErrors.ErrRequest)
)

// NamedQueryExistsError is returned when a named query is created twice.
type NamedQueryExistsError struct {
	Name string
}

func (e *NamedQueryExistsError) Error() string {
	return fmt.Sprintf("named query '%s' already exists", e.Name)
}

func (e *NamedQueryExistsError) Unwrap() error {
	return grapherErrors.ErrConfiguration
}

// UnknownNamedQueryError is returned when fetching a named query that was never created.
type UnknownNamedQueryError struct {
	Name string
}

func (e *UnknownNamedQueryError) Error() string {
	return fmt.Sprintf("unknown named query '%s'", e.Name)
}

func (e *UnknownNamedQueryError) Unwrap() error {
	return grapherErrors.ErrRequest
}

// InvalidParamsError is returned when the params of a named query fail validation.
type InvalidParamsError struct {
	Name  string
	Cause error
}

func (e *InvalidParamsError) Error() string {
	return fmt.Sprintf("invalid params for named query '%s': %v", e.Name, e.Cause)
}

func (e *InvalidParamsError) Unwrap() []error {
	return []error{grapherErrors.ErrRequest, e.Cause}
}
