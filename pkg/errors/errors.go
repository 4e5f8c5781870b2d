// Package errors defines the error taxonomy of the resolution engine. Every typed
// error unwraps to exactly one category sentinel so callers can branch with errors.Is.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConfiguration is the category of schema definition mistakes. These are fatal
	// for the affected collection.
	ErrConfiguration = errors.New("configuration error")

	// ErrRequest is the category of malformed or disallowed query bodies.
	ErrRequest = errors.New("request error")

	// ErrSecurity is the category of rejections issued by security interceptors.
	ErrSecurity = errors.New("security error")

	// ErrRegistrySealed is returned when registering links, reducers or firewalls after
	// the first resolution pass.
	ErrRegistrySealed = fmt.Errorf("%w: registry is sealed", ErrConfiguration)
)

type DuplicateLinkError struct {
	Collection string
	Link       string
}

func (e *DuplicateLinkError) Error() string {
	return fmt.Sprintf("collection '%s' already has a link named '%s'", e.Collection, e.Link)
}

func (e *DuplicateLinkError) Unwrap() error {
	return ErrConfiguration
}

type UnknownLinkError struct {
	Collection string
	Link       string
}

func (e *UnknownLinkError) Error() string {
	return fmt.Sprintf("collection '%s' has no link named '%s'", e.Collection, e.Link)
}

func (e *UnknownLinkError) Unwrap() error {
	return ErrConfiguration
}

// BrokenLinkError is returned when a link points to a collection that was never declared.
type BrokenLinkError struct {
	Collection string
	Link       string
	Target     string
}

func (e *BrokenLinkError) Error() string {
	return fmt.Sprintf("link '%s#%s' points to unknown collection '%s'", e.Collection, e.Link, e.Target)
}

func (e *BrokenLinkError) Unwrap() error {
	return ErrConfiguration
}

// InvalidLinkError reports a link definition that cannot be registered.
type InvalidLinkError struct {
	Collection string
	Link       string
	Cause      error
}

func (e *InvalidLinkError) Error() string {
	return fmt.Sprintf("the definition of link '%s#%s' is invalid: %s", e.Collection, e.Link, e.Cause)
}

func (e *InvalidLinkError) Unwrap() []error {
	return []error{ErrConfiguration, e.Cause}
}

type DuplicateReducerError struct {
	Collection string
	Reducer    string
}

func (e *DuplicateReducerError) Error() string {
	return fmt.Sprintf("collection '%s' already has a field, link or reducer named '%s'", e.Collection, e.Reducer)
}

func (e *DuplicateReducerError) Unwrap() error {
	return ErrConfiguration
}

// CyclicReducerError carries the chain of reducers that loops back on itself.
type CyclicReducerError struct {
	Chain []string
}

func (e *CyclicReducerError) Error() string {
	return fmt.Sprintf("reducer dependencies form a cycle: %s", strings.Join(e.Chain, " -> "))
}

func (e *CyclicReducerError) Unwrap() error {
	return ErrConfiguration
}

type MaxDepthExceededError struct {
	MaxDepth int
}

func (e *MaxDepthExceededError) Error() string {
	return fmt.Sprintf("body exceeds the maximum link depth of %d", e.MaxDepth)
}

func (e *MaxDepthExceededError) Unwrap() error {
	return ErrRequest
}

type MaxLimitExceededError struct {
	Path     string
	Limit    int
	MaxLimit int
}

func (e *MaxLimitExceededError) Error() string {
	return fmt.Sprintf("limit %d at '%s' exceeds the maximum of %d", e.Limit, e.Path, e.MaxLimit)
}

func (e *MaxLimitExceededError) Unwrap() error {
	return ErrRequest
}

// MetaFilterError is returned when $meta is used anywhere but directly under a metadata link.
type MetaFilterError struct {
	Path string
}

func (e *MetaFilterError) Error() string {
	return fmt.Sprintf("$meta filter at '%s' is only allowed on metadata links", e.Path)
}

func (e *MetaFilterError) Unwrap() error {
	return ErrRequest
}

type InvalidBodyError struct {
	Path  string
	Cause error
}

func (e *InvalidBodyError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("invalid body: %s", e.Cause)
	}
	return fmt.Sprintf("invalid body at '%s': %s", e.Path, e.Cause)
}

func (e *InvalidBodyError) Unwrap() []error {
	return []error{ErrRequest, e.Cause}
}

// ForbiddenError is raised when a security interceptor vetoes a node. The message only
// carries what the interceptor reported.
type ForbiddenError struct {
	Cause error
}

func (e *ForbiddenError) Error() string {
	if e.Cause == nil {
		return "forbidden"
	}
	return fmt.Sprintf("forbidden: %s", e.Cause)
}

func (e *ForbiddenError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrSecurity}
	}
	return []error{ErrSecurity, e.Cause}
}
