// Package errors attaches grapher error categories to errors produced by third-party
// libraries without losing them.
package errors

import (
	"errors"
	"reflect"
)

// With returns an error matching both base and top. errors.Is and errors.As try top,
// then what top wraps, then base. The message is the one of base.
func With(base, top error) error {
	if base == nil && top == nil {
		return nil
	}
	if top == nil {
		return base
	}
	if base == nil {
		return top
	}
	return union{error: base, top: top}
}

type union struct {
	error
	top error
}

// Is only matches top itself. errors.Is unwraps the union for the rest.
func (u union) Is(target error) bool {
	if target == nil {
		return false
	}

	if reflect.TypeOf(target).Comparable() && u.top == target {
		return true
	}
	if x, ok := u.top.(interface{ Is(error) bool }); ok && x.Is(target) {
		return true
	}
	return false
}

// As only matches top itself. errors.As unwraps the union for the rest.
func (u union) As(target any) bool {
	if target == nil {
		panic("errors: target cannot be nil")
	}
	val := reflect.ValueOf(target)
	typ := val.Type()
	if typ.Kind() != reflect.Ptr || val.IsNil() {
		panic("errors: target must be a non-nil pointer")
	}
	targetType := typ.Elem()
	if targetType.Kind() != reflect.Interface && !targetType.Implements(errorType) {
		panic("errors: *target must be interface or implement error")
	}
	if reflect.TypeOf(u.top).AssignableTo(targetType) {
		val.Elem().Set(reflect.ValueOf(u.top))
		return true
	}
	if x, ok := u.top.(interface{ As(any) bool }); ok && x.As(target) {
		return true
	}
	return false
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()

func (u union) Unwrap() error {
	if err := errors.Unwrap(u.top); err != nil {
		return union{error: u.error, top: err}
	}
	// top is exhausted, continue with base
	return u.error
}
