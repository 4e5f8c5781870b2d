package expression

import (
	"fmt"
)

type CompilationError struct {
	Reducer string
	Cause   error
}

func (e *CompilationError) Error() string {
	return fmt.Sprintf("failed to compile expression of reducer '%s': %v", e.Reducer, e.Cause)
}

func (e *CompilationError) Unwrap() error {
	return e.Cause
}

type EvaluationError struct {
	Reducer string
	Cause   error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("failed to evaluate expression of reducer '%s': %v", e.Reducer, e.Cause)
}

func (e *EvaluationError) Unwrap() error {
	return e.Cause
}
