package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrCollision if a document with the same identity already exists.
	ErrCollision = errors.New("document already exists")

	ErrNotFound = errors.New("not found")

	// ErrInvalidFilter if the selector cannot be evaluated by the datastore.
	ErrInvalidFilter = errors.New("invalid filter")
)

func InvalidFilterError(collection string, cause error) error {
	return fmt.Errorf("filter on collection '%s': %w: %w", collection, ErrInvalidFilter, cause)
}
