package storage

import "errors"

// Common storage errors.
var (
	// ErrNotFound is returned when a key is not present in the bucket.
	ErrNotFound = errors.New("not found")
	// ErrInvalidKey is returned when a contract id has no usable characters.
	ErrInvalidKey = errors.New("invalid key")
)
