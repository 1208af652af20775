package repository

import "errors"

// ErrNotFound indicates the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrConflict indicates a compare-and-swap lost against a concurrent writer.
var ErrConflict = errors.New("record modified concurrently")
