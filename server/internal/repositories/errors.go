package repositories

import "errors"

// ErrNotFound is returned when a query matches no record.
// Callers should use errors.Is for comparison.
var ErrNotFound = errors.New("repositories: record not found")
