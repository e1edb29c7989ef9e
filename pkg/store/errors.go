package store

import "errors"

// ErrNotFound marks lookups of events or resources that do not exist.
// Callers match it with errors.Is to map storage misses to HTTP 404s.
var ErrNotFound = errors.New("not found")
