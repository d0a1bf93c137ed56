package storage

import "errors"

// ErrNotFound is returned when a row looked up by primary key does not
// exist (spec.md §7's "Not-found" error kind).
var ErrNotFound = errors.New("storage: not found")

// ErrHeightConflict is returned when InsertBlock's height does not equal
// latest.Height+1, i.e. a caller attempted to skip a height (spec.md §3's
// contiguity invariant).
var ErrHeightConflict = errors.New("storage: block height is not contiguous with the stored tip")
