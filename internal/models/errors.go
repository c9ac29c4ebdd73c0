package models

import "errors"

var (
	// ErrNotFound means the referenced record, batch or block has no rows.
	ErrNotFound = errors.New("not found")
	// ErrConflict means a write lost a race or violated a uniqueness rule.
	ErrConflict = errors.New("conflict")
	// ErrInvalidInput means a request failed validation before touching the store.
	ErrInvalidInput = errors.New("invalid input")
	// ErrStoreUnavailable means the persistence layer could not serve the call.
	ErrStoreUnavailable = errors.New("store unavailable")
)
