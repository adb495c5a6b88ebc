package sentinel

import "errors"

// Sentinel errors for storage facts. Stores return these (optionally wrapped)
// and services translate them into coded domain errors.
//
//   - ErrNotFound: no row matches the lookup
//   - ErrConflict: a uniqueness or version constraint rejected the write
//   - ErrExpired: a token outlived its expiry
//   - ErrAlreadyUsed: a unique value is already held by another row
//   - ErrInvalidState: the row is in the wrong state for the operation
//   - ErrUnavailable: the backend cannot be reached
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrExpired      = errors.New("expired")
	ErrAlreadyUsed  = errors.New("already used")
	ErrInvalidState = errors.New("invalid state")
	ErrUnavailable  = errors.New("unavailable")
)
