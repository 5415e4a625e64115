package sentinel

import "errors"

// Sentinel errors for storage facts. Stores return these (optionally wrapped)
// so services can translate them into coded domain errors:
// - ErrNotFound: no record with that key
// - ErrVersionConflict: stored version differs from the expected version
// - ErrAlreadyApplied: a batch with the same dedup token was committed before
// - ErrInvalidState: record is in the wrong state for the requested transition
// - ErrUnavailable: backend temporarily unavailable
var (
	ErrNotFound        = errors.New("not found")
	ErrVersionConflict = errors.New("version conflict")
	ErrAlreadyApplied  = errors.New("already applied")
	ErrInvalidState    = errors.New("invalid state")
	ErrUnavailable     = errors.New("unavailable")
)
