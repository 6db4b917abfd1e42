package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores and gateway adapters
// return these (optionally wrapped) so services can translate them into
// domain errors with the right code.
//
// These represent factual states about resources, not validation failures:
// - ErrNotFound: record does not exist in the store
// - ErrConflict: uniqueness violated (e.g. duplicate contact proof)
// - ErrFrozen: trust line or token is frozen
// - ErrInvalidState: record in wrong lifecycle state for the operation
// - ErrUnavailable: collaborator temporarily unavailable
//
// For validation errors (bad input, missing fields), use pkg/domain-errors
// directly.
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrFrozen       = errors.New("frozen")
	ErrInvalidState = errors.New("invalid state")
	ErrUnavailable  = errors.New("unavailable")
)
