package domain

import "errors"

// Error taxonomy. Everything except ErrInvariantViolation is an expected,
// recoverable-by-caller outcome. ErrInvariantViolation means the
// reservation/settlement bookkeeping has a bug; the attempted operation is
// rolled back and the error surfaces as an internal failure.
var (
	ErrUnknownInstrument   = errors.New("unknown instrument")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidOrder        = errors.New("invalid order")
	ErrNotFound            = errors.New("not found")
	ErrForbidden           = errors.New("forbidden")
	ErrInvalidState        = errors.New("invalid order state")
	ErrConflict            = errors.New("resource already exists")
	ErrInvariantViolation  = errors.New("ledger invariant violation")
)
