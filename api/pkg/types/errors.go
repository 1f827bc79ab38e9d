package types

import "errors"

// Client-validation errors. These are caller-facing and must never
// corrupt cache or device state.
var (
	ErrInvalidMode   = errors.New("invalid display mode")
	ErrInvalidRect   = errors.New("invalid rectangle")
	ErrUnknownDevice = errors.New("unknown device")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrModeConflict  = errors.New("mode conflict")
)

// Transient-render errors. The previous Snapshot, if any, is retained
// and remains servable across these.
var (
	ErrNavigationTimeout = errors.New("navigation timeout")
	ErrRenderFailure     = errors.New("render failure")
	ErrPoolExhausted     = errors.New("render pool exhausted")
	ErrCircuitOpen       = errors.New("circuit breaker open")
)
