package model

import "errors"

// Error taxonomy shared across components, per the propagation policy:
// transient errors are recovered locally and never escape to consumers;
// data-integrity and fatal-adapter errors are surfaced through the push/
// metrics/alert paths instead of HTTP error codes.
var (
	// ErrStoreUnavailable is transient: the canonical store could not be
	// reached. Callers retry locally with backoff.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrIntegrityViolation is fatal: a row exists for the same key with
	// content that cannot be reconciled automatically. The caller must
	// classify and surface a repair.
	ErrIntegrityViolation = errors.New("integrity violation")

	// ErrAdapterFatal indicates an upstream adapter has failed decoding
	// N consecutive messages and must be quarantined.
	ErrAdapterFatal = errors.New("adapter fatal")

	// ErrLockLost indicates the orchestrator's fleet-wide advisory lock was
	// lost or never acquired.
	ErrLockLost = errors.New("orchestrator lock lost")

	// ErrNotFound indicates a requested symbol/interval/resource is unknown.
	ErrNotFound = errors.New("not found")

	// ErrInvalidParam indicates a semantic validation failure (4xx at the
	// API boundary).
	ErrInvalidParam = errors.New("invalid parameter")
)
