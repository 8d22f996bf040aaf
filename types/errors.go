package types

import "errors"

var (
	// ErrInvalidConfiguration marks a malformed or unsupported
	// SimulatorConfiguration. Fails fast at acquire or chain construction.
	ErrInvalidConfiguration = errors.New("invalid simulator configuration")

	// ErrLeaseUnavailable is returned when no matching idle simulator exists
	// and capacity or the caller's timeout is exhausted. Recoverable; the
	// caller may retry.
	ErrLeaseUnavailable = errors.New("no simulator lease available")

	// ErrNotFound is returned when a simulator reference does not resolve.
	ErrNotFound = errors.New("simulator not found")

	// ErrLeaseInvalid is returned when a lease no longer matches the pool's
	// active lease for its simulator (already released, or evicted).
	ErrLeaseInvalid = errors.New("lease is not active")
)
