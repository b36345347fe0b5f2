// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import (
	"errors"
	"fmt"
)

// Common sentinels across keyderiv/garage/coordinator/notify layers.
var (
	// ErrInvalidSecretFormat indicates a master secret that cannot be used for derivation.
	ErrInvalidSecretFormat = errors.New("invalid secret format")

	// ErrInvalidKeyFormat indicates a malformed master secret on set/import.
	ErrInvalidKeyFormat = errors.New("invalid key format")

	// ErrRegistrationFailed indicates a coordinator rejected or could not be reached
	// during identity registration. The slot stays in a partial state and is retryable.
	ErrRegistrationFailed = errors.New("registration failed")

	// ErrStaleResponse indicates a response that no longer matches the current
	// navigation context. Callers discard it silently.
	ErrStaleResponse = errors.New("stale response")

	// ErrDecryptionFailure indicates an inbound envelope no known identity could open.
	ErrDecryptionFailure = errors.New("decryption failure")

	// ErrRecoveryExhausted indicates an account scan found no identity.
	ErrRecoveryExhausted = errors.New("recovery exhausted")

	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNoSecret indicates an operation that needs a master secret ran without one.
	ErrNoSecret = errors.New("no master secret")

	// ErrCoordinatorUnavailable indicates a coordinator is disabled, unknown or has
	// no endpoint for the requested network.
	ErrCoordinatorUnavailable = errors.New("coordinator unavailable")

	// ErrRateLimited indicates a coordinator is temporarily locked out client-side.
	ErrRateLimited = errors.New("rate limited")
)

// BadRequestError is a coordinator-reported domain error. Its message is shown verbatim.
type BadRequestError struct {
	Field   string // bad_request, bad_invoice, bad_address, bad_statement, bad_summary
	Code    int    // coordinator error_code, 0 if absent
	Message string
}

func (e *BadRequestError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s (%d): %s", e.Field, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// AsBadRequest reports whether err carries a coordinator domain error.
func AsBadRequest(err error) (*BadRequestError, bool) {
	var br *BadRequestError
	if errors.As(err, &br) {
		return br, true
	}
	return nil, false
}
