package pfapi

import (
	"errors"
	"fmt"
)

// Failure kinds for a fetch. The orchestrator maps these onto its retry
// table; the client itself never retries.
var (
	// ErrAuth means the source rejected the API credential.
	ErrAuth = errors.New("source credential rejected")

	// ErrRateLimited means the source throttled the request.
	ErrRateLimited = errors.New("source rate limit exceeded")

	// ErrUnavailable means the source could not be reached or returned a
	// server-side failure (includes timeouts).
	ErrUnavailable = errors.New("source unavailable")

	// ErrMalformed means the fetch succeeded but the payload was unparsable.
	ErrMalformed = errors.New("malformed source response")

	// ErrDateHorizon means the target date lies beyond the configured
	// future horizon.
	ErrDateHorizon = errors.New("target date beyond future horizon")
)

// APIError carries the failure kind plus HTTP detail for one request.
type APIError struct {
	Kind   error // one of the sentinel errors above
	Status int   // HTTP status code, 0 for transport failures
	Detail string
}

// Error implements the error interface.
// Parameters: none.
// Returns:
//   - string: human-readable description.
func (e *APIError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%v (status %d): %s", e.Kind, e.Status, e.Detail)
	}
	return fmt.Sprintf("%v: %s", e.Kind, e.Detail)
}

// Unwrap exposes the failure kind so callers can use errors.Is.
// Parameters: none.
// Returns:
//   - error: the sentinel kind.
func (e *APIError) Unwrap() error {
	return e.Kind
}
