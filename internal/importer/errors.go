package importer

import (
	"errors"
	"fmt"

	"github.com/lachwilkes/raceday/internal/pfapi"
	"github.com/lachwilkes/raceday/internal/repository"
)

// ErrorKind classifies every failure a run can surface. Callers never see a
// raw, unclassified error from the orchestrator.
type ErrorKind string

const (
	// KindConcurrentRun means another run already holds the run slot.
	KindConcurrentRun ErrorKind = "concurrent_run"

	// KindAuth means the source rejected the credential. Requires operator
	// intervention; never retried.
	KindAuth ErrorKind = "auth"

	// KindRateLimited means the source throttled the fetch. Retryable.
	KindRateLimited ErrorKind = "rate_limited"

	// KindUpstreamUnavailable means the source could not be reached or
	// timed out. Retryable.
	KindUpstreamUnavailable ErrorKind = "upstream_unavailable"

	// KindMalformedResponse means the payload was unparsable. Fatal.
	KindMalformedResponse ErrorKind = "malformed_response"

	// KindBadRequest means the caller supplied an invalid target date.
	KindBadRequest ErrorKind = "bad_request"

	// KindPersistence means the store failed during lookup or apply. Fatal;
	// recorded counts reflect only committed work.
	KindPersistence ErrorKind = "persistence"
)

// RunError is the structured failure surfaced by the orchestrator.
type RunError struct {
	Kind ErrorKind
	Err  error
}

// Error implements the error interface.
// Parameters: none.
// Returns:
//   - string: kind-prefixed description.
func (e *RunError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

// Unwrap exposes the underlying error.
// Parameters: none.
// Returns:
//   - error: wrapped cause.
func (e *RunError) Unwrap() error {
	return e.Err
}

// KindOf extracts the classification from an orchestrator error.
// Parameters:
//   - err: error returned by Run or TriggerNow.
// Returns:
//   - ErrorKind: classification, or empty string for nil/unknown errors.
func KindOf(err error) ErrorKind {
	var runErr *RunError
	if errors.As(err, &runErr) {
		return runErr.Kind
	}
	return ""
}

// classifyFetch maps a source client failure onto the taxonomy.
func classifyFetch(err error) ErrorKind {
	switch {
	case errors.Is(err, pfapi.ErrAuth):
		return KindAuth
	case errors.Is(err, pfapi.ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, pfapi.ErrMalformed):
		return KindMalformedResponse
	case errors.Is(err, pfapi.ErrDateHorizon):
		return KindBadRequest
	default:
		// Transport errors, 5xx, timeouts, and context cancellation during
		// the fetch all count as the upstream being unavailable.
		return KindUpstreamUnavailable
	}
}

// classifyBegin maps a ledger BeginRun failure onto the taxonomy.
func classifyBegin(err error) ErrorKind {
	if errors.Is(err, repository.ErrRunInProgress) {
		return KindConcurrentRun
	}
	return KindPersistence
}
