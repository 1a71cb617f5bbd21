package domain

import (
	"errors"
	"fmt"
)

// Error codes returned to clients. These are stable; messages are not.
const (
	CodeValidation            = "VALIDATION"
	CodeRateLimited           = "RATE_LIMITED"
	CodeIdempotencyConflict   = "IDEMPOTENCY_CONFLICT"
	CodeIdempotencyInFlight   = "IDEMPOTENCY_IN_FLIGHT"
	CodePolicyRejected        = "POLICY_REJECTED"
	CodeSequenceExhausted     = "SEQUENCE_EXHAUSTED"
	CodeSequenceRetryExceeded = "SEQUENCE_RETRY_EXHAUSTED"
	CodeInfraUnavailable      = "INFRASTRUCTURE_UNAVAILABLE"
	CodeNotFound              = "NOT_FOUND"
)

var (
	// ErrIdempotencyConflict means the key was reused with a different
	// payload. Permanent for that key; the caller must mint a new one.
	ErrIdempotencyConflict = errors.New("idempotency key reuse with mismatched payload")

	// ErrIdempotencyInFlight means another caller holds the reservation and
	// did not finish within the wait budget. Retryable.
	ErrIdempotencyInFlight = errors.New("request with this idempotency key is still processing")

	// ErrSequenceExhausted means the partition's serial space is full.
	// Retrying cannot change a full partition.
	ErrSequenceExhausted = errors.New("sequence partition exhausted")

	// ErrSequenceRetryExhausted means contention on the requester's
	// assignment persisted past the retry budget. Retryable.
	ErrSequenceRetryExhausted = errors.New("sequence allocation retries exhausted")

	ErrNotFound = errors.New("not found")
)

// ValidationError reports malformed input. Not retryable without changing
// the input.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}

// InfraError wraps a shared-store or relational-store failure. It is
// surfaced after internal retries are exhausted, never silently swallowed.
type InfraError struct {
	Op  string
	Err error
}

func (e *InfraError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *InfraError) Unwrap() error { return e.Err }

// ErrorCode maps an error to its stable client-facing code.
func ErrorCode(err error) string {
	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		return CodeValidation
	case errors.Is(err, ErrIdempotencyConflict):
		return CodeIdempotencyConflict
	case errors.Is(err, ErrIdempotencyInFlight):
		return CodeIdempotencyInFlight
	case errors.Is(err, ErrSequenceExhausted):
		return CodeSequenceExhausted
	case errors.Is(err, ErrSequenceRetryExhausted):
		return CodeSequenceRetryExceeded
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	default:
		return CodeInfraUnavailable
	}
}
