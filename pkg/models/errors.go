package models

// ErrorKind classifies a stage or provider failure. Kinds drive the retry
// policy (which kinds are retried, which go straight to fallback) and the
// circuit breaker (which kinds count as provider failures).
type ErrorKind string

// Error kinds.
const (
	// ErrKindInvalidInput: caller supplied malformed input. Not retried.
	ErrKindInvalidInput ErrorKind = "invalid-input"

	// ErrKindInvalidRequest: the adapter rejected the request outright:
	// a caller bug, never retried.
	ErrKindInvalidRequest ErrorKind = "invalid-request"

	// ErrKindProviderTransient: network error, 5xx, or call timeout.
	// Retried per policy; after exhaustion the fallback is attempted.
	ErrKindProviderTransient ErrorKind = "provider-transient"

	// ErrKindProviderRateLimited: explicit 429. Retried after the larger of
	// the provider-indicated delay and the policy backoff. Consumes a retry
	// attempt but does not count against the breaker.
	ErrKindProviderRateLimited ErrorKind = "provider-rate-limited"

	// ErrKindProviderQuotaExhausted: billing-period quota gone. Retries stop
	// immediately; fallback attempted if available.
	ErrKindProviderQuotaExhausted ErrorKind = "provider-quota-exhausted"

	// ErrKindProviderUnavailable: circuit open or structural adapter error.
	// Skips retries; goes straight to fallback.
	ErrKindProviderUnavailable ErrorKind = "provider-unavailable"

	// ErrKindProviderOverloaded: rate-limiter waiter queue at its high-water
	// mark. Fails fast and counts as a breaker failure.
	ErrKindProviderOverloaded ErrorKind = "provider-overloaded"

	// ErrKindInvalidResponse: response failed schema validation. Retried up
	// to the budget; no fallback (the fallback faces the same schema).
	ErrKindInvalidResponse ErrorKind = "invalid-response"

	// ErrKindDeadlineExceeded: stage or request deadline reached. Not retried.
	ErrKindDeadlineExceeded ErrorKind = "deadline-exceeded"

	// ErrKindCancelled: cooperative cancellation. Not retried.
	ErrKindCancelled ErrorKind = "cancelled"

	// ErrKindUpstreamFailed: a dependency stage failed. Not retried.
	ErrKindUpstreamFailed ErrorKind = "upstream-failed"
)

// Retryable reports whether a failure of kind k consumes another attempt
// from the retry budget.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrKindProviderTransient, ErrKindProviderRateLimited, ErrKindInvalidResponse:
		return true
	}
	return false
}

// AllowsFallback reports whether exhausting the primary path with kind k
// should hand the input to a registered fallback agent.
func (k ErrorKind) AllowsFallback() bool {
	switch k {
	case ErrKindProviderTransient, ErrKindProviderRateLimited,
		ErrKindProviderQuotaExhausted, ErrKindProviderUnavailable,
		ErrKindProviderOverloaded:
		return true
	}
	return false
}

// BreakerFailure reports whether kind k counts as a failure in the circuit
// breaker's outcome window. Validation failures do not: the provider
// responded, it just said something unusable.
func (k ErrorKind) BreakerFailure() bool {
	switch k {
	case ErrKindProviderTransient, ErrKindProviderOverloaded, ErrKindDeadlineExceeded:
		return true
	}
	return false
}

// StageError pairs an error kind with a human-readable message. It is a
// value, not an unwinding error: agents return failures inside StageResult.
type StageError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// Error implements the error interface so StageError can be wrapped and
// logged like any other error.
func (e *StageError) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Message
}

// NewStageError builds a StageError.
func NewStageError(kind ErrorKind, message string) *StageError {
	return &StageError{Kind: kind, Message: message}
}
