// Package llm wraps the LLM provider endpoints behind a single Complete
// contract with uniform error classification.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/scholarlab/paperflow/pkg/models"
)

// Request is a single completion call.
type Request struct {
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
}

// Response is a completed call.
type Response struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
}

// Provider is one LLM endpoint. Implementations encapsulate their own wire
// details and classify every failure into the models.ErrorKind taxonomy by
// returning *Error.
type Provider interface {
	// Name returns the registry name of the provider (e.g. "anthropic").
	Name() string

	// Complete issues one completion call. The context carries the
	// per-call timeout.
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Error is a classified provider failure.
type Error struct {
	Kind models.ErrorKind

	// RetryAfter carries the provider-indicated delay for rate-limited
	// errors; zero otherwise.
	RetryAfter time.Duration

	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError creates a classified provider error.
func NewError(kind models.ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Classify extracts the error kind from any error produced under this
// package's contract. Unclassified errors are treated as transient.
func Classify(err error) models.ErrorKind {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind
	}
	var serr *models.StageError
	if errors.As(err, &serr) {
		return serr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.ErrKindDeadlineExceeded
	}
	if errors.Is(err, context.Canceled) {
		return models.ErrKindCancelled
	}
	return models.ErrKindProviderTransient
}

// RetryAfter returns the provider-indicated delay, if the error carries one.
func RetryAfter(err error) time.Duration {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.RetryAfter
	}
	return 0
}

// classifyStatus maps an HTTP status code to an error kind.
func classifyStatus(status int) models.ErrorKind {
	switch {
	case status == 429:
		return models.ErrKindProviderRateLimited
	case status == 402 || status == 403:
		return models.ErrKindProviderQuotaExhausted
	case status >= 500:
		return models.ErrKindProviderTransient
	case status >= 400:
		return models.ErrKindInvalidRequest
	default:
		return models.ErrKindProviderTransient
	}
}

// classifyGeneric classifies errors from SDKs that do not expose a status
// code. Timeouts and network failures are transient; quota and rate-limit
// wording is sniffed from the message as a last resort.
func classifyGeneric(err error) models.ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return models.ErrKindProviderTransient
	}
	if errors.Is(err, context.Canceled) {
		return models.ErrKindCancelled
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return models.ErrKindProviderTransient
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit"):
		return models.ErrKindProviderRateLimited
	case strings.Contains(msg, "quota") || strings.Contains(msg, "billing"):
		return models.ErrKindProviderQuotaExhausted
	case strings.Contains(msg, "invalid") || strings.Contains(msg, "400"):
		return models.ErrKindInvalidRequest
	default:
		return models.ErrKindProviderTransient
	}
}
