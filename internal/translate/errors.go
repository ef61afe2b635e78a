package translate

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/kiranshivaraju/transly/pkg/models"
)

// Retryable upstream failures.
var (
	ErrUpstreamUnavailable = errors.New("translation service unavailable")
	ErrUpstreamTimeout     = errors.New("translation service timeout")
	ErrRateLimited         = errors.New("translation service rate limited")
	ErrInvalidResponse     = errors.New("translation service returned invalid response")
)

// Fatal upstream failures. Retrying cannot change the answer.
var (
	ErrUnsupportedLanguage = errors.New("unsupported language pair")
	ErrRequestRejected     = errors.New("translation request rejected")
)

// Classify maps an error from a single upstream call to an attempt outcome.
// Unrecognised errors are treated as retryable.
func Classify(err error) models.AttemptOutcome {
	switch {
	case err == nil:
		return models.OutcomeSuccess
	case errors.Is(err, ErrUnsupportedLanguage), errors.Is(err, ErrRequestRejected):
		return models.OutcomeFatalError
	default:
		return models.OutcomeRetryableError
	}
}

// IsRetryable reports whether another attempt could succeed.
func IsRetryable(err error) bool {
	return Classify(err) == models.OutcomeRetryableError
}

// classifyTransportError maps transport-level errors to sentinel errors.
func classifyTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
	}

	return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
}

// ExhaustedError is returned by the Retrier once it stops trying.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("translation failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Reason returns a short caller-safe description of why a chunk failed.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrUnsupportedLanguage):
		return "unsupported language pair"
	case errors.Is(err, ErrRequestRejected):
		return "request rejected by translation service"
	case errors.Is(err, ErrUpstreamTimeout), errors.Is(err, context.DeadlineExceeded):
		return "translation service timed out"
	case errors.Is(err, ErrRateLimited):
		return "translation service rate limited"
	case errors.Is(err, ErrInvalidResponse):
		return "invalid response from translation service"
	case errors.Is(err, ErrUpstreamUnavailable):
		return "translation service unavailable"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "internal error"
	}
}
