package collector

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNoData means the fetch failed and no fallback series exists for the instrument.
	ErrNoData = errors.New("no data available")
	// ErrSuperseded is returned to a View selection replaced by a newer one.
	ErrSuperseded = errors.New("request superseded")
	// ErrInvalidInstrument marks a request with an unusable instrument.
	ErrInvalidInstrument = errors.New("invalid instrument")
	// ErrEmptyResponse is returned when the source answers with no points.
	ErrEmptyResponse = errors.New("empty response")
	// ErrMalformedResponse is returned when the body is not an array of well-formed points.
	ErrMalformedResponse = errors.New("malformed response")
)

// RateLimitError is returned when the price source answers 429.
type RateLimitError struct {
	RetryAfter time.Duration
	Body       string
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	}
	return "rate limited"
}

// StatusError is returned for any other non-200 response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d, body: %s", e.Code, e.Body)
}

// Temporary reports whether the status is worth retrying.
func (e *StatusError) Temporary() bool { return e.Code >= 500 }
