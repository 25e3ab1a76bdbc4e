package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"twistbridge/internal/domain"
)

// Client is the chat sink capability set used by the resolver and the pipeline.
// Params: integration target, thread handle, and message text.
// Returns: created thread handle or *SinkError.
type Client interface {
	CreateThread(ctx context.Context, target domain.Integration, title string) (domain.ThreadHandle, error)
	PostMessage(ctx context.Context, thread domain.ThreadHandle, body string) error
}

// SinkErrorKind classifies sink failures for the retry policy.
type SinkErrorKind string

const (
	// SinkRateLimited is HTTP 429; retried, honouring Retry-After.
	SinkRateLimited SinkErrorKind = "rate_limited"
	// SinkServerError is HTTP 5xx or 408; retried.
	SinkServerError SinkErrorKind = "server_error"
	// SinkClientError is any other 4xx; dead-lettered without retry.
	SinkClientError SinkErrorKind = "client_error"
	// SinkNetworkError is a transport failure or timeout; retried.
	SinkNetworkError SinkErrorKind = "network_error"
)

const maxErrorBodyBytes = 2048

// SinkError describes one failed sink call.
type SinkError struct {
	Kind       SinkErrorKind
	Op         string
	Status     int
	RetryAfter time.Duration
	Body       string
	Err        error
}

// Error renders operation, status, and body like other HTTP sender errors.
// Params: none.
// Returns: error text.
func (e *SinkError) Error() string {
	var builder strings.Builder
	builder.WriteString("twist ")
	builder.WriteString(e.Op)
	builder.WriteString(": ")
	builder.WriteString(string(e.Kind))
	if e.Status != 0 {
		builder.WriteString(" status=")
		builder.WriteString(strconv.Itoa(e.Status))
	}
	if e.Body != "" {
		builder.WriteString(" body=")
		builder.WriteString(e.Body)
	}
	if e.Err != nil {
		builder.WriteString(": ")
		builder.WriteString(e.Err.Error())
	}
	return builder.String()
}

// Unwrap exposes transport cause.
// Params: none.
// Returns: wrapped error.
func (e *SinkError) Unwrap() error {
	return e.Err
}

// Permanent reports client errors as non-retryable.
// Params: none.
// Returns: true for SinkClientError.
func (e *SinkError) Permanent() bool {
	return e.Kind == SinkClientError
}

// AsSinkError extracts *SinkError from an error chain.
// Params: candidate error.
// Returns: sink error and true when present.
func AsSinkError(err error) (*SinkError, bool) {
	var sinkErr *SinkError
	if errors.As(err, &sinkErr) {
		return sinkErr, true
	}
	return nil, false
}

// networkError wraps transport failures; timeouts land here too.
// Params: operation label and cause.
// Returns: NetworkError sink error.
func networkError(op string, err error) *SinkError {
	return &SinkError{Kind: SinkNetworkError, Op: op, Err: err}
}

// statusError classifies non-2xx response and captures a bounded body excerpt.
// Params: operation label, response, and clock for Retry-After dates.
// Returns: classified sink error.
func statusError(op string, response *http.Response, now time.Time) *SinkError {
	sinkErr := &SinkError{Op: op, Status: response.StatusCode}
	switch {
	case response.StatusCode == http.StatusTooManyRequests:
		sinkErr.Kind = SinkRateLimited
		sinkErr.RetryAfter = parseRetryAfter(response.Header.Get("Retry-After"), now)
	case response.StatusCode >= 500:
		sinkErr.Kind = SinkServerError
	default:
		sinkErr.Kind = SinkClientError
	}
	rawBody, readErr := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
	if readErr != nil {
		sinkErr.Err = fmt.Errorf("read body: %w", readErr)
		return sinkErr
	}
	sinkErr.Body = strings.TrimSpace(string(rawBody))
	return sinkErr
}

// parseRetryAfter reads delta-seconds or HTTP-date Retry-After values.
// Params: header value and current time.
// Returns: non-negative delay, zero when absent or invalid.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if delay := at.Sub(now); delay > 0 {
			return delay
		}
	}
	return 0
}
