package unifiedllm

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies model errors.
type ErrorKind string

const (
	KindAuthentication ErrorKind = "authentication"
	KindAccessDenied   ErrorKind = "access_denied"
	KindNotFound       ErrorKind = "not_found"
	KindInvalidRequest ErrorKind = "invalid_request"
	KindContextLength  ErrorKind = "context_length"
	KindContentFilter  ErrorKind = "content_filter"
	KindQuotaExceeded  ErrorKind = "quota_exceeded"
	KindConfiguration  ErrorKind = "configuration"
	KindRateLimit      ErrorKind = "rate_limit"
	KindServer         ErrorKind = "server"
	KindTimeout        ErrorKind = "timeout"
	KindNetwork        ErrorKind = "network"
	KindStream         ErrorKind = "stream"
	KindUnknown        ErrorKind = "unknown"
)

// ModelError is returned by chat providers. Retryable errors are retried by
// the agent loop; everything else is fatal to the turn.
type ModelError struct {
	Kind       ErrorKind
	Provider   string
	StatusCode int
	Message    string
	RetryAfter *float64 // seconds
	Cause      error
}

func (e *ModelError) Error() string {
	prefix := string(e.Kind)
	if e.Provider != "" {
		prefix = e.Provider + " " + prefix
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("[%s] %s (status=%d)", prefix, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("[%s] %s", prefix, e.Message)
}

func (e *ModelError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the same request may succeed if sent again.
func (e *ModelError) Retryable() bool {
	switch e.Kind {
	case KindRateLimit, KindServer, KindTimeout, KindNetwork, KindStream, KindUnknown:
		return true
	default:
		return false
	}
}

// NewModelError builds a ModelError of the given kind.
func NewModelError(kind ErrorKind, provider, message string, cause error) *ModelError {
	return &ModelError{Kind: kind, Provider: provider, Message: message, Cause: cause}
}

// ErrorFromStatusCode maps an HTTP status code to a ModelError.
func ErrorFromStatusCode(statusCode int, message, provider string, retryAfter *float64) *ModelError {
	e := &ModelError{
		Provider:   provider,
		StatusCode: statusCode,
		Message:    message,
		RetryAfter: retryAfter,
	}
	switch statusCode {
	case 400, 422:
		e.Kind = KindInvalidRequest
	case 401:
		e.Kind = KindAuthentication
	case 403:
		e.Kind = KindAccessDenied
	case 404:
		e.Kind = KindNotFound
	case 408:
		e.Kind = KindTimeout
	case 413:
		e.Kind = KindContextLength
	case 429:
		e.Kind = KindRateLimit
	case 500, 502, 503, 504:
		e.Kind = KindServer
	default:
		e.Kind = KindUnknown
	}
	return e
}

// IsRetryable returns true if the error is safe to retry. Cancellation is
// never retryable; errors outside the ModelError hierarchy default to
// retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var me *ModelError
	if errors.As(err, &me) {
		return me.Retryable()
	}
	return true
}
