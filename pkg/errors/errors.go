// Package errors defines the sentinel errors shared across the service and
// maps them to HTTP status codes.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrInvalidInput     = errors.New("invalid input")
	ErrIndexNotBuilt    = errors.New("index not built")
	ErrNotConfigured    = errors.New("not configured")
	ErrUpstream         = errors.New("upstream error")
	ErrRateLimited      = errors.New("rate limit exceeded")
	ErrInternal         = errors.New("internal error")
	ErrTimeout          = errors.New("operation timed out")
)

// statusBySentinel is checked in order; the first match wins.
var statusBySentinel = []struct {
	err    error
	status int
}{
	{ErrDocumentNotFound, http.StatusNotFound},
	{ErrInvalidInput, http.StatusBadRequest},
	{ErrRateLimited, http.StatusTooManyRequests},
	{ErrIndexNotBuilt, http.StatusServiceUnavailable},
	{ErrNotConfigured, http.StatusServiceUnavailable},
	{ErrTimeout, http.StatusServiceUnavailable},
	{ErrUpstream, http.StatusBadGateway},
}

// AppError pairs a sentinel with a message that is safe to show clients and
// an explicit status.
type AppError struct {
	Err        error
	Message    string
	StatusCode int
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(sentinel error, statusCode int, message string) *AppError {
	return &AppError{Err: sentinel, Message: message, StatusCode: statusCode}
}

func Newf(sentinel error, statusCode int, format string, args ...any) *AppError {
	return New(sentinel, statusCode, fmt.Sprintf(format, args...))
}

// HTTPStatusCode maps err to a status, 500 when nothing matches.
func HTTPStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}
	for _, s := range statusBySentinel {
		if errors.Is(err, s.err) {
			return s.status
		}
	}
	return http.StatusInternalServerError
}

// Public returns the status for err and a message fit for a response body.
// An AppError contributes its Message; other 500s are reduced to
// "internal error".
func Public(err error) (int, string) {
	status := HTTPStatusCode(err)
	var appErr *AppError
	if errors.As(err, &appErr) {
		return status, appErr.Message
	}
	if status == http.StatusInternalServerError {
		return status, ErrInternal.Error()
	}
	return status, err.Error()
}
