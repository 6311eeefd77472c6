package api

import (
	"errors"
	"net"
	"net/http"
	"syscall"
)

// ErrUnsupportedArchive is reported by the explore endpoint when the remote
// cannot enumerate members of an archived download. Callers fall back to a
// direct blob download.
var ErrUnsupportedArchive = errors.New("remote cannot explore unsupported archive")

// APIError is a response-level failure from the remote fetch service.
type APIError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return e.Op + ": " + e.Message
	}
	return e.Op + ": " + http.StatusText(e.StatusCode)
}

// Retryable reports whether the response status indicates a transient condition.
func (e *APIError) Retryable() bool {
	switch {
	case e.StatusCode >= 500:
		return true
	case e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode == http.StatusRequestTimeout:
		return true
	}
	return false
}

// IsRetryable classifies an error as transient. Connection resets, timeouts,
// refused or unreachable hosts, and HTTP 5xx/429/408 responses are retryable;
// everything else is treated as permanent.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	switch {
	case errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EHOSTUNREACH),
		errors.Is(err, syscall.ENETUNREACH),
		errors.Is(err, syscall.ETIMEDOUT):
		return true
	}

	return false
}
