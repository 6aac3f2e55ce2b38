package resilience

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/sells-group/enrich-cli/internal/model"
)

// ExternalError marks an error as a failure of the external dependency itself
// (timeout, bad HTTP status, unparseable payload). Only these trip breakers.
type ExternalError struct {
	Kind       model.ErrorKind
	StatusCode int
	Err        error
}

func (e *ExternalError) Error() string {
	return e.Err.Error()
}

func (e *ExternalError) Unwrap() error {
	return e.Err
}

// NewExternalError wraps err as an external failure of the given kind.
func NewExternalError(kind model.ErrorKind, statusCode int, err error) *ExternalError {
	return &ExternalError{Kind: kind, StatusCode: statusCode, Err: err}
}

// IsExpectedFailure reports whether err is classified as an external-service
// failure: an ExternalError, a timeout, or a transient network error.
// Programmer errors and unknown errors return false.
func IsExpectedFailure(err error) bool {
	if err == nil {
		return false
	}
	var ee *ExternalError
	if errors.As(err, &ee) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return IsTransient(err)
}

// KindOf returns the ErrorKind carried by err, inferring timeouts from
// deadlines and net errors. Unclassified errors report ErrorKindInternal.
func KindOf(err error) model.ErrorKind {
	if err == nil {
		return model.ErrorKindNone
	}
	if errors.Is(err, ErrCircuitOpen) {
		return model.ErrorKindRejected
	}
	var ee *ExternalError
	if errors.As(err, &ee) && ee.Kind != model.ErrorKindNone {
		return ee.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return model.ErrorKindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return model.ErrorKindTimeout
	}
	if IsTransient(err) {
		return model.ErrorKindHTTP
	}
	return model.ErrorKindInternal
}

// IsTransient returns true if the error (or any error in its chain) is an
// ExternalError with a retryable status, or if it matches common transient
// error patterns (network timeouts, connection resets, DNS failures).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var ee *ExternalError
	if errors.As(err, &ee) {
		if ee.Kind == model.ErrorKindTimeout {
			return true
		}
		if ee.StatusCode > 0 {
			return IsTransientHTTPStatus(ee.StatusCode)
		}
	}

	// Check for network-level transient errors.
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	// Connection reset / refused / DNS.
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	// String-based heuristics for wrapped errors from HTTP clients.
	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"connection refused",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"transport connection broken",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, // Request Timeout
		429, // Too Many Requests
		500, // Internal Server Error
		502, // Bad Gateway
		503, // Service Unavailable
		504: // Gateway Timeout
		return true
	default:
		return false
	}
}
