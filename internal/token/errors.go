package token

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

var (
	// ErrMissingCredentials is returned when no refresh token or address is
	// available. There is nothing to retry; the session must be torn down.
	ErrMissingCredentials = errors.New("token: missing refresh credentials")

	// ErrMalformedResponse is returned when the refresh endpoint answered 2xx
	// without both tokens. A broken server contract cannot be fixed by retrying.
	ErrMalformedResponse = errors.New("token: malformed refresh response")

	// ErrConfig is returned for invalid refresher configuration.
	ErrConfig = errors.New("token: invalid config")
)

// Class labels a refresh failure for retry policy.
type Class uint8

const (
	// ClassUnknown means the failure did not match a known pattern.
	// Treated as retryable but logged distinctly for diagnosis.
	ClassUnknown Class = iota

	// ClassTransient failures (network, timeout, 5xx) are retried with backoff.
	ClassTransient

	// ClassUnrecoverable failures (401/403, missing credentials, malformed
	// response) abort immediately and force session teardown.
	ClassUnrecoverable
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassUnrecoverable:
		return "unrecoverable"
	default:
		return "unknown"
	}
}

// RefreshError carries the HTTP status (0 when the request never completed)
// and the retry classification for a failed refresh attempt.
type RefreshError struct {
	Status int
	Class  Class
	Err    error
}

func (e *RefreshError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("token: refresh failed (%s, status %d): %v", e.Class, e.Status, e.Err)
	}
	return fmt.Sprintf("token: refresh failed (%s): %v", e.Class, e.Err)
}

func (e *RefreshError) Unwrap() error { return e.Err }

// Classify reports the retry class of an arbitrary refresh error.
func Classify(err error) Class {
	if err == nil {
		return ClassUnknown
	}
	var re *RefreshError
	if errors.As(err, &re) {
		return re.Class
	}
	if errors.Is(err, ErrMissingCredentials) || errors.Is(err, ErrMalformedResponse) {
		return ClassUnrecoverable
	}
	return classifyRequestErr(err)
}

// classifyStatus maps a non-2xx HTTP status to a retry class.
func classifyStatus(status int) Class {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ClassUnrecoverable
	case status >= 500:
		return ClassTransient
	default:
		return ClassUnknown
	}
}

// classifyRequestErr maps transport-level errors to a retry class.
// Timeouts, aborts, and connection failures are transient.
func classifyRequestErr(err error) Class {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ClassTransient
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return ClassTransient
	}
	var operr *net.OpError
	if errors.As(err, &operr) {
		return ClassTransient
	}
	return ClassUnknown
}
