package transfer

import (
	"errors"
	"fmt"
)

// Failure kinds persisted next to a failed record.
const (
	KindNetwork           = "network_error"
	KindOriginRejected    = "origin_rejected"
	KindIntegrityMismatch = "integrity_mismatch"
	KindLocalIO           = "local_io_error"
	KindUnknown           = "unknown"
)

// NetworkError represents transient failures talking to the origin including
// 5xx responses, connection resets and timeouts.
type NetworkError struct {
	Operation  string // The operation that failed (e.g., "open", "read")
	StatusCode int    // HTTP status code, if applicable (0 for non-HTTP errors)
	Message    string
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("network error during %s (HTTP %d): %s", e.Operation, e.StatusCode, e.Message)
	}

	return fmt.Sprintf("network error during %s: %s", e.Operation, e.Message)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// OriginRejectedError means the origin refused the request (missing object,
// denied access, unsupported locator). Retrying without changing the source will not help.
type OriginRejectedError struct {
	Locator    string
	StatusCode int
	Reason     string
	Err        error
}

func (e *OriginRejectedError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("origin rejected %s (HTTP %d): %s", e.Locator, e.StatusCode, e.Reason)
	}

	return fmt.Sprintf("origin rejected %s: %s", e.Locator, e.Reason)
}

func (e *OriginRejectedError) Unwrap() error {
	return e.Err
}

// IntegrityMismatchError reports a completed stream whose size or digest is wrong.
type IntegrityMismatchError struct {
	Field    string // "size" or "sha256"
	Expected string
	Actual   string
}

func (e *IntegrityMismatchError) Error() string {
	return fmt.Sprintf("integrity mismatch on %s: expected %s, got %s", e.Field, e.Expected, e.Actual)
}

// LocalIOError wraps failures writing to local storage.
type LocalIOError struct {
	Operation string
	Err       error
}

func (e *LocalIOError) Error() string {
	return fmt.Sprintf("local io error during %s: %v", e.Operation, e.Err)
}

func (e *LocalIOError) Unwrap() error {
	return e.Err
}

// Kind maps an error onto its failure kind. It returns "" for nil.
func Kind(err error) string {
	var (
		netErr       *NetworkError
		rejectedErr  *OriginRejectedError
		integrityErr *IntegrityMismatchError
		localErr     *LocalIOError
	)

	switch {
	case err == nil:
		return ""
	case errors.As(err, &integrityErr):
		return KindIntegrityMismatch
	case errors.As(err, &rejectedErr):
		return KindOriginRejected
	case errors.As(err, &localErr):
		return KindLocalIO
	case errors.As(err, &netErr):
		return KindNetwork
	default:
		return KindUnknown
	}
}

// Retryable reports whether re-requesting the same source may succeed.
func Retryable(err error) bool {
	switch Kind(err) {
	case KindNetwork, KindLocalIO:
		return true
	default:
		return false
	}
}
