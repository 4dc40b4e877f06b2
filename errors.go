package coral

import (
	"errors"
	"fmt"
)

// ============================================================================
// Error taxonomy
// ============================================================================

// APIError is an error payload returned by the server.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Permanent reports whether the server error is non-retriable.
// Timeouts and transient network-ish codes are retriable; everything
// else is treated as a permanent rejection.
func (e *APIError) Permanent() bool {
	switch e.Code {
	case "TIMEOUT", "NETWORK", "RATE_LIMITED", "SERVICE_UNAVAILABLE":
		return false
	}
	return true
}

// NetworkError is a transient, connectivity-dependent transport
// failure. While the client is offline these are intercepted by the
// offline recovery path instead of propagating.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: network error: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ValidationError is malformed caller input. Never retried, never
// intercepted by offline recovery.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NotFoundError is a referenced local entity missing during hydration.
// Fatal to the single hydration call, not to the batch.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.ID)
}

// IsNetworkError reports whether err is (or wraps) a transport failure.
func IsNetworkError(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

func validateCID(cid string) error {
	if cid == "" {
		return &ValidationError{Field: "cid", Reason: "must not be empty"}
	}
	channelType, channelID := SplitCID(cid)
	if channelType == "" || channelID == "" {
		return &ValidationError{Field: "cid", Reason: "must be of form type:id"}
	}
	return nil
}
