package core

import (
	"errors"
	"fmt"
)

// ErrUnavailable is returned when no poll has completed successfully yet.
var ErrUnavailable = errors.New("snapshot unavailable: no successful poll yet")

// TransportError is a failure reaching the management API, including
// non-2xx responses. Status is 0 when no response was received.
type TransportError struct {
	Op      string
	Status  int
	Message string
	Err     error
}

func (e *TransportError) Error() string {
	switch {
	case e.Status != 0 && e.Message != "":
		return fmt.Sprintf("%s: request failed (%d): %s", e.Op, e.Status, e.Message)
	case e.Status != 0:
		return fmt.Sprintf("%s: request failed (%d)", e.Op, e.Status)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return e.Op + ": transport error"
	}
}

func (e *TransportError) Unwrap() error { return e.Err }

// Auth reports whether the server rejected the management key.
func (e *TransportError) Auth() bool {
	return e.Status == 401 || e.Status == 403
}

// ValidationError is a payload or value that did not match the expected shape.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ScopeViolationError rejects a write to a setting outside the supported set.
type ScopeViolationError struct {
	Name string
}

func (e *ScopeViolationError) Error() string {
	return fmt.Sprintf("setting %q is not writable through this integration", e.Name)
}

// ConfigurationError is static configuration outside its allowed bounds.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration %s: %s", e.Field, e.Reason)
}

func IsScopeViolation(err error) bool {
	var target *ScopeViolationError
	return errors.As(err, &target)
}

func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

func IsConfiguration(err error) bool {
	var target *ConfigurationError
	return errors.As(err, &target)
}

func IsTransport(err error) bool {
	var target *TransportError
	return errors.As(err, &target)
}
