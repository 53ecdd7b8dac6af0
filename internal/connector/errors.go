package connector

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotImplemented is wrapped by CapabilityError.
	ErrNotImplemented   = errors.New("not implemented")
	ErrConfiguration    = errors.New("configuration error")
	ErrUnknownConnector = errors.New("connector not registered")
)

// CapabilityError reports that a connector lacks a requested capability.
type CapabilityError struct {
	Connector  string
	Capability Capability
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("connector %q does not support %s: %v", e.Connector, e.Capability, ErrNotImplemented)
}

func (e *CapabilityError) Unwrap() error   { return ErrNotImplemented }
func (e *CapabilityError) Retryable() bool { return false }

func NotImplemented(connector string, c Capability) error {
	return &CapabilityError{Connector: connector, Capability: c}
}

// ConfigError reports a missing or invalid configuration field.
type ConfigError struct {
	Connector string
	Field     string
	Reason    string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s: %s", ErrConfiguration, e.Connector, e.Reason)
	}
	return fmt.Sprintf("%s: %s.%s: %s", ErrConfiguration, e.Connector, e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error   { return ErrConfiguration }
func (e *ConfigError) Retryable() bool { return false }

// TransportError is a failed remote call. Server errors, throttling and
// network failures are retryable; other client errors are not.
type TransportError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *TransportError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Body != "":
		return fmt.Sprintf("%s: http %d: %s", e.Op, e.StatusCode, e.Body)
	default:
		return fmt.Sprintf("%s: http %d", e.Op, e.StatusCode)
	}
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Retryable() bool {
	if e.StatusCode == 0 {
		return true
	}
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout
}

func IsNotImplemented(err error) bool {
	return errors.Is(err, ErrNotImplemented)
}

func IsConfigError(err error) bool {
	return errors.Is(err, ErrConfiguration)
}
