package core

import (
	"errors"
	"fmt"
)

// ErrUnknownIOCType is returned when a lookup value matches no known IOC
// format rule.
var ErrUnknownIOCType = errors.New("unknown IOC type")

// ConfigurationError reports an invalid or missing connector configuration
// field. It is returned from Init and from lifecycle misuse such as starting
// an uninitialized connector.
type ConfigurationError struct {
	Connector string
	Field     string
	Reason    string
}

// NewConfigurationError creates a configuration error for a connector field.
func NewConfigurationError(connector, field, reason string) *ConfigurationError {
	return &ConfigurationError{Connector: connector, Field: field, Reason: reason}
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("connector %s: %s", e.Connector, e.Reason)
	}
	return fmt.Sprintf("connector %s: field %s: %s", e.Connector, e.Field, e.Reason)
}

// ParseError reports a raw message that could not be parsed. Raw is retained
// so the message can be dead-lettered.
type ParseError struct {
	Protocol string
	Raw      string
	Err      error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s message: %v", e.Protocol, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// AuthenticationError reports a rejected credential: a bad agent handshake
// token or a refused OAuth exchange.
type AuthenticationError struct {
	Reason string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed: %s", e.Reason)
}

// TransportError wraps a network-level failure with the operation that hit it.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
