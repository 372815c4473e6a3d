package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyMessage is returned when the submitted text is blank.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrNotEditable is returned when an edit targets anything but the most recent user message.
	ErrNotEditable = errors.New("message is not editable")
	// ErrTurnInProgress is returned when a mutation arrives while a reply is still streaming.
	ErrTurnInProgress = errors.New("a reply is still streaming")
	// ErrSessionClosed is returned by a controller whose session has been destroyed.
	ErrSessionClosed = errors.New("session is closed")
)

// ConfigurationError reports a missing or invalid session setting.
// No state is mutated when it is returned.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

func missingCredential() *ConfigurationError {
	return &ConfigurationError{Field: "api_key", Reason: "missing credential"}
}

// GatewayError reports a failed completion call. The turn that made the call
// was abandoned without appending an assistant reply.
type GatewayError struct {
	Model string
	Err   error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("completion with %s failed: %v", e.Model, e.Err)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}
