package types

import (
	"errors"
	"fmt"
	"strings"
)

// FieldError represents a validation error for a specific field.
type FieldError struct {
	Field   string `json:"field"`   // JSON path to the field (e.g., "vad.adaptation_rate")
	Message string `json:"message"` // Human-readable error message
	Value   any    `json:"value"`   // The invalid value that was provided
}

// ValidationError collects multiple field validation errors.
type ValidationError struct {
	Errors []FieldError `json:"errors"`
}

// NewValidationError creates a new empty ValidationError.
func NewValidationError() *ValidationError {
	return &ValidationError{
		Errors: make([]FieldError, 0),
	}
}

// Add adds a field error to the collection.
func (v *ValidationError) Add(field, message string, value any) {
	v.Errors = append(v.Errors, FieldError{
		Field:   field,
		Message: message,
		Value:   value,
	})
}

// HasErrors reports whether any field error was collected.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Error implements the error interface.
func (v *ValidationError) Error() string {
	parts := make([]string, 0, len(v.Errors))
	for _, e := range v.Errors {
		if e.Field == "" {
			parts = append(parts, e.Message)
			continue
		}
		parts = append(parts, e.Field+" "+e.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// ConfigError reports a configuration input that was rejected.
// Configuration values are never silently clamped.
type ConfigError struct {
	Field   string
	Message string
	Err     error
}

// NewConfigError returns a ConfigError for field with a formatted message.
func NewConfigError(field, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "invalid configuration: " + e.Message
	}
	return fmt.Sprintf("invalid configuration: %s %s", e.Field, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// ConfigErrorFrom converts the first field of a ValidationError into a ConfigError.
func ConfigErrorFrom(v *ValidationError) *ConfigError {
	if v == nil || !v.HasErrors() {
		return nil
	}
	first := v.Errors[0]
	return &ConfigError{Field: first.Field, Message: first.Message, Err: v}
}

// DeviceError reports that the capture device could not be opened or failed mid-session.
type DeviceError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *DeviceError) Error() string {
	return fmt.Sprintf("audio device %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying device failure.
func (e *DeviceError) Unwrap() error {
	return e.Err
}

// ValidationErrorFrom extracts field failures from err. It returns nil when
// err carries neither a ValidationError nor a ConfigError.
func ValidationErrorFrom(err error) *ValidationError {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr
	}
	var cerr *ConfigError
	if errors.As(err, &cerr) {
		out := NewValidationError()
		out.Add(cerr.Field, cerr.Message, nil)
		return out
	}
	return nil
}
