// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package errors provides structured error types for the Eagle energy bridge.
//
// This package defines custom error types that provide better error handling,
// inspection, and debugging capabilities compared to plain string errors.
//
// # Benefits of Structured Errors
//
//   - Type-safe error inspection with errors.As() and errors.Is()
//   - Context-rich error messages with operation and underlying error details
//   - Consistent error formatting across the application
//   - Better error wrapping and unwrapping support
//   - Enhanced logging with structured error fields
//
// # Example Usage
//
//	err := errors.NewParseError("read document", fmt.Errorf("unexpected EOF"))
//	if errors.IsParseError(err) {
//	    log.Printf("Parse failed: %v", err)
//	}
//
//	var parseErr *errors.ParseError
//	if errors.As(err, &parseErr) {
//	    log.Printf("Failed operation: %s", parseErr.Op)
//	}
package errors

import (
	"errors"
	"fmt"
)

// ParseError represents an error while parsing an uploaded XML document.
type ParseError struct {
	Op  string // Operation being performed (e.g., "read document", "decode element")
	Err error  // Underlying error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("parse %s failed", e.Op)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// NewParseError creates a new parse error.
func NewParseError(op string, err error) *ParseError {
	return &ParseError{Op: op, Err: err}
}

// IsParseError checks if an error is a ParseError.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

// DecodeError represents an error decoding a field of a telemetry element.
type DecodeError struct {
	Field string // Field that failed to decode (e.g., "Demand", "Divisor")
	Value string // Raw value as received
	Err   error  // Underlying error
}

func (e *DecodeError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("decode field %q (value=%q): %v", e.Field, e.Value, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("decode field %q: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("decode field %q failed", e.Field)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// NewDecodeError creates a new decode error.
func NewDecodeError(field string, value string, err error) *DecodeError {
	return &DecodeError{Field: field, Value: value, Err: err}
}

// IsDecodeError checks if an error is a DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// ForwardError represents an error in the remote write delivery pipeline.
type ForwardError struct {
	Op         string // Operation being performed (e.g., "encode", "send")
	StatusCode int    // HTTP status from the remote endpoint (0 if none)
	Err        error  // Underlying error
}

func (e *ForwardError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("forward %s (status=%d): %v", e.Op, e.StatusCode, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("forward %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("forward %s failed", e.Op)
}

func (e *ForwardError) Unwrap() error {
	return e.Err
}

// NewForwardError creates a new forward error.
func NewForwardError(op string, statusCode int, err error) *ForwardError {
	return &ForwardError{Op: op, StatusCode: statusCode, Err: err}
}

// IsForwardError checks if an error is a ForwardError.
func IsForwardError(err error) bool {
	var fe *ForwardError
	return errors.As(err, &fe)
}

// StorageError represents an error during storage operations.
type StorageError struct {
	Op       string // Operation being performed (e.g., "write", "read", "query")
	DeviceID string // Device ID involved in the operation (if applicable)
	Err      error  // Underlying error
}

func (e *StorageError) Error() string {
	if e.DeviceID != "" {
		return fmt.Sprintf("storage %s (device=%s): %v", e.Op, e.DeviceID, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s failed", e.Op)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError creates a new storage error.
func NewStorageError(op string, deviceID string, err error) *StorageError {
	return &StorageError{Op: op, DeviceID: deviceID, Err: err}
}

// IsStorageError checks if an error is a StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// ConfigError represents a configuration error.
type ConfigError struct {
	Field string // Configuration field that caused the error
	Value string // Invalid value (optional, may be redacted for sensitive fields)
	Err   error  // Underlying error or description
}

func (e *ConfigError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("config error in field %q (value=%q): %v", e.Field, e.Value, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("config error in field %q: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("config error in field %q", e.Field)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// NewConfigError creates a new configuration error.
func NewConfigError(field string, value string, err error) *ConfigError {
	return &ConfigError{Field: field, Value: value, Err: err}
}

// IsConfigError checks if an error is a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// ValidationError represents a data validation error.
type ValidationError struct {
	Field   string // Field that failed validation
	Value   any    // Invalid value
	Reason  string // Why validation failed
	Details error  // Additional details (optional)
}

func (e *ValidationError) Error() string {
	if e.Details != nil {
		return fmt.Sprintf("validation error: field %q with value %v: %s (%v)", e.Field, e.Value, e.Reason, e.Details)
	}
	return fmt.Sprintf("validation error: field %q with value %v: %s", e.Field, e.Value, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Details
}

// NewValidationError creates a new validation error.
func NewValidationError(field string, value any, reason string) *ValidationError {
	return &ValidationError{Field: field, Value: value, Reason: reason}
}

// IsValidationError checks if an error is a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// NotificationError represents an error sending notifications.
type NotificationError struct {
	Type string // Notification type (e.g., "slack", "email")
	Err  error  // Underlying error
}

func (e *NotificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("notification %s: %v", e.Type, e.Err)
	}
	return fmt.Sprintf("notification %s failed", e.Type)
}

func (e *NotificationError) Unwrap() error {
	return e.Err
}

// NewNotificationError creates a new notification error.
func NewNotificationError(notifType string, err error) *NotificationError {
	return &NotificationError{Type: notifType, Err: err}
}

// IsNotificationError checks if an error is a NotificationError.
func IsNotificationError(err error) bool {
	var ne *NotificationError
	return errors.As(err, &ne)
}

// Sentinel errors for common conditions
var (
	// ErrMissingField indicates a required element field was absent
	ErrMissingField = errors.New("missing required field")

	// ErrInvalidHex indicates a value was not a parseable hex string
	ErrInvalidHex = errors.New("invalid hex value")

	// ErrZeroDivisor indicates a scaling divisor of zero
	ErrZeroDivisor = errors.New("zero divisor")

	// ErrQueueFull indicates the forwarding queue rejected a batch
	ErrQueueFull = errors.New("queue full")

	// ErrTimeout indicates an operation timed out
	ErrTimeout = errors.New("operation timeout")

	// ErrInvalidConfig indicates invalid configuration
	ErrInvalidConfig = errors.New("invalid configuration")
)
