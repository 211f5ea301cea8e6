package model

import (
	"errors"
	"fmt"
)

// ErrNotFound is the sentinel matched by NotFoundError via errors.Is.
var ErrNotFound = errors.New("not found")

// ConfigurationError reports a query or configuration that can never succeed:
// unindexed paths, unsupported operators, malformed references.
type ConfigurationError struct {
	Field   string
	Message string
}

func (e ConfigurationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("configuration error: %s", e.Message)
	}
	return fmt.Sprintf("configuration error on %s: %s", e.Field, e.Message)
}

// NewConfigurationError constructs ConfigurationError
func NewConfigurationError(field, message string) ConfigurationError {
	return ConfigurationError{Field: field, Message: message}
}

// IsConfigurationError checks if an error is a configuration error (including wrapped errors)
func IsConfigurationError(err error) bool {
	var ce ConfigurationError
	return errors.As(err, &ce)
}

// BadLinkError is returned when a paging token cannot be decoded or resolved.
type BadLinkError struct {
	Message string
}

func (e BadLinkError) Error() string {
	return fmt.Sprintf("bad link: %s", e.Message)
}

// NewBadLinkError constructs BadLinkError
func NewBadLinkError(message string) BadLinkError {
	return BadLinkError{Message: message}
}

// IsBadLinkError checks if err is a BadLinkError
func IsBadLinkError(err error) bool {
	var be BadLinkError
	return errors.As(err, &be)
}

// NotFoundError represents an unknown resource type or a missing record.
type NotFoundError struct {
	Field   string
	Message string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("not found %s: %s", e.Field, e.Message)
}

func (e NotFoundError) Is(target error) bool { return target == ErrNotFound }

// NewNotFoundError constructs NotFoundError
func NewNotFoundError(field, message string) NotFoundError {
	return NotFoundError{Field: field, Message: message}
}

// IsNotFoundError checks if error is NotFoundError
func IsNotFoundError(err error) bool {
	var ne NotFoundError
	return errors.As(err, &ne)
}

// TooManyElementsToDeleteError aborts a retention pass that would remove
// more than the allowed share of a collection.
type TooManyElementsToDeleteError struct {
	Collection string
	Stale      int64
	Total      int64
	MaxRatio   float64
}

func (e TooManyElementsToDeleteError) Error() string {
	return fmt.Sprintf("refusing to delete %d of %d elements from %s (max ratio %.2f)",
		e.Stale, e.Total, e.Collection, e.MaxRatio)
}

// IsTooManyElementsToDeleteError checks if err is a TooManyElementsToDeleteError
func IsTooManyElementsToDeleteError(err error) bool {
	var te TooManyElementsToDeleteError
	return errors.As(err, &te)
}

// AlreadyRunningError is returned when a single-flight job is triggered twice.
type AlreadyRunningError struct {
	Job string
}

func (e AlreadyRunningError) Error() string {
	return fmt.Sprintf("%s is already running", e.Job)
}

// IsAlreadyRunningError checks if err is an AlreadyRunningError
func IsAlreadyRunningError(err error) bool {
	var ae AlreadyRunningError
	return errors.As(err, &ae)
}

// SerializationError reports an expression payload that cannot be decoded.
type SerializationError struct {
	Message string
}

func (e SerializationError) Error() string {
	return fmt.Sprintf("serialization error: %s", e.Message)
}

// NewSerializationError constructs SerializationError
func NewSerializationError(format string, args ...any) SerializationError {
	return SerializationError{Message: fmt.Sprintf(format, args...)}
}

// IsSerializationError checks if err is a SerializationError
func IsSerializationError(err error) bool {
	var se SerializationError
	return errors.As(err, &se)
}
