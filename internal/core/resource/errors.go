package resource

import (
	"errors"
	"fmt"
)

// =============================================================================
// Errors
// =============================================================================

var (
	ErrUnknownKind     = errors.New("unknown resource kind")
	ErrIDRequired      = errors.New("resource id is required")
	ErrInvalidID       = errors.New("resource id is invalid")
	ErrInvalidConfig   = errors.New("resource config is invalid")
	ErrSelfDependency  = errors.New("resource cannot depend on itself")
	ErrKindMismatch    = errors.New("referenced resource has the wrong kind")
	ErrMissingProperty = errors.New("required config property is missing")
)

// ConfigError describes an invalid configuration property of a descriptor.
type ConfigError struct {
	ID       string // Descriptor ID
	Property string // Config key, empty when the whole config is invalid
	Message  string
	Err      error
}

func (e *ConfigError) Error() string {
	if e.Property != "" {
		return fmt.Sprintf("resource %s: %s: %s", e.ID, e.Property, e.Message)
	}
	return fmt.Sprintf("resource %s: %s", e.ID, e.Message)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// NewConfigError creates a new ConfigError.
func NewConfigError(id, property, message string, err error) *ConfigError {
	return &ConfigError{
		ID:       id,
		Property: property,
		Message:  message,
		Err:      err,
	}
}
