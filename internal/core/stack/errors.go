package stack

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyInput         = errors.New("stack file is empty")
	ErrUnsupportedFormat  = errors.New("unsupported stack file format")
	ErrSchemaViolation    = errors.New("stack does not match schema")
	ErrDuplicatePipeline  = errors.New("duplicate pipeline id")
	ErrUnknownReference   = errors.New("unknown resource reference")
	ErrContainerMismatch  = errors.New("pipeline container name does not match task definition")
	ErrDuplicateOutput    = errors.New("duplicate output name")
	ErrNoComposeServices  = errors.New("compose project must define at least one service")
	ErrUnsupportedCompose = errors.New("unsupported compose feature")
)

// ParseError wraps errors with context about where parsing failed.
type ParseError struct {
	File    string
	Field   string // e.g. "pipelines[0].deploy.service"
	Message string
	Err     error
}

func (e *ParseError) Error() string {
	prefix := e.File
	if e.Field != "" {
		if prefix != "" {
			prefix += ": "
		}
		prefix += e.Field
	}
	if prefix != "" {
		return fmt.Sprintf("%s: %s", prefix, e.Message)
	}
	return e.Message
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// NewParseError creates a new ParseError.
func NewParseError(file, field, message string, err error) *ParseError {
	return &ParseError{
		File:    file,
		Field:   field,
		Message: message,
		Err:     err,
	}
}
