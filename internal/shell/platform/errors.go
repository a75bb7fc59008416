package platform

import (
	"errors"
	"fmt"

	"github.com/artpar/stackpipe/internal/core/resource"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	ErrUnsupportedKind = errors.New("resource kind not supported by platform")
	ErrNotProvisioned  = errors.New("resource has not been provisioned")
	ErrServiceNotFound = errors.New("service not found")
	ErrRolloutFailed   = errors.New("service rollout failed")
	ErrRolloutTimeout  = errors.New("service rollout timed out")
	ErrUnknownOutput   = errors.New("resource has no such output")
)

// PlatformError wraps platform failures with the object they concern.
type PlatformError struct {
	Op      string
	Kind    resource.Kind
	ID      string
	Message string
	Err     error
}

func (e *PlatformError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s %s %s: %s", e.Op, e.Kind, e.ID, e.Message)
	}
	if e.Kind != "" {
		return fmt.Sprintf("%s %s: %s", e.Op, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *PlatformError) Unwrap() error {
	return e.Err
}

// NewPlatformError creates a new PlatformError.
func NewPlatformError(op string, kind resource.Kind, id, message string, err error) *PlatformError {
	return &PlatformError{
		Op:      op,
		Kind:    kind,
		ID:      id,
		Message: message,
		Err:     err,
	}
}
