package engine

import (
	"errors"
	"fmt"

	"github.com/haasonsaas/runloop/pkg/models"
)

// Sentinel errors returned before a run is admitted. Failures after
// admission surface inside the run outcome instead.
var (
	// ErrAgentNotFound indicates the requested agent is not registered.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrNilRequest indicates Run was called without a request.
	ErrNilRequest = errors.New("run request is nil")

	// ErrAgentNameRequired indicates the request named no agent.
	ErrAgentNameRequired = errors.New("agent name is required")
)

// errInputRequired rejects sub-agent invocations with no usable input.
var errInputRequired = errors.New("input is required")

// RunError wraps a failure that terminated a run, carrying the error kind
// surfaced in the outcome.
type RunError struct {
	Kind    models.ErrorKind
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *RunError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("run error (%s): %s", e.Kind, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("run error (%s): %v", e.Kind, e.Cause)
	}
	return fmt.Sprintf("run error (%s)", e.Kind)
}

// Unwrap returns the underlying error.
func (e *RunError) Unwrap() error {
	return e.Cause
}

func runErrorf(kind models.ErrorKind, format string, args ...any) *RunError {
	return &RunError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func wrapRunError(kind models.ErrorKind, cause error) *RunError {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return &RunError{Kind: kind, Message: msg, Cause: cause}
}
