// Package errdefs defines the error taxonomy shared by the orchestration core.
//
// Every error that crosses a component boundary is one of the typed errors
// below (or wraps one), so callers can classify it with errors.As or the
// helpers at the bottom of this file.
//
// Invariants:
//   - AbortedError is never a failure: IsAborted reports true for it and for
//     context.Canceled, and callers resolve the entity to "aborted".
//   - Nothing in the core retries on its own; IsRetryable is only a hint for
//     the caller that decides whether to issue a new request.
package errdefs

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an entity id is unknown.
	ErrNotFound = errors.New("not found")

	// ErrInvalidArgument is returned for malformed requests.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInvalidTransition is returned when a status change would move an
	// entity backwards in its state machine.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// ProviderError is an upstream model failure (network, auth, quota).
type ProviderError struct {
	Provider   string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider %s: status %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// DuplicateStreamError is returned by the stream registry when a stream id is
// already open.
type DuplicateStreamError struct {
	StreamID string
}

func (e *DuplicateStreamError) Error() string {
	return fmt.Sprintf("stream %q is already open", e.StreamID)
}

// ToolCallAlreadyFinalizedError is returned when a transition is attempted on
// a tool call that already reached a terminal status.
type ToolCallAlreadyFinalizedError struct {
	ToolCallID string
	Status     string
}

func (e *ToolCallAlreadyFinalizedError) Error() string {
	return fmt.Sprintf("tool call %s is already finalized (%s)", e.ToolCallID, e.Status)
}

// ToolExecutionError wraps a failure reported by the tool router or the tool
// service behind it.
type ToolExecutionError struct {
	Server string
	Tool   string
	Err    error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %s/%s: %v", e.Server, e.Tool, e.Err)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }

// ResourceLimitExceeded is a governor rejection. Limit carries the name of
// the violated ceiling, e.g. "maxParallelAgents".
type ResourceLimitExceeded struct {
	Limit   string
	Current int
	Max     int
}

func (e *ResourceLimitExceeded) Error() string {
	return fmt.Sprintf("resource limit exceeded: %s (%d/%d)", e.Limit, e.Current, e.Max)
}

// AbortedError reports a user- or system-initiated cancellation.
type AbortedError struct {
	Reason string
}

func (e *AbortedError) Error() string {
	if e.Reason == "" {
		return "aborted"
	}
	return "aborted: " + e.Reason
}

// Is lets errors.Is(err, context.Canceled) match aborts.
func (e *AbortedError) Is(target error) bool {
	return target == context.Canceled
}

// Aborted builds an AbortedError.
func Aborted(reason string) error {
	return &AbortedError{Reason: reason}
}

// IsAborted reports whether err is a cancellation rather than a failure.
func IsAborted(err error) bool {
	if err == nil {
		return false
	}
	var aborted *AbortedError
	if errors.As(err, &aborted) {
		return true
	}
	return errors.Is(err, context.Canceled)
}

// IsRetryable reports whether err carries a retry hint from the provider.
func IsRetryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// Kind returns a stable, machine-readable name for err used by transports.
func Kind(err error) string {
	var (
		provider  *ProviderError
		duplicate *DuplicateStreamError
		finalized *ToolCallAlreadyFinalizedError
		execution *ToolExecutionError
		limit     *ResourceLimitExceeded
	)
	switch {
	case err == nil:
		return ""
	case IsAborted(err):
		return "aborted"
	case errors.As(err, &provider):
		return "provider_error"
	case errors.As(err, &duplicate):
		return "duplicate_stream"
	case errors.As(err, &finalized):
		return "tool_call_already_finalized"
	case errors.As(err, &execution):
		return "tool_execution_error"
	case errors.As(err, &limit):
		return "resource_limit_exceeded"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	default:
		return "internal"
	}
}
