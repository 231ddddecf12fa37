package tools

import (
	"errors"
	"fmt"
)

// ErrToolUnavailable is returned when a tool call targets a tool that
// is not present in the effective registry (filtered out of a subset,
// or nonexistent). The loop feeds it back to the model as a failed
// result like any other tool failure.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available in this context", e.ToolName)
}

// ErrInvalidArguments is wrapped by [ExecutionError] when arguments fail
// schema validation.
var ErrInvalidArguments = errors.New("invalid arguments")

// ExecutionError reports that a tool was found but failed, either in
// argument validation or inside its handler.
type ExecutionError struct {
	ToolName string
	Err      error
}

// Error implements the error interface.
func (e *ExecutionError) Error() string {
	return fmt.Sprintf("tool %q failed: %v", e.ToolName, e.Err)
}

// Unwrap returns the underlying failure.
func (e *ExecutionError) Unwrap() error { return e.Err }
