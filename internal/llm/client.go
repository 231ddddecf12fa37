package llm

import (
	"context"
	"errors"
	"fmt"
)

// Client is the interface that all LLM providers must implement.
type Client interface {
	// Chat submits a message list and tool schema and returns either
	// text or tool-call requests. Any error is a capability failure.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}

// CapabilityError reports that the model call itself failed: timeout,
// transport error, or a malformed response. It is never recoverable
// within a tool-call loop.
type CapabilityError struct {
	Op  string // what the caller was doing, e.g. "chat", "classify intent"
	Err error
}

// Error implements the error interface.
func (e *CapabilityError) Error() string {
	return fmt.Sprintf("llm %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying failure.
func (e *CapabilityError) Unwrap() error { return e.Err }

// Timeout reports whether the call failed because its deadline passed.
func (e *CapabilityError) Timeout() bool {
	return errors.Is(e.Err, context.DeadlineExceeded)
}

// ErrMalformedResponse is wrapped when a provider returns a response
// that cannot be interpreted.
var ErrMalformedResponse = errors.New("malformed response")

// Capability wraps err as a [CapabilityError] unless it already is one.
// A nil err returns nil.
func Capability(op string, err error) error {
	if err == nil {
		return nil
	}
	var ce *CapabilityError
	if errors.As(err, &ce) {
		return err
	}
	return &CapabilityError{Op: op, Err: err}
}

// IsCapabilityError reports whether err is (or wraps) a [CapabilityError].
func IsCapabilityError(err error) bool {
	var ce *CapabilityError
	return errors.As(err, &ce)
}
