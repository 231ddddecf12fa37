// Package llm provides the language model capability used by the
// assistant and an Ollama implementation of it.
package llm

import "time"

// ToolMode tells the model whether it may, must not, or must call tools.
type ToolMode string

const (
	// ToolModeAuto lets the model choose between text and tool calls.
	ToolModeAuto ToolMode = "auto"
	// ToolModeNone forbids tool calls; the response is text only.
	ToolModeNone ToolMode = "none"
	// ToolModeRequired demands at least one tool call. Used for
	// structured-output decisions.
	ToolModeRequired ToolMode = "required"
)

// Message represents a chat message for the LLM.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // For tool responses
}

// FunctionCall names the operation and carries its decoded arguments.
type FunctionCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolCall represents a tool call from the model.
type ToolCall struct {
	ID       string       `json:"id,omitempty"`
	Function FunctionCall `json:"function"`
}

// ChatRequest is one submission to the model.
type ChatRequest struct {
	Model    string
	Messages []Message
	Tools    []map[string]any
	Mode     ToolMode
}

// ChatResponse is the unified response from any LLM provider.
type ChatResponse struct {
	Model   string
	Message Message

	// Token usage (provider-neutral)
	InputTokens  int
	OutputTokens int

	TotalDuration time.Duration
}

// HasToolCalls reports whether the response requests any tool calls.
func (r *ChatResponse) HasToolCalls() bool {
	return r != nil && len(r.Message.ToolCalls) > 0
}
