// Package transcript provides the append-only conversation log the
// assistant reads history from and writes new turns to.
package transcript

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// ToolCallRequest is a structured request from the LM to invoke a
// named operation.
type ToolCallRequest struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Turn is one entry in a conversation transcript.
//
// Content may be empty for assistant turns that only request tools.
// ToolCalls is only set on assistant turns; ToolCallID is only set on
// tool-result turns and names the request it answers.
type Turn struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversation_id"`
	Role           Role              `json:"role"`
	Content        string            `json:"content,omitempty"`
	ToolCalls      []ToolCallRequest `json:"tool_calls,omitempty"`
	ToolCallID     string            `json:"tool_call_id,omitempty"`
	Timestamp      time.Time         `json:"timestamp"`
}

// RequestsTools reports whether the turn is an assistant turn carrying
// tool-call requests.
func (t Turn) RequestsTools() bool {
	return t.Role == RoleAssistant && len(t.ToolCalls) > 0
}

// Store is the transcript persistence contract.
type Store interface {
	// AppendTurn adds a turn to the end of a conversation. Empty IDs
	// and zero timestamps are filled in.
	AppendTurn(ctx context.Context, conversationID string, turn Turn) error

	// ReadRecent returns the newest limit turns of a conversation,
	// ordered oldest to newest. A limit <= 0 returns the whole
	// conversation. Unknown conversations return an empty slice.
	ReadRecent(ctx context.Context, conversationID string, limit int) ([]Turn, error)
}

// NewID generates a new UUIDv7.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// Fallback to v4 if v7 fails
		return uuid.New().String()
	}
	return id.String()
}

// normalize fills the identity fields AppendTurn promises to set.
func normalize(conversationID string, turn Turn) Turn {
	turn.ConversationID = conversationID
	if turn.ID == "" {
		turn.ID = NewID()
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now()
	}
	return turn
}
