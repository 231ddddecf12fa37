package transcript

import (
	"context"
	"sync"
)

// MemoryStore is an in-process [Store]. It backs the one-shot CLI and
// tests; nothing survives a restart.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string][]Turn
}

// NewMemoryStore creates an empty in-memory transcript store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{conversations: make(map[string][]Turn)}
}

// AppendTurn adds a turn to a conversation.
func (s *MemoryStore) AppendTurn(_ context.Context, conversationID string, turn Turn) error {
	turn = normalize(conversationID, turn)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[conversationID] = append(s.conversations[conversationID], copyTurn(turn))
	return nil
}

// ReadRecent returns the newest limit turns, oldest first.
func (s *MemoryStore) ReadRecent(_ context.Context, conversationID string, limit int) ([]Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	turns := s.conversations[conversationID]
	start := 0
	if limit > 0 && len(turns) > limit {
		start = len(turns) - limit
	}

	out := make([]Turn, 0, len(turns)-start)
	for _, t := range turns[start:] {
		out = append(out, copyTurn(t))
	}
	return out, nil
}

// Len returns the number of turns stored for a conversation.
func (s *MemoryStore) Len(conversationID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conversations[conversationID])
}

// copyTurn detaches the tool-call slice so callers cannot mutate
// stored history.
func copyTurn(t Turn) Turn {
	if len(t.ToolCalls) > 0 {
		calls := make([]ToolCallRequest, len(t.ToolCalls))
		copy(calls, t.ToolCalls)
		t.ToolCalls = calls
	}
	return t
}
