package router

import (
	"context"
	"strings"

	"github.com/Spardaa/unilife-backend-sub000/internal/llm"
	"github.com/Spardaa/unilife-backend-sub000/internal/prompts"
)

// Intent labels a user turn for the multi-stage pipeline.
type Intent string

const (
	IntentChat   Intent = "chat"   // No execution stage
	IntentQuery  Intent = "query"  // Read-only execution
	IntentAction Intent = "action" // Execution that may change things
)

// classify asks the model for the turn's intent. Only a failed call is
// an error; an unreadable label defaults to [IntentAction].
func (r *Router) classify(ctx context.Context, msgs []llm.Message) (Intent, error) {
	resp, err := r.chat(ctx, "classify intent", llm.ChatRequest{
		Messages: withSystem(prompts.IntentClassificationPrompt, msgs),
		Mode:     llm.ToolModeNone,
	})
	if err != nil {
		return "", err
	}

	intent, ok := ParseIntent(resp.Message.Content)
	if !ok {
		r.logger.Warn("unreadable intent label, defaulting to action",
			"content", truncate(resp.Message.Content, 80))
	}
	return intent, nil
}

// ParseIntent extracts an intent label from model output. It accepts
// the bare label, surrounding punctuation or quotes, and a leading
// "intent:" prefix. Anything else yields ([IntentAction], false).
func ParseIntent(content string) (Intent, bool) {
	s := strings.ToLower(strings.TrimSpace(content))
	s = strings.TrimPrefix(s, "intent:")
	s = strings.Trim(s, " \t\n\"'`.*")

	// Only the first word counts: "query - the user asks..." is fine.
	if fields := strings.Fields(s); len(fields) > 0 {
		s = strings.Trim(fields[0], "\"'`.,:;*")
	}

	switch Intent(s) {
	case IntentChat, IntentQuery, IntentAction:
		return Intent(s), true
	}
	return IntentAction, false
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
