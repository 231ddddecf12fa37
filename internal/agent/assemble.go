package agent

import (
	"slices"
	"time"

	"github.com/Spardaa/unilife-backend-sub000/internal/llm"
	"github.com/Spardaa/unilife-backend-sub000/internal/transcript"
)

// Assemble builds the model's message list from stored history and a
// new user message. At most window stored turns are used (window <= 0
// uses all), oldest first, followed by the new user turn.
//
// A tool-result turn is kept only when it directly follows the assistant
// turn that requested it, possibly behind sibling results of the same
// turn. Orphaned results are dropped, and requests left without a result
// are pruned from their assistant turn; an assistant turn with nothing
// left is dropped. Stored system turns are skipped.
func Assemble(history []transcript.Turn, window int, userMessage string) []llm.Message {
	if window > 0 && len(history) > window {
		history = history[len(history)-window:]
	}

	msgs := make([]llm.Message, 0, len(history)+1)
	for i := 0; i < len(history); i++ {
		t := history[i]
		switch t.Role {
		case transcript.RoleUser:
			msgs = append(msgs, llm.Message{Role: string(t.Role), Content: t.Content})

		case transcript.RoleAssistant:
			if !t.RequestsTools() {
				msgs = append(msgs, llm.Message{Role: string(t.Role), Content: t.Content})
				continue
			}

			// Collect the results that follow this turn.
			var results []transcript.Turn
			answered := make(map[string]bool)
			j := i + 1
			for ; j < len(history) && history[j].Role == transcript.RoleTool; j++ {
				r := history[j]
				if requested(t, r.ToolCallID) && !answered[r.ToolCallID] {
					answered[r.ToolCallID] = true
					results = append(results, r)
				}
			}
			i = j - 1

			var calls []llm.ToolCall
			for _, req := range t.ToolCalls {
				if answered[req.ID] {
					calls = append(calls, toLLMToolCall(req))
				}
			}
			if len(calls) == 0 {
				if t.Content != "" {
					msgs = append(msgs, llm.Message{Role: string(t.Role), Content: t.Content})
				}
				continue
			}

			msgs = append(msgs, llm.Message{Role: string(t.Role), Content: t.Content, ToolCalls: calls})
			for _, r := range results {
				msgs = append(msgs, llm.Message{Role: string(transcript.RoleTool), Content: r.Content, ToolCallID: r.ToolCallID})
			}

		default:
			// Orphaned tool results and stored system turns.
		}
	}

	return append(msgs, llm.Message{Role: string(transcript.RoleUser), Content: userMessage})
}

func requested(t transcript.Turn, id string) bool {
	if id == "" {
		return false
	}
	return slices.ContainsFunc(t.ToolCalls, func(r transcript.ToolCallRequest) bool { return r.ID == id })
}

func toLLMToolCall(r transcript.ToolCallRequest) llm.ToolCall {
	return llm.ToolCall{ID: r.ID, Function: llm.FunctionCall{Name: r.Name, Arguments: r.Arguments}}
}

func toRequest(c llm.ToolCall) transcript.ToolCallRequest {
	return transcript.ToolCallRequest{ID: c.ID, Name: c.Function.Name, Arguments: c.Function.Arguments}
}

// toTurn converts a generated message into a turn for persistence.
func toTurn(m llm.Message, ts time.Time) transcript.Turn {
	turn := transcript.Turn{
		Role:       transcript.Role(m.Role),
		Content:    m.Content,
		ToolCallID: m.ToolCallID,
		Timestamp:  ts,
	}
	for _, c := range m.ToolCalls {
		turn.ToolCalls = append(turn.ToolCalls, toRequest(c))
	}
	return turn
}
