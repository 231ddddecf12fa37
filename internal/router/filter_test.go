package router

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/Spardaa/unilife-backend-sub000/internal/llm"
	"github.com/Spardaa/unilife-backend-sub000/internal/transcript"
)

func historyOf(n int) []transcript.Turn {
	h := make([]transcript.Turn, n)
	for i := range h {
		h[i] = transcript.Turn{Role: transcript.RoleUser, Content: "message"}
	}
	return h
}

func keepStep(v any) step {
	return step{resp: &llm.ChatResponse{Message: llm.Message{ToolCalls: []llm.ToolCall{{
		ID:       "f",
		Function: llm.FunctionCall{Name: "set_context_window", Arguments: map[string]any{"keep_turns": v}},
	}}}}}
}

func TestContextFilter_Keep(t *testing.T) {
	tests := []struct {
		name       string
		history    int
		steps      []step
		message    string
		want       int
		wantSource string
		wantCalls  int
	}{
		{name: "short transcript passes through", history: 3, want: 3, wantSource: "passthrough"},
		{name: "empty transcript passes through", history: 0, want: 0, wantSource: "passthrough"},
		{name: "model decides", history: 12, steps: []step{keepStep(float64(5))}, want: 5, wantSource: "model", wantCalls: 1},
		{name: "model value clamped high", history: 8, steps: []step{keepStep(float64(50))}, want: 8, wantSource: "model", wantCalls: 1},
		{name: "model value clamped low", history: 8, steps: []step{keepStep(float64(0))}, want: 1, wantSource: "model", wantCalls: 1},
		{name: "string number accepted", history: 8, steps: []step{keepStep("3")}, want: 3, wantSource: "model", wantCalls: 1},
		{
			name: "call failure falls back", history: 20, message: "move that one to friday",
			steps: []step{{err: errors.New("timeout")}},
			want:  keepReference, wantSource: "heuristic", wantCalls: 1,
		},
		{
			name: "no tool call falls back", history: 20, message: "thanks",
			steps: []step{text("keep 4")},
			want:  keepAcknowledgement, wantSource: "heuristic", wantCalls: 1,
		},
		{
			name: "fractional falls back", history: 20, message: "hmm",
			steps: []step{keepStep(2.5)},
			want:  keepDefault, wantSource: "heuristic", wantCalls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &scriptedLLM{steps: tt.steps}
			f := NewContextFilter(mock, FilterConfig{Enabled: true}, nil)

			got, source := f.Keep(context.Background(), historyOf(tt.history), tt.message)
			if got != tt.want || source != tt.wantSource {
				t.Errorf("Keep() = (%d, %q), want (%d, %q)", got, source, tt.want, tt.wantSource)
			}
			if len(mock.calls) != tt.wantCalls {
				t.Errorf("model calls = %d, want %d", len(mock.calls), tt.wantCalls)
			}
			for _, c := range mock.calls {
				if c.Mode != llm.ToolModeRequired || len(c.Tools) != 1 {
					t.Errorf("decision call mode=%q tools=%d, want required with one tool", c.Mode, len(c.Tools))
				}
			}
		})
	}
}

func TestHeuristicKeep(t *testing.T) {
	tests := []struct {
		name    string
		message string
		n       int
		want    int
	}{
		{name: "reference word", message: "Can you move it to 3pm?", n: 20, want: 10},
		{name: "reference phrase", message: "把那个会议取消", n: 20, want: 10},
		{name: "acknowledgement", message: "Okay!", n: 20, want: 8},
		{name: "two word acknowledgement", message: "thank you", n: 20, want: 8},
		{name: "chinese acknowledgement", message: "好的", n: 20, want: 8},
		{name: "long self-contained", message: "Please schedule a ninety minute deep work block every weekday morning starting next Monday", n: 20, want: 2},
		{name: "long with reference keeps more", message: "Please schedule that same deep work block every weekday morning starting next Monday too", n: 20, want: 10},
		{name: "default", message: "Schedule a dentist visit", n: 20, want: 6},
		{name: "clamped to history", message: "move it", n: 4, want: 4},
		{name: "no history", message: "anything", n: 0, want: 0},
		{name: "substring is not a word", message: "edit my profile", n: 20, want: 6},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HeuristicKeep(tt.message, tt.n); got != tt.want {
				t.Errorf("HeuristicKeep(%q, %d) = %d, want %d", tt.message, tt.n, got, tt.want)
			}
		})
	}
}

func TestSummarizeHistory(t *testing.T) {
	long := strings.Repeat("x", 200)
	got := SummarizeHistory([]transcript.Turn{
		{Role: transcript.RoleUser, Content: "plan\n  my week"},
		{Role: transcript.RoleAssistant, ToolCalls: []transcript.ToolCallRequest{{Name: "list_events"}, {Name: "weekly_stats"}}},
		{Role: transcript.RoleAssistant, Content: long},
	})

	lines := strings.Split(got, "\n")
	if len(lines) != 3 {
		t.Fatalf("SummarizeHistory() has %d lines, want 3", len(lines))
	}
	if lines[0] != "user: plan my week" {
		t.Errorf("line 0 = %q", lines[0])
	}
	if lines[1] != "assistant: [called list_events, weekly_stats]" {
		t.Errorf("line 1 = %q", lines[1])
	}
	if want := "assistant: " + strings.Repeat("x", 120); lines[2] != want {
		t.Errorf("line 2 length = %d, want %d", len(lines[2]), len(want))
	}
}
