package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/Spardaa/unilife-backend-sub000/internal/llm"
	"github.com/Spardaa/unilife-backend-sub000/internal/prompts"
	"github.com/Spardaa/unilife-backend-sub000/internal/transcript"
)

// DefaultFilterCutoff is the history length at or below which the
// context filter passes the history through untouched.
const DefaultFilterCutoff = 3

// summaryChars is how much of each turn the filter shows the model.
const summaryChars = 120

// FilterConfig configures the context-filtering pre-stage.
type FilterConfig struct {
	Enabled     bool
	Cutoff      int
	Model       string
	CallTimeout time.Duration
}

// ContextFilter decides how many recent turns a request needs.
type ContextFilter struct {
	llm    llm.Client
	cfg    FilterConfig
	logger *slog.Logger
}

// NewContextFilter creates a filter. A non-positive cutoff uses
// [DefaultFilterCutoff].
func NewContextFilter(client llm.Client, cfg FilterConfig, logger *slog.Logger) *ContextFilter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Cutoff <= 0 {
		cfg.Cutoff = DefaultFilterCutoff
	}
	return &ContextFilter{llm: client, cfg: cfg, logger: logger}
}

// setContextWindowTool is the only tool offered to the decision call.
var setContextWindowTool = map[string]any{
	"type": "function",
	"function": map[string]any{
		"name":        "set_context_window",
		"description": "Set how many of the most recent conversation turns to keep.",
		"parameters": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"keep_turns": map[string]any{
					"type":        "integer",
					"description": "Number of most recent turns to keep (at least 1)",
				},
			},
			"required": []string{"keep_turns"},
		},
	},
}

// Keep returns how many of the newest turns of history to keep and how
// the number was decided: "passthrough", "model", or "heuristic". A
// failed decision call falls back to [HeuristicKeep].
func (f *ContextFilter) Keep(ctx context.Context, history []transcript.Turn, message string) (int, string) {
	n := len(history)
	if n <= f.cfg.Cutoff {
		return n, "passthrough"
	}

	keep, err := f.decide(ctx, history, message)
	if err != nil {
		keep = HeuristicKeep(message, n)
		f.logger.Debug("context filter fell back to heuristic",
			"history_turns", n,
			"kept_turns", keep,
			"error", err,
		)
		return keep, "heuristic"
	}

	f.logger.Debug("context filter decided", "history_turns", n, "kept_turns", keep)
	return keep, "model"
}

func (f *ContextFilter) decide(ctx context.Context, history []transcript.Turn, message string) (int, error) {
	if f.llm == nil {
		return 0, fmt.Errorf("no model client")
	}
	if f.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.cfg.CallTimeout)
		defer cancel()
	}

	resp, err := f.llm.Chat(ctx, llm.ChatRequest{
		Model: f.cfg.Model,
		Messages: []llm.Message{{
			Role:    "user",
			Content: prompts.ContextFilterPrompt(SummarizeHistory(history), message),
		}},
		Tools: []map[string]any{setContextWindowTool},
		Mode:  llm.ToolModeRequired,
	})
	if err != nil {
		return 0, llm.Capability("context filter", err)
	}

	for _, call := range resp.Message.ToolCalls {
		if call.Function.Name != "set_context_window" {
			continue
		}
		keep, ok := toInt(call.Function.Arguments["keep_turns"])
		if !ok {
			return 0, fmt.Errorf("%w: keep_turns is not an integer", llm.ErrMalformedResponse)
		}
		return clamp(keep, 1, len(history)), nil
	}
	return 0, fmt.Errorf("%w: no set_context_window call", llm.ErrMalformedResponse)
}

// SummarizeHistory renders one "role: text" line per turn, each cut to
// its first 120 characters.
func SummarizeHistory(history []transcript.Turn) string {
	lines := make([]string, 0, len(history))
	for _, t := range history {
		text := strings.Join(strings.Fields(t.Content), " ")
		if text == "" && len(t.ToolCalls) > 0 {
			names := make([]string, len(t.ToolCalls))
			for i, c := range t.ToolCalls {
				names[i] = c.Name
			}
			text = "[called " + strings.Join(names, ", ") + "]"
		}
		lines = append(lines, fmt.Sprintf("%s: %s", t.Role, truncate(text, summaryChars)))
	}
	return strings.Join(lines, "\n")
}

// Heuristic window sizes.
const (
	keepReference       = 10
	keepAcknowledgement = 8
	keepSelfContained   = 2
	keepDefault         = 6

	selfContainedWords = 12
)

var referenceWords = map[string]bool{
	"it": true, "that": true, "this": true, "those": true, "these": true,
	"them": true, "previous": true, "earlier": true, "before": true,
	"again": true, "same": true, "above": true,
}

var referencePhrases = []string{"那个", "这个", "刚才", "之前", "上面", "上次", "它"}

var acknowledgements = map[string]bool{
	"ok": true, "okay": true, "yes": true, "yeah": true, "no": true,
	"sure": true, "thanks": true, "thank you": true, "got it": true,
	"好": true, "好的": true, "行": true, "可以": true, "嗯": true, "谢谢": true,
}

// HeuristicKeep picks a window size for message without a model call:
// reference words keep 10 turns, short acknowledgements keep 8, long
// self-contained requests keep 2, everything else keeps 6. The result is
// clamped to [1, n], or 0 when n is 0.
func HeuristicKeep(message string, n int) int {
	if n <= 0 {
		return 0
	}

	lower := strings.ToLower(strings.TrimSpace(message))
	words := strings.FieldsFunc(lower, func(r rune) bool {
		return unicode.IsSpace(r) || (unicode.IsPunct(r) && r != '\'')
	})

	hasReference := false
	for _, w := range words {
		if referenceWords[w] {
			hasReference = true
			break
		}
	}
	if !hasReference {
		for _, p := range referencePhrases {
			if strings.Contains(lower, p) {
				hasReference = true
				break
			}
		}
	}

	var keep int
	switch {
	case hasReference:
		keep = keepReference
	case len(words) <= 3 && acknowledgements[strings.Join(words, " ")]:
		keep = keepAcknowledgement
	case len(words) >= selfContainedWords:
		keep = keepSelfContained
	default:
		keep = keepDefault
	}
	return clamp(keep, 1, n)
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		if math.Trunc(n) != n {
			return 0, false
		}
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		return i, err == nil
	}
	return 0, false
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
