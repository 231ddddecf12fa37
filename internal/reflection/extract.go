package reflection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Spardaa/unilife-backend-sub000/internal/llm"
	"github.com/Spardaa/unilife-backend-sub000/internal/prompts"
	"github.com/Spardaa/unilife-backend-sub000/internal/scheduler"
	"github.com/Spardaa/unilife-backend-sub000/internal/transcript"
	"github.com/Spardaa/unilife-backend-sub000/internal/usage"
)

// maxTranscriptChars bounds the conversation text sent for extraction.
const maxTranscriptChars = 4000

// ExtractionResult is the structured output of an extraction call.
type ExtractionResult struct {
	WorthPersisting bool     `json:"worth_persisting"`
	Signals         []Signal `json:"signals"`
}

// Signal is one preference the model believes the user expressed.
type Signal struct {
	Category   string  `json:"category"`
	Key        string  `json:"key"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// ExtractFunc analyzes a job's turns and returns the preference signals
// found in them.
type ExtractFunc func(ctx context.Context, job scheduler.Job) (*ExtractionResult, error)

// NewLLMExtract returns an [ExtractFunc] that asks the model for
// structured preference signals.
func NewLLMExtract(client llm.Client, model string, logger *slog.Logger) ExtractFunc {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "reflection")

	return func(ctx context.Context, job scheduler.Job) (*ExtractionResult, error) {
		prompt := prompts.PreferenceExtractionPrompt(RenderTranscript(job.Turns))

		ctx = usage.WithAttribution(ctx, usage.Attribution{
			Role:           usage.RoleReflection,
			ConversationID: job.ConversationID,
			UserID:         job.UserID,
		})
		start := time.Now()
		resp, err := client.Chat(ctx, llm.ChatRequest{
			Model:    model,
			Messages: []llm.Message{{Role: "user", Content: prompt}},
			Mode:     llm.ToolModeNone,
		})
		if err != nil {
			return nil, llm.Capability("preference extraction", err)
		}
		if resp == nil {
			return nil, llm.Capability("preference extraction", llm.ErrMalformedResponse)
		}
		logger.Debug("extraction call complete",
			"job", job.ID,
			"model", model,
			"elapsed", time.Since(start),
			"response_len", len(resp.Message.Content),
		)

		result, err := ParseExtraction(resp.Message.Content)
		if err != nil {
			logger.Debug("extraction JSON parse failed",
				"job", job.ID,
				"raw_response", preview(resp.Message.Content, 500),
			)
			return nil, err
		}
		return result, nil
	}
}

// ParseExtraction decodes an extraction response, tolerating a
// surrounding markdown code fence.
func ParseExtraction(content string) (*ExtractionResult, error) {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```")
		if nl := strings.IndexByte(content, '\n'); nl != -1 {
			content = content[nl+1:]
		}
		content = strings.TrimSuffix(strings.TrimSpace(content), "```")
		content = strings.TrimSpace(content)
	}

	var result ExtractionResult
	if err := json.Unmarshal([]byte(content), &result); err != nil {
		return nil, fmt.Errorf("parse extraction result: %w", err)
	}
	return &result, nil
}

// RenderTranscript formats the conversational turns as "[role] text"
// lines, keeping the most recent turns that fit in 4000 characters.
// A newest turn too long to fit on its own is cut to the budget. Tool
// turns and tool-only assistant turns are skipped.
func RenderTranscript(turns []transcript.Turn) string {
	budget := maxTranscriptChars
	var lines []string
	for i := len(turns) - 1; i >= 0; i-- {
		t := turns[i]
		if !conversational(t) {
			continue
		}
		line := fmt.Sprintf("[%s] %s", t.Role, strings.TrimSpace(t.Content))
		n := utf8.RuneCountInString(line) + 1
		if n > budget {
			if len(lines) == 0 {
				lines = append(lines, preview(line, budget-1)+"\n")
			}
			break
		}
		budget -= n
		lines = append(lines, line+"\n")
	}
	slices.Reverse(lines)
	return strings.Join(lines, "")
}

func conversational(t transcript.Turn) bool {
	return (t.Role == transcript.RoleUser || t.Role == transcript.RoleAssistant) &&
		strings.TrimSpace(t.Content) != ""
}

// preview returns at most the first n runes of s.
func preview(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
