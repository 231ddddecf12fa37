package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Spardaa/unilife-backend-sub000/internal/config"
	"github.com/Spardaa/unilife-backend-sub000/internal/httpkit"
)

// OllamaClient is a client for the Ollama chat API.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllamaClient creates a new Ollama client. Deadlines come from the
// request context; the HTTP client itself carries no overall timeout.
func NewOllamaClient(baseURL string, logger *slog.Logger) *OllamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OllamaClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: httpkit.NewClient(
			httpkit.WithRetry(2, 500*time.Millisecond),
			httpkit.WithLogger(logger),
		),
		logger: logger,
	}
}

type ollamaRequest struct {
	Model    string           `json:"model"`
	Messages []Message        `json:"messages"`
	Stream   bool             `json:"stream"`
	Tools    []map[string]any `json:"tools,omitempty"`
}

type ollamaResponse struct {
	Model   string  `json:"model"`
	Message Message `json:"message"`
	Done    bool    `json:"done"`

	TotalDuration   int64 `json:"total_duration,omitempty"`
	PromptEvalCount int   `json:"prompt_eval_count,omitempty"`
	EvalCount       int   `json:"eval_count,omitempty"`
}

// Chat sends a non-streaming chat request to Ollama. Ollama has no
// native tool_choice, so [ToolModeNone] omits the tools and
// [ToolModeRequired] is enforced on the response.
func (c *OllamaClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	wire := ollamaRequest{
		Model:    req.Model,
		Messages: req.Messages,
	}
	if req.Mode != ToolModeNone {
		wire.Tools = req.Tools
	}

	jsonData, err := json.Marshal(wire)
	if err != nil {
		return nil, Capability("chat", fmt.Errorf("marshal request: %w", err))
	}
	c.logger.Log(ctx, config.LevelTrace, "ollama request", "model", req.Model, "body", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return nil, Capability("chat", fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, Capability("chat", fmt.Errorf("request failed: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 4096)
		return nil, Capability("chat", fmt.Errorf("API error %d: %s", resp.StatusCode, body))
	}
	defer resp.Body.Close()

	var wireResp ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&wireResp); err != nil {
		return nil, Capability("chat", fmt.Errorf("%w: decode: %v", ErrMalformedResponse, err))
	}

	msg := wireResp.Message
	if len(msg.ToolCalls) == 0 && msg.Content != "" && req.Mode != ToolModeNone {
		if parsed := parseTextToolCalls(msg.Content); len(parsed) > 0 {
			msg.ToolCalls = parsed
			msg.Content = ""
		}
	}
	for i := range msg.ToolCalls {
		if msg.ToolCalls[i].ID == "" {
			msg.ToolCalls[i].ID = "call_" + uuid.NewString()
		}
	}
	if req.Mode == ToolModeRequired && len(msg.ToolCalls) == 0 {
		return nil, Capability("chat", fmt.Errorf("%w: tool call required but none returned", ErrMalformedResponse))
	}
	msg.Role = "assistant"

	return &ChatResponse{
		Model:         wireResp.Model,
		Message:       msg,
		InputTokens:   wireResp.PromptEvalCount,
		OutputTokens:  wireResp.EvalCount,
		TotalDuration: time.Duration(wireResp.TotalDuration),
	}, nil
}

// parseTextToolCalls extracts tool calls some models emit as JSON in
// the content instead of the native tool_calls field:
//   - {"name": "...", "arguments": {...}}
//   - [{"name": "...", "arguments": {...}}]
//   - either of the above inside <tool_call>...</tool_call>
func parseTextToolCalls(content string) []ToolCall {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	if start := strings.Index(content, "<tool_call>"); start != -1 {
		rest := content[start+len("<tool_call>"):]
		if end := strings.Index(rest, "</tool_call>"); end != -1 {
			rest = rest[:end]
		}
		content = strings.TrimSpace(rest)
	}

	type textCall struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}

	var calls []textCall
	if err := json.Unmarshal([]byte(content), &calls); err != nil || len(calls) == 0 {
		var single textCall
		if err := json.Unmarshal([]byte(content), &single); err != nil || single.Name == "" {
			return nil
		}
		calls = []textCall{single}
	}

	result := make([]ToolCall, 0, len(calls))
	for _, c := range calls {
		if c.Name == "" {
			continue
		}
		result = append(result, ToolCall{Function: FunctionCall{Name: c.Name, Arguments: c.Arguments}})
	}
	return result
}

// Ping checks if Ollama is reachable.
func (c *OllamaClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error %d", resp.StatusCode)
	}
	return nil
}
