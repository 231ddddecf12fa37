// Package router runs one conversational turn through the configured
// pipeline shape: a single tool-call loop, or intent routing followed by
// execution and response shaping.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Spardaa/unilife-backend-sub000/internal/agent"
	"github.com/Spardaa/unilife-backend-sub000/internal/llm"
	"github.com/Spardaa/unilife-backend-sub000/internal/tools"
	"github.com/Spardaa/unilife-backend-sub000/internal/transcript"
)

// Mode is the pipeline shape. It is fixed per process.
type Mode string

const (
	ModeSinglePass Mode = "single_pass"
	ModeMultiStage Mode = "multi_stage"
)

// Config holds router configuration.
type Config struct {
	Mode Mode

	// HistoryWindow is the maximum number of stored turns assembled
	// into the model's context.
	HistoryWindow int

	// Loop configures every tool-call loop the router starts.
	Loop agent.LoopConfig

	Filter FilterConfig

	// MaxAuditLog is how many decisions to keep in memory.
	MaxAuditLog int
}

// Request is one turn to route.
type Request struct {
	ConversationID string
	UserID         string
	Message        string

	// History is the stored transcript, oldest first, not including
	// Message.
	History []transcript.Turn

	// Now is the turn's clock. Zero uses the wall clock.
	Now time.Time
}

// Envelope is the unified output of either pipeline shape.
type Envelope struct {
	Reply       string
	Actions     []agent.ToolCallRecord
	Suggestions []string
	SideData    map[string]any
	Intent      Intent
	Mode        Mode
	StopReason  agent.StopReason

	// NewTurns are the assistant and tool turns to persist after the
	// user's turn, ending with the reply.
	NewTurns []transcript.Turn

	RequestID string
}

// Decision records how one turn was routed.
type Decision struct {
	RequestID      string    `json:"request_id"`
	Timestamp      time.Time `json:"timestamp"`
	ConversationID string    `json:"conversation_id"`

	Mode         Mode   `json:"mode"`
	Intent       Intent `json:"intent,omitempty"`
	HistoryTurns int    `json:"history_turns"`
	KeptTurns    int    `json:"kept_turns"`
	FilterSource string `json:"filter_source,omitempty"` // "passthrough", "model", "heuristic"

	ToolCalls  int              `json:"tool_calls"`
	StopReason agent.StopReason `json:"stop_reason,omitempty"`
	LatencyMs  int64            `json:"latency_ms"`
	Success    bool             `json:"success"`
	Error      string           `json:"error,omitempty"`
}

// Stats tracks routing statistics.
type Stats struct {
	TotalRequests int64            `json:"total_requests"`
	Failures      int64            `json:"failures"`
	Exhausted     int64            `json:"exhausted"`
	IntentCounts  map[string]int64 `json:"intent_counts"`
}

// Router runs turns through the configured pipeline.
type Router struct {
	logger *slog.Logger
	config Config
	llm    llm.Client
	tools  *tools.Registry
	loop   *agent.Loop
	filter *ContextFilter

	mu       sync.RWMutex
	auditLog []Decision
	stats    Stats
}

// NewRouter creates a router. An unknown mode falls back to single-pass.
func NewRouter(client llm.Client, registry *tools.Registry, config Config, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Mode != ModeMultiStage {
		config.Mode = ModeSinglePass
	}
	if config.MaxAuditLog <= 0 {
		config.MaxAuditLog = 1000
	}
	if registry == nil {
		registry = tools.NewRegistry()
	}
	if config.Filter.Model == "" {
		config.Filter.Model = config.Loop.Model
	}
	if config.Filter.CallTimeout == 0 {
		config.Filter.CallTimeout = config.Loop.CallTimeout
	}

	logger = logger.With("component", "router")
	return &Router{
		logger:   logger,
		config:   config,
		llm:      client,
		tools:    registry,
		loop:     agent.NewLoop(client, config.Loop, logger),
		filter:   NewContextFilter(client, config.Filter, logger),
		auditLog: make([]Decision, 0, min(config.MaxAuditLog, 64)),
		stats:    Stats{IntentCounts: make(map[string]int64)},
	}
}

// Mode returns the configured pipeline shape.
func (r *Router) Mode() Mode { return r.config.Mode }

// Handle runs req through exactly one pipeline to completion. A model
// failure at any stage returns an [*llm.CapabilityError].
func (r *Router) Handle(ctx context.Context, req Request) (*Envelope, error) {
	start := time.Now()
	if req.Now.IsZero() {
		req.Now = time.Now()
	}

	d := Decision{
		RequestID:      generateRequestID(),
		Timestamp:      req.Now,
		ConversationID: req.ConversationID,
		Mode:           r.config.Mode,
	}

	history := req.History
	if w := r.config.HistoryWindow; w > 0 && len(history) > w {
		history = history[len(history)-w:]
	}
	d.HistoryTurns = len(history)

	keep, source := len(history), "passthrough"
	if r.config.Filter.Enabled {
		keep, source = r.filter.Keep(ctx, history, req.Message)
	}
	d.KeptTurns, d.FilterSource = keep, source
	msgs := agent.Assemble(history[len(history)-keep:], 0, req.Message)

	var (
		env *Envelope
		err error
	)
	if r.config.Mode == ModeMultiStage {
		env, err = r.multiStage(ctx, req, msgs)
	} else {
		env, err = r.singlePass(ctx, req, msgs)
	}
	if err != nil {
		if env != nil {
			d.Intent = env.Intent
		}
		return nil, r.fail(d, start, err)
	}

	env.Mode = r.config.Mode
	env.RequestID = d.RequestID
	d.Intent = env.Intent
	d.ToolCalls = len(env.Actions)
	d.StopReason = env.StopReason
	d.Success = true
	d.LatencyMs = time.Since(start).Milliseconds()
	r.recordDecision(d)

	r.logger.Info("turn routed",
		"request_id", d.RequestID,
		"conversation", req.ConversationID,
		"mode", d.Mode,
		"intent", d.Intent,
		"kept_turns", d.KeptTurns,
		"tool_calls", d.ToolCalls,
		"reason", d.StopReason,
		"elapsed", time.Since(start),
	)
	return env, nil
}

func (r *Router) fail(d Decision, start time.Time, err error) error {
	d.LatencyMs = time.Since(start).Milliseconds()
	d.Error = err.Error()
	r.recordDecision(d)
	r.logger.Error("turn failed",
		"request_id", d.RequestID,
		"conversation", d.ConversationID,
		"mode", d.Mode,
		"error", err,
	)
	return err
}

// chat makes one stage call outside the tool-call loop.
func (r *Router) chat(ctx context.Context, op string, req llm.ChatRequest) (*llm.ChatResponse, error) {
	if t := r.config.Loop.CallTimeout; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	if req.Model == "" {
		req.Model = r.config.Loop.Model
	}
	resp, err := r.llm.Chat(ctx, req)
	if err != nil {
		return nil, llm.Capability(op, err)
	}
	if resp == nil {
		return nil, llm.Capability(op, fmt.Errorf("%w: empty response", llm.ErrMalformedResponse))
	}
	return resp, nil
}

func caller(req Request) map[string]string {
	return map[string]string{
		"user_id":         req.UserID,
		"conversation_id": req.ConversationID,
	}
}

// recordDecision adds a decision to the audit log.
func (r *Router) recordDecision(d Decision) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.auditLog) >= r.config.MaxAuditLog {
		r.auditLog = r.auditLog[1:]
	}
	r.auditLog = append(r.auditLog, d)

	r.stats.TotalRequests++
	if !d.Success {
		r.stats.Failures++
	}
	if d.StopReason == agent.StopExhausted {
		r.stats.Exhausted++
	}
	if d.Intent != "" {
		r.stats.IntentCounts[string(d.Intent)]++
	}
}

// GetAuditLog returns recent routing decisions, oldest first.
func (r *Router) GetAuditLog(limit int) []Decision {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit <= 0 || limit > len(r.auditLog) {
		limit = len(r.auditLog)
	}
	start := len(r.auditLog) - limit
	result := make([]Decision, limit)
	copy(result, r.auditLog[start:])
	return result
}

// GetStats returns a copy of the routing statistics.
func (r *Router) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := r.stats
	s.IntentCounts = make(map[string]int64, len(r.stats.IntentCounts))
	for k, v := range r.stats.IntentCounts {
		s.IntentCounts[k] = v
	}
	return s
}

func generateRequestID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return "r_" + uuid.NewString()[:8]
	}
	return "r_" + id.String()
}
