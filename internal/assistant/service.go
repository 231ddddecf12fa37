// Package assistant is the caller-facing entry point: it loads a
// conversation's history, routes the new message through the pipeline,
// persists the resulting turns, and feeds activity to the reflection
// scheduler.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Spardaa/unilife-backend-sub000/internal/agent"
	"github.com/Spardaa/unilife-backend-sub000/internal/llm"
	"github.com/Spardaa/unilife-backend-sub000/internal/router"
	"github.com/Spardaa/unilife-backend-sub000/internal/transcript"
	"github.com/Spardaa/unilife-backend-sub000/internal/usage"
)

// FailureReply is returned to the user when the model cannot be reached
// or answers with something unusable.
const FailureReply = "Sorry, I could not complete the request."

// DefaultConversationID is used when a request names no conversation.
const DefaultConversationID = "default"

var (
	// ErrRequestFailed wraps model failures returned from Process.
	ErrRequestFailed = errors.New("request failed")

	// ErrEmptyMessage is returned for a blank message.
	ErrEmptyMessage = errors.New("message is empty")
)

// Pipeline runs one turn. Implemented by [router.Router].
type Pipeline interface {
	Handle(ctx context.Context, req router.Request) (*router.Envelope, error)
}

// Observer receives conversation activity. Implemented by
// [scheduler.Observer].
type Observer interface {
	Observe(conversationID, userID string, turn transcript.Turn) bool
	Force(conversationID string) bool
}

// Request is one inbound message.
type Request struct {
	ConversationID string
	UserID         string
	Message        string

	// Now overrides the clock for this turn, for replaying or testing
	// conversations on a virtual timeline.
	Now *time.Time
}

// Timing reports where the request spent its time.
type Timing struct {
	Total    time.Duration
	Pipeline time.Duration
}

// Response is the result of [Service.Process].
type Response struct {
	Reply       string
	ToolCalls   []agent.ToolCallRecord
	Suggestions []string
	SideData    map[string]any
	Intent      router.Intent
	Mode        router.Mode
	StopReason  agent.StopReason
	RequestID   string
	Timing      Timing
}

// Config holds service settings.
type Config struct {
	// HistoryLimit is how many stored turns to load per request. Zero
	// loads the whole conversation.
	HistoryLimit int
}

// Service processes messages. Requests for the same conversation run
// one at a time in arrival order; different conversations run
// concurrently.
type Service struct {
	store    transcript.Store
	pipeline Pipeline
	observer Observer
	cfg      Config
	logger   *slog.Logger

	mu    sync.Mutex
	convs map[string]*convSlot
}

// convSlot serializes one conversation. The channel holds a token while
// a request runs; refs counts requests holding or waiting for it.
type convSlot struct {
	token chan struct{}
	refs  int
}

// NewService creates a service. A nil observer disables reflection.
func NewService(store transcript.Store, pipeline Pipeline, observer Observer, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		pipeline: pipeline,
		observer: observer,
		cfg:      cfg,
		logger:   logger.With("component", "assistant"),
		convs:    make(map[string]*convSlot),
	}
}

// Process handles one message end to end. A model failure returns the
// generic [FailureReply] together with an error wrapping
// [ErrRequestFailed].
func (s *Service) Process(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()

	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		return nil, ErrEmptyMessage
	}
	if req.ConversationID == "" {
		req.ConversationID = DefaultConversationID
	}
	now := start
	if req.Now != nil && !req.Now.IsZero() {
		now = *req.Now
	}

	release, err := s.acquire(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	defer release()

	history, err := s.store.ReadRecent(ctx, req.ConversationID, s.cfg.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}

	userTurn := transcript.Turn{Role: transcript.RoleUser, Content: req.Message, Timestamp: now}
	if err := s.store.AppendTurn(ctx, req.ConversationID, userTurn); err != nil {
		return nil, fmt.Errorf("persist user turn: %w", err)
	}
	s.observe(req, userTurn)

	pipeCtx := usage.WithAttribution(ctx, usage.Attribution{
		Role:           usage.RoleInteractive,
		ConversationID: req.ConversationID,
		UserID:         req.UserID,
	})
	pipeStart := time.Now()
	env, err := s.pipeline.Handle(pipeCtx, router.Request{
		ConversationID: req.ConversationID,
		UserID:         req.UserID,
		Message:        req.Message,
		History:        history,
		Now:            now,
	})
	pipeline := time.Since(pipeStart)
	if err != nil {
		s.logger.Error("request failed",
			"conversation", req.ConversationID,
			"user", req.UserID,
			"capability", llm.IsCapabilityError(err),
			"error", err,
		)
		resp := &Response{
			Reply:  FailureReply,
			Timing: Timing{Total: time.Since(start), Pipeline: pipeline},
		}
		return resp, fmt.Errorf("%w: %w", ErrRequestFailed, err)
	}

	var reply transcript.Turn
	for _, turn := range env.NewTurns {
		if turn.Timestamp.IsZero() {
			turn.Timestamp = now
		}
		if err := s.store.AppendTurn(ctx, req.ConversationID, turn); err != nil {
			return nil, fmt.Errorf("persist turns: %w", err)
		}
		if turn.Role == transcript.RoleAssistant && turn.Content != "" && !turn.RequestsTools() {
			reply = turn
		}
	}
	if reply.Content != "" {
		s.observe(req, reply)
	}

	resp := &Response{
		Reply:       env.Reply,
		ToolCalls:   env.Actions,
		Suggestions: env.Suggestions,
		SideData:    env.SideData,
		Intent:      env.Intent,
		Mode:        env.Mode,
		StopReason:  env.StopReason,
		RequestID:   env.RequestID,
		Timing:      Timing{Total: time.Since(start), Pipeline: pipeline},
	}

	s.logger.Info("request processed",
		"conversation", req.ConversationID,
		"user", req.UserID,
		"request_id", env.RequestID,
		"tool_calls", len(env.Actions),
		"reason", env.StopReason,
		"elapsed", resp.Timing.Total,
	)
	return resp, nil
}

// Flush emits the conversation's pending reflection record now. It
// reports false when nothing was pending.
func (s *Service) Flush(conversationID string) bool {
	if s.observer == nil {
		return false
	}
	if conversationID == "" {
		conversationID = DefaultConversationID
	}
	return s.observer.Force(conversationID)
}

func (s *Service) observe(req Request, turn transcript.Turn) {
	if s.observer == nil {
		return
	}
	s.observer.Observe(req.ConversationID, req.UserID, turn)
}

// acquire waits for the conversation's token and returns the function
// that gives it back.
func (s *Service) acquire(ctx context.Context, conversationID string) (func(), error) {
	s.mu.Lock()
	slot, ok := s.convs[conversationID]
	if !ok {
		slot = &convSlot{token: make(chan struct{}, 1)}
		s.convs[conversationID] = slot
	}
	slot.refs++
	s.mu.Unlock()

	done := func() {
		s.mu.Lock()
		slot.refs--
		if slot.refs == 0 {
			delete(s.convs, conversationID)
		}
		s.mu.Unlock()
	}

	select {
	case slot.token <- struct{}{}:
		return func() {
			<-slot.token
			done()
		}, nil
	case <-ctx.Done():
		done()
		return nil, ctx.Err()
	}
}
