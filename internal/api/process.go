package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/Spardaa/unilife-backend-sub000/internal/assistant"
)

// ProcessRequest is the body of POST /v1/process.
type ProcessRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
	UserID         string `json:"user_id,omitempty"`
	Message        string `json:"message"`

	// Now replays the message at a virtual time (RFC 3339).
	Now *time.Time `json:"now,omitempty"`
}

// ToolCallSummary describes one executed tool call.
type ToolCallSummary struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// TimingInfo reports request latency in milliseconds.
type TimingInfo struct {
	TotalMs    int64 `json:"total_ms"`
	PipelineMs int64 `json:"pipeline_ms"`
}

// ProcessResponse is the body returned by POST /v1/process.
type ProcessResponse struct {
	Reply          string            `json:"reply"`
	ConversationID string            `json:"conversation_id"`
	ToolCalls      []ToolCallSummary `json:"tool_calls,omitempty"`
	Suggestions    []string          `json:"suggestions,omitempty"`
	SideData       map[string]any    `json:"side_data,omitempty"`
	Intent         string            `json:"intent,omitempty"`
	Mode           string            `json:"mode,omitempty"`
	StopReason     string            `json:"stop_reason,omitempty"`
	RequestID      string            `json:"request_id,omitempty"`
	Timing         TimingInfo        `json:"timing"`
	Error          string            `json:"error,omitempty"`
}

// handleProcess runs one message through the assistant.
// POST /v1/process {"conversation_id": "c1", "user_id": "u1", "message": "plan my week"}
func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	var req ProcessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	convID := req.ConversationID
	if convID == "" {
		convID = assistant.DefaultConversationID
	}

	resp, err := s.svc.Process(r.Context(), assistant.Request{
		ConversationID: convID,
		UserID:         req.UserID,
		Message:        req.Message,
		Now:            req.Now,
	})
	switch {
	case errors.Is(err, assistant.ErrEmptyMessage):
		s.errorResponse(w, http.StatusBadRequest, "message is required")
		return
	case errors.Is(err, assistant.ErrRequestFailed):
		s.logger.Warn("process failed", "conversation", convID, "error", err)
		out := toProcessResponse(convID, resp)
		out.Error = "model unavailable"
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		writeJSON(w, out, s.logger)
		return
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		s.errorResponse(w, http.StatusServiceUnavailable, "request cancelled")
		return
	case err != nil:
		s.logger.Error("process failed", "conversation", convID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, toProcessResponse(convID, resp), s.logger)
}

func toProcessResponse(convID string, resp *assistant.Response) ProcessResponse {
	out := ProcessResponse{ConversationID: convID}
	if resp == nil {
		out.Reply = assistant.FailureReply
		return out
	}

	out.Reply = resp.Reply
	out.Suggestions = resp.Suggestions
	out.SideData = resp.SideData
	out.Intent = string(resp.Intent)
	out.Mode = string(resp.Mode)
	out.StopReason = string(resp.StopReason)
	out.RequestID = resp.RequestID
	out.Timing = TimingInfo{
		TotalMs:    resp.Timing.Total.Milliseconds(),
		PipelineMs: resp.Timing.Pipeline.Milliseconds(),
	}
	for _, rec := range resp.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCallSummary{
			ID:         rec.Request.ID,
			Name:       rec.Request.Name,
			Success:    rec.Result.Success,
			Error:      rec.Result.Error,
			DurationMs: rec.Duration.Milliseconds(),
		})
	}
	return out
}

// FlushRequest is the body of POST /v1/reflection/flush.
type FlushRequest struct {
	ConversationID string `json:"conversation_id"`
}

// handleFlush forces reflection on a conversation's pending activity.
func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	var req FlushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ConversationID == "" {
		req.ConversationID = assistant.DefaultConversationID
	}

	flushed := s.svc.Flush(req.ConversationID)
	s.logger.Info("reflection flush requested", "conversation", req.ConversationID, "flushed", flushed)

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"conversation_id": req.ConversationID,
		"flushed":         flushed,
	}, s.logger)
}
