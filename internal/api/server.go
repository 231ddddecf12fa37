// Package api implements the unilife HTTP API.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/Spardaa/unilife-backend-sub000/internal/assistant"
	"github.com/Spardaa/unilife-backend-sub000/internal/buildinfo"
	"github.com/Spardaa/unilife-backend-sub000/internal/connwatch"
	"github.com/Spardaa/unilife-backend-sub000/internal/router"
	"github.com/Spardaa/unilife-backend-sub000/internal/usage"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Processor handles messages. Implemented by [assistant.Service].
type Processor interface {
	Process(ctx context.Context, req assistant.Request) (*assistant.Response, error)
	Flush(conversationID string) bool
}

// RouterInspector exposes routing statistics. Implemented by
// [router.Router].
type RouterInspector interface {
	GetStats() router.Stats
	GetAuditLog(limit int) []router.Decision
}

// HealthReporter reports a dependency's reachability. Implemented by
// [connwatch.Watcher].
type HealthReporter interface {
	Status() connwatch.ServiceStatus
}

// UsageReporter aggregates recorded model usage. Implemented by
// [usage.Store].
type UsageReporter interface {
	Summary(ctx context.Context, start, end time.Time) (*usage.Summary, error)
	SummaryByModel(ctx context.Context, start, end time.Time) (map[string]*usage.Summary, error)
	SummaryByRole(ctx context.Context, start, end time.Time) (map[string]*usage.Summary, error)
}

// Server is the HTTP API server.
type Server struct {
	address    string
	port       int
	svc        Processor
	router     RouterInspector
	llm        HealthReporter
	usage      UsageReporter
	background func() map[string]any
	logger     *slog.Logger
	server     *http.Server
}

// NewServer creates an API server.
func NewServer(address string, port int, svc Processor, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		svc:     svc,
		logger:  logger.With("component", "api"),
	}
}

// SetRouter enables the router introspection endpoints.
func (s *Server) SetRouter(r RouterInspector) {
	s.router = r
}

// SetLLMHealth adds the model endpoint's status to /health.
func (s *Server) SetLLMHealth(h HealthReporter) {
	s.llm = h
}

// SetUsage enables GET /v1/usage.
func (s *Server) SetUsage(u UsageReporter) {
	s.usage = u
}

// SetBackgroundStatus adds background worker counters to /health.
func (s *Server) SetBackgroundStatus(fn func() map[string]any) {
	s.background = fn
}

// Handler returns the API's routes wrapped in request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/process", s.handleProcess)
	mux.HandleFunc("POST /v1/reflection/flush", s.handleFlush)

	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("GET /v1/router/stats", s.handleRouterStats)
	mux.HandleFunc("GET /v1/router/audit", s.handleRouterAudit)
	mux.HandleFunc("GET /v1/usage", s.handleUsage)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It blocks until the server stops.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute, // a turn may run many model calls
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status     string                   `json:"status"` // "healthy" or "degraded"
	Version    string                   `json:"version"`
	LLM        *connwatch.ServiceStatus `json:"llm,omitempty"`
	Background map[string]any           `json:"background,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "healthy", Version: buildinfo.Version}
	if s.llm != nil {
		st := s.llm.Status()
		resp.LLM = &st
		if !st.Ready {
			resp.Status = "degraded"
		}
	}
	if s.background != nil {
		resp.Background = s.background()
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

// Router introspection handlers

func (s *Server) handleRouterStats(w http.ResponseWriter, r *http.Request) {
	if s.router == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "router not configured")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.router.GetStats(), s.logger)
}

func (s *Server) handleRouterAudit(w http.ResponseWriter, r *http.Request) {
	if s.router == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "router not configured")
		return
	}

	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	decisions := s.router.GetAuditLog(limit)
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"count":     len(decisions),
		"decisions": decisions,
	}, s.logger)
}

// UsageResponse is the body of GET /v1/usage.
type UsageResponse struct {
	WindowHours int                       `json:"window_hours"`
	Total       *usage.Summary            `json:"total"`
	ByModel     map[string]*usage.Summary `json:"by_model"`
	ByRole      map[string]*usage.Summary `json:"by_role"`
}

// handleUsage reports token usage over the trailing window.
// GET /v1/usage?hours=24
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "usage tracking not configured")
		return
	}

	hours := 24
	if h := r.URL.Query().Get("hours"); h != "" {
		parsed, err := strconv.Atoi(h)
		if err != nil || parsed <= 0 {
			s.errorResponse(w, http.StatusBadRequest, "hours must be a positive integer")
			return
		}
		hours = parsed
	}

	end := time.Now()
	start := end.Add(-time.Duration(hours) * time.Hour)
	ctx := r.Context()

	resp := UsageResponse{WindowHours: hours}
	var err error
	if resp.Total, err = s.usage.Summary(ctx, start, end); err == nil {
		if resp.ByModel, err = s.usage.SummaryByModel(ctx, start, end); err == nil {
			resp.ByRole, err = s.usage.SummaryByRole(ctx, start, end)
		}
	}
	if err != nil {
		s.logger.Error("usage query failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}
