package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/Spardaa/unilife-backend-sub000/internal/agent"
	"github.com/Spardaa/unilife-backend-sub000/internal/assistant"
	"github.com/Spardaa/unilife-backend-sub000/internal/connwatch"
	"github.com/Spardaa/unilife-backend-sub000/internal/router"
	"github.com/Spardaa/unilife-backend-sub000/internal/tools"
	"github.com/Spardaa/unilife-backend-sub000/internal/transcript"
	"github.com/Spardaa/unilife-backend-sub000/internal/usage"
)

type fakeProcessor struct {
	resp    *assistant.Response
	err     error
	got     assistant.Request
	flushed map[string]bool
}

func (f *fakeProcessor) Process(_ context.Context, req assistant.Request) (*assistant.Response, error) {
	f.got = req
	return f.resp, f.err
}

func (f *fakeProcessor) Flush(conversationID string) bool {
	return f.flushed[conversationID]
}

type fakeRouter struct{}

func (fakeRouter) GetStats() router.Stats {
	return router.Stats{TotalRequests: 3, IntentCounts: map[string]int64{"query": 2}}
}

func (fakeRouter) GetAuditLog(limit int) []router.Decision {
	out := make([]router.Decision, 0, limit)
	for i := 0; i < limit && i < 5; i++ {
		out = append(out, router.Decision{RequestID: fmt.Sprintf("r_%d", i)})
	}
	return out
}

type fakeHealth struct{ ready bool }

func (f fakeHealth) Status() connwatch.ServiceStatus {
	return connwatch.ServiceStatus{Name: "llm", Ready: f.ready}
}

type fakeUsage struct {
	start, end time.Time
	err        error
}

func (f *fakeUsage) Summary(_ context.Context, start, end time.Time) (*usage.Summary, error) {
	f.start, f.end = start, end
	return &usage.Summary{Calls: 4, InputTokens: 900, OutputTokens: 120}, f.err
}

func (f *fakeUsage) SummaryByModel(context.Context, time.Time, time.Time) (map[string]*usage.Summary, error) {
	return map[string]*usage.Summary{"qwen3:8b": {Calls: 4}}, nil
}

func (f *fakeUsage) SummaryByRole(context.Context, time.Time, time.Time) (map[string]*usage.Summary, error) {
	return map[string]*usage.Summary{usage.RoleInteractive: {Calls: 3}, usage.RoleReflection: {Calls: 1}}, nil
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %s: %v", rec.Body.String(), err)
	}
	return v
}

func TestHandleProcess(t *testing.T) {
	proc := &fakeProcessor{resp: &assistant.Response{
		Reply:       "Booked.",
		Suggestions: []string{"Add a reminder"},
		SideData:    map[string]any{"events": []any{"dentist"}},
		Intent:      router.IntentAction,
		Mode:        router.ModeMultiStage,
		StopReason:  agent.StopDone,
		RequestID:   "r_1",
		ToolCalls: []agent.ToolCallRecord{{
			Request:  transcript.ToolCallRequest{ID: "c1", Name: "create_event"},
			Result:   tools.Result{CallID: "c1", Name: "create_event", Success: true},
			Duration: 12 * time.Millisecond,
		}},
		Timing: assistant.Timing{Total: 40 * time.Millisecond, Pipeline: 30 * time.Millisecond},
	}}
	h := NewServer("", 0, proc, nil).Handler()

	rec := do(t, h, http.MethodPost, "/v1/process",
		`{"conversation_id": "c1", "user_id": "u1", "message": "book the dentist", "now": "2026-03-02T09:00:00Z"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	got := decode[ProcessResponse](t, rec)
	want := ProcessResponse{
		Reply:          "Booked.",
		ConversationID: "c1",
		ToolCalls:      []ToolCallSummary{{ID: "c1", Name: "create_event", Success: true, DurationMs: 12}},
		Suggestions:    []string{"Add a reminder"},
		SideData:       map[string]any{"events": []any{"dentist"}},
		Intent:         "action",
		Mode:           "multi_stage",
		StopReason:     "done",
		RequestID:      "r_1",
		Timing:         TimingInfo{TotalMs: 40, PipelineMs: 30},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("response mismatch (-want +got):\n%s", diff)
	}

	if proc.got.UserID != "u1" || proc.got.Message != "book the dentist" {
		t.Errorf("forwarded request = %+v", proc.got)
	}
	if proc.got.Now == nil || !proc.got.Now.Equal(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)) {
		t.Errorf("forwarded Now = %v, want virtual clock", proc.got.Now)
	}
}

func TestHandleProcess_Errors(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		err       error
		resp      *assistant.Response
		wantCode  int
		wantReply string
	}{
		{name: "bad json", body: `{`, wantCode: http.StatusBadRequest},
		{name: "empty message", body: `{"message": ""}`, err: assistant.ErrEmptyMessage, wantCode: http.StatusBadRequest},
		{
			name:      "model failure",
			body:      `{"message": "hi"}`,
			err:       fmt.Errorf("%w: llm chat: timeout", assistant.ErrRequestFailed),
			resp:      &assistant.Response{Reply: assistant.FailureReply},
			wantCode:  http.StatusBadGateway,
			wantReply: assistant.FailureReply,
		},
		{name: "cancelled", body: `{"message": "hi"}`, err: context.Canceled, wantCode: http.StatusServiceUnavailable},
		{name: "storage failure", body: `{"message": "hi"}`, err: errors.New("disk full"), wantCode: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewServer("", 0, &fakeProcessor{resp: tt.resp, err: tt.err}, nil).Handler()
			rec := do(t, h, http.MethodPost, "/v1/process", tt.body)
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if tt.wantReply != "" {
				got := decode[ProcessResponse](t, rec)
				if got.Reply != tt.wantReply || got.Error == "" || got.ConversationID != assistant.DefaultConversationID {
					t.Errorf("body = %+v, want failure reply with error", got)
				}
			}
		})
	}
}

func TestHandleFlush(t *testing.T) {
	h := NewServer("", 0, &fakeProcessor{flushed: map[string]bool{"c1": true}}, nil).Handler()

	tests := []struct {
		body string
		want bool
	}{
		{body: `{"conversation_id": "c1"}`, want: true},
		{body: `{"conversation_id": "c2"}`, want: false},
	}
	for _, tt := range tests {
		rec := do(t, h, http.MethodPost, "/v1/reflection/flush", tt.body)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		got := decode[map[string]any](t, rec)
		if got["flushed"] != tt.want {
			t.Errorf("flush %s: flushed = %v, want %v", tt.body, got["flushed"], tt.want)
		}
	}
}

func TestHandleHealth(t *testing.T) {
	tests := []struct {
		name       string
		health     HealthReporter
		wantStatus string
	}{
		{name: "no watcher", wantStatus: "healthy"},
		{name: "llm up", health: fakeHealth{ready: true}, wantStatus: "healthy"},
		{name: "llm down", health: fakeHealth{ready: false}, wantStatus: "degraded"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer("", 0, &fakeProcessor{}, nil)
			if tt.health != nil {
				s.SetLLMHealth(tt.health)
			}
			s.SetBackgroundStatus(func() map[string]any { return map[string]any{"pending": 2} })

			rec := do(t, s.Handler(), http.MethodGet, "/health", "")
			got := decode[HealthResponse](t, rec)
			if got.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", got.Status, tt.wantStatus)
			}
			if (got.LLM != nil) != (tt.health != nil) {
				t.Errorf("llm section present = %v", got.LLM != nil)
			}
			if got.Background["pending"] != float64(2) {
				t.Errorf("background = %v", got.Background)
			}
		})
	}
}

func TestRouterEndpoints(t *testing.T) {
	s := NewServer("", 0, &fakeProcessor{}, nil)

	if rec := do(t, s.Handler(), http.MethodGet, "/v1/router/stats", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("stats without router: status = %d, want 503", rec.Code)
	}

	s.SetRouter(fakeRouter{})
	h := s.Handler()

	stats := decode[router.Stats](t, do(t, h, http.MethodGet, "/v1/router/stats", ""))
	if stats.TotalRequests != 3 || stats.IntentCounts["query"] != 2 {
		t.Errorf("stats = %+v", stats)
	}

	audit := decode[struct {
		Count int `json:"count"`
	}](t, do(t, h, http.MethodGet, "/v1/router/audit?limit=2", ""))
	if audit.Count != 2 {
		t.Errorf("audit count = %d, want 2", audit.Count)
	}
}

func TestHandleVersion(t *testing.T) {
	rec := do(t, NewServer("", 0, &fakeProcessor{}, nil).Handler(), http.MethodGet, "/v1/version", "")
	got := decode[map[string]string](t, rec)
	if got["version"] == "" || got["go_version"] == "" {
		t.Errorf("version body = %v", got)
	}
}

func TestUnknownMethod(t *testing.T) {
	rec := do(t, NewServer("", 0, &fakeProcessor{}, nil).Handler(), http.MethodGet, "/v1/process", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /v1/process status = %d, want 405", rec.Code)
	}
}

func TestHandleUsage(t *testing.T) {
	s := NewServer("", 0, &fakeProcessor{}, nil)
	if rec := do(t, s.Handler(), http.MethodGet, "/v1/usage", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("usage without store: status = %d, want 503", rec.Code)
	}

	u := &fakeUsage{}
	s.SetUsage(u)
	h := s.Handler()

	rec := do(t, h, http.MethodGet, "/v1/usage?hours=6", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	got := decode[UsageResponse](t, rec)
	if got.WindowHours != 6 || got.Total.InputTokens != 900 || got.ByRole[usage.RoleReflection].Calls != 1 {
		t.Errorf("usage body = %+v", got)
	}
	if w := u.end.Sub(u.start); w != 6*time.Hour {
		t.Errorf("queried window = %v, want 6h", w)
	}

	if rec := do(t, h, http.MethodGet, "/v1/usage?hours=-1", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("negative hours: status = %d, want 400", rec.Code)
	}

	u.err = errors.New("database locked")
	if rec := do(t, h, http.MethodGet, "/v1/usage", ""); rec.Code != http.StatusInternalServerError {
		t.Errorf("store failure: status = %d, want 500", rec.Code)
	}
}
