package usage

import (
	"context"
	"log/slog"
	"time"

	"github.com/Spardaa/unilife-backend-sub000/internal/llm"
)

// Attribution names who a model call was made for.
type Attribution struct {
	Role           string
	ConversationID string
	UserID         string
}

type attributionKey struct{}

// WithAttribution tags ctx so metered calls made under it are recorded
// against a.
func WithAttribution(ctx context.Context, a Attribution) context.Context {
	return context.WithValue(ctx, attributionKey{}, a)
}

// AttributionFrom returns the attribution on ctx. Untagged calls are
// interactive.
func AttributionFrom(ctx context.Context) Attribution {
	a, _ := ctx.Value(attributionKey{}).(Attribution)
	if a.Role == "" {
		a.Role = RoleInteractive
	}
	return a
}

// Recorder persists usage records. Implemented by [Store].
type Recorder interface {
	Record(ctx context.Context, rec Record) error
}

// Meter wraps an [llm.Client] and records every Chat call. Recording
// failures are logged and never fail the call.
type Meter struct {
	next     llm.Client
	recorder Recorder
	logger   *slog.Logger
	now      func() time.Time
}

// NewMeter returns a metering client around next.
func NewMeter(next llm.Client, recorder Recorder, logger *slog.Logger) *Meter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Meter{
		next:     next,
		recorder: recorder,
		logger:   logger.With("component", "usage"),
		now:      time.Now,
	}
}

// Chat forwards req and records the call's token counts.
func (m *Meter) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	start := m.now()
	resp, err := m.next.Chat(ctx, req)

	a := AttributionFrom(ctx)
	rec := Record{
		Timestamp:      start,
		ConversationID: a.ConversationID,
		UserID:         a.UserID,
		Model:          req.Model,
		Role:           a.Role,
		Duration:       m.now().Sub(start),
		Failed:         err != nil,
	}
	if resp != nil {
		if resp.Model != "" {
			rec.Model = resp.Model
		}
		rec.InputTokens = resp.InputTokens
		rec.OutputTokens = resp.OutputTokens
	}

	// Record on a context that survives the caller's cancellation so
	// timed-out calls are still counted.
	recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if recErr := m.recorder.Record(recCtx, rec); recErr != nil {
		m.logger.Warn("failed to record usage", "model", rec.Model, "error", recErr)
	}
	return resp, err
}

// Ping forwards to the wrapped client.
func (m *Meter) Ping(ctx context.Context) error {
	return m.next.Ping(ctx)
}
