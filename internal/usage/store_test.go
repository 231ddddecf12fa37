package usage

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	_ "modernc.org/sqlite"

	"github.com/Spardaa/unilife-backend-sub000/internal/llm"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "usage_test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := NewStore(db)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestRecord_And_Summary(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	recs := []Record{
		{Timestamp: now, ConversationID: "c1", Model: "qwen3:8b", Role: RoleInteractive, InputTokens: 1000, OutputTokens: 200},
		{Timestamp: now.Add(time.Second), ConversationID: "c1", Model: "qwen3:8b", Role: RoleReflection, InputTokens: 400, OutputTokens: 50},
		{Timestamp: now.Add(2 * time.Second), ConversationID: "c2", Model: "llama3", InputTokens: 10, Failed: true},
		{Timestamp: now.Add(-time.Hour), ConversationID: "c3", Model: "qwen3:8b", InputTokens: 9999},
	}
	for _, rec := range recs {
		if err := s.Record(ctx, rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	got, err := s.Summary(ctx, now.Add(-time.Minute), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	want := &Summary{Calls: 3, Failures: 1, InputTokens: 1410, OutputTokens: 250}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Summary mismatch (-want +got):\n%s", diff)
	}

	byRole, err := s.SummaryByRole(ctx, now.Add(-time.Minute), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("SummaryByRole: %v", err)
	}
	if byRole[RoleInteractive].Calls != 2 || byRole[RoleReflection].InputTokens != 400 {
		t.Errorf("by role = %+v / %+v", byRole[RoleInteractive], byRole[RoleReflection])
	}

	byModel, err := s.SummaryByModel(ctx, now.Add(-time.Minute), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("SummaryByModel: %v", err)
	}
	if len(byModel) != 2 || byModel["qwen3:8b"].InputTokens != 1400 {
		t.Errorf("by model = %v", byModel)
	}

	byConv, err := s.SummaryByConversation(ctx, now.Add(-2*time.Hour), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("SummaryByConversation: %v", err)
	}
	if len(byConv) != 3 || byConv["c3"].InputTokens != 9999 {
		t.Errorf("by conversation = %v", byConv)
	}
}

func TestSummary_SubSecondBoundaries(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	for _, ts := range []time.Time{base, base.Add(500 * time.Millisecond)} {
		if err := s.Record(ctx, Record{Timestamp: ts, Model: "m", InputTokens: 1}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	got, err := s.Summary(ctx, base.Add(250*time.Millisecond), base.Add(time.Second))
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if got.Calls != 1 {
		t.Errorf("calls in (250ms, 1s) = %d, want 1", got.Calls)
	}
}

type fakeClient struct {
	resp *llm.ChatResponse
	err  error
}

func (f fakeClient) Chat(context.Context, llm.ChatRequest) (*llm.ChatResponse, error) {
	return f.resp, f.err
}

func (f fakeClient) Ping(context.Context) error { return f.err }

type memRecorder struct {
	recs []Record
	err  error
}

func (m *memRecorder) Record(_ context.Context, rec Record) error {
	m.recs = append(m.recs, rec)
	return m.err
}

func TestMeter(t *testing.T) {
	boom := errors.New("connection refused")

	tests := []struct {
		name    string
		client  fakeClient
		attr    *Attribution
		recErr  error
		wantErr error
		want    Record
	}{
		{
			name:   "interactive by default",
			client: fakeClient{resp: &llm.ChatResponse{Model: "qwen3:8b", InputTokens: 120, OutputTokens: 30}},
			want:   Record{Model: "qwen3:8b", Role: RoleInteractive, InputTokens: 120, OutputTokens: 30},
		},
		{
			name:   "attributed reflection call",
			client: fakeClient{resp: &llm.ChatResponse{InputTokens: 5}},
			attr:   &Attribution{Role: RoleReflection, ConversationID: "c1", UserID: "u1"},
			want:   Record{Model: "requested", Role: RoleReflection, ConversationID: "c1", UserID: "u1", InputTokens: 5},
		},
		{
			name:    "failed call still recorded",
			client:  fakeClient{err: boom},
			wantErr: boom,
			want:    Record{Model: "requested", Role: RoleInteractive, Failed: true},
		},
		{
			name:   "recorder failure does not fail the call",
			client: fakeClient{resp: &llm.ChatResponse{Model: "m"}},
			recErr: errors.New("disk full"),
			want:   Record{Model: "m", Role: RoleInteractive},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &memRecorder{err: tt.recErr}
			m := NewMeter(tt.client, rec, nil)
			tick := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
			m.now = func() time.Time {
				tick = tick.Add(10 * time.Millisecond)
				return tick
			}

			ctx := context.Background()
			if tt.attr != nil {
				ctx = WithAttribution(ctx, *tt.attr)
			}
			_, err := m.Chat(ctx, llm.ChatRequest{Model: "requested"})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Chat error = %v, want %v", err, tt.wantErr)
			}
			if len(rec.recs) != 1 {
				t.Fatalf("recorded %d calls, want 1", len(rec.recs))
			}

			got := rec.recs[0]
			if got.Duration != 10*time.Millisecond {
				t.Errorf("duration = %v, want 10ms", got.Duration)
			}
			got.Timestamp, got.Duration = time.Time{}, 0
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("record mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestMeter_RecordsAfterCancel(t *testing.T) {
	rec := &memRecorder{}
	m := NewMeter(fakeClient{err: context.Canceled}, rec, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Chat(ctx, llm.ChatRequest{Model: "m"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("Chat error = %v", err)
	}
	if len(rec.recs) != 1 || !rec.recs[0].Failed {
		t.Errorf("records = %+v, want one failed record", rec.recs)
	}
}
