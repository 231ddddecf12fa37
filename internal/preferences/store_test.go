package preferences

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"path/filepath"
	"sync"
	"testing"

	_ "modernc.org/sqlite"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "prefs.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := NewStore(db)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestMerge_Reinforcement(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name           string
		first, second  string
		firstConf      float64
		secondConf     float64
		wantValue      string
		wantConfidence float64
	}{
		{
			name:  "same value reinforces",
			first: "mornings", second: "mornings",
			firstConf: 0.6, secondConf: 0.7,
			wantValue: "mornings", wantConfidence: 0.7,
		},
		{
			name:  "same value ignores case",
			first: "Mornings", second: "mornings",
			firstConf: 0.5, secondConf: 0.5,
			wantValue: "mornings", wantConfidence: 0.6,
		},
		{
			name:  "reinforcement caps at one",
			first: "mornings", second: "mornings",
			firstConf: 0.95, secondConf: 0.5,
			wantValue: "mornings", wantConfidence: 1.0,
		},
		{
			name:  "changed value replaces",
			first: "mornings", second: "evenings",
			firstConf: 0.9, secondConf: 0.4,
			wantValue: "evenings", wantConfidence: 0.4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t)
			if _, err := s.Merge(ctx, Preference{UserID: "u1", Category: CategorySchedule, Key: "workout_time", Value: tt.first, Confidence: tt.firstConf}); err != nil {
				t.Fatalf("first Merge: %v", err)
			}
			got, err := s.Merge(ctx, Preference{UserID: "u1", Category: CategorySchedule, Key: "workout_time", Value: tt.second, Confidence: tt.secondConf})
			if err != nil {
				t.Fatalf("second Merge: %v", err)
			}
			if got.Value != tt.wantValue {
				t.Errorf("Value = %q, want %q", got.Value, tt.wantValue)
			}
			if math.Abs(got.Confidence-tt.wantConfidence) > 1e-9 {
				t.Errorf("Confidence = %v, want %v", got.Confidence, tt.wantConfidence)
			}

			stored, err := s.Get(ctx, "u1", CategorySchedule, "workout_time")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if stored.Value != tt.wantValue || math.Abs(stored.Confidence-tt.wantConfidence) > 1e-9 {
				t.Errorf("stored = (%q, %v), want (%q, %v)", stored.Value, stored.Confidence, tt.wantValue, tt.wantConfidence)
			}
		})
	}
}

func TestMerge_ConcurrentSameKey(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	s.db.SetMaxOpenConns(1)

	const n = 4
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Merge(ctx, Preference{UserID: "u1", Category: CategoryHabit, Key: "standup", Value: "9am", Confidence: 0.5})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent Merge: %v", err)
		}
	}

	got, err := s.Get(ctx, "u1", CategoryHabit, "standup")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if want := 0.5 + reinforcement*(n-1); math.Abs(got.Confidence-want) > 1e-9 {
		t.Errorf("Confidence = %v, want %v (every merge counted)", got.Confidence, want)
	}
}

func TestMerge_RequiresFields(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Merge(context.Background(), Preference{UserID: "u1", Key: " "}); err == nil {
		t.Error("Merge() with empty key succeeded, want error")
	}
}

func TestGet_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "u1", CategoryHabit, "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestList_ScopedByUserAndCategory(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, p := range []Preference{
		{UserID: "u1", Category: CategorySchedule, Key: "b", Value: "1"},
		{UserID: "u1", Category: CategoryHabit, Key: "a", Value: "2"},
		{UserID: "u1", Category: CategorySchedule, Key: "a", Value: "3"},
		{UserID: "u2", Category: CategorySchedule, Key: "a", Value: "4"},
	} {
		if _, err := s.Merge(ctx, p); err != nil {
			t.Fatalf("Merge(%+v): %v", p, err)
		}
	}

	all, err := s.List(ctx, "u1", "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("List(u1) returned %d, want 3", len(all))
	}
	if all[0].Category != CategoryHabit {
		t.Errorf("first category = %q, want habit (ordered by category)", all[0].Category)
	}

	sched, err := s.List(ctx, "u1", CategorySchedule)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(sched) != 2 || sched[0].Key != "a" || sched[1].Key != "b" {
		t.Errorf("List(u1, schedule) = %v, want keys [a b]", sched)
	}

	if err := s.Delete(ctx, "u1", CategorySchedule, "a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "u1", CategorySchedule, "a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after Delete error = %v, want ErrNotFound", err)
	}
}
