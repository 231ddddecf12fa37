// Package reflection turns accumulated conversation activity into
// durable user preferences. Jobs arrive from the scheduler, wait in a
// bounded queue, and are analyzed by background workers. The whole path
// is best-effort: failures are logged and never reach the user.
package reflection

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Spardaa/unilife-backend-sub000/internal/preferences"
	"github.com/Spardaa/unilife-backend-sub000/internal/scheduler"
)

// Source tags preferences written by reflection.
const Source = "reflection"

// PreferenceMerger persists extracted signals.
type PreferenceMerger interface {
	Merge(ctx context.Context, p preferences.Preference) (*preferences.Preference, error)
}

// Config controls the worker pool.
type Config struct {
	Workers     int
	QueueSize   int
	MinMessages int
	Timeout     time.Duration
}

// Stats counts worker outcomes.
type Stats struct {
	Queued    int64 `json:"queued"`
	Dropped   int64 `json:"dropped"`
	Skipped   int64 `json:"skipped"`
	Failed    int64 `json:"failed"`
	Persisted int64 `json:"persisted"`
}

// Worker consumes reflection jobs. It implements [scheduler.JobSink].
type Worker struct {
	store   PreferenceMerger
	extract ExtractFunc
	cfg     Config
	logger  *slog.Logger
	queue   chan scheduler.Job

	queued    atomic.Int64
	dropped   atomic.Int64
	skipped   atomic.Int64
	failed    atomic.Int64
	persisted atomic.Int64

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewWorker creates a worker pool. Non-positive sizes default to one
// worker and a queue of 64.
func NewWorker(store PreferenceMerger, extract ExtractFunc, cfg Config, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Worker{
		store:   store,
		extract: extract,
		cfg:     cfg,
		logger:  logger.With("component", "reflection"),
		queue:   make(chan scheduler.Job, cfg.QueueSize),
	}
}

// Submit enqueues a job without blocking. A full queue drops the job
// and returns false.
func (w *Worker) Submit(job scheduler.Job) bool {
	select {
	case w.queue <- job:
		w.queued.Add(1)
		return true
	default:
		w.dropped.Add(1)
		w.logger.Warn("reflection queue full, dropping job",
			"job", job.ID,
			"conversation", job.ConversationID,
			"queue_size", w.cfg.QueueSize,
		)
		return false
	}
}

// Start launches the worker goroutines. Calling Start twice is a no-op.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return nil
	}
	w.started = true

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	for i := 0; i < w.cfg.Workers; i++ {
		w.wg.Add(1)
		go w.run(runCtx)
	}
	w.logger.Info("reflection workers started", "workers", w.cfg.Workers, "queue_size", w.cfg.QueueSize)
	return nil
}

// Stop cancels the workers and waits for them to exit. Jobs still
// queued are abandoned. Safe to call multiple times or before Start.
func (w *Worker) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	w.wg.Wait()
}

// Stats returns a snapshot of the worker counters.
func (w *Worker) Stats() Stats {
	return Stats{
		Queued:    w.queued.Load(),
		Dropped:   w.dropped.Load(),
		Skipped:   w.skipped.Load(),
		Failed:    w.failed.Load(),
		Persisted: w.persisted.Load(),
	}
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-w.queue:
			w.Reflect(ctx, job)
		}
	}
}

// Reflect analyzes one job synchronously and returns how many
// preferences it persisted.
func (w *Worker) Reflect(ctx context.Context, job scheduler.Job) int {
	logger := w.logger.With("job", job.ID, "conversation", job.ConversationID, "reason", job.Reason)

	if n := countMessages(job); n < w.cfg.MinMessages {
		w.skipped.Add(1)
		logger.Debug("skipping reflection, too few messages", "messages", n, "min_messages", w.cfg.MinMessages)
		return 0
	}
	if w.extract == nil {
		w.skipped.Add(1)
		return 0
	}

	ctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()

	start := time.Now()
	result, err := w.extract(ctx, job)
	if err != nil {
		w.failed.Add(1)
		logger.Warn("preference extraction failed", "error", err, "elapsed", time.Since(start))
		return 0
	}
	if result == nil || !result.WorthPersisting || len(result.Signals) == 0 {
		logger.Debug("reflection found nothing worth persisting")
		return 0
	}

	persisted := 0
	for _, sig := range result.Signals {
		category := preferences.Category(strings.ToLower(strings.TrimSpace(sig.Category)))
		if !preferences.ValidCategory(category) {
			category = preferences.CategoryGeneral
		}
		if strings.TrimSpace(sig.Key) == "" || strings.TrimSpace(sig.Value) == "" {
			logger.Debug("skipping incomplete signal", "category", sig.Category, "key", sig.Key)
			continue
		}

		p, err := w.store.Merge(ctx, preferences.Preference{
			UserID:     job.UserID,
			Category:   category,
			Key:        sig.Key,
			Value:      sig.Value,
			Source:     Source,
			Confidence: sig.Confidence,
		})
		if err != nil {
			logger.Warn("failed to persist preference", "category", category, "key", sig.Key, "error", err)
			continue
		}
		logger.Debug("persisted preference",
			"user", job.UserID,
			"category", p.Category,
			"key", p.Key,
			"confidence", p.Confidence,
		)
		persisted++
	}

	w.persisted.Add(int64(persisted))
	if persisted > 0 {
		logger.Info("reflection persisted preferences",
			"user", job.UserID,
			"count", persisted,
			"signals", len(result.Signals),
			"elapsed", time.Since(start),
		)
	}
	return persisted
}

// countMessages counts the user and assistant turns carrying text.
func countMessages(job scheduler.Job) int {
	n := 0
	for _, t := range job.Turns {
		if conversational(t) {
			n++
		}
	}
	return n
}
