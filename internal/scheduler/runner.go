package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Spardaa/unilife-backend-sub000/internal/connwatch"
)

// Runner defaults.
const (
	DefaultSweepInterval = 5 * time.Minute
	DefaultLeaseTTL      = 15 * time.Minute
	DefaultLeaseName     = "reflection_sweep"
)

// Sweeper is the periodic work a [Runner] supervises.
type Sweeper interface {
	Sweep(now time.Time) int
}

// RunnerConfig configures the supervised sweep.
type RunnerConfig struct {
	// Interval between sweeps (default 5m).
	Interval time.Duration

	// LeaseName and LeaseTTL identify and bound the single-instance
	// lease. The TTL should exceed Interval so renewals keep it alive.
	LeaseName string
	LeaseTTL  time.Duration

	// Holder identifies this process. Generated when empty.
	Holder string

	// Backoff paces restarts after a sweep panics.
	Backoff connwatch.BackoffConfig

	// Clock supplies the sweep time (default time.Now).
	Clock func() time.Time
}

// RunnerStats counts runner activity.
type RunnerStats struct {
	Sweeps   int64 `json:"sweeps"`
	Emitted  int64 `json:"emitted"`
	Restarts int64 `json:"restarts"`
	Holding  bool  `json:"holding_lease"`
}

// Runner runs a [Sweeper] for the life of the process: it holds a lease
// so only one instance sweeps at a time, renews the lease on every tick,
// and restarts the sweep with exponential backoff if it panics.
type Runner struct {
	sweeper Sweeper
	lease   Lease
	cfg     RunnerConfig
	logger  *slog.Logger
	now     func() time.Time

	sweeps   atomic.Int64
	emitted  atomic.Int64
	restarts atomic.Int64
	holding  atomic.Bool

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewRunner creates a runner. A nil lease uses a fresh [MemoryLease].
func NewRunner(sweeper Sweeper, lease Lease, cfg RunnerConfig, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if lease == nil {
		lease = NewMemoryLease()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSweepInterval
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	if cfg.LeaseName == "" {
		cfg.LeaseName = DefaultLeaseName
	}
	if cfg.Holder == "" {
		cfg.Holder = "sweep-" + uuid.NewString()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	cfg.Backoff = cfg.Backoff.WithDefaults()

	return &Runner{
		sweeper: sweeper,
		lease:   lease,
		cfg:     cfg,
		logger:  logger.With("component", "sweep_runner", "holder", cfg.Holder),
		now:     time.Now,
	}
}

// Start launches the supervised sweep. Calling Start on a running
// runner is a no-op.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return nil
	}
	r.started = true

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	go r.run(runCtx)
	return nil
}

// Stop cancels the sweep, releases the lease, and waits for the
// goroutine to exit. Safe to call multiple times or before Start.
func (r *Runner) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	done := r.done
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Stats returns a snapshot of the runner counters.
func (r *Runner) Stats() RunnerStats {
	return RunnerStats{
		Sweeps:   r.sweeps.Load(),
		Emitted:  r.emitted.Load(),
		Restarts: r.restarts.Load(),
		Holding:  r.holding.Load(),
	}
}

func (r *Runner) run(ctx context.Context) {
	defer close(r.done)
	defer r.release()

	r.logger.Info("sweep runner started",
		"interval", r.cfg.Interval,
		"lease", r.cfg.LeaseName,
		"lease_ttl", r.cfg.LeaseTTL,
	)

	var delay time.Duration
	for {
		asked := r.now()
		held, err := r.lease.TryAcquire(ctx, r.cfg.LeaseName, r.cfg.Holder, r.cfg.LeaseTTL)
		if ctx.Err() != nil {
			r.logger.Info("sweep runner stopped")
			return
		}
		switch {
		case err != nil:
			delay = r.cfg.Backoff.Next(delay)
			r.logger.Warn("lease acquire failed", "error", err, "next_delay", delay)
			if !connwatch.Sleep(ctx, delay) {
				return
			}
			continue
		case !held:
			r.logger.Debug("lease held elsewhere, standing by")
			if !connwatch.Sleep(ctx, r.cfg.Interval) {
				return
			}
			continue
		}
		if !r.holding.Swap(true) {
			r.logger.Info("sweep lease acquired")
		}

		err = r.supervise(ctx, asked.Add(r.cfg.LeaseTTL))
		if ctx.Err() != nil {
			r.logger.Info("sweep runner stopped")
			return
		}
		if err == errLeaseLost {
			r.holding.Store(false)
			r.logger.Warn("sweep lease lost to another holder")
			delay = 0
			continue
		}

		r.restarts.Add(1)
		delay = r.cfg.Backoff.Next(delay)
		r.logger.Error("sweep crashed, restarting",
			"error", err,
			"restarts", r.restarts.Load(),
			"next_delay", delay,
		)
		if !connwatch.Sleep(ctx, delay) {
			return
		}
	}
}

var errLeaseLost = errors.New("lease lost")

// supervise sweeps once, then on every tick, until ctx ends, the lease
// is lost, or a sweep panics. heldUntil is the latest moment the lease
// is known to be ours; failed renewals never extend it, so sweeping
// stops once it passes.
func (r *Runner) supervise(ctx context.Context, heldUntil time.Time) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("sweep panic: %v", p)
			r.logger.Debug("sweep panic stack", "stack", string(debug.Stack()))
		}
	}()

	r.sweepOnce()

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			asked := r.now()
			ok, err := r.lease.Renew(ctx, r.cfg.LeaseName, r.cfg.Holder, r.cfg.LeaseTTL)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			switch {
			case err != nil:
				if !r.now().Before(heldUntil) {
					r.logger.Warn("lease renew failed past expiry", "error", err, "held_until", heldUntil)
					return errLeaseLost
				}
				r.logger.Warn("lease renew failed", "error", err, "held_until", heldUntil)
			case !ok:
				return errLeaseLost
			default:
				heldUntil = asked.Add(r.cfg.LeaseTTL)
			}
			r.sweepOnce()
		}
	}
}

func (r *Runner) sweepOnce() {
	n := r.sweeper.Sweep(r.cfg.Clock())
	r.sweeps.Add(1)
	r.emitted.Add(int64(n))
}

func (r *Runner) release() {
	if !r.holding.Swap(false) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.lease.Release(ctx, r.cfg.LeaseName, r.cfg.Holder); err != nil {
		r.logger.Warn("lease release failed", "error", err)
		return
	}
	r.logger.Info("sweep lease released")
}
