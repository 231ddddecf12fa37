// Package connwatch tracks whether an external dependency (the language
// model endpoint) is reachable and owns the exponential backoff schedule
// shared by every supervised background task.
//
// A Watcher probes immediately, then backs off (2s, 4s, 8s, ... capped at
// 60s) while the service is down and polls at a fixed interval while it
// is up. httpkit handles sub-second dial retries; connwatch handles
// outages measured in seconds to minutes.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// BackoffConfig controls the exponential backoff behavior.
type BackoffConfig struct {
	// InitialDelay is the first retry delay (default: 2s).
	InitialDelay time.Duration

	// MaxDelay is the ceiling for backoff growth (default: 60s).
	MaxDelay time.Duration

	// Multiplier scales the delay after each retry (default: 2.0).
	Multiplier float64

	// PollInterval is the check interval while the service is healthy
	// (default: 60s).
	PollInterval time.Duration

	// ProbeTimeout limits each probe call (default: 10s).
	ProbeTimeout time.Duration
}

// DefaultBackoffConfig returns 2s, 4s, 8s, 16s, 32s, 60s (capped) with
// 60-second healthy polling.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

// WithDefaults replaces zero-value fields with [DefaultBackoffConfig]
// values.
func (b BackoffConfig) WithDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.Multiplier < 1 {
		b.Multiplier = d.Multiplier
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// Next returns the delay that follows delay. A non-positive delay
// starts the schedule at InitialDelay.
func (b BackoffConfig) Next(delay time.Duration) time.Duration {
	if delay <= 0 {
		return b.InitialDelay
	}
	delay = time.Duration(float64(delay) * b.Multiplier)
	if delay > b.MaxDelay {
		delay = b.MaxDelay
	}
	return delay
}

// WatcherConfig configures a watcher.
type WatcherConfig struct {
	// Name identifies the service in logs and status (e.g., "llm").
	Name string

	// Probe checks service health. Must be safe for concurrent use.
	Probe ProbeFunc

	Backoff BackoffConfig

	// OnDown is called in its own goroutine when a healthy service
	// stops responding. Optional.
	OnDown func(err error)

	// Logger uses slog.Default() if nil.
	Logger *slog.Logger
}

// ServiceStatus is the health of a watched service, suitable for JSON
// serialization in health endpoints.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
	Failures  int       `json:"consecutive_failures,omitempty"`
}

// Watcher monitors one service.
type Watcher struct {
	config WatcherConfig
	logger *slog.Logger
	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
	failures  int
}

// Watch starts a watcher in a background goroutine that runs until ctx
// is cancelled or Stop is called.
//
// Panics if Name is empty or Probe is nil.
func Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Backoff = cfg.Backoff.WithDefaults()

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		config: cfg,
		logger: cfg.Logger.With("component", "connwatch", "service", cfg.Name),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go w.run(watchCtx)
	return w
}

// IsReady reports whether the service answered its most recent probe.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// Status returns the current health status.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := ServiceStatus{
		Name:      w.config.Name,
		Ready:     w.ready.Load(),
		LastCheck: w.lastCheck,
		Failures:  w.failures,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	cfg := w.config.Backoff
	var delay time.Duration
	for {
		err := w.probe(ctx)
		if ctx.Err() != nil {
			return
		}
		wasReady := w.ready.Load()
		w.recordResult(err)

		switch {
		case err == nil:
			if !wasReady {
				w.logger.Info("service reachable")
			}
			w.ready.Store(true)
			delay = 0
		case wasReady:
			w.ready.Store(false)
			w.logger.Warn("service became unreachable", "error", err)
			if w.config.OnDown != nil {
				go w.config.OnDown(err)
			}
			delay = cfg.Next(0)
		default:
			delay = cfg.Next(delay)
			w.logger.Debug("service still unreachable", "next_delay", delay, "error", err)
		}

		wait := cfg.PollInterval
		if err != nil {
			wait = delay
		}
		if !Sleep(ctx, wait) {
			return
		}
	}
}

func (w *Watcher) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.config.Backoff.ProbeTimeout)
	defer cancel()
	return w.config.Probe(probeCtx)
}

func (w *Watcher) recordResult(err error) {
	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	if err != nil {
		w.failures++
	} else {
		w.failures = 0
	}
	w.mu.Unlock()
}

// Sleep sleeps for d or until ctx is cancelled. Returns false if
// cancelled.
func Sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
