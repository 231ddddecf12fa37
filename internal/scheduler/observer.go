// Package scheduler decides when a conversation has accumulated enough
// activity to be worth reflecting on.
//
// Every conversation gets at most one pending record at a time. The
// record fires a [Job] when either its turn count reaches the volume
// threshold (checked synchronously in [Observer.Observe]) or it has been
// idle for the elapsed threshold (checked by [Observer.Sweep]). Both
// paths remove the record under the same lock before emitting, so a
// record is handed off exactly once.
package scheduler

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Spardaa/unilife-backend-sub000/internal/transcript"
)

// Default trigger thresholds.
const (
	DefaultVolumeThreshold  = 15
	DefaultElapsedThreshold = 30 * time.Minute
)

// Reason records which trigger emitted a job.
type Reason string

const (
	ReasonVolume  Reason = "volume"
	ReasonElapsed Reason = "elapsed"
	ReasonManual  Reason = "manual"
)

// PendingObservation accumulates one conversation's turns until a
// trigger fires.
type PendingObservation struct {
	ConversationID string
	UserID         string
	Turns          []transcript.Turn
	Count          int
	FirstActivity  time.Time
	LastActivity   time.Time
}

// Job is one unit of reflection work handed off by a trigger.
type Job struct {
	ID             string
	ConversationID string
	UserID         string
	Reason         Reason
	Turns          []transcript.Turn
	FirstActivity  time.Time
	LastActivity   time.Time
}

// JobSink receives emitted jobs. Submit must not block.
type JobSink interface {
	Submit(job Job) bool
}

// SinkFunc adapts a function to [JobSink].
type SinkFunc func(job Job) bool

// Submit calls f(job).
func (f SinkFunc) Submit(job Job) bool { return f(job) }

// ObserverConfig holds the trigger thresholds.
type ObserverConfig struct {
	VolumeThreshold  int
	ElapsedThreshold time.Duration
}

// Observer is the dual-trigger scheduler. It is safe for concurrent use.
type Observer struct {
	id     string
	cfg    ObserverConfig
	sink   JobSink
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*PendingObservation
}

// NewObserver creates an observer that emits jobs to sink. Non-positive
// thresholds use the package defaults.
func NewObserver(cfg ObserverConfig, sink JobSink, logger *slog.Logger) *Observer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.VolumeThreshold <= 0 {
		cfg.VolumeThreshold = DefaultVolumeThreshold
	}
	if cfg.ElapsedThreshold <= 0 {
		cfg.ElapsedThreshold = DefaultElapsedThreshold
	}
	return &Observer{
		id:      uuid.NewString(),
		cfg:     cfg,
		sink:    sink,
		logger:  logger.With("component", "observer"),
		pending: make(map[string]*PendingObservation),
	}
}

// ID identifies this observer's pending map. Pending records live only
// in this process, so a sweep lease must be scoped to it; see
// [LeaseNameFor].
func (o *Observer) ID() string { return o.id }

// LeaseNameFor returns the sweep lease name for the observer with the
// given ID. Sharing one name across processes would let a sweeper that
// cannot see another process's pending records hold the lease for it.
func LeaseNameFor(observerID string) string {
	return DefaultLeaseName + ":" + observerID
}

// Observe records one turn of a conversation. The turn's timestamp is
// the activity time; a zero timestamp uses the wall clock. When the
// record reaches the volume threshold it is removed and emitted before
// Observe returns. Observe reports whether it emitted a job.
func (o *Observer) Observe(conversationID, userID string, turn transcript.Turn) bool {
	at := turn.Timestamp
	if at.IsZero() {
		at = time.Now()
	}

	o.mu.Lock()
	p, ok := o.pending[conversationID]
	if !ok {
		p = &PendingObservation{
			ConversationID: conversationID,
			UserID:         userID,
			FirstActivity:  at,
		}
		o.pending[conversationID] = p
	}
	if p.UserID == "" {
		p.UserID = userID
	}
	p.Turns = append(p.Turns, turn)
	p.Count++
	if at.After(p.LastActivity) {
		p.LastActivity = at
	}

	if p.Count < o.cfg.VolumeThreshold {
		o.mu.Unlock()
		return false
	}
	delete(o.pending, conversationID)
	o.mu.Unlock()

	o.emit(p, ReasonVolume)
	return true
}

// Sweep emits every pending record idle for at least the elapsed
// threshold as of now, and returns how many it emitted.
func (o *Observer) Sweep(now time.Time) int {
	o.mu.Lock()
	var due []*PendingObservation
	for id, p := range o.pending {
		if now.Sub(p.LastActivity) >= o.cfg.ElapsedThreshold {
			delete(o.pending, id)
			due = append(due, p)
		}
	}
	remaining := len(o.pending)
	o.mu.Unlock()

	sort.Slice(due, func(i, j int) bool {
		return due[i].LastActivity.Before(due[j].LastActivity)
	})
	emitted := 0
	for _, p := range due {
		if err := o.emitRecovered(p, ReasonElapsed); err != nil {
			o.logger.Error("reflection job emit panicked",
				"conversation", p.ConversationID,
				"error", err,
			)
			continue
		}
		emitted++
	}

	o.logger.Debug("sweep complete", "emitted", emitted, "pending", remaining)
	return emitted
}

// emitRecovered is emit with a panicking sink turned into an error, so
// one bad submission does not strand the rest of a sweep's records.
func (o *Observer) emitRecovered(p *PendingObservation, reason Reason) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panic: %v", r)
		}
	}()
	o.emit(p, reason)
	return nil
}

// Force emits a conversation's pending record immediately. It returns
// false, and does nothing, when the conversation has no pending record.
func (o *Observer) Force(conversationID string) bool {
	o.mu.Lock()
	p, ok := o.pending[conversationID]
	if ok {
		delete(o.pending, conversationID)
	}
	o.mu.Unlock()

	if !ok {
		o.logger.Debug("force found nothing pending", "conversation", conversationID)
		return false
	}
	o.emit(p, ReasonManual)
	return true
}

// Pending returns a snapshot of the pending records, ordered by
// conversation ID.
func (o *Observer) Pending() []PendingObservation {
	o.mu.Lock()
	out := make([]PendingObservation, 0, len(o.pending))
	for _, p := range o.pending {
		cp := *p
		cp.Turns = append([]transcript.Turn(nil), p.Turns...)
		out = append(out, cp)
	}
	o.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ConversationID < out[j].ConversationID })
	return out
}

// Len returns the number of pending records.
func (o *Observer) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

// emit hands a removed record to the sink. It must be called without
// o.mu held.
func (o *Observer) emit(p *PendingObservation, reason Reason) {
	job := Job{
		ID:             newJobID(),
		ConversationID: p.ConversationID,
		UserID:         p.UserID,
		Reason:         reason,
		Turns:          p.Turns,
		FirstActivity:  p.FirstActivity,
		LastActivity:   p.LastActivity,
	}

	accepted := o.sink != nil && o.sink.Submit(job)
	o.logger.Info("reflection job emitted",
		"job", job.ID,
		"conversation", job.ConversationID,
		"user", job.UserID,
		"reason", reason,
		"turns", len(job.Turns),
		"accepted", accepted,
	)
}

func newJobID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
