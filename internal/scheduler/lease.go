package scheduler

import (
	"context"
	"sync"
	"time"
)

// Lease guarantees that at most one holder runs a named background task
// at a time. A lease expires ttl after it was last acquired or renewed.
type Lease interface {
	// TryAcquire takes the lease if it is free, expired, or already
	// held by holder.
	TryAcquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)

	// Renew extends a lease held by holder. It reports false if the
	// lease was lost to another holder.
	Renew(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)

	// Release frees a lease held by holder. Releasing a lease held by
	// someone else is a no-op.
	Release(ctx context.Context, name, holder string) error
}

type memoryEntry struct {
	holder  string
	expires time.Time
}

// MemoryLease is an in-process [Lease].
type MemoryLease struct {
	now func() time.Time

	mu     sync.Mutex
	leases map[string]memoryEntry
}

// NewMemoryLease creates an empty in-process lease table.
func NewMemoryLease() *MemoryLease {
	return &MemoryLease{now: time.Now, leases: make(map[string]memoryEntry)}
}

// TryAcquire implements [Lease].
func (l *MemoryLease) TryAcquire(_ context.Context, name, holder string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, ok := l.leases[name]
	if ok && e.holder != holder && now.Before(e.expires) {
		return false, nil
	}
	l.leases[name] = memoryEntry{holder: holder, expires: now.Add(ttl)}
	return true, nil
}

// Renew implements [Lease]. An expired lease nobody else took is
// simply re-taken.
func (l *MemoryLease) Renew(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	return l.TryAcquire(ctx, name, holder, ttl)
}

// Release implements [Lease].
func (l *MemoryLease) Release(_ context.Context, name, holder string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.leases[name]; ok && e.holder == holder {
		delete(l.leases, name)
	}
	return nil
}

// Holder returns the current unexpired holder of name, or "".
func (l *MemoryLease) Holder(name string) string {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.leases[name]
	if !ok || !l.now().Before(e.expires) {
		return ""
	}
	return e.holder
}
