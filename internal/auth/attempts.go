package auth

import (
	"context"
	"sync"
	"time"
)

// AttemptTracker counts consecutive failed direct-credential logins per identity.
type AttemptTracker interface {
	RecordFailure(ctx context.Context, key IdentityKey, at time.Time) error
	// Reset removes the record entirely.
	Reset(ctx context.Context, key IdentityKey) error
	// Lock sets the lockout expiry; it is a no-op when no record exists.
	Lock(ctx context.Context, key IdentityKey, until time.Time) error
	Get(ctx context.Context, key IdentityKey) (LoginAttempt, bool, error)
}

type MemoryAttemptTracker struct {
	mu       sync.Mutex
	attempts map[IdentityKey]*LoginAttempt
}

func NewMemoryAttemptTracker() *MemoryAttemptTracker {
	return &MemoryAttemptTracker{attempts: make(map[IdentityKey]*LoginAttempt)}
}

func (t *MemoryAttemptTracker) RecordFailure(_ context.Context, key IdentityKey, at time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	existing, ok := t.attempts[key]
	if !ok {
		t.attempts[key] = &LoginAttempt{Key: key, Failures: 1, LastFailure: at}
		return nil
	}
	existing.Failures++
	existing.LastFailure = at
	return nil
}

func (t *MemoryAttemptTracker) Reset(_ context.Context, key IdentityKey) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.attempts, key)
	return nil
}

func (t *MemoryAttemptTracker) Lock(_ context.Context, key IdentityKey, until time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.attempts[key]; ok {
		value := until
		existing.LockedUntil = &value
	}
	return nil
}

func (t *MemoryAttemptTracker) Get(_ context.Context, key IdentityKey) (LoginAttempt, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	existing, ok := t.attempts[key]
	if !ok {
		return LoginAttempt{}, false, nil
	}
	copied := *existing
	if existing.LockedUntil != nil {
		until := *existing.LockedUntil
		copied.LockedUntil = &until
	}
	return copied, true, nil
}

// PruneStale drops records whose last failure is older than before and whose
// lockout, if any, has already passed at before.
func (t *MemoryAttemptTracker) PruneStale(_ context.Context, before time.Time) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var deleted int64
	for key, attempt := range t.attempts {
		if !attempt.LastFailure.Before(before) {
			continue
		}
		if attempt.LockedAt(before) {
			continue
		}
		delete(t.attempts, key)
		deleted++
	}
	return deleted, nil
}
