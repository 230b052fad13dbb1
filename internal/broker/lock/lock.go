// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Chronolog Contributors

// Package lock provides named locks with non-blocking and bounded-wait
// acquisition, in-memory and on postgres advisory locks.
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/chronolog/chronolog/internal/observability"
)

// Lock is the outcome of an acquisition attempt. Locked reports whether
// the lock was taken; TimedOut is set when a bounded wait expired first.
// Release must be safe to defer on every path, including when the lock
// was never acquired.
type Lock struct {
	Name     string
	Locked   bool
	TimedOut bool
	WaitTime time.Duration

	releaseOnce sync.Once
	release     func()
}

// Release frees the lock. Idempotent; a no-op when the lock was not
// acquired.
func (l *Lock) Release() {
	l.releaseOnce.Do(func() {
		if l.release != nil {
			l.release()
		}
	})
}

// Manager acquires named locks. Names are opaque strings.
type Manager interface {
	// TryLock attempts a non-blocking acquisition. The returned Lock's
	// Locked field reflects the outcome; contention is not an error.
	TryLock(ctx context.Context, name string) (*Lock, error)

	// WaitForLock polls until the lock is acquired or timeout elapses.
	// A zero timeout waits until ctx is done. On expiry the returned
	// Lock has TimedOut set; WaitTime reports the elapsed wait.
	WaitForLock(ctx context.Context, name string, timeout time.Duration) (*Lock, error)
}

// MemoryManager is an in-process Manager backed by one mutex per name.
// State is per instance.
type MemoryManager struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex

	pollInterval time.Duration
}

// NewMemoryManager creates an in-memory lock manager.
func NewMemoryManager() *MemoryManager {
	return &MemoryManager{
		locks:        make(map[string]*sync.Mutex),
		pollInterval: 10 * time.Millisecond,
	}
}

func (m *MemoryManager) mutexFor(name string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[name]
	if !ok {
		l = &sync.Mutex{}
		m.locks[name] = l
	}
	return l
}

// TryLock attempts a non-blocking acquisition.
func (m *MemoryManager) TryLock(ctx context.Context, name string) (*Lock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mutex := m.mutexFor(name)
	if !mutex.TryLock() {
		observability.RecordLockAcquisition(name, "contended")
		return &Lock{Name: name}, nil
	}
	observability.RecordLockAcquisition(name, "acquired")
	return &Lock{Name: name, Locked: true, release: mutex.Unlock}, nil
}

// WaitForLock polls until acquired or the timeout elapses. The timeout
// compares total elapsed duration.
func (m *MemoryManager) WaitForLock(ctx context.Context, name string, timeout time.Duration) (*Lock, error) {
	start := time.Now()
	deadline := time.Time{}
	if timeout > 0 {
		deadline = start.Add(timeout)
	}

	mutex := m.mutexFor(name)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if mutex.TryLock() {
			observability.RecordLockAcquisition(name, "acquired")
			return &Lock{
				Name:     name,
				Locked:   true,
				WaitTime: time.Since(start),
				release:  mutex.Unlock,
			}, nil
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			observability.RecordLockAcquisition(name, "timeout")
			return &Lock{Name: name, TimedOut: true, WaitTime: time.Since(start)}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.pollInterval):
		}
	}
}
