// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Chronolog Contributors

package lock

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"github.com/chronolog/chronolog/internal/observability"
)

const defaultPollInterval = 50 * time.Millisecond

var errContended = errors.New("lock contended")

// beginner is the subset of pgxpool.Pool the manager uses. Satisfied by
// pgxmock in unit tests.
type beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresManager implements Manager on transaction-scoped advisory
// locks. Each acquisition holds its own transaction; release rolls it
// back, and a crashed holder's lock is released with its connection.
type PostgresManager struct {
	pool         beginner
	pollInterval time.Duration
}

// NewPostgresManager creates a lock manager on the given pool.
func NewPostgresManager(pool beginner) *PostgresManager {
	return &PostgresManager{pool: pool, pollInterval: defaultPollInterval}
}

// TryLock attempts a non-blocking acquisition.
func (m *PostgresManager) TryLock(ctx context.Context, name string) (*Lock, error) {
	l, err := m.tryOnce(ctx, name)
	if err != nil {
		return nil, err
	}
	if l.Locked {
		observability.RecordLockAcquisition(name, "acquired")
	} else {
		observability.RecordLockAcquisition(name, "contended")
	}
	return l, nil
}

// WaitForLock polls until acquired or the timeout elapses. The timeout
// compares total elapsed duration.
func (m *PostgresManager) WaitForLock(ctx context.Context, name string, timeout time.Duration) (*Lock, error) {
	start := time.Now()

	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var acquired *Lock
	err := retry.Do(waitCtx, retry.NewConstant(m.pollInterval), func(ctx context.Context) error {
		l, err := m.tryOnce(ctx, name)
		if err != nil {
			return err
		}
		if !l.Locked {
			return retry.RetryableError(errContended)
		}
		acquired = l
		return nil
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			observability.RecordLockAcquisition(name, "timeout")
			return &Lock{Name: name, TimedOut: true, WaitTime: time.Since(start)}, nil
		}
		if errors.Is(err, errContended) && waitCtx.Err() != nil && ctx.Err() == nil {
			observability.RecordLockAcquisition(name, "timeout")
			return &Lock{Name: name, TimedOut: true, WaitTime: time.Since(start)}, nil
		}
		return nil, err
	}

	observability.RecordLockAcquisition(name, "acquired")
	acquired.WaitTime = time.Since(start)
	return acquired, nil
}

// tryOnce takes one advisory lock attempt in a fresh transaction. The
// transaction is kept open only when the lock is acquired.
func (m *PostgresManager) tryOnce(ctx context.Context, name string) (*Lock, error) {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return nil, oops.Code("LOCK_ACQUIRE_FAILED").With("name", name).Wrap(err)
	}

	var locked bool
	if err := tx.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock($1)`, Digest(name)).Scan(&locked); err != nil {
		_ = tx.Rollback(ctx)
		return nil, oops.Code("LOCK_ACQUIRE_FAILED").With("name", name).Wrap(err)
	}
	if !locked {
		_ = tx.Rollback(ctx)
		return &Lock{Name: name}, nil
	}

	// Release must work after the acquiring context is cancelled.
	releaseCtx := context.WithoutCancel(ctx)
	return &Lock{
		Name:   name,
		Locked: true,
		release: func() {
			_ = tx.Rollback(releaseCtx)
		},
	}, nil
}

// Digest maps an opaque lock name onto the 64-bit advisory lock key
// space by truncating its SHA-256.
func Digest(name string) int64 {
	sum := sha256.Sum256([]byte(name))
	return int64(binary.BigEndian.Uint64(sum[:8]))
}
