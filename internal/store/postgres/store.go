// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Chronolog Contributors

// Package postgres implements the event storage adapter on PostgreSQL.
package postgres

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/oops"

	"github.com/chronolog/chronolog/internal/event"
	"github.com/chronolog/chronolog/internal/observability"
	"github.com/chronolog/chronolog/internal/store"
)

const defaultScanBatchSize = 100

// poolIface is the subset of pgxpool.Pool the store uses. It is satisfied
// by pgxmock in unit tests.
type poolIface interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store implements store.EventStore on a single events table with a
// BIGSERIAL sequence number. Conditional appends take a transaction-scoped
// advisory lock at the scope implied by the configured guarantee, read the
// stream tail, assert the write condition and insert, all in one
// transaction.
type Store struct {
	pool          poolIface
	guarantee     store.Guarantee
	scanBatchSize int
	now           func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithScanBatchSize sets how many rows each scan fetch pulls.
func WithScanBatchSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.scanBatchSize = n
		}
	}
}

// New creates a Store on an existing pool.
func New(pool poolIface, guarantee store.Guarantee, opts ...Option) *Store {
	s := &Store{
		pool:          pool,
		guarantee:     guarantee,
		scanBatchSize: defaultScanBatchSize,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect creates a pool for the given DSN and returns a Store over it.
// The caller owns closing the returned pool.
func Connect(ctx context.Context, dsn string, guarantee store.Guarantee, opts ...Option) (*Store, *pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, oops.Code("STORE_CONNECT_FAILED").Wrap(err)
	}
	return New(pool, guarantee, opts...), pool, nil
}

// Save appends events to the target stream inside one transaction,
// serialised by an advisory lock scoped per the store's guarantee.
func (s *Store) Save(ctx context.Context, target event.StreamIdentifier, events []event.NewEvent, condition store.WriteCondition) (_ []event.StoredEvent, err error) {
	if condition == nil {
		condition = store.Unconditional()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, oops.Code("EVENT_APPEND_FAILED").With("stream", target.String()).Wrap(err)
	}
	defer func() {
		// Rollback after commit is a no-op; this covers every other
		// exit path, releasing the advisory lock with the transaction.
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, s.appendLockKey(target)); err != nil {
		return nil, oops.Code("EVENT_APPEND_FAILED").With("stream", target.String()).Wrap(err)
	}

	last, err := s.streamTail(ctx, tx, target)
	if err != nil {
		return nil, err
	}
	if err := condition.AssertMetBy(last); err != nil {
		return nil, err
	}

	nextPosition := int64(0)
	if last != nil {
		nextPosition = last.Position + 1
	}
	now := s.now().UTC()

	stored := make([]event.StoredEvent, len(events))
	for i, e := range events {
		observedAt := e.ObservedAt
		if observedAt.IsZero() {
			observedAt = now
		}
		occurredAt := e.OccurredAt
		if occurredAt.IsZero() {
			occurredAt = observedAt
		}
		id := uuid.New()
		payload := e.Payload
		if payload == nil {
			payload = json.RawMessage(`null`)
		}

		var sequenceNumber int64
		err := tx.QueryRow(ctx, `
			INSERT INTO events (id, name, category, stream, position, payload, observed_at, occurred_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING sequence_number
		`, id.String(), e.Name, target.Category, target.Stream, nextPosition+int64(i),
			[]byte(payload), observedAt, occurredAt).Scan(&sequenceNumber)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
				return nil, oops.Code("EVENT_POSITION_CONFLICT").
					With("stream", target.String()).
					With("position", nextPosition+int64(i)).
					Wrap(store.ErrConflict)
			}
			return nil, oops.Code("EVENT_APPEND_FAILED").With("stream", target.String()).Wrap(err)
		}

		stored[i] = event.StoredEvent{
			ID:             id,
			Name:           e.Name,
			Category:       target.Category,
			Stream:         target.Stream,
			Position:       nextPosition + int64(i),
			SequenceNumber: sequenceNumber,
			Payload:        payload,
			ObservedAt:     observedAt,
			OccurredAt:     occurredAt,
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, oops.Code("EVENT_APPEND_FAILED").With("stream", target.String()).Wrap(err)
	}

	observability.RecordAppend(target.Category, len(stored))
	return stored, nil
}

// Scan lazily yields events matching target in ascending sequence order
// using keyset pagination. Supported constraints are pushed into SQL;
// the rest are filtered in memory with identical semantics.
func (s *Store) Scan(ctx context.Context, target event.Identifier, constraints ...store.Constraint) store.EventSource {
	base := &scanQuery{}
	base.target(target)
	startCursor, residual := pushdown(base, constraints)

	return func(yield func(event.StoredEvent, error) bool) {
		cursor := startCursor
		for {
			batch, err := s.fetchBatch(ctx, base, cursor)
			if err != nil {
				yield(event.StoredEvent{}, err)
				return
			}
			if len(batch) == 0 {
				return
			}
			for _, e := range batch {
				cursor = e.SequenceNumber
				if !metBy(e, residual) {
					continue
				}
				observability.RecordScanned(1)
				if !yield(e, nil) {
					return
				}
			}
			// A partial batch means the snapshot is exhausted.
			if len(batch) < s.scanBatchSize {
				return
			}
		}
	}
}

// Latest returns the newest event within target, or nil.
func (s *Store) Latest(ctx context.Context, target event.Identifier) (*event.StoredEvent, error) {
	q := &scanQuery{}
	q.target(target)

	sql := "SELECT " + scanColumns + " FROM events"
	if len(q.clauses) > 0 {
		sql += " WHERE " + strings.Join(q.clauses, " AND ")
	}
	sql += " ORDER BY sequence_number DESC LIMIT 1"

	row := s.pool.QueryRow(ctx, sql, q.args...)
	e, err := scanEventRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, oops.Code("EVENT_READ_FAILED").With("target", target.String()).Wrap(err)
	}
	return e, nil
}

func (s *Store) fetchBatch(ctx context.Context, base *scanQuery, cursor int64) ([]event.StoredEvent, error) {
	q := &scanQuery{
		clauses: append([]string(nil), base.clauses...),
		args:    append([]any(nil), base.args...),
	}
	q.where("sequence_number > $%d", cursor)

	rows, err := s.pool.Query(ctx, q.sql(s.scanBatchSize), q.args...)
	if err != nil {
		return nil, oops.Code("EVENT_READ_FAILED").Wrap(err)
	}
	defer rows.Close()

	var batch []event.StoredEvent
	for rows.Next() {
		e, err := scanEventRow(rows)
		if err != nil {
			return nil, oops.Code("EVENT_READ_FAILED").Wrap(err)
		}
		batch = append(batch, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.Code("EVENT_READ_FAILED").Wrap(err)
	}
	return batch, nil
}

func (s *Store) streamTail(ctx context.Context, tx pgx.Tx, target event.StreamIdentifier) (*event.StoredEvent, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+scanColumns+`
		FROM events
		WHERE category = $1 AND stream = $2
		ORDER BY position DESC
		LIMIT 1
	`, target.Category, target.Stream)
	e, err := scanEventRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, oops.Code("EVENT_READ_FAILED").With("stream", target.String()).Wrap(err)
	}
	return e, nil
}

// appendLockKey derives the advisory lock key for a save: the log, the
// category or the stream, per the configured guarantee.
func (s *Store) appendLockKey(target event.StreamIdentifier) int64 {
	var scope event.Identifier
	switch s.guarantee {
	case store.GuaranteeLog:
		scope = event.Log()
	case store.GuaranteeCategory:
		scope = event.Category(target.Category)
	default:
		scope = target
	}
	return LockDigest("events:" + scope.String())
}

// LockDigest maps an opaque name onto the 64-bit advisory lock key space
// by truncating its SHA-256.
func LockDigest(name string) int64 {
	sum := sha256.Sum256([]byte(name))
	return int64(binary.BigEndian.Uint64(sum[:8]))
}

func metBy(e event.StoredEvent, constraints []store.Constraint) bool {
	for _, c := range constraints {
		if !c.MetBy(e) {
			return false
		}
	}
	return true
}

// scanEventRow reads one event row in scanColumns order.
func scanEventRow(row pgx.Row) (*event.StoredEvent, error) {
	var (
		e       event.StoredEvent
		idStr   string
		payload []byte
	)
	if err := row.Scan(&idStr, &e.Name, &e.Category, &e.Stream, &e.Position,
		&e.SequenceNumber, &payload, &e.ObservedAt, &e.OccurredAt); err != nil {
		return nil, err
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, oops.Code("EVENT_CORRUPT_ID").With("id", idStr).Wrap(err)
	}
	e.ID = id
	e.Payload = payload
	return &e, nil
}
