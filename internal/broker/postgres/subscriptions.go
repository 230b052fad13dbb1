// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Chronolog Contributors

package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/samber/oops"

	"github.com/chronolog/chronolog/internal/broker"
	"github.com/chronolog/chronolog/internal/event"
)

// SubscriptionStateStore implements broker.SubscriptionStateStore on a
// subscription_states table keyed by (group, id). Apply runs in one
// transaction; with the coordinator lock held this makes the table
// linearisable with respect to rebalances.
type SubscriptionStateStore struct {
	pool poolIface
}

// NewSubscriptionStateStore creates a subscription state store on the
// given pool.
func NewSubscriptionStateStore(pool poolIface) *SubscriptionStateStore {
	return &SubscriptionStateStore{pool: pool}
}

// List returns all assignment rows, ordered by key.
func (s *SubscriptionStateStore) List(ctx context.Context) ([]broker.SubscriptionState, error) {
	return s.list(ctx, `
		SELECT group_name, id, node_id, event_sources
		FROM subscription_states
		ORDER BY group_name, id
	`)
}

// ListForNode returns the rows assigned to one node, ordered by key.
func (s *SubscriptionStateStore) ListForNode(ctx context.Context, nodeID string) ([]broker.SubscriptionState, error) {
	return s.list(ctx, `
		SELECT group_name, id, node_id, event_sources
		FROM subscription_states
		WHERE node_id = $1
		ORDER BY group_name, id
	`, nodeID)
}

func (s *SubscriptionStateStore) list(ctx context.Context, sql string, args ...any) ([]broker.SubscriptionState, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, oops.Code("SUBSCRIPTION_LIST_FAILED").Wrap(err)
	}
	defer rows.Close()

	var states []broker.SubscriptionState
	for rows.Next() {
		var (
			state   broker.SubscriptionState
			sources []byte
		)
		if err := rows.Scan(&state.Key.Group, &state.Key.ID, &state.NodeID, &sources); err != nil {
			return nil, oops.Code("SUBSCRIPTION_LIST_FAILED").Wrap(err)
		}
		state.Sources, err = event.UnmarshalIdentifiers(sources)
		if err != nil {
			return nil, oops.Code("SUBSCRIPTION_LIST_FAILED").
				With("group", state.Key.Group).With("id", state.Key.ID).
				Wrap(err)
		}
		states = append(states, state)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.Code("SUBSCRIPTION_LIST_FAILED").Wrap(err)
	}
	return states, nil
}

// Apply applies the changeset in one transaction. Adding an existing key
// is a conflict and rolls the whole changeset back.
func (s *SubscriptionStateStore) Apply(ctx context.Context, changes broker.Changeset) (err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return oops.Code("SUBSCRIPTION_APPLY_FAILED").Wrap(err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	for _, change := range changes {
		if err := applyChange(ctx, tx, change); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return oops.Code("SUBSCRIPTION_APPLY_FAILED").Wrap(err)
	}
	return nil
}

func applyChange(ctx context.Context, tx pgx.Tx, change broker.Change) error {
	state := change.State
	switch change.Type {
	case broker.ChangeAdd:
		sources, err := event.MarshalIdentifiers(state.Sources)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO subscription_states (group_name, id, node_id, event_sources)
			VALUES ($1, $2, $3, $4)
		`, state.Key.Group, state.Key.ID, state.NodeID, sources)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
				return oops.Code("SUBSCRIPTION_CONFLICT").
					With("group", state.Key.Group).With("id", state.Key.ID).
					Wrap(broker.ErrConflict)
			}
			return oops.Code("SUBSCRIPTION_APPLY_FAILED").Wrap(err)
		}
	case broker.ChangeReplace:
		sources, err := event.MarshalIdentifiers(state.Sources)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO subscription_states (group_name, id, node_id, event_sources)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (group_name, id)
			DO UPDATE SET node_id = EXCLUDED.node_id, event_sources = EXCLUDED.event_sources
		`, state.Key.Group, state.Key.ID, state.NodeID, sources)
		if err != nil {
			return oops.Code("SUBSCRIPTION_APPLY_FAILED").Wrap(err)
		}
	case broker.ChangeRemove:
		_, err := tx.Exec(ctx, `
			DELETE FROM subscription_states WHERE group_name = $1 AND id = $2
		`, state.Key.Group, state.Key.ID)
		if err != nil {
			return oops.Code("SUBSCRIPTION_APPLY_FAILED").Wrap(err)
		}
	default:
		return oops.Code("SUBSCRIPTION_CHANGE_UNSUPPORTED").
			Errorf("unknown change type %q", change.Type)
	}
	return nil
}
