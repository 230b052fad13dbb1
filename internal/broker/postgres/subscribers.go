// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Chronolog Contributors

package postgres

import (
	"context"
	"time"

	"github.com/samber/oops"

	"github.com/chronolog/chronolog/internal/broker"
)

// SubscriberStateStore implements broker.SubscriberStateStore on a
// subscriber_states table keyed by (group, id, node).
type SubscriberStateStore struct {
	pool poolIface
	now  func() time.Time
}

// NewSubscriberStateStore creates a subscriber state store on the given pool.
func NewSubscriberStateStore(pool poolIface) *SubscriberStateStore {
	return &SubscriberStateStore{pool: pool, now: time.Now}
}

// Heartbeat upserts the subscriber's health and last-seen time.
func (s *SubscriberStateStore) Heartbeat(ctx context.Context, key broker.SubscriberKey, nodeID string, health broker.Health) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO subscriber_states (group_name, id, node_id, last_seen_at, health)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (group_name, id, node_id)
		DO UPDATE SET last_seen_at = EXCLUDED.last_seen_at, health = EXCLUDED.health
	`, key.Group, key.ID, nodeID, s.now().UTC(), string(health))
	if err != nil {
		return oops.Code("SUBSCRIBER_HEARTBEAT_FAILED").
			With("group", key.Group).With("id", key.ID).
			Wrap(err)
	}
	return nil
}

// List returns subscriber states seen within maxAge, ordered by key.
func (s *SubscriberStateStore) List(ctx context.Context, maxAge time.Duration) ([]broker.SubscriberState, error) {
	cutoff := s.now().UTC().Add(-maxAge)
	rows, err := s.pool.Query(ctx, `
		SELECT group_name, id, node_id, last_seen_at, health
		FROM subscriber_states
		WHERE last_seen_at >= $1
		ORDER BY group_name, id, node_id
	`, cutoff)
	if err != nil {
		return nil, oops.Code("SUBSCRIBER_LIST_FAILED").Wrap(err)
	}
	defer rows.Close()

	var states []broker.SubscriberState
	for rows.Next() {
		var (
			state  broker.SubscriberState
			health string
		)
		if err := rows.Scan(&state.Key.Group, &state.Key.ID, &state.NodeID, &state.LastSeenAt, &health); err != nil {
			return nil, oops.Code("SUBSCRIBER_LIST_FAILED").Wrap(err)
		}
		state.Health = broker.Health(health)
		states = append(states, state)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.Code("SUBSCRIBER_LIST_FAILED").Wrap(err)
	}
	return states, nil
}

// Purge deletes states not seen for olderThan.
func (s *SubscriberStateStore) Purge(ctx context.Context, olderThan time.Duration) error {
	cutoff := s.now().UTC().Add(-olderThan)
	if _, err := s.pool.Exec(ctx, `DELETE FROM subscriber_states WHERE last_seen_at < $1`, cutoff); err != nil {
		return oops.Code("SUBSCRIBER_PURGE_FAILED").Wrap(err)
	}
	return nil
}
