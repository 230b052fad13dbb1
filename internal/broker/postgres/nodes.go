// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Chronolog Contributors

package postgres

import (
	"context"
	"time"

	"github.com/samber/oops"

	"github.com/chronolog/chronolog/internal/broker"
)

// NodeStateStore implements broker.NodeStateStore on a nodes table.
type NodeStateStore struct {
	pool poolIface
	now  func() time.Time
}

// NewNodeStateStore creates a node state store on the given pool.
func NewNodeStateStore(pool poolIface) *NodeStateStore {
	return &NodeStateStore{pool: pool, now: time.Now}
}

// Heartbeat upserts the node's last-seen time.
func (s *NodeStateStore) Heartbeat(ctx context.Context, nodeID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO nodes (id, last_seen_at)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET last_seen_at = EXCLUDED.last_seen_at
	`, nodeID, s.now().UTC())
	if err != nil {
		return oops.Code("NODE_HEARTBEAT_FAILED").With("node_id", nodeID).Wrap(err)
	}
	return nil
}

// List returns nodes seen within maxAge, ordered by id.
func (s *NodeStateStore) List(ctx context.Context, maxAge time.Duration) ([]broker.NodeState, error) {
	cutoff := s.now().UTC().Add(-maxAge)
	rows, err := s.pool.Query(ctx, `
		SELECT id, last_seen_at FROM nodes WHERE last_seen_at >= $1 ORDER BY id
	`, cutoff)
	if err != nil {
		return nil, oops.Code("NODE_LIST_FAILED").Wrap(err)
	}
	defer rows.Close()

	var nodes []broker.NodeState
	for rows.Next() {
		var node broker.NodeState
		if err := rows.Scan(&node.ID, &node.LastSeenAt); err != nil {
			return nil, oops.Code("NODE_LIST_FAILED").Wrap(err)
		}
		nodes = append(nodes, node)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.Code("NODE_LIST_FAILED").Wrap(err)
	}
	return nodes, nil
}

// Purge deletes nodes not seen for olderThan.
func (s *NodeStateStore) Purge(ctx context.Context, olderThan time.Duration) error {
	cutoff := s.now().UTC().Add(-olderThan)
	if _, err := s.pool.Exec(ctx, `DELETE FROM nodes WHERE last_seen_at < $1`, cutoff); err != nil {
		return oops.Code("NODE_PURGE_FAILED").Wrap(err)
	}
	return nil
}
