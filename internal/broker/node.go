// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Chronolog Contributors

package broker

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// NodeState is a cluster member and the time it last heartbeat.
type NodeState struct {
	ID         string
	LastSeenAt time.Time
}

// NewNodeID mints a fresh node identifier.
func NewNodeID() string {
	return ulid.Make().String()
}

// NodeStateStore tracks cluster membership via heartbeats.
type NodeStateStore interface {
	// Heartbeat upserts the node with the current time.
	Heartbeat(ctx context.Context, nodeID string) error

	// List returns nodes seen within maxAge, ordered by id.
	List(ctx context.Context, maxAge time.Duration) ([]NodeState, error)

	// Purge deletes nodes not seen for olderThan.
	Purge(ctx context.Context, olderThan time.Duration) error
}

// MemoryNodeStateStore is an in-memory NodeStateStore.
type MemoryNodeStateStore struct {
	mu    sync.Mutex
	nodes map[string]time.Time
	now   func() time.Time
}

// NewMemoryNodeStateStore creates an in-memory node state store.
func NewMemoryNodeStateStore() *MemoryNodeStateStore {
	return &MemoryNodeStateStore{
		nodes: make(map[string]time.Time),
		now:   time.Now,
	}
}

func (s *MemoryNodeStateStore) Heartbeat(ctx context.Context, nodeID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[nodeID] = s.now().UTC()
	return nil
}

func (s *MemoryNodeStateStore) List(ctx context.Context, maxAge time.Duration) ([]NodeState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().UTC().Add(-maxAge)
	var nodes []NodeState
	for id, lastSeen := range s.nodes {
		if !lastSeen.Before(cutoff) {
			nodes = append(nodes, NodeState{ID: id, LastSeenAt: lastSeen})
		}
	}
	sortNodes(nodes)
	return nodes, nil
}

func (s *MemoryNodeStateStore) Purge(ctx context.Context, olderThan time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().UTC().Add(-olderThan)
	for id, lastSeen := range s.nodes {
		if lastSeen.Before(cutoff) {
			delete(s.nodes, id)
		}
	}
	return nil
}

func sortNodes(nodes []NodeState) {
	slices.SortFunc(nodes, func(a, b NodeState) int {
		return strings.Compare(a.ID, b.ID)
	})
}

// NodeManager keeps this node's membership row fresh. It heartbeats at a
// fixed interval and purges stale rows opportunistically every few beats.
type NodeManager struct {
	nodeID   string
	store    NodeStateStore
	interval time.Duration
	purgeAge time.Duration

	// purgeEvery is how many heartbeats pass between purges.
	purgeEvery int

	status status
}

// NewNodeManager creates a node manager for the given node.
func NewNodeManager(nodeID string, store NodeStateStore, interval, purgeAge time.Duration) *NodeManager {
	return &NodeManager{
		nodeID:     nodeID,
		store:      store,
		interval:   interval,
		purgeAge:   purgeAge,
		purgeEvery: 10,
	}
}

// Status reports the manager's lifecycle state.
func (m *NodeManager) Status() Status { return m.status.get() }

// Run heartbeats until ctx is done. Store errors are logged and retried
// on the next beat.
func (m *NodeManager) Run(ctx context.Context) error {
	m.status.set(StatusRunning)
	defer m.status.set(StatusStopped)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	beats := 0
	for {
		if err := m.store.Heartbeat(ctx, m.nodeID); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.ErrorContext(ctx, "node heartbeat failed", "node_id", m.nodeID, "error", err)
		}
		beats++
		if beats%m.purgeEvery == 0 {
			if err := m.store.Purge(ctx, m.purgeAge); err != nil && ctx.Err() == nil {
				slog.WarnContext(ctx, "node purge failed", "node_id", m.nodeID, "error", err)
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
