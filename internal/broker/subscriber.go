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

	"github.com/samber/oops"
)

// SubscriberStore is the per-node registry of local subscribers. It is
// in-memory only: subscribers are process-local workers.
type SubscriberStore struct {
	mu          sync.Mutex
	subscribers map[SubscriberKey]EventSubscriber
}

// NewSubscriberStore creates an empty subscriber registry.
func NewSubscriberStore() *SubscriberStore {
	return &SubscriberStore{subscribers: make(map[SubscriberKey]EventSubscriber)}
}

// Add registers a subscriber. Registering an already-present key is a
// conflict.
func (s *SubscriberStore) Add(subscriber EventSubscriber) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := subscriber.Key()
	if _, ok := s.subscribers[key]; ok {
		return oops.Code("SUBSCRIBER_CONFLICT").
			With("group", key.Group).With("id", key.ID).
			Wrap(ErrConflict)
	}
	s.subscribers[key] = subscriber
	return nil
}

// Remove deregisters a subscriber. Removing an absent key is a no-op.
func (s *SubscriberStore) Remove(key SubscriberKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscribers, key)
}

// Get returns the subscriber for key, or nil.
func (s *SubscriberStore) Get(key SubscriberKey) EventSubscriber {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribers[key]
}

// List returns all local subscribers, ordered by key.
func (s *SubscriberStore) List() []EventSubscriber {
	s.mu.Lock()
	defer s.mu.Unlock()
	subscribers := make([]EventSubscriber, 0, len(s.subscribers))
	for _, subscriber := range s.subscribers {
		subscribers = append(subscribers, subscriber)
	}
	slices.SortFunc(subscribers, func(a, b EventSubscriber) int {
		ak, bk := a.Key(), b.Key()
		if c := strings.Compare(ak.Group, bk.Group); c != 0 {
			return c
		}
		return strings.Compare(ak.ID, bk.ID)
	})
	return subscribers
}

// SubscriberState is a subscriber's cluster-visible health record.
type SubscriberState struct {
	Key        SubscriberKey
	NodeID     string
	LastSeenAt time.Time
	Health     Health
}

// SubscriberStateStore exposes subscriber liveness to the coordinator.
type SubscriberStateStore interface {
	// Heartbeat upserts the subscriber's state with the current time.
	Heartbeat(ctx context.Context, key SubscriberKey, nodeID string, health Health) error

	// List returns subscriber states seen within maxAge.
	List(ctx context.Context, maxAge time.Duration) ([]SubscriberState, error)

	// Purge deletes states not seen for olderThan.
	Purge(ctx context.Context, olderThan time.Duration) error
}

type subscriberStateKey struct {
	key    SubscriberKey
	nodeID string
}

// MemorySubscriberStateStore is an in-memory SubscriberStateStore.
type MemorySubscriberStateStore struct {
	mu     sync.Mutex
	states map[subscriberStateKey]SubscriberState
	now    func() time.Time
}

// NewMemorySubscriberStateStore creates an in-memory subscriber state store.
func NewMemorySubscriberStateStore() *MemorySubscriberStateStore {
	return &MemorySubscriberStateStore{
		states: make(map[subscriberStateKey]SubscriberState),
		now:    time.Now,
	}
}

func (s *MemorySubscriberStateStore) Heartbeat(ctx context.Context, key SubscriberKey, nodeID string, health Health) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[subscriberStateKey{key: key, nodeID: nodeID}] = SubscriberState{
		Key:        key,
		NodeID:     nodeID,
		LastSeenAt: s.now().UTC(),
		Health:     health,
	}
	return nil
}

func (s *MemorySubscriberStateStore) List(ctx context.Context, maxAge time.Duration) ([]SubscriberState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().UTC().Add(-maxAge)
	var states []SubscriberState
	for _, state := range s.states {
		if !state.LastSeenAt.Before(cutoff) {
			states = append(states, state)
		}
	}
	slices.SortFunc(states, func(a, b SubscriberState) int {
		if c := strings.Compare(a.Key.Group, b.Key.Group); c != 0 {
			return c
		}
		if c := strings.Compare(a.Key.ID, b.Key.ID); c != 0 {
			return c
		}
		return strings.Compare(a.NodeID, b.NodeID)
	})
	return states, nil
}

func (s *MemorySubscriberStateStore) Purge(ctx context.Context, olderThan time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().UTC().Add(-olderThan)
	for key, state := range s.states {
		if state.LastSeenAt.Before(cutoff) {
			delete(s.states, key)
		}
	}
	return nil
}

// SubscriberManager heartbeats every local subscriber's health into the
// cluster-visible state store.
type SubscriberManager struct {
	nodeID   string
	store    *SubscriberStore
	states   SubscriberStateStore
	interval time.Duration
	purgeAge time.Duration

	purgeEvery int

	status status
}

// NewSubscriberManager creates a subscriber manager for the given node.
func NewSubscriberManager(nodeID string, store *SubscriberStore, states SubscriberStateStore, interval, purgeAge time.Duration) *SubscriberManager {
	return &SubscriberManager{
		nodeID:     nodeID,
		store:      store,
		states:     states,
		interval:   interval,
		purgeAge:   purgeAge,
		purgeEvery: 10,
	}
}

// Status reports the manager's lifecycle state.
func (m *SubscriberManager) Status() Status { return m.status.get() }

// Run heartbeats local subscribers until ctx is done. Store errors are
// logged and retried on the next beat.
func (m *SubscriberManager) Run(ctx context.Context) error {
	m.status.set(StatusRunning)
	defer m.status.set(StatusStopped)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	beats := 0
	for {
		for _, subscriber := range m.store.List() {
			err := m.states.Heartbeat(ctx, subscriber.Key(), m.nodeID, subscriber.Health())
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				slog.ErrorContext(ctx, "subscriber heartbeat failed",
					"group", subscriber.Key().Group,
					"id", subscriber.Key().ID,
					"error", err)
			}
		}
		beats++
		if beats%m.purgeEvery == 0 {
			if err := m.states.Purge(ctx, m.purgeAge); err != nil && ctx.Err() == nil {
				slog.WarnContext(ctx, "subscriber state purge failed", "error", err)
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
