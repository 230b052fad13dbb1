// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Chronolog Contributors

package broker

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/samber/oops"

	"github.com/chronolog/chronolog/internal/event"
)

// SubscriptionKey identifies an assignment row: one subscriber instance
// within a group.
type SubscriptionKey struct {
	Group string
	ID    string
}

// SubscriberKey converts the assignment key to the local registry key.
func (k SubscriptionKey) SubscriberKey() SubscriberKey {
	return SubscriberKey{Group: k.Group, ID: k.ID}
}

// SubscriptionState is one assignment row: which node runs the
// subscriber and which event sources it consumes.
type SubscriptionState struct {
	Key     SubscriptionKey
	NodeID  string
	Sources []event.Identifier
}

// ChangeType distinguishes assignment changes.
type ChangeType string

const (
	ChangeAdd     ChangeType = "add"
	ChangeRemove  ChangeType = "remove"
	ChangeReplace ChangeType = "replace"
)

// Change is one assignment mutation. For ChangeRemove only State.Key is
// meaningful.
type Change struct {
	Type  ChangeType
	State SubscriptionState
}

// Changeset is an ordered set of assignment mutations applied atomically.
type Changeset []Change

// SubscriptionStateStore is the authoritative assignment table. Only the
// coordinator mutates it, under the cluster coordinator lock; observers
// read their own node's rows.
type SubscriptionStateStore interface {
	// List returns all assignment rows, ordered by key.
	List(ctx context.Context) ([]SubscriptionState, error)

	// ListForNode returns the rows assigned to one node, ordered by key.
	ListForNode(ctx context.Context, nodeID string) ([]SubscriptionState, error)

	// Apply atomically applies the changeset. Adding an existing key is
	// a conflict; removing an absent key is a no-op; replace upserts.
	Apply(ctx context.Context, changes Changeset) error
}

// MemorySubscriptionStateStore is an in-memory SubscriptionStateStore.
type MemorySubscriptionStateStore struct {
	mu     sync.Mutex
	states map[SubscriptionKey]SubscriptionState
}

// NewMemorySubscriptionStateStore creates an in-memory subscription
// state store.
func NewMemorySubscriptionStateStore() *MemorySubscriptionStateStore {
	return &MemorySubscriptionStateStore{states: make(map[SubscriptionKey]SubscriptionState)}
}

func (s *MemorySubscriptionStateStore) List(ctx context.Context) ([]SubscriptionState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listLocked(func(SubscriptionState) bool { return true }), nil
}

func (s *MemorySubscriptionStateStore) ListForNode(ctx context.Context, nodeID string) ([]SubscriptionState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listLocked(func(state SubscriptionState) bool { return state.NodeID == nodeID }), nil
}

func (s *MemorySubscriptionStateStore) listLocked(keep func(SubscriptionState) bool) []SubscriptionState {
	var states []SubscriptionState
	for _, state := range s.states {
		if keep(state) {
			state.Sources = slices.Clone(state.Sources)
			states = append(states, state)
		}
	}
	slices.SortFunc(states, func(a, b SubscriptionState) int {
		if c := strings.Compare(a.Key.Group, b.Key.Group); c != 0 {
			return c
		}
		return strings.Compare(a.Key.ID, b.Key.ID)
	})
	return states
}

// Apply validates the whole changeset before mutating, so a conflict
// leaves the table untouched.
func (s *MemorySubscriptionStateStore) Apply(ctx context.Context, changes Changeset) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	added := make(map[SubscriptionKey]bool)
	for _, change := range changes {
		if change.Type != ChangeAdd {
			continue
		}
		key := change.State.Key
		if _, exists := s.states[key]; exists || added[key] {
			return oops.Code("SUBSCRIPTION_CONFLICT").
				With("group", key.Group).With("id", key.ID).
				Wrap(ErrConflict)
		}
		added[key] = true
	}

	for _, change := range changes {
		state := change.State
		state.Sources = slices.Clone(state.Sources)
		switch change.Type {
		case ChangeAdd, ChangeReplace:
			s.states[state.Key] = state
		case ChangeRemove:
			delete(s.states, state.Key)
		default:
			return oops.Code("SUBSCRIPTION_CHANGE_UNSUPPORTED").
				Errorf("unknown change type %q", change.Type)
		}
	}
	return nil
}
