// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Chronolog Contributors

package broker

import (
	"hash/fnv"
	"slices"
	"strings"

	"github.com/chronolog/chronolog/internal/event"
)

// Assignments indexes subscription state by key.
type Assignments map[SubscriptionKey]SubscriptionState

// Diff computes the minimal changeset transforming actual into desired.
// Rows present in both with equal node and sources are untouched, so
// existing assignments are retained wherever possible. The changeset is
// ordered by key for determinism.
func Diff(desired, actual Assignments) Changeset {
	var changes Changeset
	for key, want := range desired {
		have, exists := actual[key]
		switch {
		case !exists:
			changes = append(changes, Change{Type: ChangeAdd, State: want})
		case have.NodeID != want.NodeID || !identifiersEqual(have.Sources, want.Sources):
			changes = append(changes, Change{Type: ChangeReplace, State: want})
		}
	}
	for key, have := range actual {
		if _, exists := desired[key]; !exists {
			changes = append(changes, Change{Type: ChangeRemove, State: SubscriptionState{Key: have.Key, NodeID: have.NodeID}})
		}
	}
	slices.SortFunc(changes, func(a, b Change) int {
		if c := strings.Compare(a.State.Key.Group, b.State.Key.Group); c != 0 {
			return c
		}
		if c := strings.Compare(a.State.Key.ID, b.State.Key.ID); c != 0 {
			return c
		}
		return strings.Compare(string(a.Type), string(b.Type))
	})
	return changes
}

// desiredAssignments partitions each live group's declared sources across
// its live members. Sources are ordered by stable hash and dealt
// round-robin to members sorted by id, so the split is deterministic,
// balanced, and stable while membership is unchanged.
func desiredAssignments(mappings []SourceMapping, subscribers []SubscriberState, nodes []NodeState) Assignments {
	liveNodes := make(map[string]bool, len(nodes))
	for _, node := range nodes {
		liveNodes[node.ID] = true
	}

	// One live, healthy member per (group, id); later heartbeats from
	// other nodes for the same key keep the first seen in sort order.
	members := make(map[string][]SubscriberState)
	seen := make(map[SubscriberKey]bool)
	for _, subscriber := range subscribers {
		if subscriber.Health != HealthHealthy || !liveNodes[subscriber.NodeID] || seen[subscriber.Key] {
			continue
		}
		seen[subscriber.Key] = true
		members[subscriber.Key.Group] = append(members[subscriber.Key.Group], subscriber)
	}

	desired := make(Assignments)
	for _, mapping := range mappings {
		groupMembers := members[mapping.Group]
		if len(groupMembers) == 0 {
			continue
		}
		slices.SortFunc(groupMembers, func(a, b SubscriberState) int {
			return strings.Compare(a.Key.ID, b.Key.ID)
		})

		sources := slices.Clone(mapping.Sources)
		slices.SortStableFunc(sources, func(a, b event.Identifier) int {
			ha, hb := sourceHash(a), sourceHash(b)
			switch {
			case ha < hb:
				return -1
			case ha > hb:
				return 1
			default:
				return strings.Compare(a.String(), b.String())
			}
		})

		states := make([]SubscriptionState, len(groupMembers))
		for i, member := range groupMembers {
			states[i] = SubscriptionState{
				Key:    SubscriptionKey{Group: mapping.Group, ID: member.Key.ID},
				NodeID: member.NodeID,
			}
		}
		for i, source := range sources {
			member := &states[i%len(states)]
			member.Sources = append(member.Sources, source)
		}
		for _, state := range states {
			desired[state.Key] = state
		}
	}
	return desired
}

// indexAssignments indexes assignment rows by key. Rows whose node or
// subscriber has died stay in the index so the diff emits their removal.
func indexAssignments(states []SubscriptionState) Assignments {
	actual := make(Assignments, len(states))
	for _, state := range states {
		actual[state.Key] = state
	}
	return actual
}

func sourceHash(id event.Identifier) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(id.String()))
	return h.Sum64()
}

func identifiersEqual(a, b []event.Identifier) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
