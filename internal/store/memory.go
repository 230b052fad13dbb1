// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Chronolog Contributors

package store

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chronolog/chronolog/internal/event"
)

type streamKey struct {
	category string
	stream   string
}

// MemoryStore is an in-memory EventStore. All state is per instance and
// guarded by mutexes; safe for concurrent use.
//
// The configured Guarantee picks the lock held across the
// assign-sequence-and-publish step: one store-wide append lock under
// GuaranteeLog, one per category under GuaranteeCategory, one per stream
// under GuaranteeStream. Sequence numbers come from a counter shared
// across scopes, so under the weaker guarantees a log reader can observe
// permanent gaps.
type MemoryStore struct {
	guarantee Guarantee
	now       func() time.Time

	seqMu   sync.Mutex
	nextSeq int64

	scopeMu sync.Mutex
	scopes  map[string]*sync.Mutex

	stateMu    sync.RWMutex
	streams    map[streamKey][]event.StoredEvent
	categories map[string][]event.StoredEvent
	log        []event.StoredEvent
}

// NewMemoryStore creates an in-memory event store with the given
// serialisation guarantee.
func NewMemoryStore(guarantee Guarantee) *MemoryStore {
	return &MemoryStore{
		guarantee:  guarantee,
		now:        time.Now,
		nextSeq:    1,
		scopes:     make(map[string]*sync.Mutex),
		streams:    make(map[streamKey][]event.StoredEvent),
		categories: make(map[string][]event.StoredEvent),
	}
}

// Save appends events to the target stream under the scope lock implied
// by the store's guarantee.
func (s *MemoryStore) Save(ctx context.Context, target event.StreamIdentifier, events []event.NewEvent, condition WriteCondition) ([]event.StoredEvent, error) {
	if condition == nil {
		condition = Unconditional()
	}

	scope := s.appendLock(target)
	scope.Lock()
	defer scope.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key := streamKey{category: target.Category, stream: target.Stream}
	last := s.tail(key)
	if err := condition.AssertMetBy(last); err != nil {
		return nil, err
	}

	nextPosition := int64(0)
	if last != nil {
		nextPosition = last.Position + 1
	}

	firstSeq := s.claimSequences(int64(len(events)))
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
		stored[i] = event.StoredEvent{
			ID:             uuid.New(),
			Name:           e.Name,
			Category:       target.Category,
			Stream:         target.Stream,
			Position:       nextPosition + int64(i),
			SequenceNumber: firstSeq + int64(i),
			Payload:        slices.Clone(e.Payload),
			ObservedAt:     observedAt,
			OccurredAt:     occurredAt,
		}
	}

	s.publish(key, stored)
	return stored, nil
}

// Scan lazily yields events matching target in ascending sequence order.
// The iterator tracks a sequence cursor, so events that become visible
// behind the cursor (possible under the weaker guarantees) are skipped.
func (s *MemoryStore) Scan(ctx context.Context, target event.Identifier, constraints ...Constraint) EventSource {
	return func(yield func(event.StoredEvent, error) bool) {
		cursor := int64(0)
		for {
			if err := ctx.Err(); err != nil {
				yield(event.StoredEvent{}, err)
				return
			}
			e, ok := s.nextAfter(target, cursor)
			if !ok {
				return
			}
			cursor = e.SequenceNumber
			if !metByAll(e, constraints) {
				continue
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}

// Latest returns the newest event within target, or nil.
func (s *MemoryStore) Latest(ctx context.Context, target event.Identifier) (*event.StoredEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.stateMu.RLock()
	defer s.stateMu.RUnlock()

	events := s.eventsFor(target)
	if len(events) == 0 {
		return nil, nil
	}
	latest := events[len(events)-1]
	return &latest, nil
}

func (s *MemoryStore) appendLock(target event.StreamIdentifier) *sync.Mutex {
	var scope string
	switch s.guarantee {
	case GuaranteeLog:
		scope = event.Log().String()
	case GuaranteeCategory:
		scope = event.Category(target.Category).String()
	default:
		scope = target.String()
	}

	s.scopeMu.Lock()
	defer s.scopeMu.Unlock()
	lock, ok := s.scopes[scope]
	if !ok {
		lock = &sync.Mutex{}
		s.scopes[scope] = lock
	}
	return lock
}

func (s *MemoryStore) claimSequences(n int64) int64 {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	first := s.nextSeq
	s.nextSeq += n
	return first
}

func (s *MemoryStore) tail(key streamKey) *event.StoredEvent {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	events := s.streams[key]
	if len(events) == 0 {
		return nil
	}
	last := events[len(events)-1]
	return &last
}

func (s *MemoryStore) publish(key streamKey, stored []event.StoredEvent) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.streams[key] = append(s.streams[key], stored...)
	for _, e := range stored {
		s.categories[key.category] = insertBySequence(s.categories[key.category], e)
		s.log = insertBySequence(s.log, e)
	}
}

// insertBySequence keeps the slice sorted by sequence number. Appends are
// the common case; out-of-order publication only occurs across scopes
// under the weaker guarantees.
func insertBySequence(events []event.StoredEvent, e event.StoredEvent) []event.StoredEvent {
	if n := len(events); n == 0 || events[n-1].SequenceNumber < e.SequenceNumber {
		return append(events, e)
	}
	i, _ := slices.BinarySearchFunc(events, e, func(a, b event.StoredEvent) int {
		switch {
		case a.SequenceNumber < b.SequenceNumber:
			return -1
		case a.SequenceNumber > b.SequenceNumber:
			return 1
		default:
			return 0
		}
	})
	return slices.Insert(events, i, e)
}

func (s *MemoryStore) nextAfter(target event.Identifier, cursor int64) (event.StoredEvent, bool) {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()

	events := s.eventsFor(target)
	i, _ := slices.BinarySearchFunc(events, cursor, func(e event.StoredEvent, c int64) int {
		switch {
		case e.SequenceNumber <= c:
			return -1
		default:
			return 1
		}
	})
	if i >= len(events) {
		return event.StoredEvent{}, false
	}
	return events[i], true
}

func (s *MemoryStore) eventsFor(target event.Identifier) []event.StoredEvent {
	switch t := target.(type) {
	case event.LogIdentifier:
		return s.log
	case event.CategoryIdentifier:
		return s.categories[t.Category]
	case event.StreamIdentifier:
		return s.streams[streamKey{category: t.Category, stream: t.Stream}]
	default:
		panic("store: unknown identifier type")
	}
}
