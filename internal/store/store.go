// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Chronolog Contributors

// Package store defines the event storage adapter API: ordered append
// with write conditions, resumable scans with query constraints, and
// configurable serialisation guarantees.
package store

import (
	"context"
	"iter"

	"github.com/chronolog/chronolog/internal/event"
)

// Guarantee is the scope at which committed sequence numbers appear as a
// hole-free increasing prefix to readers. Weaker scopes admit more write
// concurrency: under GuaranteeStream a log reader may observe permanent
// gaps and apparent reordering across streams.
type Guarantee int

const (
	// GuaranteeLog totally orders commits across the whole log.
	GuaranteeLog Guarantee = iota
	// GuaranteeCategory orders commits within each category.
	GuaranteeCategory
	// GuaranteeStream orders commits within each stream only.
	GuaranteeStream
)

func (g Guarantee) String() string {
	switch g {
	case GuaranteeLog:
		return "log"
	case GuaranteeCategory:
		return "category"
	case GuaranteeStream:
		return "stream"
	default:
		return "unknown"
	}
}

// EventSource lazily yields stored events in ascending sequence number
// order. Sources are finite and non-restartable per iteration, but
// repeatable by iterating again.
type EventSource = iter.Seq2[event.StoredEvent, error]

// EventStore is the storage adapter contract.
type EventStore interface {
	// Save atomically appends events to the target stream in order,
	// assigning contiguous positions and fresh sequence numbers. The
	// condition is asserted against the stream tail inside the same
	// serialised unit as the append; on failure the returned error wraps
	// ErrUnmetWriteCondition and nothing is written. Returns the stored
	// events in input order.
	Save(ctx context.Context, target event.StreamIdentifier, events []event.NewEvent, condition WriteCondition) ([]event.StoredEvent, error)

	// Scan returns a lazy source over events matching target, ascending
	// by sequence number, filtered by the given constraints.
	Scan(ctx context.Context, target event.Identifier, constraints ...Constraint) EventSource

	// Latest returns the event with the greatest sequence number within
	// target, or nil when the target holds no events.
	Latest(ctx context.Context, target event.Identifier) (*event.StoredEvent, error)
}

// metByAll reports whether an event passes every constraint.
func metByAll(e event.StoredEvent, constraints []Constraint) bool {
	for _, c := range constraints {
		if !c.MetBy(e) {
			return false
		}
	}
	return true
}
