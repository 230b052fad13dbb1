// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Chronolog Contributors

package broker

import (
	"context"

	"github.com/chronolog/chronolog/internal/event"
	"github.com/chronolog/chronolog/internal/store"
)

// EventSourceFactory builds the stored-event iterators observers hand to
// subscribers.
type EventSourceFactory interface {
	Build(ctx context.Context, id event.Identifier) store.EventSource
}

// StoreSourceFactory builds sources over an event store, resuming each
// subscriber from its last processed sequence number. Resume positions
// are subscriber-private durable state supplied by the position lookup;
// a nil lookup starts every source from the beginning.
type StoreSourceFactory struct {
	store     store.EventStore
	positions func(id event.Identifier) int64
}

// NewStoreSourceFactory creates a factory over the given store. The
// positions lookup may be nil.
func NewStoreSourceFactory(eventStore store.EventStore, positions func(id event.Identifier) int64) *StoreSourceFactory {
	return &StoreSourceFactory{store: eventStore, positions: positions}
}

// Build returns a source scanning the identified sequence, constrained
// to events after the subscriber's last processed sequence number.
func (f *StoreSourceFactory) Build(ctx context.Context, id event.Identifier) store.EventSource {
	after := int64(0)
	if f.positions != nil {
		after = f.positions(id)
	}
	return f.store.Scan(ctx, id, store.SequenceNumberAfter(after))
}
