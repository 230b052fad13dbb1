// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Chronolog Contributors

package event

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// NewEvent is an event as supplied by a writer, before it has been
// committed to a stream.
type NewEvent struct {
	Name    string
	Payload json.RawMessage

	// ObservedAt is when the producing process noticed the event. Zero
	// means "stamp at save time".
	ObservedAt time.Time

	// OccurredAt is caller-supplied domain time and is unconstrained.
	OccurredAt time.Time
}

// StoredEvent is a committed event. Position is the 0-based index within
// its stream; SequenceNumber is the global commit order.
type StoredEvent struct {
	ID             uuid.UUID
	Name           string
	Category       string
	Stream         string
	Position       int64
	SequenceNumber int64
	Payload        json.RawMessage
	ObservedAt     time.Time
	OccurredAt     time.Time
}

// StreamID returns the identifier of the stream the event belongs to.
func (e StoredEvent) StreamID() StreamIdentifier {
	return Stream(e.Category, e.Stream)
}

// LogValue summarises the event for structured logging without the payload.
func (e StoredEvent) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", e.ID.String()),
		slog.String("name", e.Name),
		slog.String("category", e.Category),
		slog.String("stream", e.Stream),
		slog.Int64("position", e.Position),
		slog.Int64("sequence_number", e.SequenceNumber),
	)
}
