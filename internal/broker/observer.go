// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Chronolog Contributors

package broker

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/chronolog/chronolog/internal/event"
	"github.com/chronolog/chronolog/internal/observability"
	"github.com/chronolog/chronolog/internal/store"
)

// Observer reconciles this node's assignments with its local
// subscribers. Each tick it reads the node's rows from the subscription
// state table, hands newly assigned or changed source sets to the local
// subscriber, and withdraws sources from subscribers whose assignment
// was revoked.
type Observer struct {
	nodeID        string
	subscriptions SubscriptionStateStore
	subscribers   *SubscriberStore
	sources       EventSourceFactory
	interval      time.Duration

	// delivered tracks the source-set fingerprint last handed to each
	// local subscriber. Only the run loop touches it.
	delivered map[SubscriptionKey]string

	status status
}

// ObserverConfig holds the observer's dependencies and tuning.
type ObserverConfig struct {
	NodeID        string
	Subscriptions SubscriptionStateStore
	Subscribers   *SubscriberStore
	Sources       EventSourceFactory
	Interval      time.Duration
}

// NewObserver creates an observer for the given node.
func NewObserver(cfg ObserverConfig) *Observer {
	return &Observer{
		nodeID:        cfg.NodeID,
		subscriptions: cfg.Subscriptions,
		subscribers:   cfg.Subscribers,
		sources:       cfg.Sources,
		interval:      cfg.Interval,
		delivered:     make(map[SubscriptionKey]string),
	}
}

// Status reports the observer's lifecycle state.
func (o *Observer) Status() Status { return o.status.get() }

// Run ticks until ctx is done. Tick failures are logged and absorbed;
// the next tick retries.
func (o *Observer) Run(ctx context.Context) error {
	o.status.set(StatusRunning)
	defer o.status.set(StatusStopped)

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		if err := o.tick(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.ErrorContext(ctx, "observer tick failed", "node_id", o.nodeID, "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (o *Observer) tick(ctx context.Context) error {
	assigned, err := o.subscriptions.ListForNode(ctx, o.nodeID)
	if err != nil {
		return err
	}

	current := make(map[SubscriptionKey]SubscriptionState, len(assigned))
	for _, state := range assigned {
		current[state.Key] = state
	}

	// Withdraw sources from subscribers whose assignment went away.
	for key := range o.delivered {
		if _, still := current[key]; still {
			continue
		}
		delete(o.delivered, key)
		subscriber := o.subscribers.Get(key.SubscriberKey())
		if subscriber == nil {
			continue
		}
		if err := subscriber.Accept(ctx, nil); err != nil {
			slog.WarnContext(ctx, "subscriber stop failed",
				"group", key.Group, "id", key.ID, "error", err)
		}
		slog.InfoContext(ctx, "subscriber stopped", "group", key.Group, "id", key.ID)
	}

	// Start newly assigned subscribers and refresh changed source sets.
	for key, state := range current {
		subscriber := o.subscribers.Get(key.SubscriberKey())
		if subscriber == nil {
			// Assigned here but not registered locally yet; picked up
			// on a later tick.
			continue
		}
		fingerprint := sourceFingerprint(state.Sources)
		if o.delivered[key] == fingerprint {
			continue
		}
		sources := make([]store.EventSource, len(state.Sources))
		for i, id := range state.Sources {
			sources[i] = o.sources.Build(ctx, id)
		}
		if err := subscriber.Accept(ctx, sources); err != nil {
			slog.WarnContext(ctx, "subscriber start failed",
				"group", key.Group, "id", key.ID, "error", err)
			continue
		}
		o.delivered[key] = fingerprint
		slog.InfoContext(ctx, "subscriber started",
			"group", key.Group, "id", key.ID, "sources", len(state.Sources))
	}

	observability.SetSubscribersRunning(len(o.delivered))
	return nil
}

func sourceFingerprint(ids []event.Identifier) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = id.String()
	}
	return strings.Join(parts, "|")
}
