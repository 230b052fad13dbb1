// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Chronolog Contributors

package broker

import (
	"context"
	"log/slog"
	"time"

	"github.com/chronolog/chronolog/internal/broker/lock"
	"github.com/chronolog/chronolog/internal/observability"
)

// CoordinatorLockName is the cluster-wide lock serialising rebalances.
const CoordinatorLockName = "coordinator"

// Coordinator is the single writer of the subscription state table. Each
// tick it tries the cluster coordinator lock; the holder snapshots
// membership, subscribers, declared sources and current assignments,
// computes the difference and applies it atomically. Losing the lock
// race just skips the tick.
type Coordinator struct {
	nodeID        string
	locks         lock.Manager
	nodes         NodeStateStore
	subscribers   SubscriberStateStore
	mappings      SourceMappingStore
	subscriptions SubscriptionStateStore

	interval         time.Duration
	nodeMaxAge       time.Duration
	subscriberMaxAge time.Duration

	status status
}

// CoordinatorConfig holds the coordinator's dependencies and tuning.
type CoordinatorConfig struct {
	NodeID        string
	Locks         lock.Manager
	Nodes         NodeStateStore
	Subscribers   SubscriberStateStore
	Mappings      SourceMappingStore
	Subscriptions SubscriptionStateStore

	Interval         time.Duration
	NodeMaxAge       time.Duration
	SubscriberMaxAge time.Duration
}

// NewCoordinator creates a coordinator.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	return &Coordinator{
		nodeID:           cfg.NodeID,
		locks:            cfg.Locks,
		nodes:            cfg.Nodes,
		subscribers:      cfg.Subscribers,
		mappings:         cfg.Mappings,
		subscriptions:    cfg.Subscriptions,
		interval:         cfg.Interval,
		nodeMaxAge:       cfg.NodeMaxAge,
		subscriberMaxAge: cfg.SubscriberMaxAge,
	}
}

// Status reports the coordinator's lifecycle state.
func (c *Coordinator) Status() Status { return c.status.get() }

// Run ticks until ctx is done. Tick failures are logged and absorbed;
// the next tick retries. Cancellation stops the loop cleanly.
func (c *Coordinator) Run(ctx context.Context) error {
	c.status.set(StatusRunning)
	defer c.status.set(StatusStopped)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		if err := c.tick(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			observability.RecordCoordinatorTick("failed")
			slog.ErrorContext(ctx, "coordinator tick failed", "node_id", c.nodeID, "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (c *Coordinator) tick(ctx context.Context) error {
	if err := c.nodes.Heartbeat(ctx, c.nodeID); err != nil {
		return err
	}

	l, err := c.locks.TryLock(ctx, CoordinatorLockName)
	if err != nil {
		return err
	}
	defer l.Release()
	if !l.Locked {
		observability.RecordCoordinatorTick("skipped")
		return nil
	}

	nodes, err := c.nodes.List(ctx, c.nodeMaxAge)
	if err != nil {
		return err
	}
	subscribers, err := c.subscribers.List(ctx, c.subscriberMaxAge)
	if err != nil {
		return err
	}
	mappings, err := c.mappings.List(ctx)
	if err != nil {
		return err
	}
	states, err := c.subscriptions.List(ctx)
	if err != nil {
		return err
	}

	desired := desiredAssignments(mappings, subscribers, nodes)
	changes := Diff(desired, indexAssignments(states))
	if len(changes) == 0 {
		observability.RecordCoordinatorTick("noop")
		return nil
	}

	if err := c.subscriptions.Apply(ctx, changes); err != nil {
		return err
	}
	for _, change := range changes {
		observability.RecordSubscriptionChange(string(change.Type))
	}
	observability.RecordCoordinatorTick("rebalanced")
	slog.InfoContext(ctx, "rebalanced subscriptions",
		"node_id", c.nodeID,
		"changes", len(changes),
		"subscribers", len(subscribers),
		"nodes", len(nodes))
	return nil
}
