// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Chronolog Contributors

package broker

import (
	"context"
	"sync"
	"time"

	"github.com/chronolog/chronolog/internal/broker/lock"
	"github.com/chronolog/chronolog/internal/event"
	"github.com/chronolog/chronolog/internal/store"
)

// Settings tunes the broker's control loops. Zero values fall back to
// the defaults below.
type Settings struct {
	NodeID string

	HeartbeatInterval   time.Duration
	CoordinatorInterval time.Duration
	ObserverInterval    time.Duration

	// NodeMaxAge is how stale a node heartbeat may be before its
	// assignments are re-homed.
	NodeMaxAge time.Duration

	// SubscriberMaxAge is the equivalent threshold for subscribers.
	SubscriberMaxAge time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.NodeID == "" {
		s.NodeID = NewNodeID()
	}
	if s.HeartbeatInterval <= 0 {
		s.HeartbeatInterval = 2 * time.Second
	}
	if s.CoordinatorInterval <= 0 {
		s.CoordinatorInterval = 5 * time.Second
	}
	if s.ObserverInterval <= 0 {
		s.ObserverInterval = 5 * time.Second
	}
	if s.NodeMaxAge <= 0 {
		s.NodeMaxAge = 10 * time.Second
	}
	if s.SubscriberMaxAge <= 0 {
		s.SubscriberMaxAge = 10 * time.Second
	}
	return s
}

// Broker wires the node manager, subscriber manager, coordinator and
// observer into one unit running against shared stores.
type Broker struct {
	nodeID string

	subscribers *SubscriberStore
	mappings    SourceMappingStore

	nodeManager       *NodeManager
	subscriberManager *SubscriberManager
	coordinator       *Coordinator
	observer          *Observer
}

// Components groups the stores a broker runs against. Implementations
// of every store must share one backend so all nodes see the same state.
type Components struct {
	Locks         lock.Manager
	Nodes         NodeStateStore
	States        SubscriberStateStore
	Mappings      SourceMappingStore
	Subscriptions SubscriptionStateStore
}

// New assembles a broker from explicit components. Most callers want
// NewMemoryBroker or the postgres package's NewBroker instead.
func New(settings Settings, parts Components, sources EventSourceFactory) *Broker {
	settings = settings.withDefaults()
	subscribers := NewSubscriberStore()

	return &Broker{
		nodeID:      settings.NodeID,
		subscribers: subscribers,
		mappings:    parts.Mappings,
		nodeManager: NewNodeManager(settings.NodeID, parts.Nodes,
			settings.HeartbeatInterval, settings.NodeMaxAge),
		subscriberManager: NewSubscriberManager(settings.NodeID, subscribers, parts.States,
			settings.HeartbeatInterval, settings.SubscriberMaxAge),
		coordinator: NewCoordinator(CoordinatorConfig{
			NodeID:           settings.NodeID,
			Locks:            parts.Locks,
			Nodes:            parts.Nodes,
			Subscribers:      parts.States,
			Mappings:         parts.Mappings,
			Subscriptions:    parts.Subscriptions,
			Interval:         settings.CoordinatorInterval,
			NodeMaxAge:       settings.NodeMaxAge,
			SubscriberMaxAge: settings.SubscriberMaxAge,
		}),
		observer: NewObserver(ObserverConfig{
			NodeID:        settings.NodeID,
			Subscriptions: parts.Subscriptions,
			Subscribers:   subscribers,
			Sources:       sources,
			Interval:      settings.ObserverInterval,
		}),
	}
}

// NewMemoryBroker creates a single-process broker over in-memory stores,
// serving subscribers from the given event store.
func NewMemoryBroker(eventStore store.EventStore, settings Settings) *Broker {
	return New(settings, Components{
		Locks:         lock.NewMemoryManager(),
		Nodes:         NewMemoryNodeStateStore(),
		States:        NewMemorySubscriberStateStore(),
		Mappings:      NewMemorySourceMappingStore(),
		Subscriptions: NewMemorySubscriptionStateStore(),
	}, NewStoreSourceFactory(eventStore, nil))
}

// NodeID returns this broker node's identifier.
func (b *Broker) NodeID() string { return b.nodeID }

// Coordinator exposes the coordinator, e.g. for status inspection.
func (b *Broker) Coordinator() *Coordinator { return b.coordinator }

// Observer exposes the observer.
func (b *Broker) Observer() *Observer { return b.observer }

// Register adds a local subscriber and declares its group's sources.
// Re-registering a group's sources replaces the previous declaration.
func (b *Broker) Register(ctx context.Context, subscriber EventSubscriber, sources []event.Identifier) error {
	if err := b.subscribers.Add(subscriber); err != nil {
		return err
	}
	return b.mappings.Add(ctx, subscriber.Key().Group, sources)
}

// Deregister removes a local subscriber. The group's source declaration
// is left in place for the surviving members.
func (b *Broker) Deregister(key SubscriberKey) {
	b.subscribers.Remove(key)
}

// Run starts all control loops and blocks until ctx is done and they
// have joined.
func (b *Broker) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	run := func(f func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Loops absorb their own errors and stop on cancellation.
			_ = f(ctx)
		}()
	}

	run(b.nodeManager.Run)
	run(b.subscriberManager.Run)
	run(b.coordinator.Run)
	run(b.observer.Run)

	wg.Wait()
	return ctx.Err()
}
