// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Chronolog Contributors

//go:build integration

package broker_test

import (
	"context"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/chronolog/chronolog/internal/broker"
	"github.com/chronolog/chronolog/internal/broker/lock"
	brokerpg "github.com/chronolog/chronolog/internal/broker/postgres"
	"github.com/chronolog/chronolog/internal/event"
	"github.com/chronolog/chronolog/internal/store"
	storepg "github.com/chronolog/chronolog/internal/store/postgres"
)

// recordingSubscriber implements broker.EventSubscriber for the suite.
type recordingSubscriber struct {
	mu      sync.Mutex
	key     broker.SubscriberKey
	sources []store.EventSource
}

func newRecordingSubscriber(group, id string) *recordingSubscriber {
	return &recordingSubscriber{key: broker.SubscriberKey{Group: group, ID: id}}
}

func (s *recordingSubscriber) Key() broker.SubscriberKey { return s.key }

func (s *recordingSubscriber) Health() broker.Health { return broker.HealthHealthy }

func (s *recordingSubscriber) Accept(_ context.Context, sources []store.EventSource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources = sources
	return nil
}

func (s *recordingSubscriber) sourceCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sources)
}

var _ = Describe("PostgresLockManager", func() {
	It("excludes a second acquirer across connections", func() {
		m := lock.NewPostgresManager(env.pool)

		first, err := m.TryLock(env.ctx, "coordinator")
		Expect(err).NotTo(HaveOccurred())
		Expect(first.Locked).To(BeTrue())

		second, err := m.TryLock(env.ctx, "coordinator")
		Expect(err).NotTo(HaveOccurred())
		Expect(second.Locked).To(BeFalse())
		second.Release()

		first.Release()

		third, err := m.TryLock(env.ctx, "coordinator")
		Expect(err).NotTo(HaveOccurred())
		Expect(third.Locked).To(BeTrue())
		third.Release()
	})

	It("waits for a held lock until released", func() {
		m := lock.NewPostgresManager(env.pool)

		held, err := m.TryLock(env.ctx, "contested")
		Expect(err).NotTo(HaveOccurred())
		Expect(held.Locked).To(BeTrue())

		go func() {
			defer GinkgoRecover()
			time.Sleep(200 * time.Millisecond)
			held.Release()
		}()

		waited, err := m.WaitForLock(env.ctx, "contested", 5*time.Second)
		Expect(err).NotTo(HaveOccurred())
		Expect(waited.Locked).To(BeTrue())
		Expect(waited.TimedOut).To(BeFalse())
		Expect(waited.WaitTime).To(BeNumerically(">", 0))
		waited.Release()
	})

	It("reports a timeout for a lock that stays held", func() {
		m := lock.NewPostgresManager(env.pool)

		held, err := m.TryLock(env.ctx, "stuck")
		Expect(err).NotTo(HaveOccurred())
		defer held.Release()

		waited, err := m.WaitForLock(env.ctx, "stuck", 300*time.Millisecond)
		Expect(err).NotTo(HaveOccurred())
		Expect(waited.Locked).To(BeFalse())
		Expect(waited.TimedOut).To(BeTrue())
		Expect(waited.WaitTime).To(BeNumerically(">=", 300*time.Millisecond))
	})
})

var _ = Describe("Postgres broker", func() {
	settings := func(nodeID string) broker.Settings {
		return broker.Settings{
			NodeID:              nodeID,
			HeartbeatInterval:   50 * time.Millisecond,
			CoordinatorInterval: 50 * time.Millisecond,
			ObserverInterval:    50 * time.Millisecond,
			NodeMaxAge:          time.Minute,
			SubscriberMaxAge:    time.Minute,
		}
	}

	It("distributes a group's declared sources across its subscribers", func() {
		eventStore := storepg.New(env.pool, store.GuaranteeStream)
		node := brokerpg.NewBroker(env.pool, eventStore, settings("node-1"))

		s1 := newRecordingSubscriber("g", "s1")
		s2 := newRecordingSubscriber("g", "s2")
		sources := []event.Identifier{
			event.Category("a"), event.Category("b"),
			event.Category("c"), event.Category("d"),
		}
		Expect(node.Register(env.ctx, s1, sources)).To(Succeed())
		Expect(node.Register(env.ctx, s2, sources)).To(Succeed())

		ctx, cancel := context.WithCancel(env.ctx)
		done := make(chan error, 1)
		go func() { done <- node.Run(ctx) }()

		Eventually(func() int {
			return s1.sourceCount() + s2.sourceCount()
		}, 10*time.Second, 50*time.Millisecond).Should(Equal(4))
		Expect(s1.sourceCount()).To(Equal(2))
		Expect(s2.sourceCount()).To(Equal(2))

		subscriptions := brokerpg.NewSubscriptionStateStore(env.pool)
		states, err := subscriptions.List(env.ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(states).To(HaveLen(2))

		union := map[event.Identifier]int{}
		for _, state := range states {
			for _, source := range state.Sources {
				union[source]++
			}
		}
		Expect(union).To(HaveLen(4))

		cancel()
		Eventually(done, 5*time.Second).Should(Receive())
		Expect(node.Coordinator().Status()).To(Equal(broker.StatusStopped))
		Expect(node.Observer().Status()).To(Equal(broker.StatusStopped))
	})

	It("re-homes a dead subscriber's sources onto the survivor", func() {
		eventStore := storepg.New(env.pool, store.GuaranteeStream)

		// A short liveness threshold so a stopped heartbeat counts as
		// death quickly.
		cfg := settings("node-1")
		cfg.SubscriberMaxAge = 500 * time.Millisecond
		node := brokerpg.NewBroker(env.pool, eventStore, cfg)

		s1 := newRecordingSubscriber("g", "s1")
		s2 := newRecordingSubscriber("g", "s2")
		sources := []event.Identifier{
			event.Category("a"), event.Category("b"),
			event.Category("c"), event.Category("d"),
		}
		Expect(node.Register(env.ctx, s1, sources)).To(Succeed())
		Expect(node.Register(env.ctx, s2, sources)).To(Succeed())

		ctx, cancel := context.WithCancel(env.ctx)
		done := make(chan error, 1)
		go func() { done <- node.Run(ctx) }()

		Eventually(func() int {
			return s1.sourceCount() + s2.sourceCount()
		}, 10*time.Second, 50*time.Millisecond).Should(Equal(4))

		// s2 disappears: no more heartbeats, its state row ages out.
		node.Deregister(s2.Key())

		Eventually(s1.sourceCount, 10*time.Second, 50*time.Millisecond).Should(Equal(4))

		subscriptions := brokerpg.NewSubscriptionStateStore(env.pool)
		Eventually(func() int {
			states, err := subscriptions.List(env.ctx)
			Expect(err).NotTo(HaveOccurred())
			return len(states)
		}, 10*time.Second, 50*time.Millisecond).Should(Equal(1))

		cancel()
		Eventually(done, 5*time.Second).Should(Receive())
	})
})
