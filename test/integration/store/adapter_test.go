// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Chronolog Contributors

//go:build integration

package store_test

import (
	"encoding/json"
	"fmt"
	"sync"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/chronolog/chronolog/internal/event"
	"github.com/chronolog/chronolog/internal/store"
	storepg "github.com/chronolog/chronolog/internal/store/postgres"
)

func newEvent(name string) event.NewEvent {
	return event.NewEvent{Name: name, Payload: json.RawMessage(`{}`)}
}

func payloadEvent(name, payload string) event.NewEvent {
	return event.NewEvent{Name: name, Payload: json.RawMessage(payload)}
}

func collect(source store.EventSource) []event.StoredEvent {
	var events []event.StoredEvent
	for e, err := range source {
		Expect(err).NotTo(HaveOccurred())
		events = append(events, e)
	}
	return events
}

var _ = Describe("PostgresEventStore", func() {
	var s *storepg.Store

	BeforeEach(func() {
		s = storepg.New(env.pool, store.GuaranteeStream, storepg.WithScanBatchSize(3))
	})

	Describe("Save", func() {
		It("assigns contiguous positions from zero", func() {
			target := event.Stream("orders", "order-1")

			stored, err := s.Save(env.ctx, target,
				[]event.NewEvent{newEvent("opened"), newEvent("paid")}, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored).To(HaveLen(2))
			Expect(stored[0].Position).To(Equal(int64(0)))
			Expect(stored[1].Position).To(Equal(int64(1)))
			Expect(stored[1].SequenceNumber).To(BeNumerically(">", stored[0].SequenceNumber))

			latest, err := s.Latest(env.ctx, target)
			Expect(err).NotTo(HaveOccurred())
			Expect(latest).NotTo(BeNil())
			Expect(latest.Position).To(Equal(int64(1)))
		})

		It("continues positions across batches", func() {
			target := event.Stream("orders", "order-1")

			_, err := s.Save(env.ctx, target, []event.NewEvent{newEvent("a")}, nil)
			Expect(err).NotTo(HaveOccurred())

			stored, err := s.Save(env.ctx, target, []event.NewEvent{newEvent("b")}, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored[0].Position).To(Equal(int64(1)))
		})

		It("rejects an unmet stream-is-empty condition without writing", func() {
			target := event.Stream("orders", "order-1")

			_, err := s.Save(env.ctx, target, []event.NewEvent{newEvent("a")}, nil)
			Expect(err).NotTo(HaveOccurred())

			_, err = s.Save(env.ctx, target, []event.NewEvent{newEvent("b")}, store.StreamIsEmpty())
			Expect(err).To(MatchError(store.ErrUnmetWriteCondition))

			Expect(collect(s.Scan(env.ctx, target))).To(HaveLen(1))
		})

		It("accepts a met position-is condition", func() {
			target := event.Stream("orders", "order-1")

			_, err := s.Save(env.ctx, target, []event.NewEvent{newEvent("a")}, nil)
			Expect(err).NotTo(HaveOccurred())

			_, err = s.Save(env.ctx, target, []event.NewEvent{newEvent("b")}, store.PositionIs(0))
			Expect(err).NotTo(HaveOccurred())
		})

		It("lets exactly one concurrent checked write win", func() {
			target := event.Stream("orders", "contested")

			const writers = 10
			var (
				wg    sync.WaitGroup
				mu    sync.Mutex
				wins  int
				unmet int
			)
			for i := range writers {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					defer GinkgoRecover()
					_, err := s.Save(env.ctx, target,
						[]event.NewEvent{newEvent(fmt.Sprintf("writer-%d", i))}, store.StreamIsEmpty())
					mu.Lock()
					defer mu.Unlock()
					if err == nil {
						wins++
					} else {
						Expect(err).To(MatchError(store.ErrUnmetWriteCondition))
						unmet++
					}
				}(i)
			}
			wg.Wait()

			Expect(wins).To(Equal(1))
			Expect(unmet).To(Equal(writers - 1))
			Expect(collect(s.Scan(env.ctx, target))).To(HaveLen(1))
		})

		It("keeps concurrent unchecked batches contiguous", func() {
			target := event.Stream("orders", "busy")

			const writers = 4
			const batchSize = 5
			var wg sync.WaitGroup
			for w := range writers {
				wg.Add(1)
				go func(w int) {
					defer wg.Done()
					defer GinkgoRecover()
					batch := make([]event.NewEvent, batchSize)
					for i := range batch {
						batch[i] = newEvent(fmt.Sprintf("w%d-%d", w, i))
					}
					stored, err := s.Save(env.ctx, target, batch, nil)
					Expect(err).NotTo(HaveOccurred())
					for i := 1; i < len(stored); i++ {
						Expect(stored[i].Position).To(Equal(stored[i-1].Position + 1))
					}
				}(w)
			}
			wg.Wait()

			all := collect(s.Scan(env.ctx, target))
			Expect(all).To(HaveLen(writers * batchSize))
			seen := map[int64]bool{}
			for _, e := range all {
				seen[e.Position] = true
			}
			for p := range int64(writers * batchSize) {
				Expect(seen[p]).To(BeTrue(), "position %d missing", p)
			}
		})
	})

	Describe("Scan", func() {
		It("yields events in ascending sequence order across batch fetches", func() {
			for i := range 10 {
				_, err := s.Save(env.ctx, event.Stream("orders", fmt.Sprintf("order-%d", i%3)),
					[]event.NewEvent{newEvent(fmt.Sprintf("e%d", i))}, nil)
				Expect(err).NotTo(HaveOccurred())
			}

			all := collect(s.Scan(env.ctx, event.Log()))
			Expect(all).To(HaveLen(10))
			for i := 1; i < len(all); i++ {
				Expect(all[i].SequenceNumber).To(BeNumerically(">", all[i-1].SequenceNumber))
			}
		})

		It("filters by category and stream", func() {
			_, err := s.Save(env.ctx, event.Stream("orders", "order-1"),
				[]event.NewEvent{newEvent("a"), newEvent("b")}, nil)
			Expect(err).NotTo(HaveOccurred())
			_, err = s.Save(env.ctx, event.Stream("payments", "payment-1"),
				[]event.NewEvent{newEvent("c")}, nil)
			Expect(err).NotTo(HaveOccurred())

			Expect(collect(s.Scan(env.ctx, event.Category("orders")))).To(HaveLen(2))
			Expect(collect(s.Scan(env.ctx, event.Stream("payments", "payment-1")))).To(HaveLen(1))
			Expect(collect(s.Scan(env.ctx, event.Log()))).To(HaveLen(3))
		})

		It("resumes after a sequence number across categories", func() {
			var batches [][]event.StoredEvent
			for i := range 4 {
				category := "orders"
				if i%2 == 1 {
					category = "payments"
				}
				stored, err := s.Save(env.ctx, event.Stream(category, fmt.Sprintf("entity-%d", i)),
					[]event.NewEvent{newEvent(fmt.Sprintf("b%d-a", i)), newEvent(fmt.Sprintf("b%d-b", i))}, nil)
				Expect(err).NotTo(HaveOccurred())
				batches = append(batches, stored)
			}

			resumeAfter := batches[1][1].SequenceNumber
			got := collect(s.Scan(env.ctx, event.Log(), store.SequenceNumberAfter(resumeAfter)))

			Expect(got).To(HaveLen(4))
			Expect(got[0].ID).To(Equal(batches[2][0].ID))
			Expect(got[3].ID).To(Equal(batches[3][1].ID))
		})

		It("pushes payload equality down with identical semantics", func() {
			_, err := s.Save(env.ctx, event.Stream("orders", "order-1"), []event.NewEvent{
				payloadEvent("open", `{"status":"open","total":{"amount":42}}`),
				payloadEvent("closed", `{"status":"closed","total":{"amount":7}}`),
			}, nil)
			Expect(err).NotTo(HaveOccurred())

			byStatus := collect(s.Scan(env.ctx, event.Log(),
				store.PayloadPathEquals([]string{"status"}, "open")))
			Expect(byStatus).To(HaveLen(1))
			Expect(byStatus[0].Name).To(Equal("open"))

			byAmount := collect(s.Scan(env.ctx, event.Log(),
				store.PayloadPathEquals([]string{"total", "amount"}, 42)))
			Expect(byAmount).To(HaveLen(1))
			Expect(byAmount[0].Name).To(Equal("open"))
		})

		It("pushes payload containment down", func() {
			_, err := s.Save(env.ctx, event.Stream("orders", "order-1"), []event.NewEvent{
				payloadEvent("tagged", `{"meta":{"region":"eu","tier":"gold"}}`),
				payloadEvent("other", `{"meta":{"region":"us"}}`),
			}, nil)
			Expect(err).NotTo(HaveOccurred())

			got := collect(s.Scan(env.ctx, event.Log(),
				store.PayloadPathContains([]string{"meta"}, map[string]any{"region": "eu"})))
			Expect(got).To(HaveLen(1))
			Expect(got[0].Name).To(Equal("tagged"))
		})
	})

	Describe("Latest", func() {
		It("returns nil for an empty target", func() {
			latest, err := s.Latest(env.ctx, event.Category("empty"))
			Expect(err).NotTo(HaveOccurred())
			Expect(latest).To(BeNil())
		})

		It("matches the scan tail for every target kind", func() {
			_, err := s.Save(env.ctx, event.Stream("orders", "order-1"),
				[]event.NewEvent{newEvent("a"), newEvent("b")}, nil)
			Expect(err).NotTo(HaveOccurred())
			_, err = s.Save(env.ctx, event.Stream("payments", "payment-1"),
				[]event.NewEvent{newEvent("c")}, nil)
			Expect(err).NotTo(HaveOccurred())

			for _, target := range []event.Identifier{
				event.Log(),
				event.Category("orders"),
				event.Stream("payments", "payment-1"),
			} {
				events := collect(s.Scan(env.ctx, target))
				latest, err := s.Latest(env.ctx, target)
				Expect(err).NotTo(HaveOccurred())
				Expect(latest).NotTo(BeNil())
				Expect(latest.ID).To(Equal(events[len(events)-1].ID))
			}
		})
	})

	Describe("serialisation guarantees", func() {
		It("serialises whole-log commits under the log guarantee", func() {
			logStore := storepg.New(env.pool, store.GuaranteeLog)

			const writers = 2
			const perWriter = 10
			var wg sync.WaitGroup
			for w := range writers {
				wg.Add(1)
				go func(w int) {
					defer wg.Done()
					defer GinkgoRecover()
					for i := range perWriter {
						_, err := logStore.Save(env.ctx, event.Stream("orders", fmt.Sprintf("stream-%d", w)),
							[]event.NewEvent{newEvent(fmt.Sprintf("w%d-%d", w, i))}, nil)
						Expect(err).NotTo(HaveOccurred())
					}
				}(w)
			}
			wg.Wait()

			all := collect(logStore.Scan(env.ctx, event.Log()))
			Expect(all).To(HaveLen(writers * perWriter))
			for i, e := range all {
				Expect(e.SequenceNumber).To(Equal(int64(i + 1)))
			}
		})

		It("keeps per-category readers complete and ordered under the category guarantee", func() {
			catStore := storepg.New(env.pool, store.GuaranteeCategory)

			categories := []string{"orders", "payments"}
			var wg sync.WaitGroup
			for _, category := range categories {
				for w := range 2 {
					wg.Add(1)
					go func(category string, w int) {
						defer wg.Done()
						defer GinkgoRecover()
						for i := range 10 {
							_, err := catStore.Save(env.ctx, event.Stream(category, fmt.Sprintf("s%d", w)),
								[]event.NewEvent{newEvent(fmt.Sprintf("%s-%d-%d", category, w, i))}, nil)
							Expect(err).NotTo(HaveOccurred())
						}
					}(category, w)
				}
			}
			wg.Wait()

			for _, category := range categories {
				events := collect(catStore.Scan(env.ctx, event.Category(category)))
				Expect(events).To(HaveLen(20))
				for i := 1; i < len(events); i++ {
					Expect(events[i].SequenceNumber).To(BeNumerically(">", events[i-1].SequenceNumber))
				}
			}
		})
	})
})
