// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Chronolog Contributors

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronolog/chronolog/internal/event"
)

func newEvent(name string) event.NewEvent {
	return event.NewEvent{Name: name, Payload: json.RawMessage(`{}`)}
}

func collect(t *testing.T, source EventSource) []event.StoredEvent {
	t.Helper()
	var events []event.StoredEvent
	for e, err := range source {
		require.NoError(t, err)
		events = append(events, e)
	}
	return events
}

func TestMemoryStore_SaveAssignsPositions(t *testing.T) {
	s := NewMemoryStore(GuaranteeLog)
	ctx := context.Background()
	target := event.Stream("orders", "order-1")

	stored, err := s.Save(ctx, target, []event.NewEvent{newEvent("opened"), newEvent("paid")}, nil)
	require.NoError(t, err)
	require.Len(t, stored, 2)

	assert.Equal(t, int64(0), stored[0].Position)
	assert.Equal(t, int64(1), stored[1].Position)
	assert.Equal(t, "opened", stored[0].Name)
	assert.Equal(t, "orders", stored[0].Category)
	assert.Equal(t, "order-1", stored[0].Stream)
	assert.Less(t, stored[0].SequenceNumber, stored[1].SequenceNumber)
	assert.NotEqual(t, stored[0].ID, stored[1].ID)

	latest, err := s.Latest(ctx, target)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, int64(1), latest.Position)

	// A second batch continues the position sequence.
	more, err := s.Save(ctx, target, []event.NewEvent{newEvent("shipped")}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), more[0].Position)
}

func TestMemoryStore_SaveStampsTimes(t *testing.T) {
	s := NewMemoryStore(GuaranteeLog)
	ctx := context.Background()

	occurred := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	stored, err := s.Save(ctx, event.Stream("orders", "order-1"), []event.NewEvent{
		{Name: "opened", Payload: json.RawMessage(`{}`)},
		{Name: "backdated", Payload: json.RawMessage(`{}`), OccurredAt: occurred},
	}, nil)
	require.NoError(t, err)

	assert.False(t, stored[0].ObservedAt.IsZero())
	assert.Equal(t, stored[0].ObservedAt, stored[0].OccurredAt)
	assert.Equal(t, occurred, stored[1].OccurredAt)
}

func TestMemoryStore_LatestEmptyTarget(t *testing.T) {
	s := NewMemoryStore(GuaranteeLog)
	ctx := context.Background()

	for _, target := range []event.Identifier{
		event.Log(),
		event.Category("orders"),
		event.Stream("orders", "order-1"),
	} {
		latest, err := s.Latest(ctx, target)
		require.NoError(t, err)
		assert.Nil(t, latest)
	}
}

func TestMemoryStore_ScanTargets(t *testing.T) {
	s := NewMemoryStore(GuaranteeLog)
	ctx := context.Background()

	_, err := s.Save(ctx, event.Stream("orders", "order-1"), []event.NewEvent{newEvent("a"), newEvent("b")}, nil)
	require.NoError(t, err)
	_, err = s.Save(ctx, event.Stream("orders", "order-2"), []event.NewEvent{newEvent("c")}, nil)
	require.NoError(t, err)
	_, err = s.Save(ctx, event.Stream("payments", "payment-1"), []event.NewEvent{newEvent("d")}, nil)
	require.NoError(t, err)

	log := collect(t, s.Scan(ctx, event.Log()))
	require.Len(t, log, 4)
	for i := 1; i < len(log); i++ {
		assert.Less(t, log[i-1].SequenceNumber, log[i].SequenceNumber)
	}

	orders := collect(t, s.Scan(ctx, event.Category("orders")))
	require.Len(t, orders, 3)
	for _, e := range orders {
		assert.Equal(t, "orders", e.Category)
	}

	stream := collect(t, s.Scan(ctx, event.Stream("orders", "order-1")))
	require.Len(t, stream, 2)
	assert.Equal(t, []string{"a", "b"}, []string{stream[0].Name, stream[1].Name})
}

func TestMemoryStore_ScanResumeAfterSequence(t *testing.T) {
	s := NewMemoryStore(GuaranteeLog)
	ctx := context.Background()

	// Four batches across two categories.
	var batches [][]event.StoredEvent
	for i := range 4 {
		category := "orders"
		if i%2 == 1 {
			category = "payments"
		}
		stored, err := s.Save(ctx, event.Stream(category, fmt.Sprintf("entity-%d", i)),
			[]event.NewEvent{newEvent(fmt.Sprintf("batch-%d-a", i)), newEvent(fmt.Sprintf("batch-%d-b", i))}, nil)
		require.NoError(t, err)
		batches = append(batches, stored)
	}

	resumeAfter := batches[1][len(batches[1])-1].SequenceNumber
	got := collect(t, s.Scan(ctx, event.Log(), SequenceNumberAfter(resumeAfter)))

	var want []event.StoredEvent
	want = append(want, batches[2]...)
	want = append(want, batches[3]...)
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].ID, got[i].ID)
	}
}

func TestMemoryStore_CheckedWriteRace(t *testing.T) {
	s := NewMemoryStore(GuaranteeStream)
	ctx := context.Background()
	target := event.Stream("orders", "order-1")

	const writers = 10
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		wins   int
		unmet  int
		winLen int
	)
	for i := range writers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			stored, err := s.Save(ctx, target,
				[]event.NewEvent{newEvent(fmt.Sprintf("writer-%d", i))}, StreamIsEmpty())
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
				winLen = len(stored)
			default:
				assert.ErrorIs(t, err, ErrUnmetWriteCondition)
				unmet++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, writers-1, unmet)
	assert.Len(t, collect(t, s.Scan(ctx, target)), winLen)
}

func TestMemoryStore_PositionIsRace(t *testing.T) {
	s := NewMemoryStore(GuaranteeStream)
	ctx := context.Background()
	target := event.Stream("orders", "order-1")

	_, err := s.Save(ctx, target, []event.NewEvent{newEvent("seed")}, nil)
	require.NoError(t, err)

	const writers = 5
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Save(ctx, target, []event.NewEvent{newEvent("next")}, PositionIs(0))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
			} else {
				assert.ErrorIs(t, err, ErrUnmetWriteCondition)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
}

func TestMemoryStore_ConcurrentUncheckedSaves(t *testing.T) {
	s := NewMemoryStore(GuaranteeStream)
	ctx := context.Background()
	target := event.Stream("orders", "order-1")

	const writers = 4
	const batchSize = 5
	var wg sync.WaitGroup
	for w := range writers {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			batch := make([]event.NewEvent, batchSize)
			for i := range batch {
				batch[i] = newEvent(fmt.Sprintf("w%d-%d", w, i))
			}
			stored, err := s.Save(ctx, target, batch, nil)
			assert.NoError(t, err)
			// A batch's positions are contiguous: no interleaving.
			for i := 1; i < len(stored); i++ {
				assert.Equal(t, stored[i-1].Position+1, stored[i].Position)
			}
		}(w)
	}
	wg.Wait()

	all := collect(t, s.Scan(ctx, target))
	require.Len(t, all, writers*batchSize)
	positions := make(map[int64]bool)
	for _, e := range all {
		positions[e.Position] = true
	}
	for p := range int64(writers * batchSize) {
		assert.True(t, positions[p], "position %d missing", p)
	}
}

func TestMemoryStore_LogGuaranteePrefixReads(t *testing.T) {
	s := NewMemoryStore(GuaranteeLog)
	ctx := context.Background()

	const writers = 2
	const perWriter = 10

	done := make(chan struct{})
	var wg sync.WaitGroup
	for w := range writers {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := range perWriter {
				_, err := s.Save(ctx, event.Stream("orders", fmt.Sprintf("stream-%d", w)),
					[]event.NewEvent{newEvent(fmt.Sprintf("w%d-%d", w, i))}, nil)
				assert.NoError(t, err)
			}
		}(w)
	}
	go func() {
		wg.Wait()
		close(done)
	}()

	// Under the LOG guarantee every reader snapshot is a contiguous
	// prefix 1..k of the sequence numbers.
	for {
		observed := collect(t, s.Scan(ctx, event.Log()))
		for i, e := range observed {
			require.Equal(t, int64(i+1), e.SequenceNumber)
		}
		select {
		case <-done:
			final := collect(t, s.Scan(ctx, event.Log()))
			require.Len(t, final, writers*perWriter)
			for i, e := range final {
				assert.Equal(t, int64(i+1), e.SequenceNumber)
			}
			return
		default:
		}
	}
}

func TestMemoryStore_CategoryGuaranteeReaders(t *testing.T) {
	s := NewMemoryStore(GuaranteeCategory)
	ctx := context.Background()

	categories := []string{"orders", "payments"}
	var wg sync.WaitGroup
	for _, category := range categories {
		for w := range 2 {
			wg.Add(1)
			go func(category string, w int) {
				defer wg.Done()
				for i := range 10 {
					_, err := s.Save(ctx, event.Stream(category, fmt.Sprintf("stream-%d", w)),
						[]event.NewEvent{newEvent(fmt.Sprintf("%s-%d-%d", category, w, i))}, nil)
					assert.NoError(t, err)
				}
			}(category, w)
		}
	}
	wg.Wait()

	// Per-category readers observe their category sorted and complete.
	total := 0
	for _, category := range categories {
		events := collect(t, s.Scan(ctx, event.Category(category)))
		require.Len(t, events, 20)
		for i := 1; i < len(events); i++ {
			assert.Less(t, events[i-1].SequenceNumber, events[i].SequenceNumber)
		}
		total += len(events)
	}
	assert.Equal(t, 40, total)
}

func TestMemoryStore_ScanHonoursCancellation(t *testing.T) {
	s := NewMemoryStore(GuaranteeLog)
	_, err := s.Save(context.Background(), event.Stream("orders", "order-1"),
		[]event.NewEvent{newEvent("a")}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var sawErr error
	for _, err := range s.Scan(ctx, event.Log()) {
		sawErr = err
	}
	require.ErrorIs(t, sawErr, context.Canceled)
}

func TestMemoryStore_SaveCancelled(t *testing.T) {
	s := NewMemoryStore(GuaranteeLog)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Save(ctx, event.Stream("orders", "order-1"), []event.NewEvent{newEvent("a")}, nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestMemoryStore_LatestMatchesScanTail(t *testing.T) {
	s := NewMemoryStore(GuaranteeLog)
	ctx := context.Background()

	_, err := s.Save(ctx, event.Stream("orders", "order-1"), []event.NewEvent{newEvent("a"), newEvent("b")}, nil)
	require.NoError(t, err)
	_, err = s.Save(ctx, event.Stream("payments", "payment-1"), []event.NewEvent{newEvent("c")}, nil)
	require.NoError(t, err)

	for _, target := range []event.Identifier{
		event.Log(),
		event.Category("orders"),
		event.Stream("payments", "payment-1"),
	} {
		events := collect(t, s.Scan(ctx, target))
		require.NotEmpty(t, events)
		latest, err := s.Latest(ctx, target)
		require.NoError(t, err)
		require.NotNil(t, latest)
		assert.Equal(t, events[len(events)-1].ID, latest.ID)
	}
}
