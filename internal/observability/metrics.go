// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Chronolog Contributors

package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the event store and subscription broker.
var (
	// eventsAppended counts committed events by category.
	eventsAppended = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chronolog_events_appended_total",
		Help: "Total number of events committed to the store",
	}, []string{"category"})

	// eventsScanned counts events yielded to readers.
	eventsScanned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chronolog_events_scanned_total",
		Help: "Total number of events yielded by scans",
	})

	// lockAcquisitions counts lock attempts by outcome.
	lockAcquisitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chronolog_lock_acquisitions_total",
		Help: "Total number of lock acquisition attempts",
	}, []string{"name", "outcome"})

	// coordinatorTicks counts coordinator ticks by outcome.
	coordinatorTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chronolog_coordinator_ticks_total",
		Help: "Total number of coordinator ticks",
	}, []string{"outcome"})

	// subscriptionChanges counts applied assignment changes by type.
	subscriptionChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chronolog_subscription_changes_total",
		Help: "Total number of applied subscription assignment changes",
	}, []string{"type"})

	// subscribersRunning gauges locally running subscribers per node.
	subscribersRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chronolog_subscribers_running",
		Help: "Number of subscribers currently running on this node",
	})
)

// RecordAppend records a committed batch of n events.
func RecordAppend(category string, n int) {
	eventsAppended.WithLabelValues(category).Add(float64(n))
}

// RecordScanned records events yielded to a reader.
func RecordScanned(n int) {
	eventsScanned.Add(float64(n))
}

// RecordLockAcquisition records a lock attempt. Outcome is "acquired",
// "contended" or "timeout".
func RecordLockAcquisition(name, outcome string) {
	lockAcquisitions.WithLabelValues(name, outcome).Inc()
}

// RecordCoordinatorTick records a coordinator tick. Outcome is
// "rebalanced", "noop", "skipped" or "failed".
func RecordCoordinatorTick(outcome string) {
	coordinatorTicks.WithLabelValues(outcome).Inc()
}

// RecordSubscriptionChange records one applied assignment change.
func RecordSubscriptionChange(changeType string) {
	subscriptionChanges.WithLabelValues(changeType).Inc()
}

// SetSubscribersRunning updates the local running-subscriber gauge.
func SetSubscribersRunning(n int) {
	subscribersRunning.Set(float64(n))
}
