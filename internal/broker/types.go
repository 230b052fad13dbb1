// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Chronolog Contributors

// Package broker distributes subscriber-group to event-source assignments
// across a cluster. A single coordinator rebalances assignments under a
// cluster-wide lock while an observer on every node reconciles its local
// subscribers with the assignment table.
package broker

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/chronolog/chronolog/internal/store"
)

// ErrConflict is returned when a change collides with existing state,
// e.g. adding a subscription that already exists.
var ErrConflict = errors.New("conflict")

// Health is a subscriber's self-reported health.
type Health string

const (
	HealthHealthy   Health = "healthy"
	HealthUnhealthy Health = "unhealthy"
)

// SubscriberKey identifies a subscriber: the group it belongs to and its
// instance id within the group.
type SubscriberKey struct {
	Group string
	ID    string
}

// EventSubscriber is an opaque worker that consumes event sources. The
// broker starts and stops it by handing it its current source set; an
// empty set means the subscriber holds no assignments.
type EventSubscriber interface {
	Key() SubscriberKey
	Health() Health
	Accept(ctx context.Context, sources []store.EventSource) error
}

// Status is the lifecycle state of a broker control loop.
type Status int32

const (
	StatusInitialised Status = iota
	StatusRunning
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusInitialised:
		return "initialised"
	case StatusRunning:
		return "running"
	case StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// status is an atomically updated Status field.
type status struct {
	v atomic.Int32
}

func (s *status) set(next Status) { s.v.Store(int32(next)) }

func (s *status) get() Status { return Status(s.v.Load()) }
