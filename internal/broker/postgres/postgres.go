// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Chronolog Contributors

// Package postgres implements the broker's cluster stores on PostgreSQL.
package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chronolog/chronolog/internal/broker"
	"github.com/chronolog/chronolog/internal/broker/lock"
	"github.com/chronolog/chronolog/internal/store"
)

// poolIface is the subset of pgxpool.Pool the stores use. Satisfied by
// pgxmock in unit tests.
type poolIface interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// NewBroker creates a cluster broker whose stores and lock manager share
// the given pool.
func NewBroker(pool *pgxpool.Pool, eventStore store.EventStore, settings broker.Settings) *broker.Broker {
	return broker.New(settings, broker.Components{
		Locks:         lock.NewPostgresManager(pool),
		Nodes:         NewNodeStateStore(pool),
		States:        NewSubscriberStateStore(pool),
		Mappings:      NewSourceMappingStore(pool),
		Subscriptions: NewSubscriptionStateStore(pool),
	}, broker.NewStoreSourceFactory(eventStore, nil))
}
