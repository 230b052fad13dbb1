// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Chronolog Contributors

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/chronolog/chronolog/internal/broker"
	brokerpg "github.com/chronolog/chronolog/internal/broker/postgres"
	"github.com/chronolog/chronolog/internal/logging"
	"github.com/chronolog/chronolog/internal/observability"
	"github.com/chronolog/chronolog/internal/store"
	storepg "github.com/chronolog/chronolog/internal/store/postgres"
)

// NewBrokerCmd creates the broker subcommand.
func NewBrokerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "broker",
		Short: "Run a broker node",
		Long: `Run one cluster node: heartbeats membership, participates in
coordinator election via the cluster lock, and reconciles local
subscribers with their assignments.`,
		RunE: runBroker,
	}
	cmd.Flags().String("database_url", "", "PostgreSQL connection URL")
	cmd.Flags().String("node_id", "", "node identifier (generated when empty)")
	cmd.Flags().String("guarantee", "", "store serialisation guarantee: log, category or stream")
	return cmd
}

func runBroker(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(configFile, cmd.Flags())
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if cfg.DatabaseURL == "" {
		return oops.Code("CONFIG_INVALID").Errorf("database URL is required (DATABASE_URL or config file)")
	}

	logging.SetDefault("chronolog", version, cfg.LogFormat, parseLogLevel(cfg.LogLevel))

	guarantee, err := parseGuarantee(cfg.Guarantee)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eventStore, pool, err := storepg.Connect(ctx, cfg.DatabaseURL, guarantee)
	if err != nil {
		return err
	}
	defer pool.Close()

	node := brokerpg.NewBroker(pool, eventStore, broker.Settings{
		NodeID:              cfg.NodeID,
		HeartbeatInterval:   cfg.HeartbeatInterval,
		CoordinatorInterval: cfg.CoordinatorInterval,
		ObserverInterval:    cfg.ObserverInterval,
		NodeMaxAge:          cfg.LivenessMaxAge,
		SubscriberMaxAge:    cfg.LivenessMaxAge,
	})

	obs := observability.NewServer(cfg.ObservabilityAddr, func() bool {
		return node.Observer().Status() == broker.StatusRunning
	})
	if err := obs.Start(); err != nil {
		return oops.Code("OBSERVABILITY_START_FAILED").Wrap(err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Stop(shutdownCtx)
	}()

	slog.InfoContext(ctx, "broker node starting",
		"node_id", node.NodeID(),
		"version", version,
		"commit", commit,
		"guarantee", guarantee.String())

	if err := node.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	slog.Info("broker node stopped", "node_id", node.NodeID())
	return nil
}

func parseGuarantee(name string) (store.Guarantee, error) {
	switch name {
	case "", "log":
		return store.GuaranteeLog, nil
	case "category":
		return store.GuaranteeCategory, nil
	case "stream":
		return store.GuaranteeStream, nil
	default:
		return 0, oops.Code("CONFIG_INVALID").Errorf("unknown guarantee %q", name)
	}
}

func parseLogLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
