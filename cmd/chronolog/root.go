// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Chronolog Contributors

package main

import (
	"github.com/spf13/cobra"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the chronolog CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chronolog",
		Short: "Chronolog - event-sourced storage and subscription engine",
		Long: `Chronolog stores append-only events in streams, categories and a
global log, and distributes event-source assignments to subscriber
groups across a cluster.`,
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")

	cmd.AddCommand(NewBrokerCmd())
	cmd.AddCommand(NewMigrateCmd())

	return cmd
}
