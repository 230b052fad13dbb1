// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Chronolog Contributors

package main

import (
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"
)

// Config holds node configuration. Values load from the optional YAML
// config file first, then command-line flags override.
type Config struct {
	DatabaseURL string `koanf:"database_url"`
	NodeID      string `koanf:"node_id"`

	LogFormat string `koanf:"log_format"`
	LogLevel  string `koanf:"log_level"`

	// Guarantee is the store serialisation guarantee: log, category or
	// stream.
	Guarantee string `koanf:"guarantee"`

	HeartbeatInterval   time.Duration `koanf:"heartbeat_interval"`
	CoordinatorInterval time.Duration `koanf:"coordinator_interval"`
	ObserverInterval    time.Duration `koanf:"observer_interval"`
	LivenessMaxAge      time.Duration `koanf:"liveness_max_age"`

	ObservabilityAddr string `koanf:"observability_addr"`
}

func defaultConfig() Config {
	return Config{
		LogFormat:           "json",
		LogLevel:            "info",
		Guarantee:           "log",
		HeartbeatInterval:   2 * time.Second,
		CoordinatorInterval: 5 * time.Second,
		ObserverInterval:    5 * time.Second,
		LivenessMaxAge:      10 * time.Second,
		ObservabilityAddr:   ":9464",
	}
}

// loadConfig merges the config file (when given) and flags over the
// defaults.
func loadConfig(path string, flags *pflag.FlagSet) (Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, oops.Code("CONFIG_LOAD_FAILED").With("path", path).Wrap(err)
		}
	}
	if flags != nil {
		if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
			return Config{}, oops.Code("CONFIG_LOAD_FAILED").Wrap(err)
		}
	}

	cfg := defaultConfig()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, oops.Code("CONFIG_INVALID").Wrap(err)
	}
	return cfg, nil
}
