// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package config loads the runtime configuration from a YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the correlation runtime.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Engine  EngineConfig  `yaml:"engine"`
	Log     LogConfig     `yaml:"log"`
	Storage StorageConfig `yaml:"storage"`
	Cluster ClusterConfig `yaml:"cluster"`
}

// ServerConfig holds the HTTP server settings.
type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr" envconfig:"HTTP_ADDR"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`

	MetricsEnabled bool   `yaml:"metrics_enabled" envconfig:"METRICS_ENABLED"`
	MetricsAddr    string `yaml:"metrics_addr" envconfig:"METRICS_ADDR"` // OTLP endpoint
	ServiceName    string `yaml:"service_name" envconfig:"SERVICE_NAME"`
	ServiceVersion string `yaml:"service_version" envconfig:"SERVICE_VERSION"`
}

// EngineConfig holds per-partition engine settings.
type EngineConfig struct {
	// RetryTimeout is how long an unacknowledged cross-partition command may
	// be outstanding before it is resent.
	RetryTimeout time.Duration `yaml:"retry_timeout" envconfig:"RETRY_TIMEOUT"`
	// RetryInterval is the scan period of the pending delivery trackers.
	RetryInterval time.Duration `yaml:"retry_interval" envconfig:"RETRY_INTERVAL"`
	// SweepInterval is the scan period of the message TTL sweeper.
	SweepInterval time.Duration `yaml:"sweep_interval" envconfig:"SWEEP_INTERVAL"`
	// SweepBatch caps how many expiries one sweep emits.
	SweepBatch int `yaml:"sweep_batch" envconfig:"SWEEP_BATCH"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level" envconfig:"LEVEL"`   // debug, info, warn, error
	Format string `yaml:"format" envconfig:"FORMAT"` // text, json
}

// StorageConfig holds storage backend configuration.
type StorageConfig struct {
	Type string `yaml:"type" envconfig:"TYPE"` // memory, badger

	// BadgerDir is the root data directory; each partition gets its own
	// subdirectory.
	BadgerDir string `yaml:"badger_dir" envconfig:"BADGER_DIR"`
}

// ClusterConfig holds partition layout and peer transport configuration.
type ClusterConfig struct {
	// PartitionCount is the total partition count across the cluster.
	PartitionCount int32 `yaml:"partition_count" envconfig:"PARTITION_COUNT"`
	// Partitions lists the partition IDs hosted by this node.
	Partitions []int32 `yaml:"partitions" envconfig:"PARTITIONS"`
	// Peers maps remote partition IDs to peer base URLs. Partitions hosted
	// locally are routed in-process and need no entry.
	Peers map[int32]string `yaml:"peers"`

	Transport TransportConfig `yaml:"transport"`
}

// TransportConfig holds the peer HTTP transport settings.
type TransportConfig struct {
	Timeout          time.Duration `yaml:"timeout" envconfig:"TIMEOUT"`
	RateLimit        float64       `yaml:"rate_limit" envconfig:"RATE_LIMIT"` // sends per second, 0 = unlimited
	RateBurst        int           `yaml:"rate_burst" envconfig:"RATE_BURST"`
	FailureThreshold uint32        `yaml:"failure_threshold" envconfig:"FAILURE_THRESHOLD"`
	ResetTimeout     time.Duration `yaml:"reset_timeout" envconfig:"RESET_TIMEOUT"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr:        ":8690",
			ShutdownTimeout: 30 * time.Second,
			MetricsEnabled:  false,
			MetricsAddr:     "localhost:4317",
			ServiceName:     "fluxproc",
			ServiceVersion:  "1.0.0",
		},
		Engine: EngineConfig{
			RetryTimeout:  10 * time.Second,
			RetryInterval: 30 * time.Second,
			SweepInterval: 60 * time.Second,
			SweepBatch:    1000,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Storage: StorageConfig{
			Type:      "badger",
			BadgerDir: "/tmp/fluxproc/data",
		},
		Cluster: ClusterConfig{
			PartitionCount: 1,
			Partitions:     []int32{1},
			Transport: TransportConfig{
				Timeout:          5 * time.Second,
				RateLimit:        0,
				RateBurst:        100,
				FailureThreshold: 5,
				ResetTimeout:     10 * time.Second,
			},
		},
	}
}

// Load loads configuration from a YAML file, then applies FLUXPROC_*
// environment variable overrides. A missing file yields the defaults.
func Load(filename string) (*Config, error) {
	cfg := Default()

	if filename != "" {
		data, err := os.ReadFile(filename)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	if err := envconfig.Process("fluxproc", cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr cannot be empty")
	}
	if c.Server.MetricsEnabled {
		if c.Server.MetricsAddr == "" {
			return fmt.Errorf("server.metrics_addr required when metrics enabled")
		}
		if c.Server.ServiceName == "" {
			return fmt.Errorf("server.service_name cannot be empty when metrics enabled")
		}
	}

	if c.Engine.RetryTimeout < time.Second {
		return fmt.Errorf("engine.retry_timeout must be at least 1 second")
	}
	if c.Engine.RetryInterval < time.Second {
		return fmt.Errorf("engine.retry_interval must be at least 1 second")
	}
	if c.Engine.SweepInterval < time.Second {
		return fmt.Errorf("engine.sweep_interval must be at least 1 second")
	}
	if c.Engine.SweepBatch < 1 {
		return fmt.Errorf("engine.sweep_batch must be at least 1")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	validStorage := map[string]bool{"memory": true, "badger": true}
	if !validStorage[c.Storage.Type] {
		return fmt.Errorf("storage.type must be one of: memory, badger")
	}
	if c.Storage.Type == "badger" && c.Storage.BadgerDir == "" {
		return fmt.Errorf("storage.badger_dir required when type is badger")
	}

	if c.Cluster.PartitionCount < 1 {
		return fmt.Errorf("cluster.partition_count must be at least 1")
	}
	if len(c.Cluster.Partitions) == 0 {
		return fmt.Errorf("cluster.partitions cannot be empty")
	}
	hosted := make(map[int32]bool, len(c.Cluster.Partitions))
	for _, p := range c.Cluster.Partitions {
		if p < 1 || p > c.Cluster.PartitionCount {
			return fmt.Errorf("cluster.partitions entry %d outside range 1..%d", p, c.Cluster.PartitionCount)
		}
		if hosted[p] {
			return fmt.Errorf("cluster.partitions entry %d duplicated", p)
		}
		hosted[p] = true
	}
	for p := range c.Cluster.Peers {
		if p < 1 || p > c.Cluster.PartitionCount {
			return fmt.Errorf("cluster.peers entry %d outside range 1..%d", p, c.Cluster.PartitionCount)
		}
		if hosted[p] {
			return fmt.Errorf("cluster.peers entry %d is hosted locally", p)
		}
	}
	for p := int32(1); p <= c.Cluster.PartitionCount; p++ {
		if !hosted[p] {
			if _, ok := c.Cluster.Peers[p]; !ok {
				return fmt.Errorf("partition %d has neither a local host nor a peer", p)
			}
		}
	}
	return nil
}
