// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package config loads streamflow configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend selects the channel transport implementation.
const (
	BackendQueue = "queue"
	BackendMock  = "mock"
)

// Config holds all configuration for the transfer channel subsystem.
type Config struct {
	Channel    ChannelConfig    `yaml:"channel"`
	Transport  TransportConfig  `yaml:"transport"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Log        LogConfig        `yaml:"log"`
}

// ChannelConfig holds per-channel queue settings.
type ChannelConfig struct {
	// QueueSize is the upstream queue byte budget.
	QueueSize uint64 `yaml:"queue_size"`

	// ConsumeTimeout is the default blocking-pop timeout.
	ConsumeTimeout time.Duration `yaml:"consume_timeout"`

	// NotifyRate limits consumed notifications per second; NotifyBurst
	// allows short spikes.
	NotifyRate  float64 `yaml:"notify_rate"`
	NotifyBurst int     `yaml:"notify_burst"`
}

// TransportConfig holds transport settings.
type TransportConfig struct {
	// Backend is "queue" for the transport-connected path or "mock"
	// for the in-process test backend.
	Backend string `yaml:"backend"`

	// Compression enables s2 compression of bundle frames.
	Compression bool `yaml:"compression"`

	// PullTimeout is a bound for the synchronous pull RPC. No package in
	// this repository reads it: the in-process transport answers pulls
	// directly and fails fast through its circuit breaker.
	PullTimeout time.Duration `yaml:"pull_timeout"`

	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig tunes the circuit breaker around sync calls.
type BreakerConfig struct {
	MaxRequests uint32        `yaml:"max_requests"`
	Interval    time.Duration `yaml:"interval"`
	Timeout     time.Duration `yaml:"timeout"`

	// ConsecutiveFailures trips the breaker once reached.
	ConsecutiveFailures uint32 `yaml:"consecutive_failures"`
}

// CheckpointConfig holds position-store settings.
type CheckpointConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Channel: ChannelConfig{
			QueueSize:      100 * 1024 * 1024, // 100MB
			ConsumeTimeout: 250 * time.Millisecond,
			NotifyRate:     100,
			NotifyBurst:    10,
		},
		Transport: TransportConfig{
			Backend:     BackendQueue,
			Compression: false,
			PullTimeout: 10 * time.Second,
			Breaker: BreakerConfig{
				MaxRequests:         1,
				Interval:            60 * time.Second,
				Timeout:             5 * time.Second,
				ConsecutiveFailures: 5,
			},
		},
		Checkpoint: CheckpointConfig{
			Enabled: false,
			Dir:     "./data/checkpoints",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from path, applying defaults for anything
// unset. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Channel.QueueSize == 0 {
		return fmt.Errorf("channel.queue_size must be positive")
	}
	if c.Transport.Backend != BackendQueue && c.Transport.Backend != BackendMock {
		return fmt.Errorf("transport.backend must be %q or %q, got %q", BackendQueue, BackendMock, c.Transport.Backend)
	}
	if c.Checkpoint.Enabled && c.Checkpoint.Dir == "" {
		return fmt.Errorf("checkpoint.dir must be set when checkpointing is enabled")
	}
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}
	return nil
}
