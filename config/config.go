// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/absmach/peermq/directory"
	tlscfg "github.com/absmach/peermq/pkg/tls"
	"github.com/absmach/peermq/ratelimit"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for a peermq node.
type Config struct {
	Node      NodeConfig       `yaml:"node"`
	Transport TransportConfig  `yaml:"transport"`
	Receiver  ReceiverConfig   `yaml:"receiver"`
	Directory DirectoryConfig  `yaml:"directory"`
	TLS       tlscfg.Config    `yaml:"tls"`
	RateLimit ratelimit.Config `yaml:"ratelimit"`
	Log       LogConfig        `yaml:"log"`
	Telemetry TelemetryConfig  `yaml:"telemetry"`
	Health    HealthConfig     `yaml:"health"`
}

// NodeConfig identifies this node.
type NodeConfig struct {
	ID string `yaml:"id"`
}

// TransportConfig holds the outbound delivery bounds.
type TransportConfig struct {
	// Deadline of a single attempt.
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	// Retry budget of a message. TotalTimeout / AttemptTimeout attempts are
	// made before the message times out.
	TotalTimeout time.Duration `yaml:"total_timeout"`

	MaxConcurrentPerConnection int `yaml:"max_concurrent_per_connection"`
	MaxOpenSockets             int `yaml:"max_open_sockets"` // 0 means unlimited
	MaxMessageSize             int `yaml:"max_message_size"`

	DialTimeout     time.Duration `yaml:"dial_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	BreakerFailures uint32        `yaml:"breaker_failures"`
	BreakerReset    time.Duration `yaml:"breaker_reset"`
}

// ReceiverConfig holds the inbound listener settings.
type ReceiverConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	MaxConnections  int           `yaml:"max_connections"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	TCPKeepAlive    time.Duration `yaml:"tcp_keepalive"`
	AckedRetention  time.Duration `yaml:"acked_retention"`
}

// DirectoryConfig selects how peer node ids are resolved.
type DirectoryConfig struct {
	Type  string               `yaml:"type"` // static, etcd
	Peers map[string]string    `yaml:"peers"`
	Etcd  directory.EtcdConfig `yaml:"etcd"`

	// Register this node's receiver address in etcd.
	Register bool `yaml:"register"`
	// Address published when registering. Defaults to receiver.listen_addr.
	AdvertiseAddr string `yaml:"advertise_addr"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// TelemetryConfig holds OpenTelemetry settings.
type TelemetryConfig struct {
	Enabled         bool    `yaml:"enabled"`
	Endpoint        string  `yaml:"endpoint"` // OTLP gRPC endpoint
	ServiceName     string  `yaml:"service_name"`
	ServiceVersion  string  `yaml:"service_version"`
	MetricsEnabled  bool    `yaml:"metrics_enabled"`
	TracesEnabled   bool    `yaml:"traces_enabled"`
	TraceSampleRate float64 `yaml:"trace_sample_rate"` // 0.0 to 1.0

	// Insecure sends telemetry in plaintext. Otherwise the collector is
	// reached over TLS, verified against TLS.ServerCAFile or the system
	// roots. TLS.Enabled is implied.
	Insecure       bool              `yaml:"insecure"`
	TLS            tlscfg.Config     `yaml:"tls"`
	Headers        map[string]string `yaml:"headers"`
	ExportTimeout  time.Duration     `yaml:"export_timeout"`
	MetricInterval time.Duration     `yaml:"metric_interval"`
}

// HealthConfig holds the health endpoint settings.
type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ID: "node-1",
		},
		Transport: TransportConfig{
			AttemptTimeout:             5 * time.Second,
			TotalTimeout:               30 * time.Second,
			MaxConcurrentPerConnection: 100,
			MaxOpenSockets:             1024,
			MaxMessageSize:             4 << 20, // 4MB
			DialTimeout:                5 * time.Second,
			WriteTimeout:               5 * time.Second,
			BreakerFailures:            5,
			BreakerReset:               10 * time.Second,
		},
		Receiver: ReceiverConfig{
			ListenAddr:      ":7600",
			MaxConnections:  10000,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			TCPKeepAlive:    15 * time.Second,
			AckedRetention:  time.Minute,
		},
		Directory: DirectoryConfig{
			Type:  "static",
			Peers: map[string]string{},
			Etcd: directory.EtcdConfig{
				Endpoints:   []string{"localhost:2379"},
				Prefix:      directory.DefaultPrefix,
				DialTimeout: 5 * time.Second,
				LeaseTTL:    10 * time.Second,
			},
		},
		RateLimit: ratelimit.DefaultConfig(),
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Telemetry: TelemetryConfig{
			Enabled:         false,
			Endpoint:        "localhost:4317",
			ServiceName:     "peermq",
			ServiceVersion:  "1.0.0",
			MetricsEnabled:  true,
			TracesEnabled:   false,
			TraceSampleRate: 0.1,
			Insecure:        true,
			ExportTimeout:   10 * time.Second,
			MetricInterval:  10 * time.Second,
		},
		Health: HealthConfig{
			Enabled: true,
			Addr:    ":8081",
		},
	}
}

// Load loads configuration from a YAML file and applies environment
// overrides. If the file doesn't exist, the defaults are used.
func Load(filename string) (*Config, error) {
	cfg := Default()

	if filename != "" {
		data, err := os.ReadFile(filename)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("node.id cannot be empty")
	}

	t := c.Transport
	if t.AttemptTimeout <= 0 {
		return fmt.Errorf("transport.attempt_timeout must be positive")
	}
	if t.TotalTimeout < t.AttemptTimeout {
		return fmt.Errorf("transport.total_timeout must be at least transport.attempt_timeout")
	}
	if t.MaxConcurrentPerConnection < 1 {
		return fmt.Errorf("transport.max_concurrent_per_connection must be at least 1")
	}
	if t.MaxOpenSockets < 0 {
		return fmt.Errorf("transport.max_open_sockets cannot be negative")
	}
	if t.MaxMessageSize < 1 {
		return fmt.Errorf("transport.max_message_size must be at least 1 byte")
	}

	if c.Receiver.ListenAddr == "" {
		return fmt.Errorf("receiver.listen_addr cannot be empty")
	}
	if c.Receiver.MaxConnections < 0 {
		return fmt.Errorf("receiver.max_connections cannot be negative")
	}

	switch c.Directory.Type {
	case "static":
	case "etcd":
		if len(c.Directory.Etcd.Endpoints) == 0 {
			return fmt.Errorf("directory.etcd.endpoints required when type is etcd")
		}
	default:
		return fmt.Errorf("directory.type must be one of: static, etcd")
	}
	if c.Directory.Register && c.Directory.Type != "etcd" {
		return fmt.Errorf("directory.register requires directory.type etcd")
	}

	if c.TLS.Enabled {
		if c.TLS.CertFile == "" {
			return fmt.Errorf("tls.cert_file required when TLS is enabled")
		}
		if c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.key_file required when TLS is enabled")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.ServiceName == "" {
			return fmt.Errorf("telemetry.service_name cannot be empty when telemetry is enabled")
		}
		if c.Telemetry.TraceSampleRate < 0.0 || c.Telemetry.TraceSampleRate > 1.0 {
			return fmt.Errorf("telemetry.trace_sample_rate must be between 0.0 and 1.0")
		}
		if c.Telemetry.ExportTimeout <= 0 {
			return fmt.Errorf("telemetry.export_timeout must be positive")
		}
		if c.Telemetry.MetricsEnabled && c.Telemetry.MetricInterval <= 0 {
			return fmt.Errorf("telemetry.metric_interval must be positive when metrics are enabled")
		}
	}

	if c.Health.Enabled && c.Health.Addr == "" {
		return fmt.Errorf("health.addr required when health is enabled")
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
