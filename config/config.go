// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/absmach/hubgate/ratelimit"
	"github.com/absmach/hubgate/topics"
	"gopkg.in/yaml.v3"
)

// Default values inherited by every deployment unless overridden.
const (
	DefaultCollection = "hub_manager_broker_persistance"
	DefaultLogName    = "hub_manager_log"
	DefaultTTL        = 2 * time.Hour
)

// Config holds all configuration for the hub.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Broker    BrokerConfig     `yaml:"broker"`
	Storage   StorageConfig    `yaml:"storage"`
	Log       LogConfig        `yaml:"log"`
	RateLimit ratelimit.Config `yaml:"ratelimit"`
	Webhook   WebhookConfig    `yaml:"webhook"`
	Relay     RelayConfig      `yaml:"relay"`
}

// ServerConfig holds listener and auxiliary server settings.
type ServerConfig struct {
	TCPAddr         string        `yaml:"tcp_addr"`
	WSAddr          string        `yaml:"ws_addr"`
	HealthAddr      string        `yaml:"health_addr"`
	MetricsAddr     string        `yaml:"metrics_addr"` // OTLP gRPC endpoint
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	WSEnabled       bool          `yaml:"ws_enabled"`
	HealthEnabled   bool          `yaml:"health_enabled"`
	MetricsEnabled  bool          `yaml:"metrics_enabled"`

	OtelServiceName     string  `yaml:"otel_service_name"`
	OtelServiceVersion  string  `yaml:"otel_service_version"`
	OtelTracesEnabled   bool    `yaml:"otel_traces_enabled"`
	OtelMetricsEnabled  bool    `yaml:"otel_metrics_enabled"`
	OtelTraceSampleRate float64 `yaml:"otel_trace_sample_rate"` // 0.0 to 1.0
}

// BrokerConfig holds settings of the authorization and dispatch core.
type BrokerConfig struct {
	ID string `yaml:"id"`

	// KeepAlive is the client keep-alive interval the transport works with.
	KeepAlive time.Duration `yaml:"keep_alive"`

	// AuthTimeout bounds a single policy decision. Zero derives it from KeepAlive.
	AuthTimeout time.Duration `yaml:"auth_timeout"`

	MaxQoS int `yaml:"max_qos"`

	// DispatchQueueSize is the initial capacity of a per-client event mailbox.
	DispatchQueueSize int `yaml:"dispatch_queue_size"`
}

// DecisionTimeout returns the effective policy decision budget.
func (c BrokerConfig) DecisionTimeout() time.Duration {
	if c.AuthTimeout > 0 {
		return c.AuthTimeout
	}
	return c.KeepAlive / 2
}

// StorageConfig holds persistence settings.
type StorageConfig struct {
	Type            string        `yaml:"type"` // memory, badger
	BadgerDir       string        `yaml:"badger_dir"`
	Collection      string        `yaml:"collection"`
	SubscriptionTTL time.Duration `yaml:"subscription_ttl"`
	PacketTTL       time.Duration `yaml:"packet_ttl"`
	SyncWrites      bool          `yaml:"sync_writes"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Name   string `yaml:"name"`   // log channel name attached to every record
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// WebhookConfig holds webhook notification configuration.
type WebhookConfig struct {
	Enabled         bool              `yaml:"enabled"`
	QueueSize       int               `yaml:"queue_size"`
	DropPolicy      string            `yaml:"drop_policy"` // "oldest" or "newest"
	Workers         int               `yaml:"workers"`
	IncludePayload  bool              `yaml:"include_payload"`
	ShutdownTimeout time.Duration     `yaml:"shutdown_timeout"`
	Defaults        WebhookDefaults   `yaml:"defaults"`
	Endpoints       []WebhookEndpoint `yaml:"endpoints"`
}

// WebhookDefaults holds default settings for webhook endpoints.
type WebhookDefaults struct {
	Timeout        time.Duration        `yaml:"timeout"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// RetryConfig holds retry configuration for webhook delivery.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
}

// CircuitBreakerConfig holds circuit breaker configuration.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// WebhookEndpoint defines a single webhook endpoint.
type WebhookEndpoint struct {
	Name         string            `yaml:"name"`
	URL          string            `yaml:"url"`
	Events       []string          `yaml:"events"`        // event type filter (empty = all)
	TopicFilters []string          `yaml:"topic_filters"` // topic pattern filter (empty = all)
	Headers      map[string]string `yaml:"headers"`
	Timeout      time.Duration     `yaml:"timeout,omitempty"`
	Retry        *RetryConfig      `yaml:"retry,omitempty"`
}

// RelayConfig holds the NATS event relay configuration.
type RelayConfig struct {
	Enabled        bool          `yaml:"enabled"`
	URL            string        `yaml:"url"`
	SubjectPrefix  string        `yaml:"subject_prefix"`
	IncludePayload bool          `yaml:"include_payload"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			TCPAddr:         ":1883",
			WSAddr:          ":8083",
			WSEnabled:       false,
			HealthAddr:      ":8081",
			HealthEnabled:   true,
			MetricsAddr:     "localhost:4317",
			MetricsEnabled:  false,
			ShutdownTimeout: 30 * time.Second,

			OtelServiceName:     "hubgate",
			OtelServiceVersion:  "0.1.0",
			OtelMetricsEnabled:  true,
			OtelTracesEnabled:   false,
			OtelTraceSampleRate: 0.1,
		},
		Broker: BrokerConfig{
			ID:                "hubgate-1",
			KeepAlive:         60 * time.Second,
			MaxQoS:            2,
			DispatchQueueSize: 64,
		},
		Storage: StorageConfig{
			Type:            "badger",
			BadgerDir:       "/tmp/hubgate/data",
			Collection:      DefaultCollection,
			SubscriptionTTL: DefaultTTL,
			PacketTTL:       DefaultTTL,
		},
		Log: LogConfig{
			Name:   DefaultLogName,
			Level:  "info",
			Format: "text",
		},
		RateLimit: ratelimit.DefaultConfig(),
		Webhook: WebhookConfig{
			Enabled:         false,
			QueueSize:       10000,
			DropPolicy:      "oldest",
			Workers:         5,
			ShutdownTimeout: 30 * time.Second,
			Defaults: WebhookDefaults{
				Timeout: 5 * time.Second,
				Retry: RetryConfig{
					MaxAttempts:     3,
					InitialInterval: 1 * time.Second,
					MaxInterval:     30 * time.Second,
					Multiplier:      2.0,
				},
				CircuitBreaker: CircuitBreakerConfig{
					FailureThreshold: 5,
					ResetTimeout:     60 * time.Second,
				},
			},
			Endpoints: []WebhookEndpoint{},
		},
		Relay: RelayConfig{
			Enabled:        false,
			URL:            "nats://127.0.0.1:4222",
			SubjectPrefix:  "hubgate.events",
			ConnectTimeout: 5 * time.Second,
		},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.TCPAddr == "" {
		return fmt.Errorf("server.tcp_addr cannot be empty")
	}
	if c.Server.WSEnabled && c.Server.WSAddr == "" {
		return fmt.Errorf("server.ws_addr required when websocket is enabled")
	}
	if c.Server.HealthEnabled && c.Server.HealthAddr == "" {
		return fmt.Errorf("server.health_addr required when health is enabled")
	}
	if c.Server.MetricsEnabled {
		if c.Server.OtelServiceName == "" {
			return fmt.Errorf("server.otel_service_name cannot be empty when metrics enabled")
		}
		if c.Server.OtelTraceSampleRate < 0.0 || c.Server.OtelTraceSampleRate > 1.0 {
			return fmt.Errorf("server.otel_trace_sample_rate must be between 0.0 and 1.0")
		}
	}

	if c.Broker.KeepAlive < time.Second {
		return fmt.Errorf("broker.keep_alive must be at least 1 second")
	}
	if c.Broker.AuthTimeout < 0 {
		return fmt.Errorf("broker.auth_timeout cannot be negative")
	}
	if c.Broker.MaxQoS < 0 || c.Broker.MaxQoS > 2 {
		return fmt.Errorf("broker.max_qos must be 0, 1 or 2")
	}
	if c.Broker.DispatchQueueSize < 1 {
		return fmt.Errorf("broker.dispatch_queue_size must be at least 1")
	}

	validStorage := map[string]bool{"memory": true, "badger": true}
	if !validStorage[c.Storage.Type] {
		return fmt.Errorf("storage.type must be one of: memory, badger")
	}
	if c.Storage.Type == "badger" && c.Storage.BadgerDir == "" {
		return fmt.Errorf("storage.badger_dir required when type is badger")
	}
	if c.Storage.Collection == "" {
		return fmt.Errorf("storage.collection cannot be empty")
	}
	if c.Storage.SubscriptionTTL < time.Second {
		return fmt.Errorf("storage.subscription_ttl must be at least 1 second")
	}
	if c.Storage.PacketTTL < time.Second {
		return fmt.Errorf("storage.packet_ttl must be at least 1 second")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	if c.Webhook.Enabled {
		if err := c.Webhook.validate(); err != nil {
			return err
		}
	}

	if c.Relay.Enabled {
		if c.Relay.URL == "" {
			return fmt.Errorf("relay.url required when relay is enabled")
		}
		if c.Relay.SubjectPrefix == "" {
			return fmt.Errorf("relay.subject_prefix cannot be empty")
		}
	}

	return nil
}

func (w WebhookConfig) validate() error {
	if w.QueueSize < 100 {
		return fmt.Errorf("webhook.queue_size must be at least 100")
	}
	if w.DropPolicy != "oldest" && w.DropPolicy != "newest" {
		return fmt.Errorf("webhook.drop_policy must be 'oldest' or 'newest'")
	}
	if w.Workers < 1 {
		return fmt.Errorf("webhook.workers must be at least 1")
	}
	if w.ShutdownTimeout < time.Second {
		return fmt.Errorf("webhook.shutdown_timeout must be at least 1 second")
	}
	if w.Defaults.Timeout < time.Second {
		return fmt.Errorf("webhook.defaults.timeout must be at least 1 second")
	}
	if w.Defaults.Retry.MaxAttempts < 1 {
		return fmt.Errorf("webhook.defaults.retry.max_attempts must be at least 1")
	}
	if w.Defaults.Retry.Multiplier < 1.0 {
		return fmt.Errorf("webhook.defaults.retry.multiplier must be at least 1.0")
	}
	if w.Defaults.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("webhook.defaults.circuit_breaker.failure_threshold must be at least 1")
	}
	for i, ep := range w.Endpoints {
		if ep.Name == "" {
			return fmt.Errorf("webhook.endpoints[%d].name cannot be empty", i)
		}
		if ep.URL == "" {
			return fmt.Errorf("webhook.endpoints[%d].url cannot be empty", i)
		}
		for _, f := range ep.TopicFilters {
			if err := topics.ValidateFilter(f); err != nil {
				return fmt.Errorf("webhook.endpoints[%d].topic_filters: %q: %w", i, f, err)
			}
		}
	}
	return nil
}
