// Package config loads and validates the broker's cluster-wide
// configuration. Configuration is treated as immutable after a cluster
// spawns (spec: "Configuration is treated as immutable after spawn").
package config

import (
	"fmt"
	"math/bits"
	"os"

	"gopkg.in/yaml.v3"
)

// MaxShards and MaxNodes are the compile-time upper bounds the spec
// requires num_shards/max_nodes to respect.
const (
	MaxShards = 1024
	MaxNodes  = 256
)

// Config is the complete recognised configuration surface (spec §6,
// "Configuration (recognised options)").
type Config struct {
	Name          string `yaml:"name"`
	NumShards     int    `yaml:"num_shards"`
	MaxNodes      int    `yaml:"max_nodes"`
	ListenAddress string `yaml:"listen_address"`

	MQTT    MQTTConfig    `yaml:"mqtt"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Admin   AdminConfig   `yaml:"admin"`
}

// MQTTConfig groups every `mqtt_*` recognised option from spec §6.
type MQTTConfig struct {
	FlushTimeoutSeconds   int `yaml:"flush_timeout_seconds"`
	MaxPacketSize         int `yaml:"max_packet_size"`
	PacketBatchSize       int `yaml:"pkt_batch_size"`
	MessageBatchSize      int `yaml:"msg_batch_size"`
	KeepAliveSeconds      int `yaml:"keep_alive_seconds"`
	ReceiveMaximum        int `yaml:"receive_maximum"`
	TopicAliasMax         int `yaml:"topic_alias_max"`
	SessionExpiryInterval int `yaml:"session_expiry_interval_seconds"`
}

// LoggingConfig controls the zerolog sink used across every component.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "console" or "json"
}

// MetricsConfig controls the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

// AdminConfig controls the local read-only introspection HTTP surface.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// Load reads, defaults, and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.Name == "" {
		c.Name = "mqttd"
	}
	if c.NumShards == 0 {
		c.NumShards = 4
	}
	if c.MaxNodes == 0 {
		c.MaxNodes = 16
	}
	if c.ListenAddress == "" {
		c.ListenAddress = "0.0.0.0:1883"
	}
	if c.MQTT.FlushTimeoutSeconds == 0 {
		c.MQTT.FlushTimeoutSeconds = 5
	}
	if c.MQTT.MaxPacketSize == 0 {
		c.MQTT.MaxPacketSize = 1 << 20
	}
	if c.MQTT.PacketBatchSize == 0 {
		c.MQTT.PacketBatchSize = 64
	}
	if c.MQTT.MessageBatchSize == 0 {
		c.MQTT.MessageBatchSize = 64
	}
	if c.MQTT.KeepAliveSeconds == 0 {
		c.MQTT.KeepAliveSeconds = 60
	}
	if c.MQTT.ReceiveMaximum == 0 {
		c.MQTT.ReceiveMaximum = 65535
	}
	if c.MQTT.TopicAliasMax == 0 {
		c.MQTT.TopicAliasMax = 16
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
	if c.Metrics.Address == "" {
		c.Metrics.Address = "127.0.0.1:9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Admin.Address == "" {
		c.Admin.Address = "127.0.0.1:9091"
	}
}

// Validate enforces every boundary behaviour spec §8 names explicitly
// (num_shards power-of-two and bounded) plus the bounds implied by §3's
// data model for max_nodes.
func (c *Config) Validate() error {
	if c.NumShards <= 0 || bits.OnesCount(uint(c.NumShards)) != 1 {
		return fmt.Errorf("num_shards=%d must be a power of two", c.NumShards)
	}
	if c.NumShards > MaxShards {
		return fmt.Errorf("num_shards=%d exceeds MAX_SHARDS=%d", c.NumShards, MaxShards)
	}
	if c.MaxNodes <= 0 || c.MaxNodes > MaxNodes {
		return fmt.Errorf("max_nodes=%d must be in (0, %d]", c.MaxNodes, MaxNodes)
	}
	if c.MQTT.MaxPacketSize <= 0 {
		return fmt.Errorf("mqtt_max_packet_size must be positive")
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s", c.Logging.Level)
	}
	return nil
}
