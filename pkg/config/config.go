package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tacedge/tacedge/pkg/types"
)

// Config holds the full runtime configuration of the relay.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	DataDir    string `yaml:"data_dir"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`

	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Queue      QueueConfig      `yaml:"queue"`
	Auth       AuthConfig       `yaml:"auth"`
	Crypto     CryptoConfig     `yaml:"crypto"`
	Nodes      NodesConfig      `yaml:"nodes"`
	RateLimits RateLimitConfig  `yaml:"rate_limits"`
}

// DispatcherConfig controls the dispatch worker.
type DispatcherConfig struct {
	TickMS              int `yaml:"tick_ms"`
	MaxAttempts         int `yaml:"max_attempts"`
	BackoffBaseMS       int `yaml:"backoff_base_ms"`
	BackoffMaxMS        int `yaml:"backoff_max_ms"`
	AttemptTimeoutFlash int `yaml:"attempt_timeout_flash_ms"`
	AttemptTimeoutOther int `yaml:"attempt_timeout_other_ms"`
}

// Tick returns the dispatcher tick interval.
func (d DispatcherConfig) Tick() time.Duration {
	return time.Duration(d.TickMS) * time.Millisecond
}

// BackoffBase returns the base retry delay.
func (d DispatcherConfig) BackoffBase() time.Duration {
	return time.Duration(d.BackoffBaseMS) * time.Millisecond
}

// BackoffMax returns the retry delay ceiling.
func (d DispatcherConfig) BackoffMax() time.Duration {
	return time.Duration(d.BackoffMaxMS) * time.Millisecond
}

// AttemptTimeout returns the per-attempt delivery timeout for a precedence.
func (d DispatcherConfig) AttemptTimeout(p types.Precedence) time.Duration {
	if p == types.PrecedenceFlash {
		return time.Duration(d.AttemptTimeoutFlash) * time.Millisecond
	}
	return time.Duration(d.AttemptTimeoutOther) * time.Millisecond
}

// QueueConfig carries the per-partition backpressure watermarks.
type QueueConfig struct {
	Watermarks map[types.Precedence]int `yaml:"watermarks"`
}

// Watermark returns the configured depth limit for a partition.
func (q QueueConfig) Watermark(p types.Precedence) int {
	if w, ok := q.Watermarks[p]; ok && w > 0 {
		return w
	}
	return defaultWatermarks[p]
}

// AuthConfig controls token signing and verification.
type AuthConfig struct {
	TokenSigningKey string `yaml:"token_signing_key"`
	TokenTTLHours   int    `yaml:"token_ttl_hours"`
	ClockSkewS      int    `yaml:"clock_skew_s"`
}

// TokenTTL returns the lifetime of issued tokens.
func (a AuthConfig) TokenTTL() time.Duration {
	return time.Duration(a.TokenTTLHours) * time.Hour
}

// ClockSkew returns the tolerated verification clock skew.
func (a AuthConfig) ClockSkew() time.Duration {
	return time.Duration(a.ClockSkewS) * time.Second
}

// CryptoConfig controls payload encryption.
type CryptoConfig struct {
	ContentEncryptionKey string `yaml:"content_encryption_key"`
	KeyVersion           uint8  `yaml:"key_version"`
}

// NodesConfig controls the node registry.
type NodesConfig struct {
	HeartbeatThresholdS int        `yaml:"heartbeat_threshold_s"`
	Seed                []SeedNode `yaml:"seed"`
}

// HeartbeatThreshold returns the liveness threshold.
func (n NodesConfig) HeartbeatThreshold() time.Duration {
	return time.Duration(n.HeartbeatThresholdS) * time.Second
}

// SeedNode pre-registers a tactical node at startup.
type SeedNode struct {
	ID           string             `yaml:"id"`
	Address      string             `yaml:"address"`
	Capabilities []types.Precedence `yaml:"capabilities"`
}

// RateLimitConfig holds per-token request quotas per minute.
type RateLimitConfig struct {
	FlashPerMin int `yaml:"flash_per_min"`
	OtherPerMin int `yaml:"other_per_min"`
	ReadsPerMin int `yaml:"reads_per_min"`
}

var defaultWatermarks = map[types.Precedence]int{
	types.PrecedenceFlash:     100,
	types.PrecedenceImmediate: 1000,
	types.PrecedencePriority:  10000,
	types.PrecedenceRoutine:   100000,
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ListenAddr: "127.0.0.1:8443",
		DataDir:    "./tacedge-data",
		LogLevel:   "info",
		LogJSON:    true,
		Dispatcher: DispatcherConfig{
			TickMS:              2000,
			MaxAttempts:         5,
			BackoffBaseMS:       500,
			BackoffMaxMS:        60000,
			AttemptTimeoutFlash: 5000,
			AttemptTimeoutOther: 30000,
		},
		Queue: QueueConfig{
			Watermarks: map[types.Precedence]int{
				types.PrecedenceFlash:     100,
				types.PrecedenceImmediate: 1000,
				types.PrecedencePriority:  10000,
				types.PrecedenceRoutine:   100000,
			},
		},
		Auth: AuthConfig{
			TokenSigningKey: "development-secret-change-in-production",
			TokenTTLHours:   24,
			ClockSkewS:      30,
		},
		Crypto: CryptoConfig{
			ContentEncryptionKey: "development-key-change-in-production",
			KeyVersion:           1,
		},
		Nodes: NodesConfig{
			HeartbeatThresholdS: 60,
		},
		RateLimits: RateLimitConfig{
			FlashPerMin: 100,
			OtherPerMin: 1000,
			ReadsPerMin: 5000,
		},
	}
}

// Load reads configuration from a YAML file layered over the defaults.
// Environment variables TACEDGE_TOKEN_SIGNING_KEY and
// TACEDGE_CONTENT_ENCRYPTION_KEY override the file for key material so
// secrets can stay out of config files.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if v := os.Getenv("TACEDGE_TOKEN_SIGNING_KEY"); v != "" {
		cfg.Auth.TokenSigningKey = v
	}
	if v := os.Getenv("TACEDGE_CONTENT_ENCRYPTION_KEY"); v != "" {
		cfg.Crypto.ContentEncryptionKey = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the relay cannot run with.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr cannot be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir cannot be empty")
	}
	if c.Dispatcher.TickMS <= 0 {
		return fmt.Errorf("dispatcher tick_ms must be positive, got %d", c.Dispatcher.TickMS)
	}
	if c.Dispatcher.MaxAttempts <= 0 {
		return fmt.Errorf("dispatcher max_attempts must be positive, got %d", c.Dispatcher.MaxAttempts)
	}
	if c.Auth.TokenSigningKey == "" {
		return fmt.Errorf("token_signing_key cannot be empty")
	}
	if c.Crypto.ContentEncryptionKey == "" {
		return fmt.Errorf("content_encryption_key cannot be empty")
	}
	for p, w := range c.Queue.Watermarks {
		if !p.Valid() {
			return fmt.Errorf("unknown precedence in watermarks: %s", p)
		}
		if w <= 0 {
			return fmt.Errorf("watermark for %s must be positive, got %d", p, w)
		}
	}
	for _, n := range c.Nodes.Seed {
		if n.ID == "" {
			return fmt.Errorf("seed node id cannot be empty")
		}
		for _, cap := range n.Capabilities {
			if !cap.Valid() {
				return fmt.Errorf("seed node %s: unknown capability %s", n.ID, cap)
			}
		}
	}
	return nil
}
