// Package config loads the YAML configuration surface for the udmld
// process: delivery TTL policy, worker cadences, session store location,
// state directory, and per-channel adapter settings.
//
// Grounded on domwatch/internal/config/file.go's file-based convention:
// yaml tags on a plain struct tree, a Load(path) that unmarshals then
// applies defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ExpireAction selects what happens to an outbox row when its TTL window
// elapses.
type ExpireAction string

const (
	ExpireActionFail     ExpireAction = "fail"
	ExpireActionDeliver  ExpireAction = "deliver"
)

// DeliveryConfig controls outbox TTL and expiry behavior.
type DeliveryConfig struct {
	MaxAgeMs      int64        `yaml:"maxAgeMs"`
	ExpireAction  ExpireAction `yaml:"expireAction"`
}

// MessagesConfig groups message-lifecycle policy knobs.
type MessagesConfig struct {
	Delivery DeliveryConfig `yaml:"delivery"`
}

// ChannelConfig is the per-provider adapter configuration block. Fields
// not relevant to a given channel type are left zero.
type ChannelConfig struct {
	Type        string `yaml:"type"` // webhook | telegram | discord
	CallbackURL string `yaml:"callbackUrl"`
	Secret      string `yaml:"secret"`
	BotToken    string `yaml:"botToken"`
}

// Config is the top-level udmld configuration.
type Config struct {
	StateDir         string                   `yaml:"stateDir"`
	SessionStore     string                   `yaml:"session.store"`
	Messages         MessagesConfig           `yaml:"messages"`
	OutboxIntervalMs int64                    `yaml:"outboxIntervalMs"`
	TurnIntervalMs   int64                    `yaml:"turnIntervalMs"`
	MaxTurnsPerPass  int                      `yaml:"maxTurnsPerPass"`
	Channels         map[string]ChannelConfig `yaml:"channels"`
}

// Load reads a YAML configuration file at path and applies defaults for
// any unset field.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.StateDir == "" {
		c.StateDir = "./state"
	}
	if c.SessionStore == "" {
		c.SessionStore = "./state/sessions/{agentId}.json"
	}
	if c.Messages.Delivery.MaxAgeMs <= 0 {
		c.Messages.Delivery.MaxAgeMs = int64(30 * time.Minute / time.Millisecond)
	}
	if c.Messages.Delivery.ExpireAction == "" {
		c.Messages.Delivery.ExpireAction = ExpireActionFail
	}
	if c.OutboxIntervalMs <= 0 {
		c.OutboxIntervalMs = 1000
	}
	if c.TurnIntervalMs <= 0 {
		c.TurnIntervalMs = 1200
	}
	if c.MaxTurnsPerPass <= 0 {
		c.MaxTurnsPerPass = 16
	}
}

// DeliveryMaxAge returns the configured outbox TTL as a time.Duration.
func (c *Config) DeliveryMaxAge() time.Duration {
	return time.Duration(c.Messages.Delivery.MaxAgeMs) * time.Millisecond
}

// OutboxInterval returns the outbox-worker tick period.
func (c *Config) OutboxInterval() time.Duration {
	return time.Duration(c.OutboxIntervalMs) * time.Millisecond
}

// TurnInterval returns the turn-worker tick period.
func (c *Config) TurnInterval() time.Duration {
	return time.Duration(c.TurnIntervalMs) * time.Millisecond
}

// env reads an environment variable, falling back to def when unset or
// empty. Mirrors the small env() helper repeated across cmd/chrc and
// cmd/sas_ingester's entrypoints.
func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// EnvOverride applies a handful of process-environment overrides on top
// of a loaded Config, letting deploy-time env vars win over the
// checked-in YAML file.
func (c *Config) EnvOverride() {
	c.StateDir = env("UDMLD_STATE_DIR", c.StateDir)
	c.SessionStore = env("UDMLD_SESSION_STORE", c.SessionStore)
}
