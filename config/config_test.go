package config

import (
	"os"
	"testing"
)

func TestLoadAppliesDefaults(t *testing.T) {
	f, err := os.CreateTemp("", "config_test_*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(f.Name())
	f.WriteString(`stateDir: /tmp/udml-state`)
	f.Close()

	cfg, err := Load(f.Name())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StateDir != "/tmp/udml-state" {
		t.Errorf("StateDir = %q", cfg.StateDir)
	}
	if cfg.Messages.Delivery.ExpireAction != ExpireActionFail {
		t.Errorf("expected default expire action %q, got %q", ExpireActionFail, cfg.Messages.Delivery.ExpireAction)
	}
	if cfg.OutboxIntervalMs != 1000 || cfg.TurnIntervalMs != 1200 || cfg.MaxTurnsPerPass != 16 {
		t.Errorf("unexpected worker cadence defaults: %+v", cfg)
	}
	if cfg.DeliveryMaxAge().Minutes() != 30 {
		t.Errorf("expected 30m default outbox TTL, got %v", cfg.DeliveryMaxAge())
	}
}

func TestLoadParsesFullSurface(t *testing.T) {
	f, err := os.CreateTemp("", "config_test_*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(f.Name())
	f.WriteString(`
stateDir: /var/lib/udmld
messages:
  delivery:
    maxAgeMs: 60000
    expireAction: deliver
outboxIntervalMs: 500
turnIntervalMs: 900
maxTurnsPerPass: 32
channels:
  primary:
    type: webhook
    callbackUrl: https://example.com/hook
    secret: shh
`)
	f.Close()

	cfg, err := Load(f.Name())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Messages.Delivery.ExpireAction != ExpireActionDeliver {
		t.Errorf("ExpireAction = %q", cfg.Messages.Delivery.ExpireAction)
	}
	if cfg.OutboxInterval().Milliseconds() != 500 {
		t.Errorf("OutboxInterval = %v", cfg.OutboxInterval())
	}
	if cfg.MaxTurnsPerPass != 32 {
		t.Errorf("MaxTurnsPerPass = %d", cfg.MaxTurnsPerPass)
	}
	ch, ok := cfg.Channels["primary"]
	if !ok || ch.CallbackURL != "https://example.com/hook" {
		t.Errorf("unexpected channel config: %+v", cfg.Channels)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/path.yaml"); err == nil {
		t.Error("expected error loading missing config file")
	}
}

func TestEnvOverride(t *testing.T) {
	cfg := &Config{StateDir: "./state", SessionStore: "./state/sessions/{agentId}.json"}
	os.Setenv("UDMLD_STATE_DIR", "/tmp/override")
	defer os.Unsetenv("UDMLD_STATE_DIR")

	cfg.EnvOverride()
	if cfg.StateDir != "/tmp/override" {
		t.Errorf("StateDir = %q", cfg.StateDir)
	}
}
