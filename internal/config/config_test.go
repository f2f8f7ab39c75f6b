package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("MASTER_SECRET", "x")
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.Port != 3000 {
		t.Fatalf("expected default port 3000, got %d", cfg.Port)
	}
	if cfg.GinMode != "release" {
		t.Fatalf("expected default gin mode release, got %q", cfg.GinMode)
	}
	if cfg.HandshakeGrace != 90*time.Second {
		t.Fatalf("expected 90s handshake grace, got %s", cfg.HandshakeGrace)
	}
	if cfg.RelayTimeout != 30*time.Second {
		t.Fatalf("expected 30s relay timeout, got %s", cfg.RelayTimeout)
	}
	if cfg.BusChannelPrefix != "relay:" {
		t.Fatalf("unexpected bus prefix %q", cfg.BusChannelPrefix)
	}
	if cfg.NodeID == "" {
		t.Fatalf("expected generated node id")
	}
}

func TestLoadConfig_MissingSecret(t *testing.T) {
	t.Setenv("MASTER_SECRET", "")
	if _, err := LoadConfig(); err == nil {
		t.Fatalf("expected error")
	}
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("MASTER_SECRET", "x")
	t.Setenv("PORT", "1234")
	t.Setenv("NODE_ID", "node-a")
	t.Setenv("RELAY_TIMEOUT", "5s")
	t.Setenv("ACK_TIMEOUT", "2s")
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.Port != 1234 {
		t.Fatalf("expected port 1234, got %d", cfg.Port)
	}
	if cfg.NodeID != "node-a" {
		t.Fatalf("expected node-a, got %q", cfg.NodeID)
	}
	if cfg.RelayTimeout != 5*time.Second || cfg.AckTimeout != 2*time.Second {
		t.Fatalf("unexpected timeouts: %s %s", cfg.RelayTimeout, cfg.AckTimeout)
	}
}

func TestValidate_AckTimeoutExceedsRelayTimeout(t *testing.T) {
	cfg := Config{
		Port:             3000,
		MasterSecret:     "x",
		TokenExpiry:      time.Hour,
		RelayTimeout:     time.Second,
		AckTimeout:       2 * time.Second,
		HandshakeGrace:   time.Second,
		LogFormat:        "json",
		WebhookRateLimit: 1,
	}
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "ACK_TIMEOUT") {
		t.Fatalf("expected ACK_TIMEOUT error, got %v", err)
	}
}

func TestValidate_PortRange(t *testing.T) {
	t.Setenv("MASTER_SECRET", "x")
	t.Setenv("PORT", "70000")
	if _, err := LoadConfig(); err == nil {
		t.Fatalf("expected error")
	}
}
