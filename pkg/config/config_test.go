package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected default config to be valid, got: %v", err)
	}
	if cfg.Call.AcceptTimeout != 30*time.Second {
		t.Errorf("expected 30s accept timeout, got %v", cfg.Call.AcceptTimeout)
	}
	if cfg.Call.AcceptPolicy != "auto" {
		t.Errorf("expected auto accept policy, got %q", cfg.Call.AcceptPolicy)
	}
}

func TestValidate_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{
			name:   "accept timeout must be > 0",
			mutate: func(c *Config) { c.Call.AcceptTimeout = 0 },
		},
		{
			name:   "accept policy must be known",
			mutate: func(c *Config) { c.Call.AcceptPolicy = "ask-later" },
		},
		{
			name: "port range min < max",
			mutate: func(c *Config) {
				c.WebRTC.PortRange.Min = 50000
				c.WebRTC.PortRange.Max = 40000
			},
		},
		{
			name:   "port range both set",
			mutate: func(c *Config) { c.WebRTC.PortRange.Min = 50000 },
		},
		{
			name:   "ice server needs urls",
			mutate: func(c *Config) { c.WebRTC.ICEServers = []ICEServer{{}} },
		},
		{
			name:   "pong timeout must exceed ping interval",
			mutate: func(c *Config) { c.Signal.PongTimeout = c.Signal.PingInterval },
		},
		{
			name:   "max message size must be > 0",
			mutate: func(c *Config) { c.Signal.MaxMessageSize = 0 },
		},
		{
			name: "redis address required when enabled",
			mutate: func(c *Config) {
				c.Redis.Enabled = true
				c.Redis.Address = ""
			},
		},
		{
			name: "token ttl required with secret",
			mutate: func(c *Config) {
				c.Auth.JWTSecret = "s3cret"
				c.Auth.TokenTTL = 0
			},
		},
		{
			name: "rate limiting values when enabled",
			mutate: func(c *Config) {
				c.RateLimiting.Enabled = true
				c.RateLimiting.MessagesPerSecond = 0
			},
		},
		{
			name: "tracing sample rate bounded",
			mutate: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.SampleRate = 2
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error for case %q, got nil", tc.name)
			}
		})
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlData := []byte(`
call:
  accept_timeout: 10s
  accept_policy: manual
webrtc:
  ice_servers:
    - urls: ["turn:turn.example.org:3478"]
      username: u
      credential: p
redis:
  enabled: true
  address: redis:6379
`)
	if err := os.WriteFile(path, yamlData, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Call.AcceptTimeout != 10*time.Second {
		t.Errorf("expected 10s, got %v", cfg.Call.AcceptTimeout)
	}
	if cfg.Call.AcceptPolicy != "manual" {
		t.Errorf("expected manual policy, got %q", cfg.Call.AcceptPolicy)
	}
	if len(cfg.WebRTC.ICEServers) != 1 || cfg.WebRTC.ICEServers[0].Username != "u" {
		t.Errorf("unexpected ice servers: %+v", cfg.WebRTC.ICEServers)
	}
	if cfg.Signal.PingInterval != 30*time.Second {
		t.Errorf("expected default ping interval to survive, got %v", cfg.Signal.PingInterval)
	}
	if !cfg.Redis.Enabled || cfg.Redis.Address != "redis:6379" {
		t.Errorf("unexpected redis config: %+v", cfg.Redis)
	}
}

func TestLoad_MissingFileUsesDefaultsAndEnv(t *testing.T) {
	t.Setenv("CALLNET_ACCEPT_POLICY", "manual")
	t.Setenv("CALLNET_REDIS_ADDRESS", "10.0.0.5:6379")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Call.AcceptPolicy != "manual" {
		t.Errorf("expected env override, got %q", cfg.Call.AcceptPolicy)
	}
	if !cfg.Redis.Enabled || cfg.Redis.Address != "10.0.0.5:6379" {
		t.Errorf("expected redis enabled via env, got %+v", cfg.Redis)
	}
}

func TestAllowsOrigin(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Relay.AllowedOrigins = []string{"https://app.example.org"}

	if !cfg.AllowsOrigin("https://APP.example.org") {
		t.Error("expected case-insensitive origin match")
	}
	if cfg.AllowsOrigin("https://evil.example.org") {
		t.Error("expected foreign origin to be rejected")
	}
	if !cfg.AllowsOrigin("") {
		t.Error("expected non-browser clients without origin to be allowed")
	}
}
