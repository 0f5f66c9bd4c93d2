package config

import (
	"testing"
	"time"
)

type mapEnv map[string]string

func (m mapEnv) Getenv(key string) string { return m[key] }

func baseEnv() mapEnv {
	return mapEnv{"SESSION_SECRET": "s", "PROXY_JWT_SECRET": "p"}
}

func TestLoadConfigFromEnv_Defaults(t *testing.T) {
	cfg, err := LoadConfigFromEnv(baseEnv())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.ListenAddr != "0.0.0.0:3000" {
		t.Fatalf("expected default listen addr, got %q", cfg.ListenAddr)
	}
	if cfg.DevMode {
		t.Fatal("expected dev mode off by default")
	}
	if cfg.ProxyDisconnectGrace != 5*time.Minute {
		t.Fatalf("expected 5m grace, got %v", cfg.ProxyDisconnectGrace)
	}
	if cfg.ViewerQueueCapacity != 512 {
		t.Fatalf("expected viewer queue 512, got %d", cfg.ViewerQueueCapacity)
	}
	if cfg.ProxyOutputWindow != 10000 {
		t.Fatalf("expected output window 10000, got %d", cfg.ProxyOutputWindow)
	}
	if cfg.GinMode != "release" {
		t.Fatalf("expected default gin mode release, got %q", cfg.GinMode)
	}
}

func TestLoadConfigFromEnv_MissingSecrets(t *testing.T) {
	if _, err := LoadConfigFromEnv(mapEnv{"PROXY_JWT_SECRET": "p"}); err == nil {
		t.Fatal("expected error for missing SESSION_SECRET")
	}
	if _, err := LoadConfigFromEnv(mapEnv{"SESSION_SECRET": "s"}); err == nil {
		t.Fatal("expected error for missing PROXY_JWT_SECRET")
	}
}

func TestLoadConfigFromEnv_Overrides(t *testing.T) {
	env := baseEnv()
	env["LISTEN_ADDR"] = "127.0.0.1:9000"
	env["DEV_MODE"] = "true"
	env["PROXY_DISCONNECT_GRACE_SECS"] = "30"
	env["VIEWER_QUEUE_CAPACITY"] = "64"

	cfg, err := LoadConfigFromEnv(env)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:9000" {
		t.Fatalf("expected overridden listen addr, got %q", cfg.ListenAddr)
	}
	if !cfg.DevMode {
		t.Fatal("expected dev mode on")
	}
	if cfg.ProxyDisconnectGrace != 30*time.Second {
		t.Fatalf("expected 30s grace, got %v", cfg.ProxyDisconnectGrace)
	}
	if cfg.ViewerQueueCapacity != 64 {
		t.Fatalf("expected viewer queue 64, got %d", cfg.ViewerQueueCapacity)
	}
}

func TestLoadConfigFromEnv_InvalidValues(t *testing.T) {
	cases := map[string]string{
		"DEV_MODE":                    "maybe",
		"PROXY_DISCONNECT_GRACE_SECS": "-1",
		"VIEWER_QUEUE_CAPACITY":       "zero",
		"PROXY_OUTPUT_WINDOW":         "0",
		"HISTORY_REPLAY_LIMIT":        "x",
	}
	for key, value := range cases {
		env := baseEnv()
		env[key] = value
		if _, err := LoadConfigFromEnv(env); err == nil {
			t.Fatalf("expected error for %s=%q", key, value)
		}
	}
}
