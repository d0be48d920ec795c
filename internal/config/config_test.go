package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8000" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":8000")
	}
	if cfg.ASRURL != "ws://localhost:8001" {
		t.Fatalf("ASRURL = %q, want default", cfg.ASRURL)
	}
	if cfg.ReconnectAttempts != 3 {
		t.Fatalf("ReconnectAttempts = %d, want 3", cfg.ReconnectAttempts)
	}
	if cfg.SessionTimeout != 30*time.Minute {
		t.Fatalf("SessionTimeout = %v, want 30m", cfg.SessionTimeout)
	}
}

func TestLoadExplicitValues(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("ASR_URL", "ws://asr.internal:9001")
	t.Setenv("RECONNECT_ATTEMPTS", "5")
	t.Setenv("RECONNECT_DELAY", "250ms")
	t.Setenv("SESSION_TIMEOUT", "90s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ASRURL != "ws://asr.internal:9001" {
		t.Fatalf("ASRURL = %q, want explicit value", cfg.ASRURL)
	}
	if cfg.ReconnectAttempts != 5 {
		t.Fatalf("ReconnectAttempts = %d, want 5", cfg.ReconnectAttempts)
	}
	if cfg.ReconnectDelay != 250*time.Millisecond {
		t.Fatalf("ReconnectDelay = %v, want 250ms", cfg.ReconnectDelay)
	}
	if cfg.SessionTimeout != 90*time.Second {
		t.Fatalf("SessionTimeout = %v, want 90s", cfg.SessionTimeout)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("RECONNECT_ATTEMPTS", "0")
	if _, err := Load(); err == nil {
		t.Fatalf("Load() should reject RECONNECT_ATTEMPTS=0")
	}

	setCoreEnvEmpty(t)
	t.Setenv("SERVICE_TIMEOUT", "not-a-duration")
	if _, err := Load(); err == nil {
		t.Fatalf("Load() should reject malformed SERVICE_TIMEOUT")
	}

	setCoreEnvEmpty(t)
	t.Setenv("SESSION_TIMEOUT", "1s")
	if _, err := Load(); err == nil {
		t.Fatalf("Load() should reject SESSION_TIMEOUT below 5s")
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"ASR_URL",
		"TTS_URL",
		"LLM_API_URL",
		"LLM_API_KEY",
		"RECONNECT_ATTEMPTS",
		"RECONNECT_DELAY",
		"SERVICE_TIMEOUT",
		"WS_RECEIVE_TIMEOUT",
		"SESSION_TIMEOUT",
		"CLEANUP_INTERVAL",
		"COMPLETION_WORKERS",
		"DATABASE_URL",
	}
	for _, k := range keys {
		t.Setenv(k, "")
	}
}
