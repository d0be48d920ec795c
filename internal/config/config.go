package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains all runtime settings for the voice gateway.
type Config struct {
	BindAddr        string
	ShutdownTimeout time.Duration

	ASRURL    string
	TTSURL    string
	LLMAPIURL string
	LLMAPIKey string

	ReconnectAttempts int
	ReconnectDelay    time.Duration
	ServiceTimeout    time.Duration

	ReceiveTimeout    time.Duration
	SessionTimeout    time.Duration
	SweepInterval     time.Duration
	CompletionWorkers int

	MetricsNamespace string
	DatabaseURL      string
}

// Load reads a .env file if present, then environment variables, applying
// safe defaults.
func Load() (Config, error) {
	// Missing .env is the normal case outside local development.
	_ = godotenv.Load()

	cfg := Config{
		BindAddr:          envOrDefault("APP_BIND_ADDR", ":8000"),
		ASRURL:            envOrDefault("ASR_URL", "ws://localhost:8001"),
		TTSURL:            envOrDefault("TTS_URL", "ws://localhost:8002"),
		LLMAPIURL:         envOrDefault("LLM_API_URL", "http://localhost:8003"),
		LLMAPIKey:         strings.TrimSpace(os.Getenv("LLM_API_KEY")),
		MetricsNamespace:  envOrDefault("APP_METRICS_NAMESPACE", "voxbridge"),
		DatabaseURL:       strings.TrimSpace(os.Getenv("DATABASE_URL")),
		ReconnectAttempts: 3,
		ReconnectDelay:    time.Second,
		ServiceTimeout:    30 * time.Second,
		ReceiveTimeout:    30 * time.Second,
		SessionTimeout:    30 * time.Minute,
		SweepInterval:     5 * time.Minute,
		ShutdownTimeout:   15 * time.Second,
		CompletionWorkers: 8,
	}

	var err error
	cfg.ReconnectAttempts, err = intFromEnv("RECONNECT_ATTEMPTS", cfg.ReconnectAttempts)
	if err != nil {
		return Config{}, err
	}
	cfg.ReconnectDelay, err = durationFromEnv("RECONNECT_DELAY", cfg.ReconnectDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.ServiceTimeout, err = durationFromEnv("SERVICE_TIMEOUT", cfg.ServiceTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ReceiveTimeout, err = durationFromEnv("WS_RECEIVE_TIMEOUT", cfg.ReceiveTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionTimeout, err = durationFromEnv("SESSION_TIMEOUT", cfg.SessionTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SweepInterval, err = durationFromEnv("CLEANUP_INTERVAL", cfg.SweepInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.CompletionWorkers, err = intFromEnv("COMPLETION_WORKERS", cfg.CompletionWorkers)
	if err != nil {
		return Config{}, err
	}

	if cfg.ReconnectAttempts <= 0 {
		return Config{}, fmt.Errorf("RECONNECT_ATTEMPTS must be positive")
	}
	if cfg.ReconnectDelay <= 0 {
		return Config{}, fmt.Errorf("RECONNECT_DELAY must be positive")
	}
	if cfg.ServiceTimeout <= 0 {
		return Config{}, fmt.Errorf("SERVICE_TIMEOUT must be positive")
	}
	if cfg.ReceiveTimeout <= 0 {
		return Config{}, fmt.Errorf("WS_RECEIVE_TIMEOUT must be positive")
	}
	if cfg.SessionTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("SESSION_TIMEOUT must be at least 5s")
	}
	if cfg.SweepInterval <= 0 {
		return Config{}, fmt.Errorf("CLEANUP_INTERVAL must be positive")
	}
	if cfg.CompletionWorkers <= 0 {
		return Config{}, fmt.Errorf("COMPLETION_WORKERS must be positive")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}
