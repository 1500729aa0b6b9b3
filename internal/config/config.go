package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the realtime relay service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	Debug            bool
	LogFormat        string

	// AllowedOrigin is the browser origin permitted to open relay sockets.
	// Empty means same-origin only, "*" allows any origin.
	AllowedOrigin string

	OpenAIAPIKey        string
	OpenAIRealtimeURL   string
	OpenAIRealtimeModel string

	DefaultVoice         string
	DefaultInstructions  string
	DefaultTurnDetection string

	ConnectTimeout    time.Duration
	ReapInterval      time.Duration
	IdleTimeout       time.Duration
	CreateGrace       time.Duration
	OutboundQueueSize int
	MaxAudioBytes     int
}

const defaultInstructions = "You are a helpful, friendly voice assistant. Keep answers short and conversational."

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:             envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:     envOrDefault("APP_METRICS_NAMESPACE", "voicerelay"),
		LogFormat:            strings.ToLower(envOrDefault("APP_LOG_FORMAT", "text")),
		AllowedOrigin:        strings.TrimSpace(os.Getenv("APP_ALLOWED_ORIGIN")),
		OpenAIAPIKey:         strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
		OpenAIRealtimeURL:    envOrDefault("OPENAI_REALTIME_URL", "wss://api.openai.com/v1/realtime"),
		OpenAIRealtimeModel:  envOrDefault("OPENAI_REALTIME_MODEL", "gpt-4o-realtime-preview-2024-12-17"),
		DefaultVoice:         envOrDefault("RELAY_DEFAULT_VOICE", "alloy"),
		DefaultInstructions:  envOrDefault("RELAY_DEFAULT_INSTRUCTIONS", defaultInstructions),
		DefaultTurnDetection: strings.ToLower(envOrDefault("RELAY_TURN_DETECTION", "server_vad")),
		ShutdownTimeout:      15 * time.Second,
		ConnectTimeout:       30 * time.Second,
		ReapInterval:         60 * time.Second,
		IdleTimeout:          10 * time.Minute,
		CreateGrace:          20 * time.Second,
		OutboundQueueSize:    256,
		MaxAudioBytes:        1 << 20,
	}

	var err error
	if cfg.Debug, err = boolFromEnv("APP_DEBUG", false); err != nil {
		return Config{}, err
	}
	if cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.ConnectTimeout, err = durationFromEnv("RELAY_CONNECT_TIMEOUT", cfg.ConnectTimeout); err != nil {
		return Config{}, err
	}
	if cfg.ReapInterval, err = durationFromEnv("RELAY_REAP_INTERVAL", cfg.ReapInterval); err != nil {
		return Config{}, err
	}
	if cfg.IdleTimeout, err = durationFromEnv("RELAY_IDLE_TIMEOUT", cfg.IdleTimeout); err != nil {
		return Config{}, err
	}
	if cfg.CreateGrace, err = durationFromEnv("RELAY_CREATE_GRACE", cfg.CreateGrace); err != nil {
		return Config{}, err
	}
	if cfg.OutboundQueueSize, err = intFromEnv("RELAY_OUTBOUND_QUEUE", cfg.OutboundQueueSize); err != nil {
		return Config{}, err
	}
	if cfg.MaxAudioBytes, err = intFromEnv("RELAY_MAX_AUDIO_BYTES", cfg.MaxAudioBytes); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints. Load calls it; tests building a
// Config by hand may call it directly.
func (c Config) Validate() error {
	if c.OpenAIAPIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required")
	}
	if c.ConnectTimeout <= 0 || c.ConnectTimeout > 2*time.Minute {
		return fmt.Errorf("RELAY_CONNECT_TIMEOUT must be in (0, 2m]")
	}
	if c.ReapInterval <= 0 {
		return fmt.Errorf("RELAY_REAP_INTERVAL must be positive")
	}
	if c.CreateGrace < 0 {
		return fmt.Errorf("RELAY_CREATE_GRACE must be >= 0")
	}
	if c.IdleTimeout < c.CreateGrace {
		return fmt.Errorf("RELAY_IDLE_TIMEOUT must be at least RELAY_CREATE_GRACE")
	}
	if c.OutboundQueueSize <= 0 {
		return fmt.Errorf("RELAY_OUTBOUND_QUEUE must be positive")
	}
	if c.MaxAudioBytes <= 0 {
		return fmt.Errorf("RELAY_MAX_AUDIO_BYTES must be positive")
	}
	switch c.DefaultTurnDetection {
	case "server_vad", "manual":
	default:
		return fmt.Errorf("invalid RELAY_TURN_DETECTION: %q (expected server_vad|manual)", c.DefaultTurnDetection)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid APP_LOG_FORMAT: %q (expected text|json)", c.LogFormat)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
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

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
