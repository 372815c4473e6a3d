// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Gateway backends.
const (
	BackendOpenAI = "openai"
	BackendCompat = "compat"
	BackendGoogle = "google"
)

// DefaultModels are offered when MODEL_OPTIONS is unset.
var DefaultModels = []string{"gpt-3.5-turbo", "gpt-4"}

// DefaultLanguages are offered when LANGUAGE_OPTIONS is unset.
var DefaultLanguages = []string{"Python", "JavaScript", "Rust", "Go", "HTML/CSS/JS"}

// Config holds all application configuration.
type Config struct {
	Port               string
	FrontendURL        string
	DBPath             string
	SessionTTL         time.Duration
	SessionSweepPeriod time.Duration
	Log                LogConfig
	Gateway            GatewayConfig
	RateLimit          RateLimitConfig
	SSE                SSEConfig
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string
	Format string
	File   string // empty = stdout
}

// GatewayConfig selects the completion backend and the options offered to users.
type GatewayConfig struct {
	Backend   string
	BaseURL   string
	Models    []string
	Languages []string
}

// RateLimitConfig limits chat turns per anonymous user.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// SSEConfig controls streaming request handling.
type SSEConfig struct {
	MaxRequestBodySize int64
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:               getEnv("PORT", "8080"),
		FrontendURL:        getEnv("FRONTEND_URL", ""),
		DBPath:             getEnv("DB_PATH", "./data/tutor.db"),
		SessionTTL:         getEnvDuration("SESSION_TTL", 60*time.Minute),
		SessionSweepPeriod: getEnvDuration("SESSION_SWEEP_INTERVAL", 5*time.Minute),
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
			File:   getEnv("LOG_FILE", ""),
		},
		Gateway: GatewayConfig{
			Backend:   strings.ToLower(getEnv("GATEWAY_BACKEND", BackendOpenAI)),
			BaseURL:   getEnv("GATEWAY_BASE_URL", ""),
			Models:    getEnvList("MODEL_OPTIONS", DefaultModels),
			Languages: getEnvList("LANGUAGE_OPTIONS", DefaultLanguages),
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 20),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		SSE: SSEConfig{
			MaxRequestBodySize: int64(getEnvInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be > 0")
	}
	if c.SessionSweepPeriod <= 0 {
		return fmt.Errorf("SESSION_SWEEP_INTERVAL must be > 0")
	}
	switch c.Gateway.Backend {
	case BackendOpenAI, BackendGoogle:
	case BackendCompat:
		if c.Gateway.BaseURL == "" {
			return fmt.Errorf("GATEWAY_BASE_URL is required for the %q backend", BackendCompat)
		}
	default:
		return fmt.Errorf("unknown GATEWAY_BACKEND %q", c.Gateway.Backend)
	}
	if len(c.Gateway.Models) == 0 {
		return fmt.Errorf("MODEL_OPTIONS cannot be empty")
	}
	if len(c.Gateway.Languages) == 0 {
		return fmt.Errorf("LANGUAGE_OPTIONS cannot be empty")
	}
	if c.RateLimit.RequestsPerWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be > 0")
	}
	if c.RateLimit.WindowDuration <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be > 0")
	}
	if c.SSE.MaxRequestBodySize <= 0 {
		return fmt.Errorf("MAX_REQUEST_BODY_BYTES must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

// getEnvList reads a comma-separated list, dropping blank entries.
func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return append([]string(nil), fallback...)
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return append([]string(nil), fallback...)
	}
	return out
}
