package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the session gateway.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	RouterBaseURL  string
	RouterUsername string
	RouterPassword string

	RouterRetryAttempts int
	RouterRetryBackoff  time.Duration
	CatalogTimeout      time.Duration
	InferenceTimeout    time.Duration

	CatalogTTL time.Duration

	SessionDuration  time.Duration
	SettleDelay      time.Duration
	IdleQuiescence   time.Duration
	CapacityInterval time.Duration

	DatabaseURL         string
	FallbackConsumerKey string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:            envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:    envOrDefault("APP_METRICS_NAMESPACE", "sessiond"),
		AllowAnyOrigin:      false,
		RouterBaseURL:       envOrDefault("ROUTER_BASE_URL", "http://127.0.0.1:8082"),
		RouterUsername:      envOrDefault("ROUTER_USERNAME", "admin"),
		RouterPassword:      trimmedEnv("ROUTER_PASSWORD"),
		RouterRetryAttempts: 3,
		RouterRetryBackoff:  500 * time.Millisecond,
		CatalogTimeout:      10 * time.Second,
		InferenceTimeout:    180 * time.Second,
		CatalogTTL:          5 * time.Minute,
		SessionDuration:     time.Hour,
		SettleDelay:         2 * time.Second,
		IdleQuiescence:      5 * time.Second,
		CapacityInterval:    60 * time.Second,
		DatabaseURL:         trimmedEnv("DATABASE_URL"),
		FallbackConsumerKey: trimmedEnv("FALLBACK_CONSUMER_KEY"),
		ShutdownTimeout:     15 * time.Second,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.RouterRetryAttempts, err = intFromEnv("ROUTER_RETRY_ATTEMPTS", cfg.RouterRetryAttempts)
	if err != nil {
		return Config{}, err
	}
	cfg.RouterRetryBackoff, err = durationFromEnv("ROUTER_RETRY_BACKOFF", cfg.RouterRetryBackoff)
	if err != nil {
		return Config{}, err
	}
	cfg.CatalogTimeout, err = durationFromEnv("ROUTER_CATALOG_TIMEOUT", cfg.CatalogTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.InferenceTimeout, err = durationFromEnv("ROUTER_INFERENCE_TIMEOUT", cfg.InferenceTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.CatalogTTL, err = durationFromEnv("MODEL_CATALOG_TTL", cfg.CatalogTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionDuration, err = durationFromEnv("SESSION_DEFAULT_DURATION", cfg.SessionDuration)
	if err != nil {
		return Config{}, err
	}
	cfg.SettleDelay, err = durationFromEnv("SESSION_SETTLE_DELAY", cfg.SettleDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.IdleQuiescence, err = durationFromEnv("SESSION_IDLE_QUIESCENCE", cfg.IdleQuiescence)
	if err != nil {
		return Config{}, err
	}
	cfg.CapacityInterval, err = durationFromEnv("CAPACITY_PASS_INTERVAL", cfg.CapacityInterval)
	if err != nil {
		return Config{}, err
	}

	if strings.TrimSpace(cfg.RouterBaseURL) == "" {
		return Config{}, fmt.Errorf("ROUTER_BASE_URL must not be empty")
	}
	if cfg.RouterRetryAttempts < 1 || cfg.RouterRetryAttempts > 5 {
		return Config{}, fmt.Errorf("ROUTER_RETRY_ATTEMPTS must be between 1 and 5")
	}
	if cfg.SessionDuration < time.Minute {
		return Config{}, fmt.Errorf("SESSION_DEFAULT_DURATION must be at least 1m")
	}
	if cfg.IdleQuiescence <= 0 {
		return Config{}, fmt.Errorf("SESSION_IDLE_QUIESCENCE must be positive")
	}
	if cfg.CapacityInterval < time.Second {
		return Config{}, fmt.Errorf("CAPACITY_PASS_INTERVAL must be at least 1s")
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

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
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
	v := trimmedEnv(key)
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
	v := strings.ToLower(trimmedEnv(key))
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
