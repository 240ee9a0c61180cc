// Package config loads and validates the webchat backend configuration
// from environment variables, optionally seeded from a .env file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config is the full configuration surface of the service. Resilience
// settings are per-operation inputs handed to the primitives on each call,
// not global process state.
type Config struct {
	Env         string `validate:"required,oneof=development staging production"`
	HTTPAddress string `validate:"required"`
	LogLevel    string `validate:"required,oneof=debug info warn error"`

	RedisAddress  string `validate:"required,hostname_port"`
	RedisPassword string
	RedisDB       int

	PostgresDSN string `validate:"required"`

	RabbitMQEnabled bool
	RabbitMQURL     string `validate:"required_if=RabbitMQEnabled true,omitempty,uri"`

	TelemetryEnabled  bool
	TelemetryEndpoint string `validate:"required_if=TelemetryEnabled true"`
	ServiceVersion    string

	ShutdownTimeout time.Duration `validate:"min=1s"`

	// Message send throttling (per user).
	MessageRateMaxRequests int           `validate:"min=1"`
	MessageRateWindow      time.Duration `validate:"min=100ms"`

	// Circuit breaker for the relational store.
	BreakerFailureThreshold    int           `validate:"min=1"`
	BreakerOpenDuration        time.Duration `validate:"min=100ms"`
	BreakerHalfOpenMaxAttempts int           `validate:"min=1"`

	// Bulkhead for the relational store pool.
	BulkheadMaxConcurrency int           `validate:"min=1"`
	BulkheadTTL            time.Duration `validate:"min=1s"`

	// Cache TTLs for read paths.
	RoomCacheTTL     time.Duration `validate:"min=1s"`
	MessagesCacheTTL time.Duration `validate:"min=1s"`
}

// Load reads the environment (seeded from .env when present) into a
// validated Config.
func Load() (*Config, error) {
	// Missing .env is fine; production supplies real environment variables.
	_ = godotenv.Load()

	cfg := &Config{
		Env:         getEnv("WEBCHAT_ENV", "development"),
		HTTPAddress: getEnv("WEBCHAT_HTTP_ADDRESS", ":8080"),
		LogLevel:    getEnv("WEBCHAT_LOG_LEVEL", "info"),

		RedisAddress:  getEnv("WEBCHAT_REDIS_ADDRESS", "127.0.0.1:6379"),
		RedisPassword: getEnv("WEBCHAT_REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("WEBCHAT_REDIS_DB", 0),

		PostgresDSN: getEnv("WEBCHAT_POSTGRES_DSN", ""),

		RabbitMQEnabled: getEnvBool("WEBCHAT_RABBITMQ_ENABLED", false),
		RabbitMQURL:     getEnv("WEBCHAT_RABBITMQ_URL", ""),

		TelemetryEnabled:  getEnvBool("WEBCHAT_TELEMETRY_ENABLED", false),
		TelemetryEndpoint: getEnv("WEBCHAT_TELEMETRY_ENDPOINT", ""),
		ServiceVersion:    getEnv("WEBCHAT_SERVICE_VERSION", "dev"),
		ShutdownTimeout:   getEnvDuration("WEBCHAT_SHUTDOWN_TIMEOUT", 30*time.Second),

		MessageRateMaxRequests: getEnvInt("WEBCHAT_MESSAGE_RATE_MAX_REQUESTS", 5),
		MessageRateWindow:      getEnvDuration("WEBCHAT_MESSAGE_RATE_WINDOW", 10*time.Second),

		BreakerFailureThreshold:    getEnvInt("WEBCHAT_BREAKER_FAILURE_THRESHOLD", 5),
		BreakerOpenDuration:        getEnvDuration("WEBCHAT_BREAKER_OPEN_DURATION", 30*time.Second),
		BreakerHalfOpenMaxAttempts: getEnvInt("WEBCHAT_BREAKER_HALF_OPEN_MAX_ATTEMPTS", 2),

		BulkheadMaxConcurrency: getEnvInt("WEBCHAT_BULKHEAD_MAX_CONCURRENCY", 25),
		BulkheadTTL:            getEnvDuration("WEBCHAT_BULKHEAD_TTL", 60*time.Second),

		RoomCacheTTL:     getEnvDuration("WEBCHAT_ROOM_CACHE_TTL", 5*time.Minute),
		MessagesCacheTTL: getEnvDuration("WEBCHAT_MESSAGES_CACHE_TTL", 30*time.Second),
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}

	return fallback
}

func getEnvInt(key string, fallback int) int {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback
	}

	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}

	return value
}

func getEnvBool(key string, fallback bool) bool {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback
	}

	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}

	return value
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback
	}

	value, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return value
}
