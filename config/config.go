// Package config loads engine configuration from the environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Persistence backends.
const (
	BackendMemory  = "memory"
	BackendDurable = "durable"
)

// Config carries every tunable the engine reads at start.
type Config struct {
	// PersistenceBackend is "memory" or "durable".
	PersistenceBackend string

	// DatabaseURL is the postgres connection string. Required by the
	// durable backend.
	DatabaseURL string

	// RedisAddr switches the node cache to Redis when set.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// NodeCacheTTL is the default node cache entry lifetime.
	NodeCacheTTL time.Duration

	// RequireAuthentication governs the permission default for flow
	// types that name no policy.
	RequireAuthentication bool

	// CheckpointEncryptionKey encrypts checkpoint payloads at rest
	// when set. Empty stores them as plaintext.
	CheckpointEncryptionKey string

	LogLevel  string
	LogFormat string
}

// Default returns the configuration used when the environment sets
// nothing: the in-memory backend with an hour of node cache TTL.
func Default() Config {
	return Config{
		PersistenceBackend:    BackendMemory,
		NodeCacheTTL:          time.Hour,
		RequireAuthentication: true,
		LogLevel:              "info",
		LogFormat:             "json",
	}
}

// Load reads the environment over the defaults and validates the
// result.
func Load() (Config, error) {
	cfg := Default()
	cfg.PersistenceBackend = getEnv("PERSISTENCE_BACKEND", cfg.PersistenceBackend)
	cfg.DatabaseURL = getEnv("DATABASE_URL", "")
	cfg.RedisAddr = getEnv("REDIS_ADDR", "")
	cfg.RedisPassword = getEnv("REDIS_PASSWORD", "")
	cfg.RedisDB = getEnvInt("REDIS_DB", 0)
	cfg.NodeCacheTTL = getEnvSeconds("NODE_CACHE_TTL", cfg.NodeCacheTTL)
	cfg.RequireAuthentication = getEnvBool("REQUIRE_AUTHENTICATION", cfg.RequireAuthentication)
	cfg.CheckpointEncryptionKey = getEnv("CHECKPOINT_ENCRYPTION_KEY", "")
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("LOG_FORMAT", cfg.LogFormat)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot start with.
func (c Config) Validate() error {
	switch c.PersistenceBackend {
	case BackendMemory, BackendDurable:
	default:
		return fmt.Errorf("PERSISTENCE_BACKEND must be %q or %q, got %q", BackendMemory, BackendDurable, c.PersistenceBackend)
	}
	if c.PersistenceBackend == BackendDurable && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required when PERSISTENCE_BACKEND is %q", BackendDurable)
	}
	if c.NodeCacheTTL <= 0 {
		return fmt.Errorf("NODE_CACHE_TTL must be positive")
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// ParseLogLevel maps LOG_LEVEL to a slog level.
func ParseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("LOG_LEVEL %q is not debug, info, warn, or error", level)
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// getEnvSeconds reads an integer second count.
func getEnvSeconds(key string, fallback time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return time.Duration(parsed) * time.Second
}

func getEnvBool(key string, fallback bool) bool {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
