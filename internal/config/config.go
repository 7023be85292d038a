// Package config loads server configuration from the environment. A .env
// file in the working directory is honored when present.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all mapharvest configuration.
type Config struct {
	// DatabaseURL is a postgres connection string. When empty, the server
	// falls back to the in-memory store (development only).
	DatabaseURL string

	LogLevel  string // debug, info, warn, error
	LogFormat string // text, json

	ServerHost string
	ServerPort int

	GeonamesBaseURL string

	MaxBotsDefault   int
	SnapshotInterval time.Duration
	DriverHeadless   bool
}

// Load reads configuration from the environment, after loading .env if one
// exists. A malformed value is a startup error; the caller exits with
// status 2.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		LogLevel:        getenv("LOG_LEVEL", "info"),
		LogFormat:       getenv("LOG_FORMAT", "text"),
		ServerHost:      getenv("SERVER_HOST", "0.0.0.0"),
		GeonamesBaseURL: getenv("GEONAMES_BASE_URL", "http://localhost:8080"),
		DriverHeadless:  true,
	}

	var err error
	if cfg.ServerPort, err = intEnv("SERVER_PORT", 8000); err != nil {
		return nil, err
	}
	if cfg.MaxBotsDefault, err = intEnv("MAX_BOTS_DEFAULT", 3); err != nil {
		return nil, err
	}
	if cfg.MaxBotsDefault <= 0 {
		return nil, fmt.Errorf("MAX_BOTS_DEFAULT must be positive")
	}

	snapshotMs, err := intEnv("SNAPSHOT_INTERVAL_MS", 1000)
	if err != nil {
		return nil, err
	}
	if snapshotMs <= 0 {
		return nil, fmt.Errorf("SNAPSHOT_INTERVAL_MS must be positive")
	}
	cfg.SnapshotInterval = time.Duration(snapshotMs) * time.Millisecond

	if v := os.Getenv("DRIVER_HEADLESS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("DRIVER_HEADLESS must be true or false, got %q", v)
		}
		cfg.DriverHeadless = b
	}

	switch cfg.LogFormat {
	case "text", "json":
	default:
		return nil, fmt.Errorf("LOG_FORMAT must be text or json, got %q", cfg.LogFormat)
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error; got %q", cfg.LogLevel)
	}

	return cfg, nil
}

// Addr is the host:port the HTTP server binds.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.ServerHost, c.ServerPort)
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func intEnv(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}
