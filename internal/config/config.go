// Package config holds process-level settings — listen port, database
// path, log level — as distinct from internal/category.Config, which owns
// the hot-reloadable category thresholds, scan cadence, and buy criteria.
// This split mirrors the teacher's own config package; it just carries a
// smaller set of fields now that the domain settings moved to their own
// hot-reloadable store.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds process-level application configuration.
type Config struct {
	// Server
	Port    int
	DevMode bool

	// Database
	DatabasePath string

	// Logging
	LogLevel string

	// AdminToken gates every /api route of the admin HTTP surface (the
	// status endpoint and the websocket feed). Empty disables the check,
	// which is only acceptable in DevMode.
	AdminToken string
}

// Load reads configuration from environment variables, loading a .env file
// first if one is present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:         getEnvAsInt("PORT", 8080),
		DevMode:      getEnvAsBool("DEV_MODE", false),
		DatabasePath: getEnv("DATABASE_PATH", "./data/pumpcat.db"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		AdminToken:   getEnv("ADMIN_TOKEN", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and internally
// consistent.
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("DATABASE_PATH is required")
	}
	if c.AdminToken == "" && !c.DevMode {
		return fmt.Errorf("ADMIN_TOKEN is required outside DEV_MODE")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
