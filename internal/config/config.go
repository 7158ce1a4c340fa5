// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Storage backends.
const (
	BackendWarehouse = "warehouse"
	BackendSQLite    = "sqlite"
	BackendNone      = "none"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	LogLevel    string

	StorageBackend string
	DBPath         string

	Warehouse WarehouseConfig

	StreamDelay time.Duration
}

// WarehouseConfig holds SQL warehouse connectivity settings.
type WarehouseConfig struct {
	Host             string
	Token            string
	WarehouseID      string
	SessionsTable    string
	TurnsTable       string
	StatementTimeout time.Duration
	PollInterval     time.Duration
	SubmitRetries    int
	SubmitBackoff    time.Duration
	MaxConns         int
	MaxConnsPerHost  int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnv("PORT", "8000"),
		FrontendURL:    getEnv("FRONTEND_URL", ""),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		StorageBackend: strings.ToLower(getEnv("STORAGE_BACKEND", BackendSQLite)),
		DBPath:         getEnv("DB_PATH", "./data/finsight.db"),
		Warehouse: WarehouseConfig{
			Host:             getEnv("WAREHOUSE_HOST", ""),
			Token:            getEnv("WAREHOUSE_TOKEN", ""),
			WarehouseID:      getEnv("WAREHOUSE_ID", ""),
			SessionsTable:    getEnv("SESSIONS_TABLE", "main.finsight.sessions"),
			TurnsTable:       getEnv("TURNS_TABLE", "main.finsight.turns"),
			StatementTimeout: getEnvDuration("WAREHOUSE_STATEMENT_TIMEOUT", 5*time.Minute),
			PollInterval:     getEnvDuration("WAREHOUSE_POLL_INTERVAL", 2*time.Second),
			SubmitRetries:    getEnvInt("WAREHOUSE_SUBMIT_RETRIES", 3),
			SubmitBackoff:    getEnvDuration("WAREHOUSE_SUBMIT_BACKOFF", 2*time.Second),
			MaxConns:         getEnvInt("WAREHOUSE_MAX_CONNS", 20),
			MaxConnsPerHost:  getEnvInt("WAREHOUSE_MAX_CONNS_PER_HOST", 10),
		},
		StreamDelay: getEnvDuration("STREAM_DELAY", 20*time.Millisecond),
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

	switch c.StorageBackend {
	case BackendWarehouse:
		if c.Warehouse.Host == "" {
			return fmt.Errorf("WAREHOUSE_HOST is required for the warehouse backend")
		}
		if c.Warehouse.Token == "" {
			return fmt.Errorf("WAREHOUSE_TOKEN is required for the warehouse backend")
		}
		if c.Warehouse.WarehouseID == "" {
			return fmt.Errorf("WAREHOUSE_ID is required for the warehouse backend")
		}
		if c.Warehouse.SessionsTable == "" || c.Warehouse.TurnsTable == "" {
			return fmt.Errorf("SESSIONS_TABLE and TURNS_TABLE cannot be empty")
		}
	case BackendSQLite:
		if c.DBPath == "" {
			return fmt.Errorf("DB_PATH cannot be empty")
		}
	case BackendNone:
	default:
		return fmt.Errorf("STORAGE_BACKEND must be one of %s, %s, %s", BackendWarehouse, BackendSQLite, BackendNone)
	}

	if c.Warehouse.SubmitRetries < 1 {
		return fmt.Errorf("WAREHOUSE_SUBMIT_RETRIES must be >= 1")
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
