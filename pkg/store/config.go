package store

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Pool lifetimes are fixed: they track Postgres-side idle timeouts, not
// deployment shape, so they are not worth an env knob.
const (
	connMaxLifetime = 30 * time.Minute
	connMaxIdleTime = 5 * time.Minute
)

// LoadConfigFromEnv assembles the database configuration from DB_*
// environment variables, so the server can be pointed at any Postgres
// without a config file. Malformed numeric values are an error rather
// than a silent zero.
func LoadConfigFromEnv() (Config, error) {
	cfg := Config{
		Host:     envOr("DB_HOST", "localhost"),
		User:     envOr("DB_USER", "paperflow"),
		Password: os.Getenv("DB_PASSWORD"),
		Database: envOr("DB_NAME", "paperflow"),
		SSLMode:  envOr("DB_SSLMODE", "disable"),

		ConnMaxLifetime: connMaxLifetime,
		ConnMaxIdleTime: connMaxIdleTime,
	}

	var err error
	if cfg.Port, err = envInt("DB_PORT", 5432); err != nil {
		return Config{}, err
	}
	if cfg.MaxOpenConns, err = envInt("DB_MAX_OPEN_CONNS", 10); err != nil {
		return Config{}, err
	}
	if cfg.MaxIdleConns, err = envInt("DB_MAX_IDLE_CONNS", 5); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}
