// Package config reads server settings from the environment, after loading an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

type Config struct {
	Addr            string
	StoreBackend    string
	DatabaseURL     string
	Countdown       time.Duration
	LobbyTTL        time.Duration
	SweepInterval   time.Duration
	SliceWritesPerS float64
	LogLevel        string
	LogFormat       string
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
}

// Load reads envFiles (".env" when none given; a missing file is fine) and
// then the process environment, which wins.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	var errs []error
	cfg := &Config{
		Addr:            getEnv("ADDR", ":8080"),
		StoreBackend:    strings.ToLower(getEnv("STORE_BACKEND", BackendMemory)),
		DatabaseURL:     getEnv("DATABASE_URL", ""),
		Countdown:       time.Duration(getInt("COUNTDOWN_MS", 3000, &errs)) * time.Millisecond,
		LobbyTTL:        getDuration("LOBBY_TTL", 2*time.Hour, &errs),
		SweepInterval:   getDuration("SWEEP_INTERVAL", time.Minute, &errs),
		SliceWritesPerS: getFloat("SLICE_WRITES_PER_SECOND", 10, &errs),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		LogFormat:       getEnv("LOG_FORMAT", "json"),
		AllowedOrigins:  splitList(getEnv("ALLOWED_ORIGINS", "")),
		ShutdownTimeout: getDuration("SHUTDOWN_TIMEOUT", 10*time.Second, &errs),
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.StoreBackend {
	case BackendMemory:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return errors.New("config: STORE_BACKEND=postgres needs DATABASE_URL")
		}
	default:
		return fmt.Errorf("config: unknown STORE_BACKEND %q", c.StoreBackend)
	}
	if c.Countdown < 0 {
		return errors.New("config: COUNTDOWN_MS must not be negative")
	}
	if c.LobbyTTL <= 0 || c.SweepInterval <= 0 {
		return errors.New("config: LOBBY_TTL and SWEEP_INTERVAL must be positive")
	}
	if c.SliceWritesPerS <= 0 {
		return errors.New("config: SLICE_WRITES_PER_SECOND must be positive")
	}
	return nil
}

// getEnv reads an environment variable and returns its value or a default value
func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, def int, errs *[]error) int {
	raw := getEnv(key, "")
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("config: %s: %w", key, err))
		return def
	}
	return v
}

func getFloat(key string, def float64, errs *[]error) float64 {
	raw := getEnv(key, "")
	if raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("config: %s: %w", key, err))
		return def
	}
	return v
}

func getDuration(key string, def time.Duration, errs *[]error) time.Duration {
	raw := getEnv(key, "")
	if raw == "" {
		return def
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("config: %s: %w", key, err))
		return def
	}
	return v
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
