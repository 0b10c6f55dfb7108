package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all loomd configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath          string `json:"db_path"`
	BinaryDir       string `json:"binary_dir"`
	LogLevel        string `json:"log_level"`
	PoolSize        int    `json:"pool_size"`
	RetentionDays   int    `json:"retention_days"`
	ReaperSchedule  string `json:"reaper_schedule"`
	CredentialsPath string `json:"credentials_path"`
}

func defaultConfig() Config {
	return Config{
		DBPath:         filepath.Join(loomDir(), "loom.db"),
		BinaryDir:      filepath.Join(loomDir(), "binary"),
		LogLevel:       "info",
		PoolSize:       10,
		RetentionDays:  14,
		ReaperSchedule: "0 * * * *",
	}
}

func loomDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".loom"
	}
	return filepath.Join(home, ".loom")
}

func settingsPath() string {
	return filepath.Join(loomDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("LOOM_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("LOOM_BINARY_DIR"); v != "" {
		cfg.BinaryDir = v
	}
	if v := os.Getenv("LOOM_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LOOM_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("LOOM_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RetentionDays = n
		}
	}
	if v := os.Getenv("LOOM_REAPER_SCHEDULE"); v != "" {
		cfg.ReaperSchedule = v
	}
	if v := os.Getenv("LOOM_CREDENTIALS_PATH"); v != "" {
		cfg.CredentialsPath = v
	}

	return cfg
}

// Retention returns the configured retention window as a duration.
func (c Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}
