// Package config loads server configuration from environment
// variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds process-wide settings.
type Config struct {
	Port                 int
	StaticDir            string
	DBPath               string
	PermissionConfigPath string
	BeadsBinary          string
	BeadsDir             string
	ProjectDir           string
	TmuxBinary           string
	GatewayTimeout       time.Duration
}

// Load reads configuration from the environment, applying defaults.
func Load() (*Config, error) {
	dataDir := envStr("SWITCHBOARD_DATA_DIR", defaultDataDir())

	cfg := &Config{
		Port:                 envInt("PORT", 8420),
		StaticDir:            envStr("STATIC_DIR", ""),
		DBPath:               envStr("DB_PATH", filepath.Join(dataDir, "switchboard.db")),
		PermissionConfigPath: envStr("PERMISSION_CONFIG_PATH", filepath.Join(dataDir, "permissions.json")),
		BeadsBinary:          envStr("BD_BINARY", "bd"),
		BeadsDir:             envStr("BEADS_DIR", ""),
		ProjectDir:           envStr("PROJECT_DIR", ""),
		TmuxBinary:           envStr("TMUX_BINARY", "tmux"),
		GatewayTimeout:       envDuration("GATEWAY_TIMEOUT", 30*time.Second),
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("PORT must be between 1 and 65535, got %d", cfg.Port)
	}
	if cfg.DBPath == "" {
		return nil, fmt.Errorf("DB_PATH must not be empty")
	}
	if cfg.PermissionConfigPath == "" {
		return nil, fmt.Errorf("PERMISSION_CONFIG_PATH must not be empty")
	}

	return cfg, nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".switchboard"
	}
	return filepath.Join(home, ".switchboard")
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
