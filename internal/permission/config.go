package permission

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Mode is a permission-handling policy.
type Mode string

const (
	ModeManual     Mode = "manual"
	ModeAutoAccept Mode = "auto_accept"
	ModeAutoDeny   Mode = "auto_deny"
)

// ValidMode reports whether m is a recognized mode.
func ValidMode(m Mode) bool {
	switch m {
	case ModeManual, ModeAutoAccept, ModeAutoDeny:
		return true
	}
	return false
}

// Config is the process-wide three-tier permission policy. Resolution
// order is tool override > session override > default.
type Config struct {
	DefaultMode  Mode            `json:"defaultMode"`
	SessionModes map[string]Mode `json:"sessionModes"`
	ToolModes    map[string]Mode `json:"toolModes"`
}

// Update is a partial config change. Nil maps and a nil DefaultMode
// leave the corresponding tier untouched; present keys are merged in
// without clobbering unrelated keys.
type Update struct {
	DefaultMode  *Mode           `json:"defaultMode,omitempty"`
	SessionModes map[string]Mode `json:"sessionModes,omitempty"`
	ToolModes    map[string]Mode `json:"toolModes,omitempty"`
}

func defaultConfig() Config {
	return Config{
		DefaultMode:  ModeManual,
		SessionModes: make(map[string]Mode),
		ToolModes:    make(map[string]Mode),
	}
}

// loadConfigFile reads a persisted config. A missing file yields the
// default config; existing overrides are never dropped by load.
func loadConfigFile(path string) (Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read permission config: %w", err)
	}

	if err := json.Unmarshal(data, &cfg); err != nil {
		return defaultConfig(), fmt.Errorf("parse permission config: %w", err)
	}
	if cfg.DefaultMode == "" {
		cfg.DefaultMode = ModeManual
	}
	if cfg.SessionModes == nil {
		cfg.SessionModes = make(map[string]Mode)
	}
	if cfg.ToolModes == nil {
		cfg.ToolModes = make(map[string]Mode)
	}
	return cfg, nil
}

// saveConfigFile writes the config atomically via a rename.
func saveConfigFile(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal permission config: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write permission config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace permission config: %w", err)
	}
	return nil
}
