// Package appconfig manages application configuration and runtime file paths.
package appconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	BackendAuto    = "auto"
	BackendWgQuick = "wg-quick"
	BackendKernel  = "kernel"

	PrefsDriverFile   = "file"
	PrefsDriverSQLite = "sqlite"
)

// HelperConfig locates the external programs the privileged backend and the
// log exporter run.
type HelperConfig struct {
	WgQuick        string `yaml:"wg_quick"`
	Wg             string `yaml:"wg"`
	Journalctl     string `yaml:"journalctl"`
	Escalate       string `yaml:"escalate"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	RuntimeDir     string `yaml:"runtime_dir"`
}

// PrefsConfig selects where preferences are stored.
type PrefsConfig struct {
	Driver string `yaml:"driver"`
}

// LogConfig controls slog output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StatsConfig controls the statistics refresher.
type StatsConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
}

// PermissionsConfig bounds the permission broker.
type PermissionsConfig struct {
	MaxPending int `yaml:"max_pending"`
}

// Config holds application-level configuration.
type Config struct {
	Backend       string            `yaml:"backend"`
	TunnelDir     string            `yaml:"tunnel_dir"`
	RestoreOnBoot bool              `yaml:"restore_on_boot"`
	Workers       int               `yaml:"workers"`
	Helper        HelperConfig      `yaml:"helper"`
	Prefs         PrefsConfig       `yaml:"prefs"`
	Log           LogConfig         `yaml:"log"`
	Stats         StatsConfig       `yaml:"stats"`
	Permissions   PermissionsConfig `yaml:"permissions"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Backend:       BackendAuto,
		RestoreOnBoot: true,
		Workers:       4,
		Helper: HelperConfig{
			WgQuick:        "wg-quick",
			Wg:             "wg",
			Journalctl:     "journalctl",
			TimeoutSeconds: 30,
		},
		Prefs:       PrefsConfig{Driver: PrefsDriverFile},
		Log:         LogConfig{Level: "info", Format: "text"},
		Stats:       StatsConfig{IntervalSeconds: 10},
		Permissions: PermissionsConfig{MaxPending: 1 << 16},
	}
}

// ConfigDir returns the application config directory path.
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config/wg-manager.
func ConfigDir() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "wg-manager"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home: %w", err)
	}
	return filepath.Join(home, ".config", "wg-manager"), nil
}

// TunnelDirPath returns the directory holding <name>.conf files.
func (c Config) TunnelDirPath() (string, error) {
	if c.TunnelDir != "" {
		return expandHome(c.TunnelDir), nil
	}
	d, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(d, "tunnels"), nil
}

// RuntimeDirPath returns where the privileged backend stages config files.
func (c Config) RuntimeDirPath() (string, error) {
	if c.Helper.RuntimeDir != "" {
		return expandHome(c.Helper.RuntimeDir), nil
	}
	d, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(d, "run"), nil
}

// PrefsFilePath returns the preference store path for the configured driver.
func (c Config) PrefsFilePath() (string, error) {
	d, err := ConfigDir()
	if err != nil {
		return "", err
	}
	if c.Prefs.Driver == PrefsDriverSQLite {
		return filepath.Join(d, "prefs.db"), nil
	}
	return filepath.Join(d, "prefs.yaml"), nil
}

// EventsFilePath returns the full path to events.jsonl.
func EventsFilePath() (string, error) {
	d, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(d, "events.jsonl"), nil
}

// GroupsFilePath returns the full path to groups.yaml.
func GroupsFilePath() (string, error) {
	d, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(d, "groups.yaml"), nil
}

// Load reads config.yaml from the config directory.
// If the file doesn't exist, creates it with defaults.
func Load() (Config, error) {
	d, err := ConfigDir()
	if err != nil {
		return Config{}, err
	}
	if err := os.MkdirAll(d, 0o700); err != nil {
		return Config{}, err
	}
	path := filepath.Join(d, "config.yaml")
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := Default()
			if err := Save(cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return Config{}, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	def := Default()
	switch cfg.Backend {
	case BackendAuto, BackendWgQuick, BackendKernel:
	default:
		cfg.Backend = def.Backend
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if strings.TrimSpace(cfg.Helper.WgQuick) == "" {
		cfg.Helper.WgQuick = def.Helper.WgQuick
	}
	if strings.TrimSpace(cfg.Helper.Wg) == "" {
		cfg.Helper.Wg = def.Helper.Wg
	}
	if strings.TrimSpace(cfg.Helper.Journalctl) == "" {
		cfg.Helper.Journalctl = def.Helper.Journalctl
	}
	if cfg.Helper.TimeoutSeconds <= 0 {
		cfg.Helper.TimeoutSeconds = def.Helper.TimeoutSeconds
	}
	switch cfg.Prefs.Driver {
	case PrefsDriverFile, PrefsDriverSQLite:
	default:
		cfg.Prefs.Driver = def.Prefs.Driver
	}
	switch strings.ToLower(cfg.Log.Level) {
	case "debug", "info", "warn", "error":
		cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	default:
		cfg.Log.Level = def.Log.Level
	}
	if cfg.Log.Format != "json" {
		cfg.Log.Format = def.Log.Format
	}
	if cfg.Stats.IntervalSeconds <= 0 {
		cfg.Stats.IntervalSeconds = def.Stats.IntervalSeconds
	}
	if cfg.Permissions.MaxPending <= 0 {
		cfg.Permissions.MaxPending = def.Permissions.MaxPending
	}
}

// Save writes config to config.yaml.
func Save(cfg Config) error {
	d, err := ConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(d, 0o700); err != nil {
		return err
	}
	path := filepath.Join(d, "config.yaml")
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}

func expandHome(p string) string {
	if !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[2:])
}
