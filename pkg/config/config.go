// Package config loads and persists the application configuration. Sources
// are layered: built-in defaults, then the JSON config file, then VALISE_*
// environment variables, highest last.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// ConfigPathEnvVar overrides the config file location when set.
const ConfigPathEnvVar = "VALISE_CONFIG"

// envPrefix namespaces the environment variables that override settings,
// e.g. VALISE_NETWORK_QUALITY=poor.
const envPrefix = "VALISE_"

// Network quality tiers. Each selects a fixed timeout profile in the engine.
const (
	QualityGood     = "good"
	QualityPoor     = "poor"
	QualityTerrible = "terrible"
)

// VaultProfile describes one encrypted container and the directories backed
// up into it. Paths are stored relative to the user's home directory and
// resolved to absolute paths at run start, never mutated mid-run.
type VaultProfile struct {
	ID            string   `koanf:"id"`
	Name          string   `koanf:"name"`
	ContainerPath string   `koanf:"container_path"`
	SourceDirs    []string `koanf:"source_dirs"`
}

// AbsContainerPath resolves the container path against home.
func (p VaultProfile) AbsContainerPath(home string) string {
	return filepath.Join(home, p.ContainerPath)
}

// AbsSourceDirs resolves all source directories against home, preserving
// configured order.
func (p VaultProfile) AbsSourceDirs(home string) []string {
	dirs := make([]string, len(p.SourceDirs))
	for i, d := range p.SourceDirs {
		dirs[i] = filepath.Join(home, d)
	}
	return dirs
}

// Config is the persisted application configuration.
type Config struct {
	// RemoteBasePath is the mounted remote destination; empty means
	// local-only backups.
	RemoteBasePath string `koanf:"remote_base_path"`
	// RemoteBackupDir is the subdirectory under RemoteBasePath that
	// receives the container copy.
	RemoteBackupDir string `koanf:"remote_backup_dir"`
	// NetworkQuality selects the timeout profile: good, poor or terrible.
	NetworkQuality string `koanf:"network_quality"`
	// AutoMountRemote enables the mount attempt when the remote probe fails.
	AutoMountRemote bool `koanf:"auto_mount_remote"`
	// AutoCloseSeconds is consumed by the presentation layer; persisted and
	// validated here only.
	AutoCloseSeconds int `koanf:"auto_close_seconds"`
	// LogLevel is the minimum log level: debug, info, warn or error.
	LogLevel string `koanf:"log_level"`
	// Profiles lists the configured vaults; the first is the default.
	Profiles []VaultProfile `koanf:"profiles"`
}

// defaultConfig returns the built-in defaults applied before file and
// environment layers.
func defaultConfig() Config {
	return Config{
		NetworkQuality:   QualityGood,
		AutoMountRemote:  true,
		AutoCloseSeconds: 5,
		LogLevel:         "info",
	}
}

// Dir returns the configuration directory (~/.config/valise).
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".config", "valise"), nil
}

// Path returns the config file location, honoring ConfigPathEnvVar.
func Path() (string, error) {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		return envPath, nil
	}
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// Load builds the configuration from defaults, the config file (when
// present) and environment overrides, then validates it.
func Load() (*Config, error) {
	path, err := Path()
	if err != nil {
		return nil, err
	}
	return loadFrom(path)
}

func loadFrom(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := defaultConfig()
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), kjson.Parser()); err != nil {
			return nil, fmt.Errorf("could not parse configuration file %s: %w", path, err)
		}
	}

	// VALISE_REMOTE_BASE_PATH -> remote_base_path
	envProvider := env.Provider(envPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, envPrefix))
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("loading environment overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("could not unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to the config file, creating the directory
// when needed.
func (c *Config) Save() error {
	path, err := Path()
	if err != nil {
		return err
	}
	return c.saveTo(path)
}

func (c *Config) saveTo(path string) error {
	if err := c.Validate(); err != nil {
		return err
	}

	k := koanf.New(".")
	if err := k.Load(structs.Provider(*c, "koanf"), nil); err != nil {
		return fmt.Errorf("collecting configuration: %w", err)
	}
	data, err := k.Marshal(kjson.Parser())
	if err != nil {
		return fmt.Errorf("encoding configuration: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating configuration directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("could not write configuration file %s: %w", path, err)
	}
	return nil
}

// Validate checks structural requirements. Remote settings are optional
// (a run without them is local-only), profile settings are not.
func (c *Config) Validate() error {
	switch c.NetworkQuality {
	case QualityGood, QualityPoor, QualityTerrible:
	default:
		return fmt.Errorf("network_quality must be one of %q, %q or %q, got %q",
			QualityGood, QualityPoor, QualityTerrible, c.NetworkQuality)
	}

	if c.AutoCloseSeconds < 0 {
		return fmt.Errorf("auto_close_seconds must not be negative")
	}

	if len(c.Profiles) == 0 {
		return fmt.Errorf("at least one vault profile must be configured")
	}
	for i, p := range c.Profiles {
		if p.ID == "" {
			return fmt.Errorf("profile %d: missing id", i)
		}
		if p.Name == "" {
			return fmt.Errorf("profile %q: missing name", p.ID)
		}
		if p.ContainerPath == "" {
			return fmt.Errorf("profile %q: missing container_path", p.ID)
		}
		if len(p.SourceDirs) == 0 {
			return fmt.Errorf("profile %q: at least one source directory is required", p.ID)
		}
	}

	if c.RemoteBasePath != "" && c.RemoteBackupDir == "" {
		return fmt.Errorf("remote_backup_dir is required when remote_base_path is set")
	}
	return nil
}

// DefaultProfile returns the first configured profile.
func (c *Config) DefaultProfile() VaultProfile {
	return c.Profiles[0]
}
