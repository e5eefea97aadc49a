package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Default config file path.
const DefaultConfigPath = "~/.config/bounceguard/config.yaml"

// EnvPrefix prefixes every environment override, e.g.
// BOUNCEGUARD_PROTECTION_GRACE_PERIOD_SECONDS.
const EnvPrefix = "BOUNCEGUARD"

// Mode controls how much of the protection is active.
type Mode string

const (
	// ModeDisabled turns off bookkeeping and purging.
	ModeDisabled Mode = "disabled"
	// ModeEnabled keeps the ledgers and purges trackers.
	ModeEnabled Mode = "enabled"
	// ModeStandby keeps the ledgers but never purges.
	ModeStandby Mode = "standby"
	// ModeDryRun evaluates and logs purges without clearing site data.
	ModeDryRun Mode = "dry_run"
)

// ParseMode converts a protection.mode value.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeDisabled, ModeEnabled, ModeStandby, ModeDryRun:
		return m, nil
	}
	return "", fmt.Errorf("unknown protection mode %q", s)
}

// Config holds all bounceguard configuration.
type Config struct {
	Protection ProtectionConfig `yaml:"protection"`
	Storage    StorageConfig    `yaml:"storage"`
	Logging    LoggingConfig    `yaml:"logging"`
	Server     ServerConfig     `yaml:"server"`
	Clearer    ClearerConfig    `yaml:"clearer"`
}

type ProtectionConfig struct {
	Mode                      Mode     `yaml:"mode" split_words:"true"`
	RequireStatefulBounces    bool     `yaml:"require_stateful_bounces" split_words:"true"`
	GracePeriodSeconds        int      `yaml:"grace_period_seconds" split_words:"true"`
	ActivationLifetimeSeconds int      `yaml:"activation_lifetime_seconds" split_words:"true"`
	PurgeIntervalSeconds      int      `yaml:"purge_interval_seconds" split_words:"true"`
	ClientBounceDetectionMS   int      `yaml:"client_bounce_detection_ms" split_words:"true"`
	ReduceToSite              bool     `yaml:"reduce_to_site" split_words:"true"`
	ExceptionHosts            []string `yaml:"exception_hosts" split_words:"true"`
	RecentlyPurgedLimit       int      `yaml:"recently_purged_limit" split_words:"true"`
}

type StorageConfig struct {
	Path              string `yaml:"path" split_words:"true"`
	SQLiteFile        string `yaml:"sqlite_file" envconfig:"SQLITE_FILE"`
	SQLiteJournalMode string `yaml:"sqlite_journal_mode" envconfig:"SQLITE_JOURNAL_MODE"`
}

type LoggingConfig struct {
	Level    string `yaml:"level" split_words:"true"`
	File     string `yaml:"file" split_words:"true"`
	AuditLog bool   `yaml:"audit_log" split_words:"true"`
}

type ServerConfig struct {
	Host           string `yaml:"host" split_words:"true"`
	Port           int    `yaml:"port" split_words:"true"`
	AuthToken      string `yaml:"auth_token" split_words:"true"`
	MaxRequestSize int    `yaml:"max_request_size" split_words:"true"`
}

// ClearerConfig selects where site data clear requests go. An empty
// Endpoint means clears are only recorded, never sent.
type ClearerConfig struct {
	Endpoint       string `yaml:"endpoint" split_words:"true"`
	MaxRetries     int    `yaml:"max_retries" split_words:"true"`
	TimeoutSeconds int    `yaml:"timeout_seconds" split_words:"true"`
}

// Load reads a YAML config file at path, merges it with defaults and
// applies environment overrides.
// Returns an error if the file cannot be read or contains invalid YAML.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays BOUNCEGUARD_<SECTION>_<KEY> environment variables on cfg.
// Unset variables leave the current value alone.
func ApplyEnv(cfg *Config) error {
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return fmt.Errorf("reading environment overrides: %w", err)
	}
	return nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	if _, err := ParseMode(string(c.Protection.Mode)); err != nil {
		return fmt.Errorf("protection.mode: %w", err)
	}
	if c.Protection.GracePeriodSeconds < 0 {
		return fmt.Errorf("protection.grace_period_seconds must not be negative")
	}
	if c.Protection.ActivationLifetimeSeconds < 0 {
		return fmt.Errorf("protection.activation_lifetime_seconds must not be negative")
	}
	if c.Protection.ClientBounceDetectionMS < 0 {
		return fmt.Errorf("protection.client_bounce_detection_ms must not be negative")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	return nil
}

// DatabasePath returns the expanded path of the SQLite database.
func (c *Config) DatabasePath() (string, error) {
	dir, err := ExpandPath(c.Storage.Path)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, c.Storage.SQLiteFile), nil
}

// LogFilePath returns the expanded log file path. Relative names live in
// the storage directory.
func (c *Config) LogFilePath() (string, error) {
	if c.Logging.File == "" {
		return "", nil
	}
	file, err := ExpandPath(c.Logging.File)
	if err != nil {
		return "", err
	}
	if filepath.IsAbs(file) {
		return file, nil
	}
	dir, err := ExpandPath(c.Storage.Path)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, file), nil
}

// ExpandPath replaces a leading ~ with the user's home directory.
func ExpandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolving home directory: %w", err)
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

// LoadOrCreate loads the config from the default path. If the file does
// not exist, it creates the directory structure and writes defaults.
func LoadOrCreate() (*Config, error) {
	path, err := ExpandPath(DefaultConfigPath)
	if err != nil {
		return nil, err
	}
	return LoadOrCreateAt(path)
}

// LoadOrCreateAt loads the config from the given path. If the file does
// not exist, it creates the directory structure and writes defaults.
func LoadOrCreateAt(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()

		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating config directory: %w", err)
		}

		data, err := yaml.Marshal(cfg)
		if err != nil {
			return nil, fmt.Errorf("marshaling default config: %w", err)
		}

		if err := os.WriteFile(path, data, 0644); err != nil {
			return nil, fmt.Errorf("writing default config: %w", err)
		}

		if err := ApplyEnv(cfg); err != nil {
			return nil, err
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	return Load(path)
}
