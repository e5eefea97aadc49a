package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, ModeEnabled, cfg.Protection.Mode)
	assert.True(t, cfg.Protection.RequireStatefulBounces)
	assert.Equal(t, 3600, cfg.Protection.GracePeriodSeconds)
	assert.Equal(t, 3888000, cfg.Protection.ActivationLifetimeSeconds)
	assert.Equal(t, 3600, cfg.Protection.PurgeIntervalSeconds)
	assert.Equal(t, 0, cfg.Protection.ClientBounceDetectionMS)
	assert.True(t, cfg.Protection.ReduceToSite)
	assert.Equal(t, DefaultExceptionHosts(), cfg.Protection.ExceptionHosts)
	assert.Equal(t, "~/.config/bounceguard", cfg.Storage.Path)
	assert.Equal(t, "bounceguard.db", cfg.Storage.SQLiteFile)
	assert.Equal(t, "wal", cfg.Storage.SQLiteJournalMode)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.True(t, cfg.Logging.AuditLog)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 8731, cfg.Server.Port)
	assert.Empty(t, cfg.Clearer.Endpoint)
	assert.Equal(t, 3, cfg.Clearer.MaxRetries)
	require.NoError(t, cfg.Validate())
}

func TestDefaultExceptionHostsIsPopulated(t *testing.T) {
	hosts := DefaultExceptionHosts()
	assert.Greater(t, len(hosts), 5)
	assert.Contains(t, hosts, "okta.com")
	assert.Contains(t, hosts, "login.gov")
	for _, h := range hosts {
		assert.Equal(t, strings.ToLower(h), h, "exception hosts are normalized")
	}
}

func TestLoadValidYAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	yamlContent := `
protection:
  mode: "dry_run"
  grace_period_seconds: 0
  require_stateful_bounces: false
server:
  port: 9999
logging:
  level: "debug"
`
	require.NoError(t, os.WriteFile(cfgPath, []byte(yamlContent), 0644))

	cfg, err := Load(cfgPath)
	require.NoError(t, err)

	// Overridden values
	assert.Equal(t, ModeDryRun, cfg.Protection.Mode)
	assert.Equal(t, 0, cfg.Protection.GracePeriodSeconds)
	assert.False(t, cfg.Protection.RequireStatefulBounces)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// Non-overridden values remain defaults
	assert.Equal(t, 3888000, cfg.Protection.ActivationLifetimeSeconds)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, "~/.config/bounceguard", cfg.Storage.Path)
}

func TestLoadInvalidYAMLReturnsError(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(":::not valid yaml{{{"), 0644))

	_, err := Load(cfgPath)
	assert.Error(t, err)
}

func TestLoadNonExistentFileReturnsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing", "config.yaml"))
	assert.Error(t, err)
}

func TestLoadRejectsUnknownMode(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("protection:\n  mode: aggressive\n"), 0644))

	_, err := Load(cfgPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "aggressive")
}

func TestLoadEnvOverridesFile(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("protection:\n  grace_period_seconds: 10\n"), 0644))

	t.Setenv("BOUNCEGUARD_PROTECTION_GRACE_PERIOD_SECONDS", "0")
	t.Setenv("BOUNCEGUARD_PROTECTION_MODE", "standby")
	t.Setenv("BOUNCEGUARD_PROTECTION_EXCEPTION_HOSTS", "a.example,b.example")
	t.Setenv("BOUNCEGUARD_STORAGE_SQLITE_FILE", "other.db")
	t.Setenv("BOUNCEGUARD_SERVER_PORT", "9100")
	t.Setenv("BOUNCEGUARD_CLEARER_ENDPOINT", "http://127.0.0.1:1/clear")

	cfg, err := Load(cfgPath)
	require.NoError(t, err)

	assert.Equal(t, 0, cfg.Protection.GracePeriodSeconds)
	assert.Equal(t, ModeStandby, cfg.Protection.Mode)
	assert.Equal(t, []string{"a.example", "b.example"}, cfg.Protection.ExceptionHosts)
	assert.Equal(t, "other.db", cfg.Storage.SQLiteFile)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "http://127.0.0.1:1/clear", cfg.Clearer.Endpoint)
}

func TestApplyEnvBadValue(t *testing.T) {
	t.Setenv("BOUNCEGUARD_SERVER_PORT", "not-a-number")
	err := ApplyEnv(DefaultConfig())
	assert.Error(t, err)
}

func TestLoadOrCreateCreatesDefaultsWhenMissing(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "sub", "deep", "config.yaml")

	cfg, err := LoadOrCreateAt(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, ModeEnabled, cfg.Protection.Mode)

	_, statErr := os.Stat(cfgPath)
	assert.NoError(t, statErr)

	cfg2, err := Load(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, cfg.Protection, cfg2.Protection)
}

func TestLoadOrCreateLoadsExistingFile(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("protection:\n  purge_interval_seconds: 60\n"), 0644))

	cfg, err := LoadOrCreateAt(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, 60, cfg.Protection.PurgeIntervalSeconds)
	assert.Equal(t, ModeEnabled, cfg.Protection.Mode)
}

func TestPaths(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.Path = "/var/lib/bounceguard"

	db, err := cfg.DatabasePath()
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/bounceguard/bounceguard.db", db)

	logPath, err := cfg.LogFilePath()
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/bounceguard/bounceguard.log", logPath)

	cfg.Logging.File = "/tmp/bg.log"
	logPath, err = cfg.LogFilePath()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/bg.log", logPath)

	cfg.Logging.File = ""
	logPath, err = cfg.LogFilePath()
	require.NoError(t, err)
	assert.Empty(t, logPath)

	home, err := os.UserHomeDir()
	require.NoError(t, err)
	expanded, err := ExpandPath("~/x")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "x"), expanded)
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"":      slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestSetupLoggerWithWriters(t *testing.T) {
	var stderr, file bytes.Buffer
	logger := SetupLoggerWithWriters(&stderr, &file, slog.LevelInfo)

	logger.Debug("hidden")
	logger.Info("candidate recorded", "site_host", "[::1]")

	assert.NotContains(t, stderr.String(), "hidden")
	assert.Contains(t, stderr.String(), "site_host=[::1]")
	assert.Contains(t, file.String(), `"site_host":"[::1]"`)
}

func TestSetupLoggerWritesFile(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "logs", "bounceguard.log")
	logger, cleanup := SetupLogger(logFile, slog.LevelInfo)
	logger.Info("purge finished", "purged", 2)
	require.NoError(t, cleanup())

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"purged":2`)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("dry_run")
	require.NoError(t, err)
	assert.Equal(t, ModeDryRun, m)

	_, err = ParseMode("off")
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.Protection.Mode = "off"
	assert.ErrorContains(t, cfg.Validate(), "protection.mode")
}
