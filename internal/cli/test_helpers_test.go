package cli

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/runnerr0/bounceguard/internal/config"
	"github.com/runnerr0/bounceguard/internal/storage"
)

// captureOutput captures stdout during fn execution and returns it as a string.
func captureOutput(t *testing.T, fn func()) string {
	t.Helper()
	old := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w

	fn()

	w.Close()
	os.Stdout = old

	var buf bytes.Buffer
	_, _ = io.Copy(&buf, r)
	return buf.String()
}

// writeTestConfig writes a config whose storage lives in a temp dir and
// returns its path.
func writeTestConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `protection:
  mode: enabled
  require_stateful_bounces: false
  grace_period_seconds: 3600
  exception_hosts: []
storage:
  path: ` + dir + `
  sqlite_journal_mode: delete
logging:
  level: error
  file: ""
  audit_log: true
server:
  port: 1
` + extra
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))
	return path
}

// runCLI runs the CLI against the config at cfgPath and returns stdout.
func runCLI(t *testing.T, cfgPath string, args ...string) (string, error) {
	t.Helper()
	var err error
	out := captureOutput(t, func() {
		err = RunWithArgs("test", append([]string{"--config", cfgPath}, args...))
	})
	return out, err
}

// openConfigStore opens the database of the config at cfgPath directly.
func openConfigStore(t *testing.T, cfgPath string) *storage.SQLiteStore {
	t.Helper()
	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	dbPath, err := cfg.DatabasePath()
	require.NoError(t, err)
	db, err := storage.Open(context.Background(), dbPath, cfg.Storage.SQLiteJournalMode)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store, err := storage.NewSQLiteStore(db)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}
