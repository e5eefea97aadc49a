package storage

import (
	"context"
	"database/sql"
)

// migrateV001 creates the ledger schema. Timestamps are microseconds since
// the Unix epoch so range deletes compare integers.
func migrateV001(ctx context.Context, tx *sql.Tx) error {
	stmts := []string{
		// ── Tables ──────────────────────────────────────────────

		`CREATE TABLE IF NOT EXISTS sites (
			partition  TEXT NOT NULL DEFAULT '',
			site_host  TEXT NOT NULL,
			entry_type TEXT NOT NULL CHECK (entry_type IN ('user_activation', 'bounce_candidate')),
			time_us    INTEGER NOT NULL,
			stateful   BOOLEAN NOT NULL DEFAULT 0,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (partition, site_host, entry_type)
		)`,

		`CREATE TABLE IF NOT EXISTS exceptions (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			site_host  TEXT NOT NULL UNIQUE,
			reason     TEXT NOT NULL DEFAULT '',
			is_default BOOLEAN NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS audit_log (
			id     INTEGER PRIMARY KEY AUTOINCREMENT,
			action TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			ts     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		// ── Indexes ────────────────────────────────────────────

		`CREATE INDEX IF NOT EXISTS idx_sites_type_time  ON sites(entry_type, time_us)`,
		`CREATE INDEX IF NOT EXISTS idx_sites_host       ON sites(site_host)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_log_ts     ON audit_log(ts)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_log_action ON audit_log(action)`,
	}

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
