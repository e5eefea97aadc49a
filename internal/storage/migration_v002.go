package storage

import (
	"context"
	"database/sql"
)

// migrateV002 adds the recently purged trackers log.
func migrateV002(ctx context.Context, tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS purge_log (
			id            TEXT PRIMARY KEY,
			partition     TEXT NOT NULL DEFAULT '',
			site_host     TEXT NOT NULL,
			bounce_time_us INTEGER NOT NULL,
			purge_time_us  INTEGER NOT NULL,
			dry_run       BOOLEAN NOT NULL DEFAULT 0,
			error         TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_purge_log_time ON purge_log(purge_time_us)`,
		`CREATE INDEX IF NOT EXISTS idx_purge_log_host ON purge_log(site_host)`,
	}

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
