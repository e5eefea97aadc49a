package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/runnerr0/bounceguard/internal/ledger"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store defines the persistence operations of bounce tracking protection.
type Store interface {
	ledger.Sink
	LoadEntries(ctx context.Context, kind ledger.Kind) ([]ledger.Entry, error)
	PruneExpired(ctx context.Context, kind ledger.Kind, olderThan time.Time) (int64, error)
	AddPurgeRecord(ctx context.Context, rec PurgeRecord) error
	RecentPurges(ctx context.Context, since time.Time, limit int) ([]PurgeRecord, error)
	PrunePurgeLog(ctx context.Context, olderThan time.Time) (int64, error)
	ListExceptions(ctx context.Context) ([]Exception, error)
	AddException(ctx context.Context, siteHost, reason string) error
	RemoveException(ctx context.Context, siteHost string) error
	AppendAudit(ctx context.Context, action, detail string) error
	RecentAudit(ctx context.Context, limit int) ([]AuditEntry, error)
	PurgeAll(ctx context.Context) error
	GetStats(ctx context.Context) (*Stats, error)
	Close() error
}

// Open opens (creating if needed) the SQLite database at path and applies
// migrations. path may be ":memory:".
func Open(ctx context.Context, path, journalMode string) (*sql.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection: writes are serialized anyway and every ":memory:"
	// connection would otherwise be a separate database.
	db.SetMaxOpenConns(1)

	if err := NewMigrationRunner(db).WithJournalMode(journalMode).Run(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return db, nil
}

// SQLiteStore implements Store backed by a SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger

	// Prepared statements
	upsertEntry    *sql.Stmt
	deleteEntry    *sql.Stmt
	insertPurge    *sql.Stmt
	insertAudit    *sql.Stmt
	loadEntries    *sql.Stmt
	pruneEntries   *sql.Stmt
	prunePurgeLogs *sql.Stmt
}

// NewSQLiteStore creates a new SQLiteStore from an already-opened and migrated database.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db, logger: slog.Default()}

	if err := s.prepareStatements(); err != nil {
		s.Close()
		return nil, fmt.Errorf("prepare statements: %w", err)
	}

	return s, nil
}

// WithLogger sets the logger used to report rows that cannot be read.
func (s *SQLiteStore) WithLogger(logger *slog.Logger) *SQLiteStore {
	if logger != nil {
		s.logger = logger
	}
	return s
}

func (s *SQLiteStore) prepareStatements() error {
	var err error

	s.upsertEntry, err = s.db.Prepare(`
		INSERT INTO sites (partition, site_host, entry_type, time_us, stateful)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (partition, site_host, entry_type) DO UPDATE SET
			time_us    = excluded.time_us,
			stateful   = excluded.stateful,
			updated_at = CURRENT_TIMESTAMP
	`)
	if err != nil {
		return err
	}

	s.deleteEntry, err = s.db.Prepare(`
		DELETE FROM sites WHERE partition = ? AND site_host = ? AND entry_type = ?
	`)
	if err != nil {
		return err
	}

	s.insertPurge, err = s.db.Prepare(`
		INSERT INTO purge_log (id, partition, site_host, bounce_time_us, purge_time_us, dry_run, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}

	s.insertAudit, err = s.db.Prepare(`INSERT INTO audit_log (action, detail) VALUES (?, ?)`)
	if err != nil {
		return err
	}

	s.loadEntries, err = s.db.Prepare(`
		SELECT partition, site_host, time_us, stateful FROM sites WHERE entry_type = ?
		ORDER BY site_host
	`)
	if err != nil {
		return err
	}

	s.pruneEntries, err = s.db.Prepare(`DELETE FROM sites WHERE entry_type = ? AND time_us < ?`)
	if err != nil {
		return err
	}

	s.prunePurgeLogs, err = s.db.Prepare(`DELETE FROM purge_log WHERE purge_time_us < ?`)
	if err != nil {
		return err
	}

	return nil
}

func toMicros(t time.Time) int64 {
	return t.UnixMicro()
}

func fromMicros(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}

// UpsertEntry inserts or refreshes a ledger entry.
func (s *SQLiteStore) UpsertEntry(ctx context.Context, kind ledger.Kind, e ledger.Entry) error {
	_, err := s.upsertEntry.ExecContext(ctx,
		e.Partition.String(), e.SiteHost, string(kind), toMicros(e.Time), e.Stateful,
	)
	if err != nil {
		return fmt.Errorf("upsert %s entry: %w", kind, err)
	}
	return nil
}

// DeleteEntries removes ledger entries in a single transaction.
func (s *SQLiteStore) DeleteEntries(ctx context.Context, kind ledger.Kind, entries []ledger.Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt := tx.StmtContext(ctx, s.deleteEntry)
	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.Partition.String(), e.SiteHost, string(kind)); err != nil {
			return fmt.Errorf("delete %s entry %s: %w", kind, e.SiteHost, err)
		}
	}

	return tx.Commit()
}

// LoadEntries returns every persisted entry of kind.
func (s *SQLiteStore) LoadEntries(ctx context.Context, kind ledger.Kind) ([]ledger.Entry, error) {
	rows, err := s.loadEntries.QueryContext(ctx, string(kind))
	if err != nil {
		return nil, fmt.Errorf("query %s entries: %w", kind, err)
	}
	defer rows.Close()

	entries := []ledger.Entry{}
	for rows.Next() {
		var (
			suffix string
			e      ledger.Entry
			us     int64
		)
		if err := rows.Scan(&suffix, &e.SiteHost, &us, &e.Stateful); err != nil {
			return nil, fmt.Errorf("scan %s entry: %w", kind, err)
		}
		e.Partition, err = ledger.ParsePartition(suffix)
		if err != nil {
			s.logger.Warn("skipping unreadable ledger entry",
				"kind", string(kind), "site_host", e.SiteHost, "error", err)
			continue
		}
		e.Time = fromMicros(us)
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// PruneExpired deletes entries of kind recorded before olderThan.
func (s *SQLiteStore) PruneExpired(ctx context.Context, kind ledger.Kind, olderThan time.Time) (int64, error) {
	res, err := s.pruneEntries.ExecContext(ctx, string(kind), toMicros(olderThan))
	if err != nil {
		return 0, fmt.Errorf("prune %s entries: %w", kind, err)
	}
	return res.RowsAffected()
}

// AddPurgeRecord appends to the purge log.
func (s *SQLiteStore) AddPurgeRecord(ctx context.Context, rec PurgeRecord) error {
	_, err := s.insertPurge.ExecContext(ctx,
		rec.ID, rec.Partition.String(), rec.SiteHost,
		toMicros(rec.BounceTime), toMicros(rec.PurgeTime), rec.DryRun, rec.Error,
	)
	if err != nil {
		return fmt.Errorf("insert purge record: %w", err)
	}
	return nil
}

// RecentPurges returns purge records since the given time, newest first.
func (s *SQLiteStore) RecentPurges(ctx context.Context, since time.Time, limit int) ([]PurgeRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, partition, site_host, bounce_time_us, purge_time_us, dry_run, error
		FROM purge_log WHERE purge_time_us >= ?
		ORDER BY purge_time_us DESC LIMIT ?
	`, toMicros(since), limit)
	if err != nil {
		return nil, fmt.Errorf("query purge log: %w", err)
	}
	defer rows.Close()

	records := []PurgeRecord{}
	for rows.Next() {
		var (
			rec             PurgeRecord
			suffix          string
			bounceUS, purge int64
		)
		if err := rows.Scan(&rec.ID, &suffix, &rec.SiteHost, &bounceUS, &purge, &rec.DryRun, &rec.Error); err != nil {
			return nil, fmt.Errorf("scan purge record: %w", err)
		}
		rec.Partition, err = ledger.ParsePartition(suffix)
		if err != nil {
			s.logger.Warn("skipping unreadable purge record", "id", rec.ID, "error", err)
			continue
		}
		rec.BounceTime = fromMicros(bounceUS)
		rec.PurgeTime = fromMicros(purge)
		records = append(records, rec)
	}

	return records, rows.Err()
}

// PrunePurgeLog drops purge records older than olderThan.
func (s *SQLiteStore) PrunePurgeLog(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.prunePurgeLogs.ExecContext(ctx, toMicros(olderThan))
	if err != nil {
		return 0, fmt.Errorf("prune purge log: %w", err)
	}
	return res.RowsAffected()
}

// ListExceptions returns all exception hosts ordered by host.
func (s *SQLiteStore) ListExceptions(ctx context.Context) ([]Exception, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT site_host, reason, is_default FROM exceptions ORDER BY site_host")
	if err != nil {
		return nil, fmt.Errorf("query exceptions: %w", err)
	}
	defer rows.Close()

	out := []Exception{}
	for rows.Next() {
		var e Exception
		if err := rows.Scan(&e.SiteHost, &e.Reason, &e.IsDefault); err != nil {
			return nil, fmt.Errorf("scan exception: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// AddException stores siteHost as never-purge. Re-adding updates the reason.
func (s *SQLiteStore) AddException(ctx context.Context, siteHost, reason string) error {
	if strings.TrimSpace(siteHost) == "" {
		return fmt.Errorf("exception site host is empty")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO exceptions (site_host, reason) VALUES (?, ?)
		ON CONFLICT (site_host) DO UPDATE SET reason = excluded.reason
	`, siteHost, reason)
	if err != nil {
		return fmt.Errorf("insert exception: %w", err)
	}
	return nil
}

// RemoveException deletes an exception host.
func (s *SQLiteStore) RemoveException(ctx context.Context, siteHost string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM exceptions WHERE site_host = ?", siteHost)
	if err != nil {
		return fmt.Errorf("delete exception: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("exception %s: %w", siteHost, ErrNotFound)
	}
	return nil
}

// AppendAudit records an administrative action.
func (s *SQLiteStore) AppendAudit(ctx context.Context, action, detail string) error {
	if _, err := s.insertAudit.ExecContext(ctx, action, detail); err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// RecentAudit returns the newest audit entries first.
func (s *SQLiteStore) RecentAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT action, detail, ts FROM audit_log ORDER BY id DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	out := []AuditEntry{}
	for rows.Next() {
		var (
			a     AuditEntry
			tsStr string
		)
		if err := rows.Scan(&a.Action, &a.Detail, &tsStr); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		a.Time, err = parseTimestamp(tsStr)
		if err != nil {
			s.logger.Warn("skipping unreadable audit entry", "action", a.Action, "error", err)
			continue
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// PurgeAll deletes all ledger entries and the purge log. Exceptions and the
// audit log survive.
func (s *SQLiteStore) PurgeAll(ctx context.Context) error {
	for _, stmt := range []string{
		"DELETE FROM sites",
		"DELETE FROM purge_log",
	} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("purge (%s): %w", stmt, err)
		}
	}
	return nil
}

// GetStats returns aggregate statistics about the database.
func (s *SQLiteStore) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(entry_type = 'user_activation'), 0),
			COALESCE(SUM(entry_type = 'bounce_candidate'), 0),
			COALESCE(SUM(entry_type = 'bounce_candidate' AND stateful), 0)
		FROM sites
	`).Scan(&stats.Activations, &stats.Candidates, &stats.StatefulBounces)
	if err != nil {
		return nil, fmt.Errorf("count sites: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(error = ''), 0), COALESCE(SUM(error != ''), 0) FROM purge_log
	`).Scan(&stats.Purged, &stats.PurgeFailures)
	if err != nil {
		return nil, fmt.Errorf("count purge log: %w", err)
	}

	err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM exceptions").Scan(&stats.Exceptions)
	if err != nil {
		return nil, fmt.Errorf("count exceptions: %w", err)
	}

	var oldest, last sql.NullInt64
	err = s.db.QueryRowContext(ctx,
		"SELECT MIN(time_us) FROM sites WHERE entry_type = 'bounce_candidate'").Scan(&oldest)
	if err != nil {
		return nil, fmt.Errorf("oldest candidate: %w", err)
	}
	if oldest.Valid {
		stats.OldestCandidate = fromMicros(oldest.Int64)
	}
	err = s.db.QueryRowContext(ctx, "SELECT MAX(purge_time_us) FROM purge_log").Scan(&last)
	if err != nil {
		return nil, fmt.Errorf("last purge: %w", err)
	}
	if last.Valid {
		stats.LastPurge = fromMicros(last.Int64)
	}

	var pageCount, pageSize int64
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount); err == nil {
		if err := s.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err == nil {
			stats.DatabaseSizeBytes = pageCount * pageSize
		}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT site_host, COUNT(*) AS cnt FROM purge_log WHERE error = ''
		GROUP BY site_host ORDER BY cnt DESC, site_host LIMIT 10
	`)
	if err != nil {
		return nil, fmt.Errorf("top purged: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var hc HostCount
		if err := rows.Scan(&hc.SiteHost, &hc.Count); err != nil {
			return nil, err
		}
		stats.TopPurged = append(stats.TopPurged, hc)
	}

	return stats, rows.Err()
}

// parseTimestamp tries several common SQLite timestamp formats.
func parseTimestamp(s string) (time.Time, error) {
	formats := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05Z",
		"2006-01-02 15:04:05",
	}
	for _, f := range formats {
		if t, err := time.Parse(f, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse timestamp: %s", s)
}

// Close releases all prepared statements. The underlying *sql.DB is NOT
// closed, that is the caller's responsibility.
func (s *SQLiteStore) Close() error {
	stmts := []*sql.Stmt{
		s.upsertEntry, s.deleteEntry, s.insertPurge, s.insertAudit,
		s.loadEntries, s.pruneEntries, s.prunePurgeLogs,
	}
	for _, stmt := range stmts {
		if stmt != nil {
			stmt.Close()
		}
	}
	return nil
}
