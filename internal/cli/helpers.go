package cli

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/runnerr0/bounceguard/internal/config"
	"github.com/runnerr0/bounceguard/internal/ledger"
	"github.com/runnerr0/bounceguard/internal/metrics"
	"github.com/runnerr0/bounceguard/internal/protection"
	"github.com/runnerr0/bounceguard/internal/purge"
	"github.com/runnerr0/bounceguard/internal/storage"
)

// session is the configuration, logger and open database a command runs
// against.
type session struct {
	cfg      *config.Config
	logger   *slog.Logger
	db       *sql.DB
	store    *storage.SQLiteStore
	dbPath   string
	closeLog func() error
}

// loadConfig reads --config, or the default config file which is created
// with defaults on first use.
func loadConfig(globals *GlobalFlags) (*config.Config, error) {
	if globals != nil && globals.Config != "" {
		return config.LoadOrCreateAt(globals.Config)
	}
	return config.LoadOrCreate()
}

// openSession loads the config, sets up logging and opens the database.
// levelOverride replaces logging.level when non-empty.
func openSession(ctx context.Context, globals *GlobalFlags, levelOverride string) (*session, error) {
	cfg, err := loadConfig(globals)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	levelName := cfg.Logging.Level
	if levelOverride != "" {
		levelName = levelOverride
	}
	level, err := config.ParseLevel(levelName)
	if err != nil {
		return nil, err
	}
	if globals != nil && globals.Verbose {
		level = slog.LevelDebug
	}
	logFile, err := cfg.LogFilePath()
	if err != nil {
		return nil, err
	}
	logger, closeLog := config.SetupLogger(logFile, level)

	dbPath, err := cfg.DatabasePath()
	if err != nil {
		closeLog()
		return nil, err
	}
	db, err := storage.Open(ctx, dbPath, cfg.Storage.SQLiteJournalMode)
	if err != nil {
		closeLog()
		return nil, err
	}
	store, err := storage.NewSQLiteStore(db)
	if err != nil {
		db.Close()
		closeLog()
		return nil, fmt.Errorf("init store: %w", err)
	}
	store.WithLogger(logger)

	return &session{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		store:    store,
		dbPath:   dbPath,
		closeLog: closeLog,
	}, nil
}

func (s *session) Close() {
	s.store.Close()
	s.db.Close()
	s.closeLog()
}

// clearer returns the configured site data clearer, nil when no endpoint
// is set.
func (s *session) clearer() purge.Clearer {
	c := s.cfg.Clearer
	if c.Endpoint == "" {
		return nil
	}
	return purge.NewHTTPClearer(c.Endpoint, c.MaxRetries, time.Duration(c.TimeoutSeconds)*time.Second, s.logger)
}

// service starts a protection service over the session's database.
func (s *session) service(ctx context.Context, m *metrics.Metrics) (*protection.Service, error) {
	opts := []protection.Option{
		protection.WithStore(s.store),
		protection.WithLogger(s.logger),
	}
	if c := s.clearer(); c != nil {
		opts = append(opts, protection.WithClearer(c))
	}
	if m != nil {
		opts = append(opts, protection.WithMetrics(m))
	}
	svc, err := protection.New(ctx, s.cfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("start protection: %w", err)
	}
	return svc, nil
}

func wantJSON(globals *GlobalFlags) bool {
	return globals != nil && globals.JSON
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type entryJSON struct {
	SiteHost        string `json:"site_host"`
	Time            string `json:"time"`
	UserContextID   uint32 `json:"user_context_id"`
	PrivateBrowsing bool   `json:"private_browsing"`
	Stateful        bool   `json:"stateful,omitempty"`
}

func toEntryJSON(e ledger.Entry) entryJSON {
	return entryJSON{
		SiteHost:        e.SiteHost,
		Time:            e.Time.UTC().Format(time.RFC3339),
		UserContextID:   e.Partition.UserContextID,
		PrivateBrowsing: e.Partition.PrivateBrowsing,
		Stateful:        e.Stateful,
	}
}

type purgeRecordJSON struct {
	ID            string `json:"id"`
	SiteHost      string `json:"site_host"`
	UserContextID uint32 `json:"user_context_id"`
	BounceTime    string `json:"bounce_time"`
	PurgeTime     string `json:"purge_time"`
	DryRun        bool   `json:"dry_run,omitempty"`
	Error         string `json:"error,omitempty"`
}

func toPurgeRecordJSON(r storage.PurgeRecord) purgeRecordJSON {
	return purgeRecordJSON{
		ID:            r.ID,
		SiteHost:      r.SiteHost,
		UserContextID: r.Partition.UserContextID,
		BounceTime:    r.BounceTime.UTC().Format(time.RFC3339),
		PurgeTime:     r.PurgeTime.UTC().Format(time.RFC3339),
		DryRun:        r.DryRun,
		Error:         r.Error,
	}
}

// partitionLabel renders a partition for tables, "default" for the
// default container.
func partitionLabel(p ledger.Partition) string {
	label := "default"
	if p.UserContextID != 0 {
		label = "container " + strconv.FormatUint(uint64(p.UserContextID), 10)
	}
	if p.PrivateBrowsing {
		label += " (private)"
	}
	return label
}

// parseDuration parses a human-friendly duration string like "30d", "7d", "24h", "2w".
func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("invalid duration: empty string")
	}

	if len(s) < 2 {
		return 0, fmt.Errorf("invalid duration: %q", s)
	}

	suffix := s[len(s)-1]
	numStr := s[:len(s)-1]

	n, err := strconv.Atoi(numStr)
	if err != nil {
		return 0, fmt.Errorf("invalid duration: %q", s)
	}

	switch suffix {
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'w':
		return time.Duration(n) * 7 * 24 * time.Hour, nil
	case 'm':
		return time.Duration(n) * time.Minute, nil
	default:
		return 0, fmt.Errorf("invalid duration: %q (use d, h, w, or m suffix)", s)
	}
}

// formatDurationHuman formats a duration into a human-readable string like "30 days".
func formatDurationHuman(d time.Duration) string {
	days := int(d.Hours() / 24)
	if days > 0 {
		if days == 1 {
			return "1 day"
		}
		return fmt.Sprintf("%d days", days)
	}
	hours := int(d.Hours())
	if hours > 0 {
		if hours == 1 {
			return "1 hour"
		}
		return fmt.Sprintf("%d hours", hours)
	}
	return d.String()
}

// formatBytes formats a byte count into a human-readable string.
func formatBytes(b int64) string {
	switch {
	case b >= 1<<30:
		return fmt.Sprintf("%.1f GB", float64(b)/float64(1<<30))
	case b >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(b)/float64(1<<20))
	case b >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(b)/float64(1<<10))
	default:
		return fmt.Sprintf("%d B", b)
	}
}

// formatNumber formats an int64 with comma separators.
func formatNumber(n int64) string {
	s := strconv.FormatInt(n, 10)
	if len(s) <= 3 {
		return s
	}

	var result strings.Builder
	remainder := len(s) % 3
	if remainder > 0 {
		result.WriteString(s[:remainder])
	}
	for i := remainder; i < len(s); i += 3 {
		if i > 0 {
			result.WriteString(",")
		}
		result.WriteString(s[i : i+3])
	}
	return result.String()
}
