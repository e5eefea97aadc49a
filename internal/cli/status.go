package cli

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/runnerr0/bounceguard/internal/config"
	"github.com/runnerr0/bounceguard/internal/storage"
)

// statusJSON is the JSON output structure for the status command.
type statusJSON struct {
	Version                string          `json:"version"`
	Mode                   string          `json:"mode"`
	DatabasePath           string          `json:"database_path"`
	DatabaseSizeBytes      int64           `json:"database_size_bytes"`
	RequireStatefulBounces bool            `json:"require_stateful_bounces"`
	GracePeriodSeconds     int             `json:"grace_period_seconds"`
	ActivationLifetimeDays int             `json:"activation_lifetime_days"`
	Activations            int64           `json:"activations"`
	Candidates             int64           `json:"candidates"`
	StatefulBounces        int64           `json:"stateful_bounces"`
	Purged                 int64           `json:"purged"`
	PurgeFailures          int64           `json:"purge_failures"`
	Exceptions             int64           `json:"exceptions"`
	OldestCandidate        string          `json:"oldest_candidate,omitempty"`
	LastPurge              string          `json:"last_purge,omitempty"`
	TopPurged              []hostCountJSON `json:"top_purged"`
	DaemonRunning          bool            `json:"daemon_running"`
}

type hostCountJSON struct {
	SiteHost string `json:"site_host"`
	Count    int64  `json:"count"`
}

// Execute implements the go-flags Commander interface for StatusCommand.
func (c *StatusCommand) Execute(args []string) error {
	ctx := context.Background()
	sess, err := openSession(ctx, c.globals, "")
	if err != nil {
		return err
	}
	defer sess.Close()

	return c.executeWithStore(ctx, sess.cfg, sess.store, sess.dbPath)
}

// executeWithStore runs status against a provided config and store (for testing).
func (c *StatusCommand) executeWithStore(ctx context.Context, cfg *config.Config, store storage.Store, dbPath string) error {
	stats, err := store.GetStats(ctx)
	if err != nil {
		return fmt.Errorf("get stats: %w", err)
	}

	daemonRunning := checkDaemon(cfg.Server)

	if wantJSON(c.globals) {
		return c.printStatusJSON(cfg, stats, dbPath, daemonRunning)
	}
	return c.printStatusHuman(cfg, stats, dbPath, daemonRunning)
}

func (c *StatusCommand) printStatusHuman(cfg *config.Config, stats *storage.Stats, dbPath string, daemonRunning bool) error {
	pc := cfg.Protection
	fmt.Println("Bounceguard Status")
	fmt.Println("==================")
	fmt.Printf("Version:       %s\n", c.version)
	fmt.Printf("Mode:          %s\n", pc.Mode)
	fmt.Printf("Database:      %s (%s)\n", dbPath, formatBytes(stats.DatabaseSizeBytes))
	fmt.Printf("Stateful only: %t\n", pc.RequireStatefulBounces)
	fmt.Printf("Grace period:  %s\n", formatDurationHuman(time.Duration(pc.GracePeriodSeconds)*time.Second))
	fmt.Printf("Activations:   %s (kept %s)\n", formatNumber(stats.Activations),
		formatDurationHuman(time.Duration(pc.ActivationLifetimeSeconds)*time.Second))

	if stats.Candidates > 0 {
		fmt.Printf("Candidates:    %s (%s stateful)\n", formatNumber(stats.Candidates), formatNumber(stats.StatefulBounces))
		fmt.Printf("Oldest:        %s\n", stats.OldestCandidate.Local().Format("2006-01-02 15:04"))
	} else {
		fmt.Printf("Candidates:    0\n")
	}

	fmt.Printf("Purged:        %s", formatNumber(stats.Purged))
	if stats.PurgeFailures > 0 {
		fmt.Printf(" (%s failed)", formatNumber(stats.PurgeFailures))
	}
	fmt.Println()
	if !stats.LastPurge.IsZero() {
		fmt.Printf("Last purge:    %s\n", stats.LastPurge.Local().Format("2006-01-02 15:04"))
	}
	fmt.Printf("Exceptions:    %d configured, %s added\n", len(pc.ExceptionHosts), formatNumber(stats.Exceptions))

	if len(stats.TopPurged) > 0 {
		fmt.Println()
		fmt.Println("Top Purged:")
		for _, h := range stats.TopPurged {
			fmt.Printf("  %-30s %s\n", h.SiteHost, formatNumber(h.Count))
		}
	}

	fmt.Println()
	if daemonRunning {
		fmt.Println("Daemon:        running")
	} else {
		fmt.Println("Daemon:        not running")
	}
	return nil
}

func (c *StatusCommand) printStatusJSON(cfg *config.Config, stats *storage.Stats, dbPath string, daemonRunning bool) error {
	pc := cfg.Protection
	out := statusJSON{
		Version:                c.version,
		Mode:                   string(pc.Mode),
		DatabasePath:           dbPath,
		DatabaseSizeBytes:      stats.DatabaseSizeBytes,
		RequireStatefulBounces: pc.RequireStatefulBounces,
		GracePeriodSeconds:     pc.GracePeriodSeconds,
		ActivationLifetimeDays: pc.ActivationLifetimeSeconds / 86400,
		Activations:            stats.Activations,
		Candidates:             stats.Candidates,
		StatefulBounces:        stats.StatefulBounces,
		Purged:                 stats.Purged,
		PurgeFailures:          stats.PurgeFailures,
		Exceptions:             stats.Exceptions,
		TopPurged:              make([]hostCountJSON, len(stats.TopPurged)),
		DaemonRunning:          daemonRunning,
	}
	if !stats.OldestCandidate.IsZero() {
		out.OldestCandidate = stats.OldestCandidate.UTC().Format(time.RFC3339)
	}
	if !stats.LastPurge.IsZero() {
		out.LastPurge = stats.LastPurge.UTC().Format(time.RFC3339)
	}
	for i, h := range stats.TopPurged {
		out.TopPurged[i] = hostCountJSON{SiteHost: h.SiteHost, Count: h.Count}
	}
	return printJSON(out)
}

// checkDaemon reports whether the daemon answers /healthz within 1 second.
func checkDaemon(cfg config.ServerConfig) bool {
	host := cfg.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	client := &http.Client{Timeout: 1 * time.Second}
	resp, err := client.Get("http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Port)) + "/healthz")
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
