package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/runnerr0/bounceguard/internal/config"
	"github.com/runnerr0/bounceguard/internal/ledger"
	"github.com/runnerr0/bounceguard/internal/storage"
)

// Execute implements the go-flags Commander interface for PruneCommand.
func (c *PruneCommand) Execute(args []string) error {
	ctx := context.Background()
	sess, err := openSession(ctx, c.globals, "")
	if err != nil {
		return err
	}
	defer sess.Close()

	return c.executeWithStore(ctx, sess.cfg, sess.store, time.Now())
}

// executeWithStore prunes activations older than the activation lifetime
// and purge log entries older than --older-than.
func (c *PruneCommand) executeWithStore(ctx context.Context, cfg *config.Config, store storage.Store, now time.Time) error {
	retention, err := parseDuration(c.OlderThan)
	if err != nil {
		return fmt.Errorf("invalid --older-than: %w", err)
	}

	var activations int64
	if lifetime := time.Duration(cfg.Protection.ActivationLifetimeSeconds) * time.Second; lifetime > 0 {
		activations, err = store.PruneExpired(ctx, ledger.KindActivation, now.Add(-lifetime))
		if err != nil {
			return err
		}
	}
	purges, err := store.PrunePurgeLog(ctx, now.Add(-retention))
	if err != nil {
		return err
	}
	if cfg.Logging.AuditLog && activations+purges > 0 {
		detail := fmt.Sprintf("activations=%d purge_log=%d", activations, purges)
		if err := store.AppendAudit(ctx, "prune", detail); err != nil {
			return err
		}
	}

	if wantJSON(c.globals) {
		return printJSON(map[string]any{
			"expired_activations": activations,
			"purge_log_entries":   purges,
		})
	}
	fmt.Printf("Pruned %d expired activations and %d purge log entries older than %s.\n",
		activations, purges, formatDurationHuman(retention))
	return nil
}
