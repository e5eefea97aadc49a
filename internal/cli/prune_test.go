package cli

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runnerr0/bounceguard/internal/ledger"
	"github.com/runnerr0/bounceguard/internal/storage"
)

func TestPruneCommand(t *testing.T) {
	cfg := writeTestConfig(t, "")
	store := openConfigStore(t, cfg)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.UpsertEntry(ctx, ledger.KindActivation, ledger.Entry{SiteHost: "stale.com", Time: now.Add(-50 * 24 * time.Hour)}))
	require.NoError(t, store.UpsertEntry(ctx, ledger.KindActivation, ledger.Entry{SiteHost: "fresh.com", Time: now.Add(-time.Hour)}))
	require.NoError(t, store.AddPurgeRecord(ctx, storage.PurgeRecord{
		ID: "old", SiteHost: "a.net", BounceTime: now.Add(-61 * 24 * time.Hour), PurgeTime: now.Add(-60 * 24 * time.Hour),
	}))
	require.NoError(t, store.AddPurgeRecord(ctx, storage.PurgeRecord{
		ID: "new", SiteHost: "b.net", BounceTime: now.Add(-2 * 24 * time.Hour), PurgeTime: now.Add(-24 * time.Hour),
	}))

	out, err := runCLI(t, cfg, "--json", "prune")
	require.NoError(t, err)
	var res map[string]int64
	require.NoError(t, json.Unmarshal([]byte(out), &res), out)
	assert.Equal(t, int64(1), res["expired_activations"])
	assert.Equal(t, int64(1), res["purge_log_entries"])

	activations, err := store.LoadEntries(ctx, ledger.KindActivation)
	require.NoError(t, err)
	require.Len(t, activations, 1)
	assert.Equal(t, "fresh.com", activations[0].SiteHost)

	audit, err := store.RecentAudit(ctx, 10)
	require.NoError(t, err)
	require.NotEmpty(t, audit)
	assert.Equal(t, "prune", audit[0].Action)

	out, err = runCLI(t, cfg, "prune", "--older-than", "12h")
	require.NoError(t, err)
	assert.Contains(t, out, "Pruned 0 expired activations and 1 purge log entries older than 12 hours.")
}

func TestPruneInvalidDuration(t *testing.T) {
	cfg := writeTestConfig(t, "")
	_, err := runCLI(t, cfg, "prune", "--older-than", "forever")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid --older-than")
}
