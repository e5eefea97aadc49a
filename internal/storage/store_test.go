package storage

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runnerr0/bounceguard/internal/ledger"
)

// openTestStore creates a migrated in-memory Store for testing.
func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := Open(context.Background(), ":memory:", "memory")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := NewSQLiteStore(db)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return store
}

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 123456000, time.UTC)

// --- Ledger entries ---

func TestUpsertEntry_LoadEntries_Roundtrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	container := ledger.Partition{UserContextID: 4}
	require.NoError(t, store.UpsertEntry(ctx, ledger.KindCandidate, ledger.Entry{SiteHost: "[::1]", Time: t0, Stateful: true}))
	require.NoError(t, store.UpsertEntry(ctx, ledger.KindCandidate, ledger.Entry{Partition: container, SiteHost: "b.com", Time: t0}))
	require.NoError(t, store.UpsertEntry(ctx, ledger.KindActivation, ledger.Entry{SiteHost: "a.com", Time: t0}))

	candidates, err := store.LoadEntries(ctx, ledger.KindCandidate)
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	assert.Equal(t, "[::1]", candidates[0].SiteHost)
	assert.True(t, candidates[0].Stateful)
	assert.True(t, t0.Equal(candidates[0].Time), "microsecond precision survives")
	assert.Equal(t, container, candidates[1].Partition)

	activations, err := store.LoadEntries(ctx, ledger.KindActivation)
	require.NoError(t, err)
	require.Len(t, activations, 1)
	assert.Equal(t, "a.com", activations[0].SiteHost)
}

func TestUpsertEntry_RefreshesExistingRow(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	e := ledger.Entry{SiteHost: "a.com", Time: t0}
	require.NoError(t, store.UpsertEntry(ctx, ledger.KindActivation, e))
	e.Time = t0.Add(time.Hour)
	require.NoError(t, store.UpsertEntry(ctx, ledger.KindActivation, e))

	entries, err := store.LoadEntries(ctx, ledger.KindActivation)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, t0.Add(time.Hour).Equal(entries[0].Time))
}

func TestDeleteEntries(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	a := ledger.Entry{SiteHost: "a.com", Time: t0}
	b := ledger.Entry{SiteHost: "b.com", Time: t0}
	require.NoError(t, store.UpsertEntry(ctx, ledger.KindCandidate, a))
	require.NoError(t, store.UpsertEntry(ctx, ledger.KindCandidate, b))
	require.NoError(t, store.UpsertEntry(ctx, ledger.KindActivation, a))

	require.NoError(t, store.DeleteEntries(ctx, ledger.KindCandidate, []ledger.Entry{a}))

	candidates, err := store.LoadEntries(ctx, ledger.KindCandidate)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "b.com", candidates[0].SiteHost)

	activations, err := store.LoadEntries(ctx, ledger.KindActivation)
	require.NoError(t, err)
	assert.Len(t, activations, 1, "other entry types are untouched")
}

func TestPruneExpired(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertEntry(ctx, ledger.KindActivation, ledger.Entry{SiteHost: "old.com", Time: t0.Add(-60 * 24 * time.Hour)}))
	require.NoError(t, store.UpsertEntry(ctx, ledger.KindActivation, ledger.Entry{SiteHost: "new.com", Time: t0}))

	n, err := store.PruneExpired(ctx, ledger.KindActivation, t0.Add(-45*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	entries, err := store.LoadEntries(ctx, ledger.KindActivation)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "new.com", entries[0].SiteHost)
}

// --- Purge log ---

func TestPurgeLog(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AddPurgeRecord(ctx, PurgeRecord{
		ID: "p1", SiteHost: "[::1]", BounceTime: t0, PurgeTime: t0.Add(time.Hour),
	}))
	require.NoError(t, store.AddPurgeRecord(ctx, PurgeRecord{
		ID: "p2", Partition: ledger.Partition{PrivateBrowsing: true}, SiteHost: "t.com",
		BounceTime: t0, PurgeTime: t0.Add(2 * time.Hour), DryRun: true,
	}))
	require.NoError(t, store.AddPurgeRecord(ctx, PurgeRecord{
		ID: "p3", SiteHost: "fail.com", BounceTime: t0, PurgeTime: t0.Add(3 * time.Hour), Error: "boom",
	}))

	recs, err := store.RecentPurges(ctx, t0.Add(90*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "p3", recs[0].ID, "newest first")
	assert.Equal(t, "p2", recs[1].ID)
	assert.True(t, recs[1].DryRun)
	assert.True(t, recs[1].Partition.PrivateBrowsing)

	n, err := store.PrunePurgeLog(ctx, t0.Add(150*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	stats, err := store.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Purged)
	assert.Equal(t, int64(1), stats.PurgeFailures)
}

// --- Exceptions ---

func TestExceptions(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AddException(ctx, "sso.example", "login"))
	require.NoError(t, store.AddException(ctx, "a.com", ""))
	require.NoError(t, store.AddException(ctx, "sso.example", "single sign-on"))

	list, err := store.ListExceptions(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a.com", list[0].SiteHost)
	assert.Equal(t, "single sign-on", list[1].Reason)

	require.NoError(t, store.RemoveException(ctx, "a.com"))
	err = store.RemoveException(ctx, "a.com")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Error(t, store.AddException(ctx, " ", ""))
}

// --- Audit ---

func TestAudit(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AppendAudit(ctx, "clear_all", ""))
	require.NoError(t, store.AppendAudit(ctx, "clear_site_host", "[::1]"))

	entries, err := store.RecentAudit(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "clear_site_host", entries[0].Action)
	assert.Equal(t, "[::1]", entries[0].Detail)
	assert.False(t, entries[0].Time.IsZero())
}

// --- PurgeAll + Stats ---

func TestPurgeAll_KeepsExceptions(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertEntry(ctx, ledger.KindActivation, ledger.Entry{SiteHost: "a.com", Time: t0}))
	require.NoError(t, store.UpsertEntry(ctx, ledger.KindCandidate, ledger.Entry{SiteHost: "b.com", Time: t0}))
	require.NoError(t, store.AddPurgeRecord(ctx, PurgeRecord{ID: "p", SiteHost: "c.com", BounceTime: t0, PurgeTime: t0}))
	require.NoError(t, store.AddException(ctx, "sso.example", ""))

	require.NoError(t, store.PurgeAll(ctx))

	stats, err := store.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Activations)
	assert.Equal(t, int64(0), stats.Candidates)
	assert.Equal(t, int64(0), stats.Purged)
	assert.Equal(t, int64(1), stats.Exceptions)
	assert.True(t, stats.OldestCandidate.IsZero())
}

func TestGetStats(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertEntry(ctx, ledger.KindActivation, ledger.Entry{SiteHost: "a.com", Time: t0}))
	require.NoError(t, store.UpsertEntry(ctx, ledger.KindCandidate, ledger.Entry{SiteHost: "b.com", Time: t0, Stateful: true}))
	require.NoError(t, store.UpsertEntry(ctx, ledger.KindCandidate, ledger.Entry{SiteHost: "c.com", Time: t0.Add(time.Hour)}))
	for i, host := range []string{"x.com", "x.com", "y.com"} {
		require.NoError(t, store.AddPurgeRecord(ctx, PurgeRecord{
			ID: host + string(rune('0'+i)), SiteHost: host, BounceTime: t0, PurgeTime: t0.Add(time.Duration(i) * time.Minute),
		}))
	}

	stats, err := store.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Activations)
	assert.Equal(t, int64(2), stats.Candidates)
	assert.Equal(t, int64(1), stats.StatefulBounces)
	assert.Equal(t, int64(3), stats.Purged)
	assert.True(t, t0.Equal(stats.OldestCandidate))
	assert.True(t, t0.Add(2*time.Minute).Equal(stats.LastPurge))
	assert.Greater(t, stats.DatabaseSizeBytes, int64(0))
	require.NotEmpty(t, stats.TopPurged)
	assert.Equal(t, HostCount{SiteHost: "x.com", Count: 2}, stats.TopPurged[0])
}

// --- Ledger write-through ---

func TestSQLiteStore_AsLedgerSink(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	l := ledger.New(ledger.KindCandidate, ledger.WithSink(store))
	l.Record(ledger.Partition{}, "[::1]", t0)
	l.Record(ledger.Partition{PrivateBrowsing: true}, "private.com", t0)

	persisted, err := store.LoadEntries(ctx, ledger.KindCandidate)
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, "[::1]", persisted[0].SiteHost)

	l.ClearAll()
	persisted, err = store.LoadEntries(ctx, ledger.KindCandidate)
	require.NoError(t, err)
	assert.Empty(t, persisted)
}

func TestUnreadableRowsAreSkippedAndLogged(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	var logs bytes.Buffer
	store.WithLogger(slog.New(slog.NewTextHandler(&logs, nil)))

	require.NoError(t, store.UpsertEntry(ctx, ledger.KindCandidate, ledger.Entry{SiteHost: "good.com", Time: t0}))
	_, err := store.db.ExecContext(ctx,
		"INSERT INTO sites (partition, site_host, entry_type, time_us) VALUES (?, ?, ?, ?)",
		"userContextId=2", "bad.com", string(ledger.KindCandidate), toMicros(t0))
	require.NoError(t, err)

	entries, err := store.LoadEntries(ctx, ledger.KindCandidate)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "good.com", entries[0].SiteHost)
	assert.Contains(t, logs.String(), "skipping unreadable ledger entry")
	assert.Contains(t, logs.String(), "bad.com")

	require.NoError(t, store.AddPurgeRecord(ctx, PurgeRecord{ID: "ok", SiteHost: "good.com", BounceTime: t0, PurgeTime: t0}))
	_, err = store.db.ExecContext(ctx,
		"INSERT INTO purge_log (id, partition, site_host, bounce_time_us, purge_time_us) VALUES (?, ?, ?, ?, ?)",
		"broken", "^%zz", "bad.com", toMicros(t0), toMicros(t0))
	require.NoError(t, err)

	recs, err := store.RecentPurges(ctx, time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "ok", recs[0].ID)
	assert.Contains(t, logs.String(), "skipping unreadable purge record")
}
