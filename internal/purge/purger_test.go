package purge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runnerr0/bounceguard/internal/config"
	"github.com/runnerr0/bounceguard/internal/ledger"
	"github.com/runnerr0/bounceguard/internal/metrics"
	"github.com/runnerr0/bounceguard/internal/storage"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newState() *ledger.State {
	return ledger.NewState(
		ledger.New(ledger.KindActivation),
		ledger.New(ledger.KindCandidate),
		0,
	)
}

// recordingClearer records every target it is asked to clear.
type recordingClearer struct {
	mu      sync.Mutex
	cleared []Target
	fail    map[string]bool
}

func (r *recordingClearer) ClearSiteData(_ context.Context, t Target) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail[t.SiteHost] {
		return errors.New("clear refused")
	}
	r.cleared = append(r.cleared, t)
	return nil
}

func (r *recordingClearer) hosts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.cleared))
	for i, t := range r.cleared {
		out[i] = t.SiteHost
	}
	return out
}

func TestRun_PurgesAfterGracePeriod(t *testing.T) {
	state := newState()
	state.RecordCandidate(ledger.Partition{}, "[::1]", t0, true)
	state.RecordCandidate(ledger.Partition{}, "fresh.com", t0.Add(50*time.Minute), true)

	clearer := &recordingClearer{}
	m := metrics.New()
	p := New(state, clearer, Settings{Mode: config.ModeEnabled, GracePeriod: time.Hour}, WithMetrics(m))

	report, err := p.Run(context.Background(), t0.Add(time.Hour))
	require.NoError(t, err)

	assert.Equal(t, []string{"[::1]"}, clearer.hosts())
	require.Len(t, report.Purged, 1)
	assert.NotEmpty(t, report.Purged[0].ID)
	assert.Equal(t, t0, report.Purged[0].BounceTime)
	assert.Equal(t, 1, report.Waiting)
	assert.Equal(t, []string{"fresh.com"}, state.Candidates.Hosts(ledger.Filter{}))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PurgedHosts.WithLabelValues("enabled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PurgeRuns.WithLabelValues("ok")))

	recent := p.Recent().List(ledger.Filter{})
	require.Len(t, recent, 1)
	assert.Equal(t, "[::1]", recent[0].SiteHost)
}

func TestRun_ZeroGraceIsImmediate(t *testing.T) {
	state := newState()
	state.RecordCandidate(ledger.Partition{}, "b.com", t0, false)

	clearer := &recordingClearer{}
	p := New(state, clearer, Settings{Mode: config.ModeEnabled})

	_, err := p.Run(context.Background(), t0)
	require.NoError(t, err)
	assert.Equal(t, []string{"b.com"}, clearer.hosts())
	assert.Empty(t, state.Candidates.Hosts(ledger.Filter{}))
}

func TestRunBefore_SkipsNewerCandidates(t *testing.T) {
	state := newState()
	state.RecordCandidate(ledger.Partition{}, "earlier.com", t0, false)
	state.RecordCandidate(ledger.Partition{}, "[::1]", t0.Add(time.Second), false)

	clearer := &recordingClearer{}
	p := New(state, clearer, Settings{Mode: config.ModeEnabled})

	report, err := p.RunBefore(context.Background(), t0.Add(time.Minute), t0.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, []string{"earlier.com"}, clearer.hosts())
	assert.Equal(t, 1, report.Waiting)
	assert.Equal(t, []string{"[::1]"}, state.Candidates.Hosts(ledger.Filter{}))

	report, err = p.Run(context.Background(), t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, report.Purged, 1)
	assert.Empty(t, state.Candidates.Hosts(ledger.Filter{}))
}

func TestRun_LegitimizedCandidateIsRemovedWithoutClear(t *testing.T) {
	state := newState()
	state.RecordCandidate(ledger.Partition{}, "a.com", t0, true)
	// Recorded directly so State.RecordActivation does not remove it first.
	state.Activations.Record(ledger.Partition{}, "a.com", t0.Add(time.Minute))

	clearer := &recordingClearer{}
	p := New(state, clearer, Settings{Mode: config.ModeEnabled})

	report, err := p.Run(context.Background(), t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Legitimized)
	assert.Empty(t, clearer.hosts())
	assert.Empty(t, state.Candidates.Hosts(ledger.Filter{}))
}

func TestRun_ExceptionsAreKept(t *testing.T) {
	state := newState()
	state.RecordCandidate(ledger.Partition{}, "login.okta.com", t0, true)
	state.RecordCandidate(ledger.Partition{}, "tracker.com", t0, true)

	clearer := &recordingClearer{}
	p := New(state, clearer, Settings{Mode: config.ModeEnabled}, WithExceptions(NewExceptions("okta.com")))

	report, err := p.Run(context.Background(), t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Excepted)
	assert.Equal(t, []string{"tracker.com"}, clearer.hosts())
	assert.Equal(t, []string{"login.okta.com"}, state.Candidates.Hosts(ledger.Filter{}))
}

func TestRun_FailureKeepsCandidateForRetry(t *testing.T) {
	state := newState()
	state.RecordCandidate(ledger.Partition{}, "flaky.com", t0, true)

	clearer := &recordingClearer{fail: map[string]bool{"flaky.com": true}}
	m := metrics.New()
	p := New(state, clearer, Settings{Mode: config.ModeEnabled}, WithMetrics(m))

	report, err := p.Run(context.Background(), t0.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, "clear refused", report.Failed[0].Error)
	assert.Equal(t, []string{"flaky.com"}, state.Candidates.Hosts(ledger.Filter{}))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PurgeFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PurgeRuns.WithLabelValues("partial")))

	clearer.fail = nil
	report, err = p.Run(context.Background(), t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Len(t, report.Purged, 1)
	assert.Empty(t, state.Candidates.Hosts(ledger.Filter{}))
}

func TestRun_Modes(t *testing.T) {
	tests := []struct {
		mode          config.Mode
		wantCleared   int
		wantRemaining int
		wantPurged    int
	}{
		{config.ModeDisabled, 0, 1, 0},
		{config.ModeStandby, 0, 1, 0},
		{config.ModeDryRun, 0, 0, 1},
		{config.ModeEnabled, 1, 0, 1},
	}

	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			state := newState()
			state.RecordCandidate(ledger.Partition{}, "t.com", t0, true)
			clearer := &recordingClearer{}
			p := New(state, clearer, Settings{Mode: tt.mode})

			report, err := p.Run(context.Background(), t0.Add(time.Hour))
			require.NoError(t, err)
			assert.Len(t, clearer.hosts(), tt.wantCleared)
			assert.Len(t, state.Candidates.Hosts(ledger.Filter{}), tt.wantRemaining)
			assert.Len(t, report.Purged, tt.wantPurged)
			if tt.mode == config.ModeDryRun {
				assert.True(t, report.Purged[0].DryRun)
			}
		})
	}
}

func TestRun_ExpiresActivations(t *testing.T) {
	state := newState()
	state.Activations.Record(ledger.Partition{}, "old.com", t0.Add(-50*24*time.Hour))
	state.Activations.Record(ledger.Partition{}, "new.com", t0)

	p := New(state, nil, Settings{Mode: config.ModeEnabled, ActivationLifetime: 45 * 24 * time.Hour})
	report, err := p.Run(context.Background(), t0)
	require.NoError(t, err)
	assert.Equal(t, 1, report.ExpiredActivations)
	assert.Equal(t, []string{"new.com"}, state.Activations.Hosts(ledger.Filter{}))
}

func TestRun_SingleFlight(t *testing.T) {
	state := newState()
	state.RecordCandidate(ledger.Partition{}, "slow.com", t0, true)

	entered := make(chan struct{})
	release := make(chan struct{})
	clearer := ClearerFunc(func(ctx context.Context, _ Target) error {
		close(entered)
		<-release
		return nil
	})
	p := New(state, clearer, Settings{Mode: config.ModeEnabled})

	done := make(chan error, 1)
	go func() {
		_, err := p.Run(context.Background(), t0)
		done <- err
	}()

	<-entered
	_, err := p.Run(context.Background(), t0)
	assert.ErrorIs(t, err, ErrPurgeInProgress)

	close(release)
	require.NoError(t, <-done)

	// Released: the next run proceeds.
	_, err = p.Run(context.Background(), t0)
	assert.NoError(t, err)
}

func TestRun_CanceledContext(t *testing.T) {
	state := newState()
	state.RecordCandidate(ledger.Partition{}, "a.com", t0, true)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	clearer := &recordingClearer{}
	p := New(state, clearer, Settings{Mode: config.ModeEnabled})
	_, err := p.Run(ctx, t0)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, clearer.hosts())
}

func TestRun_PersistsRecordsExceptPrivate(t *testing.T) {
	db, err := storage.Open(context.Background(), ":memory:", "memory")
	require.NoError(t, err)
	defer db.Close()
	store, err := storage.NewSQLiteStore(db)
	require.NoError(t, err)
	defer store.Close()

	state := newState()
	state.RecordCandidate(ledger.Partition{}, "a.com", t0, true)
	state.RecordCandidate(ledger.Partition{PrivateBrowsing: true}, "p.com", t0, true)

	p := New(state, NopClearer{}, Settings{Mode: config.ModeEnabled}, WithStore(store))
	report, err := p.Run(context.Background(), t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, report.Purged, 2)

	recs, err := store.RecentPurges(context.Background(), time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "a.com", recs[0].SiteHost)
	assert.Equal(t, report.Purged[0].ID, recs[0].ID)
}

func TestHTTPClearer(t *testing.T) {
	var calls atomic.Int32
	var got clearRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewHTTPClearer(srv.URL, 2, time.Second, nil)
	err := c.ClearSiteData(context.Background(), Target{
		Partition: ledger.Partition{UserContextID: 2},
		SiteHost:  "[::1]",
	})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load(), "503 is retried")
	assert.Equal(t, clearRequest{SiteHost: "[::1]", UserContextID: 2}, got)
}

func TestHTTPClearer_ClientErrorIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewHTTPClearer(srv.URL, 0, time.Second, nil).
		ClearSiteData(context.Background(), Target{SiteHost: "a.com"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func TestExceptions(t *testing.T) {
	e := NewExceptions("Example.COM.", "", "[::1]")

	assert.True(t, e.Contains("example.com"))
	assert.True(t, e.Contains("login.example.com"))
	assert.False(t, e.Contains("notexample.com"))
	assert.True(t, e.Contains("[::1]"))
	assert.False(t, e.Contains("[::2]"))
	assert.Equal(t, []string{"[::1]", "example.com"}, e.List())

	assert.True(t, e.Remove("example.com"))
	assert.False(t, e.Remove("example.com"))
	assert.False(t, e.Contains("login.example.com"))
}

func TestRecentLog(t *testing.T) {
	r := NewRecentLog(2)
	r.Add(storage.PurgeRecord{ID: "1", SiteHost: "a.com"})
	r.Add(storage.PurgeRecord{ID: "2", SiteHost: "b.com", Partition: ledger.Partition{UserContextID: 3}})
	r.Add(storage.PurgeRecord{ID: "3", SiteHost: "c.com"})

	all := r.List(ledger.Filter{})
	require.Len(t, all, 2)
	assert.Equal(t, "3", all[0].ID)
	assert.Equal(t, "2", all[1].ID)

	id := uint32(3)
	container := r.List(ledger.Filter{UserContextID: &id})
	require.Len(t, container, 1)
	assert.Equal(t, "b.com", container[0].SiteHost)

	r.Clear(ledger.Filter{UserContextID: &id})
	assert.Len(t, r.List(ledger.Filter{}), 1)

	r.Load([]storage.PurgeRecord{{ID: "z"}, {ID: "y"}, {ID: "x"}})
	loaded := r.List(ledger.Filter{})
	require.Len(t, loaded, 2)
	assert.Equal(t, "z", loaded[0].ID)
}

