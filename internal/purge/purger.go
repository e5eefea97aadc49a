// Package purge clears the site data of confirmed bounce trackers: candidates
// that outlived the grace period without user activation.
package purge

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/runnerr0/bounceguard/internal/config"
	"github.com/runnerr0/bounceguard/internal/ledger"
	"github.com/runnerr0/bounceguard/internal/metrics"
	"github.com/runnerr0/bounceguard/internal/storage"
)

// ErrPurgeInProgress is returned by Run while another run is active.
var ErrPurgeInProgress = errors.New("purge already in progress")

// Settings configures a Purger.
type Settings struct {
	Mode               config.Mode
	GracePeriod        time.Duration
	ActivationLifetime time.Duration // 0 keeps activations forever
	RecentLimit        int
}

// Option configures optional Purger collaborators.
type Option func(*Purger)

// WithStore persists purge records and prunes the purge log.
func WithStore(s storage.Store) Option {
	return func(p *Purger) { p.store = s }
}

// WithMetrics sets the metrics the purger reports to.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Purger) { p.metrics = m }
}

// WithLogger sets the purger's logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Purger) { p.logger = l }
}

// WithExceptions sets the hosts that are never purged.
func WithExceptions(e *Exceptions) Option {
	return func(p *Purger) { p.exceptions = e }
}

// Report summarizes one purge run.
type Report struct {
	ExpiredActivations int
	Legitimized        int
	Excepted           int
	Waiting            int
	Purged             []storage.PurgeRecord
	Failed             []storage.PurgeRecord
}

// Purger evaluates the candidate ledger and clears confirmed trackers.
type Purger struct {
	state    *ledger.State
	clearer  Clearer
	settings Settings

	store      storage.Store
	metrics    *metrics.Metrics
	logger     *slog.Logger
	exceptions *Exceptions
	recent     *RecentLog

	running atomic.Bool
}

// New creates a Purger over state that clears through clearer.
func New(state *ledger.State, clearer Clearer, settings Settings, opts ...Option) *Purger {
	if clearer == nil {
		clearer = NopClearer{}
	}
	p := &Purger{
		state:    state,
		clearer:  clearer,
		settings: settings,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.metrics == nil {
		p.metrics = metrics.New()
	}
	if p.exceptions == nil {
		p.exceptions = NewExceptions()
	}
	p.recent = NewRecentLog(settings.RecentLimit)
	return p
}

// Mode returns the configured mode.
func (p *Purger) Mode() config.Mode {
	return p.settings.Mode
}

// Exceptions returns the exception set.
func (p *Purger) Exceptions() *Exceptions {
	return p.exceptions
}

// Recent returns the in-memory log of purged trackers.
func (p *Purger) Recent() *RecentLog {
	return p.recent
}

// Run performs one purge cycle at now. Only one cycle runs at a time; a
// concurrent call returns ErrPurgeInProgress. A clear failure keeps the
// candidate for the next cycle and is not returned as an error.
func (p *Purger) Run(ctx context.Context, now time.Time) (*Report, error) {
	return p.RunBefore(ctx, now, time.Time{})
}

// RunBefore is Run limited to candidates recorded before recordedBefore.
// Newer candidates are counted as waiting. A zero recordedBefore considers
// every candidate.
func (p *Purger) RunBefore(ctx context.Context, now, recordedBefore time.Time) (*Report, error) {
	if !p.running.CompareAndSwap(false, true) {
		return nil, ErrPurgeInProgress
	}
	defer p.running.Store(false)

	report := &Report{}
	if p.settings.Mode == config.ModeDisabled {
		return report, nil
	}

	start := time.Now()
	err := p.run(ctx, now, recordedBefore, report)
	result := "ok"
	switch {
	case err != nil:
		result = "canceled"
	case len(report.Failed) > 0:
		result = "partial"
	}
	p.metrics.RecordPurge(result, time.Since(start))
	p.metrics.SetLedgerSizes(p.state.Activations.Len(), p.state.Candidates.Len())

	p.logger.Info("purge finished",
		"mode", string(p.settings.Mode),
		"purged", len(report.Purged),
		"failed", len(report.Failed),
		"legitimized", report.Legitimized,
		"excepted", report.Excepted,
		"waiting", report.Waiting,
		"expired_activations", report.ExpiredActivations,
	)
	return report, err
}

func (p *Purger) run(ctx context.Context, now, recordedBefore time.Time, report *Report) error {
	if lifetime := p.settings.ActivationLifetime; lifetime > 0 {
		report.ExpiredActivations = len(p.state.Activations.RemoveBefore(now.Add(-lifetime)))
		if p.store != nil {
			if _, err := p.store.PrunePurgeLog(ctx, now.Add(-lifetime)); err != nil {
				p.logger.Warn("prune purge log failed", "error", err)
			}
		}
	}

	for _, c := range p.state.Candidates.Entries(ledger.Filter{}) {
		if err := ctx.Err(); err != nil {
			return err
		}

		switch {
		case p.state.Legitimized(c):
			p.state.Candidates.Remove(c.Partition, c.SiteHost)
			report.Legitimized++
			continue
		case p.exceptions.Contains(c.SiteHost):
			report.Excepted++
			continue
		case now.Sub(c.Time) < p.settings.GracePeriod:
			report.Waiting++
			continue
		case !recordedBefore.IsZero() && !c.Time.Before(recordedBefore):
			report.Waiting++
			continue
		case p.settings.Mode == config.ModeStandby:
			report.Waiting++
			continue
		}

		p.purge(ctx, c, now, report)
	}
	return nil
}

func (p *Purger) purge(ctx context.Context, c ledger.Entry, now time.Time, report *Report) {
	dryRun := p.settings.Mode == config.ModeDryRun
	rec := storage.PurgeRecord{
		ID:         uuid.NewString(),
		Partition:  c.Partition,
		SiteHost:   c.SiteHost,
		BounceTime: c.Time,
		PurgeTime:  now,
		DryRun:     dryRun,
	}

	if !dryRun {
		if err := p.clearer.ClearSiteData(ctx, Target{Partition: c.Partition, SiteHost: c.SiteHost}); err != nil {
			rec.Error = err.Error()
			p.logger.Warn("clear site data failed, retrying next cycle",
				"site_host", c.SiteHost, "partition", c.Partition.String(), "error", err)
			p.metrics.PurgeFailures.Inc()
			report.Failed = append(report.Failed, rec)
			p.persist(ctx, rec)
			return
		}
	}

	p.state.Candidates.Remove(c.Partition, c.SiteHost)
	p.recent.Add(rec)
	p.persist(ctx, rec)
	p.metrics.PurgedHosts.WithLabelValues(string(p.settings.Mode)).Inc()
	report.Purged = append(report.Purged, rec)

	p.logger.Info("purged bounce tracker",
		"site_host", c.SiteHost,
		"partition", c.Partition.String(),
		"bounce_time", c.Time,
		"dry_run", dryRun,
	)
}

func (p *Purger) persist(ctx context.Context, rec storage.PurgeRecord) {
	if p.store == nil || rec.Partition.PrivateBrowsing {
		return
	}
	if err := p.store.AddPurgeRecord(ctx, rec); err != nil {
		p.logger.Warn("persist purge record failed", "site_host", rec.SiteHost, "error", err)
	}
}
