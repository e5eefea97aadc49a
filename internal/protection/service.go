// Package protection is the bounce tracking protection engine: it takes
// navigation, user activation and storage access events, keeps the user
// activation and bounce candidate ledgers and purges confirmed bounce
// trackers.
package protection

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/runnerr0/bounceguard/internal/classifier"
	"github.com/runnerr0/bounceguard/internal/config"
	"github.com/runnerr0/bounceguard/internal/ledger"
	"github.com/runnerr0/bounceguard/internal/metrics"
	"github.com/runnerr0/bounceguard/internal/purge"
	"github.com/runnerr0/bounceguard/internal/sitehost"
	"github.com/runnerr0/bounceguard/internal/storage"
)

// Option configures a Service.
type Option func(*Service)

// WithStore persists ledger entries and purge records and reloads them on
// construction.
func WithStore(s storage.Store) Option {
	return func(svc *Service) { svc.store = s }
}

// WithClearer sets the site data clearer. The default clears nothing.
func WithClearer(c purge.Clearer) Option {
	return func(svc *Service) { svc.clearer = c }
}

// WithMetrics sets the metrics the service reports to.
func WithMetrics(m *metrics.Metrics) Option {
	return func(svc *Service) { svc.metrics = m }
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(svc *Service) { svc.logger = l }
}

// WithClock replaces time.Now for events without a timestamp, activation
// expiry and purges.
func WithClock(now func() time.Time) Option {
	return func(svc *Service) { svc.now = now }
}

// Service wires the host normalizer, the per-tab classifier, both ledgers
// and the purger.
type Service struct {
	mode           config.Mode
	normalizer     sitehost.Normalizer
	purgeInterval  time.Duration
	auditLog       bool
	exceptionHosts []string
	recentLimit    int

	state      *ledger.State
	classifier *classifier.Classifier
	purger     *purge.Purger

	store   storage.Store
	clearer purge.Clearer
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	purgeMu   sync.Mutex
	kick      chan struct{}

	// pending describes the queued background purge. A zero pendingBefore
	// with queued set means every candidate is considered.
	pendingMu     sync.Mutex
	queued        bool
	pendingBefore time.Time

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New builds a Service from cfg. With a store, persisted state is loaded
// before New returns.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Service, error) {
	mode, err := config.ParseMode(string(cfg.Protection.Mode))
	if err != nil {
		return nil, err
	}
	pc := cfg.Protection

	s := &Service{
		mode:           mode,
		normalizer:     sitehost.Normalizer{ReduceToSite: pc.ReduceToSite},
		purgeInterval:  time.Duration(pc.PurgeIntervalSeconds) * time.Second,
		auditLog:       cfg.Logging.AuditLog,
		exceptionHosts: pc.ExceptionHosts,
		recentLimit:    pc.RecentlyPurgedLimit,
		logger:         slog.Default(),
		now:            time.Now,
		kick:           make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.New()
	}

	lifetime := time.Duration(pc.ActivationLifetimeSeconds) * time.Second
	ledgerOpts := []ledger.Option{ledger.WithLogger(s.logger), ledger.WithClock(s.now)}
	if s.store != nil {
		ledgerOpts = append(ledgerOpts, ledger.WithSink(s.store))
	}
	activationOpts := append([]ledger.Option{ledger.WithTTL(lifetime)}, ledgerOpts...)
	s.state = ledger.NewState(
		ledger.New(ledger.KindActivation, activationOpts...),
		ledger.New(ledger.KindCandidate, ledgerOpts...),
		time.Duration(pc.GracePeriodSeconds)*time.Second,
	)

	s.classifier = classifier.New(s.state, classifier.Settings{
		RequireStatefulBounces: pc.RequireStatefulBounces,
		ClientBounceDetection:  time.Duration(pc.ClientBounceDetectionMS) * time.Millisecond,
	}, s.logger, s.onIdle)

	purgeOpts := []purge.Option{
		purge.WithMetrics(s.metrics),
		purge.WithLogger(s.logger),
		purge.WithExceptions(purge.NewExceptions(pc.ExceptionHosts...)),
	}
	if s.store != nil {
		purgeOpts = append(purgeOpts, purge.WithStore(s.store))
	}
	s.purger = purge.New(s.state, s.clearer, purge.Settings{
		Mode:               mode,
		GracePeriod:        s.state.Grace,
		ActivationLifetime: lifetime,
		RecentLimit:        pc.RecentlyPurgedLimit,
	}, purgeOpts...)

	if s.store != nil {
		if err := s.load(ctx); err != nil {
			return nil, err
		}
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.wg.Add(1)
	go s.purgeWorker()

	s.logger.Info("bounce tracking protection ready",
		"mode", string(mode),
		"require_stateful_bounces", pc.RequireStatefulBounces,
		"grace_period", s.state.Grace,
		"activations", s.state.Activations.Len(),
		"candidates", s.state.Candidates.Len(),
	)
	return s, nil
}

// load restores persisted ledgers, exceptions and the recently purged log.
func (s *Service) load(ctx context.Context) error {
	activations, err := s.store.LoadEntries(ctx, ledger.KindActivation)
	if err != nil {
		return fmt.Errorf("load activations: %w", err)
	}
	s.state.Activations.Load(activations)

	candidates, err := s.store.LoadEntries(ctx, ledger.KindCandidate)
	if err != nil {
		return fmt.Errorf("load candidates: %w", err)
	}
	s.state.Candidates.Load(candidates)

	exceptions, err := s.store.ListExceptions(ctx)
	if err != nil {
		return fmt.Errorf("load exceptions: %w", err)
	}
	for _, e := range exceptions {
		s.purger.Exceptions().Add(e.SiteHost)
	}

	recs, err := s.store.RecentPurges(ctx, time.Time{}, s.recentLimit)
	if err != nil {
		return fmt.Errorf("load purge log: %w", err)
	}
	purged := recs[:0]
	for _, r := range recs {
		if r.Error == "" {
			purged = append(purged, r)
		}
	}
	s.purger.Recent().Load(purged)

	s.metrics.SetLedgerSizes(s.state.Activations.Len(), s.state.Candidates.Len())
	return nil
}

// Mode returns the protection mode.
func (s *Service) Mode() config.Mode {
	return s.mode
}

func (s *Service) enabled() bool {
	return s.mode != config.ModeDisabled
}

func (s *Service) eventTime(t time.Time) time.Time {
	if t.IsZero() {
		return s.now()
	}
	return t
}

// OnNavigationEvent feeds a navigation into the tab's classifier. Events
// with an unparsable URL are dropped without error; only events that cannot
// be interpreted at all return ErrInvalidEvent.
func (s *Service) OnNavigationEvent(ev NavigationEvent) error {
	if ev.TabID == "" {
		return fmt.Errorf("%w: missing tab_id", ErrInvalidEvent)
	}
	switch ev.Kind {
	case classifier.StartNavigation, classifier.ServerRedirect, classifier.DocumentLoaded:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, ev.Kind)
	}
	s.metrics.RecordEvent(string(ev.Kind))
	if !s.enabled() {
		s.metrics.RecordSkipped("disabled")
		return nil
	}

	var host string
	if ev.URL != "" || ev.Kind != classifier.StartNavigation {
		h, err := s.normalizer.FromURL(ev.URL)
		if err != nil {
			s.metrics.RecordSkipped("no_host")
			s.logger.Debug("skipping navigation event", "tab", ev.TabID, "kind", string(ev.Kind), "url", ev.URL, "error", err)
			return nil
		}
		host = h
	}

	s.classifier.Handle(classifier.Event{
		Kind:        ev.Kind,
		TabID:       ev.TabID,
		Partition:   ev.Partition(),
		SiteHost:    host,
		UserGesture: ev.UserGesture,
		Time:        s.eventTime(ev.Time),
	})
	return nil
}

// OnUserActivation records user activation on the page at ev.URL.
func (s *Service) OnUserActivation(ev PageEvent) {
	s.metrics.RecordEvent("user_activation")
	host, ok := s.pageHost(ev)
	if !ok {
		return
	}
	s.classifier.UserActivation(ev.TabID, ev.Partition(), host, s.eventTime(ev.Time))
	s.metrics.ActivationsRecorded.Inc()
	s.metrics.SetLedgerSizes(s.state.Activations.Len(), s.state.Candidates.Len())
}

// OnStorageAccess notes that the page at ev.URL accessed cookies or storage
// during the tab's current extended navigation.
func (s *Service) OnStorageAccess(ev PageEvent) {
	s.metrics.RecordEvent("storage_access")
	host, ok := s.pageHost(ev)
	if !ok || ev.TabID == "" {
		return
	}
	s.classifier.StorageAccess(ev.TabID, ev.Partition(), host)
}

func (s *Service) pageHost(ev PageEvent) (string, bool) {
	if !s.enabled() {
		s.metrics.RecordSkipped("disabled")
		return "", false
	}
	host, err := s.normalizer.FromURL(ev.URL)
	if err != nil {
		s.metrics.RecordSkipped("no_host")
		s.logger.Debug("skipping page event", "tab", ev.TabID, "url", ev.URL, "error", err)
		return "", false
	}
	return host, true
}

// CloseTab drops the tab's classifier state.
func (s *Service) CloseTab(tabID string) {
	s.classifier.CloseTab(tabID)
}

// TabState returns the classifier state of a tab.
func (s *Service) TabState(tabID string) (classifier.State, bool) {
	return s.classifier.TabState(tabID)
}

func (s *Service) onIdle(r classifier.Result) {
	for _, host := range r.Candidates {
		_, stateful := r.Record.StorageAccessHosts[host]
		s.metrics.RecordCandidate(stateful)
		s.logger.Info("bounce tracker candidate",
			"site_host", host, "tab", r.TabID, "partition", r.Partition.String(), "stateful", stateful)
	}
	s.metrics.SetLedgerSizes(s.state.Activations.Len(), s.state.Candidates.Len())

	// With a grace period, candidates only become purgeable later and the
	// periodic timer picks them up. Candidates recorded by this transition
	// wait for the next one.
	if s.state.Grace == 0 && (s.mode == config.ModeEnabled || s.mode == config.ModeDryRun) {
		s.triggerPurge(r.Time)
	}
}

// triggerPurge asks the purge worker for a run over candidates recorded
// before the given time, or over all candidates when it is zero. Requests
// made while a run is queued coalesce into it.
func (s *Service) triggerPurge(recordedBefore time.Time) {
	s.pendingMu.Lock()
	switch {
	case !s.queued:
		s.pendingBefore = recordedBefore
	case recordedBefore.IsZero() || s.pendingBefore.IsZero():
		s.pendingBefore = time.Time{}
	case recordedBefore.After(s.pendingBefore):
		s.pendingBefore = recordedBefore
	}
	s.queued = true
	s.pendingMu.Unlock()

	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// runQueued runs the queued purge, if any.
func (s *Service) runQueued(ctx context.Context) {
	s.pendingMu.Lock()
	queued, before := s.queued, s.pendingBefore
	s.queued, s.pendingBefore = false, time.Time{}
	s.pendingMu.Unlock()
	if !queued {
		return
	}

	s.purgeMu.Lock()
	defer s.purgeMu.Unlock()
	if _, err := s.purger.RunBefore(ctx, s.now(), before); err != nil {
		s.logger.Warn("purge failed", "error", err)
	}
}

// purgeWorker runs queued purges. Close stops it only after a purge queued
// before the close has run.
func (s *Service) purgeWorker() {
	defer s.wg.Done()
	ctx := context.WithoutCancel(s.ctx)
	for {
		select {
		case <-s.ctx.Done():
			s.runQueued(ctx)
			return
		case <-s.kick:
			s.runQueued(ctx)
		}
	}
}

// Start runs the periodic purge timer until ctx is canceled or the service
// is closed.
func (s *Service) Start(ctx context.Context) {
	if s.purgeInterval <= 0 || !s.enabled() {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.purgeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.triggerPurge(time.Time{})
			}
		}
	}()
}

// RunPurge runs a purge cycle now, after any cycle the service is already
// running.
func (s *Service) RunPurge(ctx context.Context) (*purge.Report, error) {
	return s.runPurge(ctx)
}

func (s *Service) runPurge(ctx context.Context) (*purge.Report, error) {
	s.purgeMu.Lock()
	defer s.purgeMu.Unlock()
	return s.purger.Run(ctx, s.now())
}

// TestGetBounceTrackerCandidateHosts lists candidates of the partitions
// matched by f, sorted by site host.
func (s *Service) TestGetBounceTrackerCandidateHosts(f ledger.Filter) []HostEntry {
	return hostEntries(s.state.Candidates.Entries(f))
}

// TestGetUserActivationHosts lists live activations of the partitions
// matched by f, sorted by site host.
func (s *Service) TestGetUserActivationHosts(f ledger.Filter) []HostEntry {
	return hostEntries(s.state.Activations.Entries(f))
}

// Candidates returns the full candidate entries matched by f.
func (s *Service) Candidates(f ledger.Filter) []ledger.Entry {
	return s.state.Candidates.Entries(f)
}

// Activations returns the live activation entries matched by f.
func (s *Service) Activations(f ledger.Filter) []ledger.Entry {
	return s.state.Activations.Entries(f)
}

// RecentlyPurged returns purged trackers of the partitions matched by f,
// newest first.
func (s *Service) RecentlyPurged(f ledger.Filter) []storage.PurgeRecord {
	return s.purger.Recent().List(f)
}

// ClearAll empties both ledgers and the recently purged log.
func (s *Service) ClearAll(ctx context.Context) error {
	s.state.ClearAll()
	s.purger.Recent().Clear(ledger.Filter{})
	if s.store != nil {
		if err := s.store.PurgeAll(ctx); err != nil {
			return fmt.Errorf("clear persisted state: %w", err)
		}
	}
	s.afterClear(ctx, "clear_all", "")
	return nil
}

// ClearBySiteHost removes host from both ledgers in the partitions matched
// by f. host may be a URL or a bare host.
func (s *Service) ClearBySiteHost(ctx context.Context, host string, f ledger.Filter) error {
	siteHost, err := s.siteHostOf(host)
	if err != nil {
		return fmt.Errorf("clear site host %q: %w", host, err)
	}
	s.state.ClearSiteHost(siteHost, f)
	s.afterClear(ctx, "clear_site_host", siteHost)
	return nil
}

// ClearByTimeRange removes entries recorded in [from, to). A zero to means
// no upper bound.
func (s *Service) ClearByTimeRange(ctx context.Context, from, to time.Time) error {
	if !to.IsZero() && to.Before(from) {
		return fmt.Errorf("clear time range: end %s before start %s", to, from)
	}
	s.state.ClearTimeRange(from, to)
	s.afterClear(ctx, "clear_time_range", fmt.Sprintf("%s..%s", from.Format(time.RFC3339), to.Format(time.RFC3339)))
	return nil
}

// ClearByFilter removes every entry of the partitions matched by f.
func (s *Service) ClearByFilter(ctx context.Context, f ledger.Filter) error {
	s.state.Clear(f)
	s.purger.Recent().Clear(f)
	s.afterClear(ctx, "clear_partition", describeFilter(f))
	return nil
}

// siteHostOf normalizes user input that is either a URL or a bare host.
func (s *Service) siteHostOf(input string) (string, error) {
	if strings.Contains(input, "://") {
		return s.normalizer.FromURL(input)
	}
	return s.normalizer.FromHost(input)
}

func (s *Service) afterClear(ctx context.Context, action, detail string) {
	s.metrics.SetLedgerSizes(s.state.Activations.Len(), s.state.Candidates.Len())
	s.logger.Info("cleared bounce tracking state", "action", action, "detail", detail)
	s.audit(ctx, action, detail)
}

func (s *Service) audit(ctx context.Context, action, detail string) {
	if s.store == nil || !s.auditLog {
		return
	}
	if err := s.store.AppendAudit(ctx, action, detail); err != nil {
		s.logger.Warn("append audit entry failed", "action", action, "error", err)
	}
}

// Exceptions returns the hosts never purged.
func (s *Service) Exceptions() []string {
	return s.purger.Exceptions().List()
}

// AddException protects host from purging and persists it.
func (s *Service) AddException(ctx context.Context, host, reason string) error {
	siteHost, err := s.siteHostOf(host)
	if err != nil {
		return fmt.Errorf("add exception %q: %w", host, err)
	}
	if s.store != nil {
		if err := s.store.AddException(ctx, siteHost, reason); err != nil {
			return err
		}
	}
	s.purger.Exceptions().Add(siteHost)
	s.audit(ctx, "add_exception", siteHost)
	return nil
}

// RemoveException removes a user-added exception. Hosts from the
// configuration cannot be removed here.
func (s *Service) RemoveException(ctx context.Context, host string) error {
	siteHost, err := s.siteHostOf(host)
	if err != nil {
		return fmt.Errorf("remove exception %q: %w", host, err)
	}
	for _, h := range s.exceptionHosts {
		if h == siteHost {
			return fmt.Errorf("exception %s comes from the configuration file", siteHost)
		}
	}
	if s.store != nil {
		if err := s.store.RemoveException(ctx, siteHost); err != nil {
			return err
		}
	} else if !s.purger.Exceptions().Contains(siteHost) {
		return fmt.Errorf("exception %s: %w", siteHost, storage.ErrNotFound)
	}
	s.purger.Exceptions().Remove(siteHost)
	s.audit(ctx, "remove_exception", siteHost)
	return nil
}

// Close stops the purge timer and worker after any queued purge has run.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
	})
	return nil
}

func describeFilter(f ledger.Filter) string {
	d := ""
	if f.UserContextID != nil {
		d += fmt.Sprintf("userContextId=%d", *f.UserContextID)
	}
	if f.PrivateBrowsing != nil {
		if d != "" {
			d += "&"
		}
		d += fmt.Sprintf("privateBrowsing=%t", *f.PrivateBrowsing)
	}
	if d == "" {
		return "all"
	}
	return d
}
