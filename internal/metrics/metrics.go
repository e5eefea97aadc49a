// Package metrics holds the Prometheus collectors of bounceguard. Every
// Metrics value owns its registry so tests and several services in one
// process never collide on registration.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	registry *prometheus.Registry

	// Event metrics
	EventsTotal   *prometheus.CounterVec
	EventsSkipped *prometheus.CounterVec

	// Ledger metrics
	ActivationsRecorded prometheus.Counter
	CandidatesRecorded  *prometheus.CounterVec
	LedgerEntries       *prometheus.GaugeVec

	// Purge metrics
	PurgeRuns     *prometheus.CounterVec
	PurgedHosts   *prometheus.CounterVec
	PurgeFailures prometheus.Counter
	PurgeDuration prometheus.Histogram

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// New creates a Metrics collector set on a fresh registry, including the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		EventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bounceguard_events_total",
				Help: "Total number of events dispatched into the engine",
			},
			[]string{"kind"},
		),
		EventsSkipped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bounceguard_events_skipped_total",
				Help: "Events dropped before bookkeeping",
			},
			[]string{"reason"},
		),

		ActivationsRecorded: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "bounceguard_activations_recorded_total",
				Help: "User activations recorded",
			},
		),
		CandidatesRecorded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bounceguard_candidates_recorded_total",
				Help: "Bounce tracker candidates recorded",
			},
			[]string{"stateful"},
		),
		LedgerEntries: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "bounceguard_ledger_entries",
				Help: "Entries held in each ledger",
			},
			[]string{"ledger"},
		),

		PurgeRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bounceguard_purge_runs_total",
				Help: "Purge cycles by outcome",
			},
			[]string{"result"},
		),
		PurgedHosts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bounceguard_purged_hosts_total",
				Help: "Bounce trackers purged",
			},
			[]string{"mode"},
		),
		PurgeFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "bounceguard_purge_failures_total",
				Help: "Site data clears that failed and will be retried",
			},
		),
		PurgeDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "bounceguard_purge_duration_seconds",
				Help:    "Purge cycle duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
		),

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bounceguard_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bounceguard_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"method", "path"},
		),
	}
}

// Registry returns the registry the collectors live on, for exposition.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordEvent counts an event of kind.
func (m *Metrics) RecordEvent(kind string) {
	m.EventsTotal.WithLabelValues(kind).Inc()
}

// RecordSkipped counts an event dropped for reason.
func (m *Metrics) RecordSkipped(reason string) {
	m.EventsSkipped.WithLabelValues(reason).Inc()
}

// RecordCandidate counts a recorded bounce tracker candidate.
func (m *Metrics) RecordCandidate(stateful bool) {
	m.CandidatesRecorded.WithLabelValues(strconv.FormatBool(stateful)).Inc()
}

// SetLedgerSizes publishes the current ledger sizes.
func (m *Metrics) SetLedgerSizes(activations, candidates int) {
	m.LedgerEntries.WithLabelValues("user_activation").Set(float64(activations))
	m.LedgerEntries.WithLabelValues("bounce_candidate").Set(float64(candidates))
}

// RecordPurge records one finished purge cycle.
func (m *Metrics) RecordPurge(result string, duration time.Duration) {
	m.PurgeRuns.WithLabelValues(result).Inc()
	m.PurgeDuration.Observe(duration.Seconds())
}

// RecordRequest records an HTTP request.
func (m *Metrics) RecordRequest(method, path string, status int, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}
