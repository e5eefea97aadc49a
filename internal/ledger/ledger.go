// Package ledger keeps the per-site-host bookkeeping of bounce tracking
// protection: when a site last received user activation and which sites
// bounced the user without it.
package ledger

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Sink persists ledger mutations. Private browsing entries never reach it.
type Sink interface {
	UpsertEntry(ctx context.Context, kind Kind, e Entry) error
	DeleteEntries(ctx context.Context, kind Kind, entries []Entry) error
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithTTL hides entries older than ttl from reads. Expired entries stay in
// memory until RemoveBefore drops them.
func WithTTL(ttl time.Duration) Option {
	return func(l *Ledger) { l.ttl = ttl }
}

// WithSink writes every mutation through to s.
func WithSink(s Sink) Option {
	return func(l *Ledger) { l.sink = s }
}

// WithLogger sets the logger used for sink failures.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithClock overrides time.Now for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// Ledger is a concurrency-safe map from (partition, site host) to the time
// the host was last recorded.
type Ledger struct {
	kind Kind

	mu      sync.RWMutex
	entries map[key]Entry

	ttl    time.Duration
	now    func() time.Time
	sink   Sink
	logger *slog.Logger
}

// New creates an empty ledger of the given kind.
func New(kind Kind, opts ...Option) *Ledger {
	l := &Ledger{
		kind:    kind,
		entries: make(map[key]Entry),
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Kind returns which ledger this is.
func (l *Ledger) Kind() Kind {
	return l.kind
}

// Record inserts or refreshes the entry for siteHost. Repeated calls for the
// same host update the timestamp; they never add a second entry.
func (l *Ledger) Record(p Partition, siteHost string, t time.Time) Entry {
	return l.RecordEntry(Entry{Partition: p, SiteHost: siteHost, Time: t})
}

// RecordEntry is Record with the full entry, including the Stateful flag.
// A refresh keeps Stateful set once any recording saw storage access.
func (l *Ledger) RecordEntry(e Entry) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := keyOf(e)
	if old, ok := l.entries[k]; ok && old.Stateful {
		e.Stateful = true
	}
	l.entries[k] = e
	l.persist(e)
	return e
}

// Load fills the ledger from previously persisted entries without writing
// them back.
func (l *Ledger) Load(entries []Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range entries {
		l.entries[keyOf(e)] = e
	}
}

// Lookup returns the live entry for siteHost in p.
func (l *Ledger) Lookup(p Partition, siteHost string) (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	e, ok := l.entries[key{partition: p, siteHost: siteHost}]
	if !ok || l.expired(e) {
		return Entry{}, false
	}
	return e, true
}

// Has reports whether siteHost has a live entry in p.
func (l *Ledger) Has(p Partition, siteHost string) bool {
	_, ok := l.Lookup(p, siteHost)
	return ok
}

// Remove deletes the entry for siteHost in p and reports whether one existed.
func (l *Ledger) Remove(p Partition, siteHost string) bool {
	removed := l.RemoveWhere(func(e Entry) bool {
		return e.Partition == p && e.SiteHost == siteHost
	})
	return len(removed) > 0
}

// RemoveWhere deletes every entry matching fn and returns them.
func (l *Ledger) RemoveWhere(fn func(Entry) bool) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	var removed []Entry
	for k, e := range l.entries {
		if fn(e) {
			removed = append(removed, e)
			delete(l.entries, k)
		}
	}
	l.forget(removed)
	sortEntries(removed)
	return removed
}

// RemoveBefore deletes entries recorded strictly before t.
func (l *Ledger) RemoveBefore(t time.Time) []Entry {
	return l.RemoveWhere(func(e Entry) bool { return e.Time.Before(t) })
}

// Clear deletes the entries of every partition matched by f.
func (l *Ledger) Clear(f Filter) int {
	return len(l.RemoveWhere(func(e Entry) bool { return f.Match(e.Partition) }))
}

// ClearAll empties the ledger.
func (l *Ledger) ClearAll() int {
	return l.Clear(Filter{})
}

// Entries returns live entries matched by f, sorted by site host.
func (l *Ledger) Entries(f Filter) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		if f.Match(e.Partition) && !l.expired(e) {
			out = append(out, e)
		}
	}
	sortEntries(out)
	return out
}

// Hosts returns the site hosts of Entries(f). A host present in several
// partitions is listed once per partition.
func (l *Ledger) Hosts(f Filter) []string {
	entries := l.Entries(f)
	hosts := make([]string, len(entries))
	for i, e := range entries {
		hosts[i] = e.SiteHost
	}
	return hosts
}

// Len returns the number of stored entries, expired ones included.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

func (l *Ledger) expired(e Entry) bool {
	return l.ttl > 0 && l.now().Sub(e.Time) > l.ttl
}

// persist and forget run under l.mu so that writes reach the sink in the
// same order they were applied in memory.
func (l *Ledger) persist(e Entry) {
	if l.sink == nil || e.Partition.PrivateBrowsing {
		return
	}
	if err := l.sink.UpsertEntry(context.Background(), l.kind, e); err != nil {
		l.logger.Warn("persist ledger entry failed",
			"ledger", string(l.kind), "site_host", e.SiteHost, "error", err)
	}
}

func (l *Ledger) forget(entries []Entry) {
	if l.sink == nil || len(entries) == 0 {
		return
	}
	persisted := entries[:0:0]
	for _, e := range entries {
		if !e.Partition.PrivateBrowsing {
			persisted = append(persisted, e)
		}
	}
	if len(persisted) == 0 {
		return
	}
	if err := l.sink.DeleteEntries(context.Background(), l.kind, persisted); err != nil {
		l.logger.Warn("delete persisted ledger entries failed",
			"ledger", string(l.kind), "count", len(persisted), "error", err)
	}
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].SiteHost != entries[j].SiteHost {
			return entries[i].SiteHost < entries[j].SiteHost
		}
		return entries[i].Partition.String() < entries[j].Partition.String()
	})
}
