package purge

import (
	"sync"

	"github.com/runnerr0/bounceguard/internal/ledger"
	"github.com/runnerr0/bounceguard/internal/storage"
)

// RecentLog keeps the last purged trackers in memory, oldest dropped first.
type RecentLog struct {
	mu      sync.Mutex
	limit   int
	records []storage.PurgeRecord
}

// NewRecentLog creates a log holding at most limit records.
func NewRecentLog(limit int) *RecentLog {
	if limit <= 0 {
		limit = 100
	}
	return &RecentLog{limit: limit}
}

// Add appends rec, evicting the oldest record when full.
func (r *RecentLog) Add(rec storage.PurgeRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.records) == r.limit {
		copy(r.records, r.records[1:])
		r.records = r.records[:len(r.records)-1]
	}
	r.records = append(r.records, rec)
}

// Load replaces the log contents with recs, given newest first as
// storage.RecentPurges returns them.
func (r *RecentLog) Load(recs []storage.PurgeRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(recs) > r.limit {
		recs = recs[:r.limit]
	}
	r.records = r.records[:0]
	for i := len(recs) - 1; i >= 0; i-- {
		r.records = append(r.records, recs[i])
	}
}

// List returns records of partitions matched by f, newest first.
func (r *RecentLog) List(f ledger.Filter) []storage.PurgeRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]storage.PurgeRecord, 0, len(r.records))
	for i := len(r.records) - 1; i >= 0; i-- {
		if f.Match(r.records[i].Partition) {
			out = append(out, r.records[i])
		}
	}
	return out
}

// Clear drops records of partitions matched by f.
func (r *RecentLog) Clear(f ledger.Filter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.records[:0]
	for _, rec := range r.records {
		if !f.Match(rec.Partition) {
			kept = append(kept, rec)
		}
	}
	r.records = kept
}
