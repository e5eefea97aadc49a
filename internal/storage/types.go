package storage

import (
	"time"

	"github.com/runnerr0/bounceguard/internal/ledger"
)

// PurgeRecord is one entry of the recently purged trackers log.
type PurgeRecord struct {
	ID         string
	Partition  ledger.Partition
	SiteHost   string
	BounceTime time.Time
	PurgeTime  time.Time
	DryRun     bool
	Error      string // empty on success
}

// Exception is a site host that is never purged.
type Exception struct {
	SiteHost  string
	Reason    string
	IsDefault bool
}

// AuditEntry is a recorded administrative action such as a clear.
type AuditEntry struct {
	Action string
	Detail string
	Time   time.Time
}

// Stats holds aggregate statistics about the persisted state.
type Stats struct {
	Activations       int64
	Candidates        int64
	StatefulBounces   int64
	Purged            int64
	PurgeFailures     int64
	Exceptions        int64
	OldestCandidate   time.Time
	LastPurge         time.Time
	DatabaseSizeBytes int64
	TopPurged         []HostCount
}

// HostCount pairs a site host with how often it was purged.
type HostCount struct {
	SiteHost string
	Count    int64
}
