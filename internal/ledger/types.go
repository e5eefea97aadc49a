package ledger

import (
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// Kind names the ledger an entry belongs to.
type Kind string

const (
	KindActivation Kind = "user_activation"
	KindCandidate  Kind = "bounce_candidate"
)

// Partition separates state the way origin attributes do in the browser:
// containers and private browsing never share ledger entries.
type Partition struct {
	UserContextID   uint32
	PrivateBrowsing bool
}

// String returns the origin attribute suffix form, "" for the default
// partition, otherwise e.g. "^privateBrowsingId=1&userContextId=2".
func (p Partition) String() string {
	v := url.Values{}
	if p.PrivateBrowsing {
		v.Set("privateBrowsingId", "1")
	}
	if p.UserContextID != 0 {
		v.Set("userContextId", strconv.FormatUint(uint64(p.UserContextID), 10))
	}
	if len(v) == 0 {
		return ""
	}
	return "^" + v.Encode()
}

// ParsePartition is the inverse of Partition.String.
func ParsePartition(suffix string) (Partition, error) {
	var p Partition
	if suffix == "" {
		return p, nil
	}
	if suffix[0] != '^' {
		return p, fmt.Errorf("invalid partition suffix %q", suffix)
	}
	v, err := url.ParseQuery(suffix[1:])
	if err != nil {
		return p, fmt.Errorf("invalid partition suffix %q: %w", suffix, err)
	}
	if pb := v.Get("privateBrowsingId"); pb != "" && pb != "0" {
		p.PrivateBrowsing = true
	}
	if uc := v.Get("userContextId"); uc != "" {
		n, err := strconv.ParseUint(uc, 10, 32)
		if err != nil {
			return p, fmt.Errorf("invalid userContextId %q: %w", uc, err)
		}
		p.UserContextID = uint32(n)
	}
	return p, nil
}

// Filter selects partitions. Nil fields match anything, so Filter{} matches
// every entry.
type Filter struct {
	UserContextID   *uint32
	PrivateBrowsing *bool
}

// Match reports whether p is selected by f.
func (f Filter) Match(p Partition) bool {
	if f.UserContextID != nil && *f.UserContextID != p.UserContextID {
		return false
	}
	if f.PrivateBrowsing != nil && *f.PrivateBrowsing != p.PrivateBrowsing {
		return false
	}
	return true
}

// ForPartition returns a filter that matches exactly p.
func ForPartition(p Partition) Filter {
	uc, pb := p.UserContextID, p.PrivateBrowsing
	return Filter{UserContextID: &uc, PrivateBrowsing: &pb}
}

// Entry is a single ledger row: a site host seen at Time in a partition.
type Entry struct {
	Partition Partition
	SiteHost  string
	Time      time.Time

	// Stateful is set on candidates whose bounce accessed storage.
	Stateful bool
}

type key struct {
	partition Partition
	siteHost  string
}

func keyOf(e Entry) key {
	return key{partition: e.Partition, siteHost: e.SiteHost}
}
