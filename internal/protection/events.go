package protection

import (
	"errors"
	"time"

	"github.com/runnerr0/bounceguard/internal/classifier"
	"github.com/runnerr0/bounceguard/internal/ledger"
)

// ErrInvalidEvent is returned for events the engine cannot interpret.
var ErrInvalidEvent = errors.New("invalid event")

// NavigationEvent is a navigation as reported by the embedding browser.
// For start_navigation, URL is the initiating page and may be empty to mean
// the tab's current page. For server_redirect it is the redirecting URL and
// for document_loaded the committed document.
type NavigationEvent struct {
	TabID           string          `json:"tab_id" yaml:"tab_id"`
	Kind            classifier.Kind `json:"kind" yaml:"kind"`
	URL             string          `json:"url" yaml:"url"`
	UserGesture     bool            `json:"user_gesture" yaml:"user_gesture"`
	Time            time.Time       `json:"time,omitempty" yaml:"time,omitempty"`
	UserContextID   uint32          `json:"user_context_id,omitempty" yaml:"user_context_id,omitempty"`
	PrivateBrowsing bool            `json:"private_browsing,omitempty" yaml:"private_browsing,omitempty"`
}

// Partition returns the event's ledger partition.
func (e NavigationEvent) Partition() ledger.Partition {
	return ledger.Partition{UserContextID: e.UserContextID, PrivateBrowsing: e.PrivateBrowsing}
}

// PageEvent is a user activation or storage access on the page at URL.
type PageEvent struct {
	TabID           string    `json:"tab_id,omitempty" yaml:"tab_id,omitempty"`
	URL             string    `json:"url" yaml:"url"`
	Time            time.Time `json:"time,omitempty" yaml:"time,omitempty"`
	UserContextID   uint32    `json:"user_context_id,omitempty" yaml:"user_context_id,omitempty"`
	PrivateBrowsing bool      `json:"private_browsing,omitempty" yaml:"private_browsing,omitempty"`
}

// Partition returns the event's ledger partition.
func (e PageEvent) Partition() ledger.Partition {
	return ledger.Partition{UserContextID: e.UserContextID, PrivateBrowsing: e.PrivateBrowsing}
}

// HostEntry is a ledger entry as returned by the inspection API.
type HostEntry struct {
	SiteHost string    `json:"site_host"`
	Time     time.Time `json:"time"`
}

func hostEntries(entries []ledger.Entry) []HostEntry {
	out := make([]HostEntry, len(entries))
	for i, e := range entries {
		out[i] = HostEntry{SiteHost: e.SiteHost, Time: e.Time}
	}
	return out
}
