// Package classifier follows each tab's navigations, detects bounces and
// turns bounce hosts without user activation into candidates.
package classifier

import (
	"log/slog"
	"sync"
	"time"

	"github.com/runnerr0/bounceguard/internal/ledger"
)

// State is the per-tab classifier state.
type State int

const (
	StateIdle State = iota
	StateExtendedNavigation
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateExtendedNavigation:
		return "extended_navigation"
	default:
		return "unknown"
	}
}

// Kind is the type of a navigation event.
type Kind string

const (
	// StartNavigation is a tab starting a new navigation. SiteHost is the
	// initiating page's host; empty means the tab's current host.
	StartNavigation Kind = "start_navigation"
	// ServerRedirect is a 3xx response; SiteHost is the redirecting host.
	ServerRedirect Kind = "server_redirect"
	// DocumentLoaded is a top-level document committing; SiteHost is its host.
	DocumentLoaded Kind = "document_loaded"
)

// Event is a normalized navigation event for one tab.
type Event struct {
	Kind        Kind
	TabID       string
	Partition   ledger.Partition
	SiteHost    string
	UserGesture bool
	Time        time.Time
}

// Settings tune candidate selection.
type Settings struct {
	// RequireStatefulBounces only classifies bounce hosts that accessed
	// storage during the extended navigation.
	RequireStatefulBounces bool
	// ClientBounceDetection is how long after a document load a navigation
	// without user gesture still counts as a client-side bounce. Later
	// navigations end the extended navigation like a user navigation does.
	// Zero treats every navigation without gesture as a bounce.
	ClientBounceDetection time.Duration
}

// Result describes an evaluated extended navigation.
type Result struct {
	TabID      string
	Partition  ledger.Partition
	Record     *Record
	Candidates []string
	Time       time.Time
}

// IdleFunc is called after every evaluated extended navigation, i.e. on each
// transition back to idle.
type IdleFunc func(Result)

type tab struct {
	mu          sync.Mutex
	partition   ledger.Partition
	state       State
	currentHost string
	loadedAt    time.Time
	record      *Record
	closed      bool
}

// Classifier tracks tabs. Events of one tab are applied in order; different
// tabs are processed concurrently.
type Classifier struct {
	state    *ledger.State
	settings Settings
	logger   *slog.Logger
	onIdle   IdleFunc

	mu   sync.Mutex
	tabs map[string]*tab
}

// New creates a classifier recording into state.
func New(state *ledger.State, settings Settings, logger *slog.Logger, onIdle IdleFunc) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{
		state:    state,
		settings: settings,
		logger:   logger,
		onIdle:   onIdle,
		tabs:     make(map[string]*tab),
	}
}

func (c *Classifier) tab(id string, p ledger.Partition) *tab {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tabs[id]
	if !ok {
		t = &tab{partition: p}
		c.tabs[id] = t
	}
	return t
}

// TabState returns the state of tabID and whether the tab is known.
func (c *Classifier) TabState(tabID string) (State, bool) {
	c.mu.Lock()
	t, ok := c.tabs[tabID]
	c.mu.Unlock()
	if !ok {
		return StateIdle, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state, true
}

// CurrentRecord returns a copy of the tab's in-flight record, or nil.
func (c *Classifier) CurrentRecord(tabID string) *Record {
	c.mu.Lock()
	t, ok := c.tabs[tabID]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.record == nil {
		return nil
	}
	return t.record.clone()
}

// Handle applies a navigation event.
func (c *Classifier) Handle(ev Event) {
	t := c.tab(ev.TabID, ev.Partition)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}

	switch ev.Kind {
	case StartNavigation:
		initiator := ev.SiteHost
		if initiator == "" {
			initiator = t.currentHost
		}
		if !ev.UserGesture && t.record != nil && c.withinClientBounceWindow(t, ev.Time) {
			// Client-side bounce: the current page navigated away on its own.
			t.record.addBounceHost(initiator)
			t.state = StateExtendedNavigation
			c.logger.Debug("client bounce", "tab", ev.TabID, "record", t.record.String())
			return
		}
		if t.record != nil {
			c.evaluate(ev.TabID, t.partition, t.record, ev.Time)
		}
		t.record = newRecord(initiator)
		t.state = StateIdle

	case ServerRedirect:
		if t.record == nil {
			t.record = newRecord(t.currentHost)
		}
		t.record.addBounceHost(ev.SiteHost)
		t.state = StateExtendedNavigation
		c.logger.Debug("server bounce", "tab", ev.TabID, "record", t.record.String())

	case DocumentLoaded:
		t.currentHost = ev.SiteHost
		t.loadedAt = ev.Time
		if t.record != nil {
			t.record.FinalHost = ev.SiteHost
		}

	default:
		c.logger.Debug("ignoring unknown navigation event", "kind", string(ev.Kind), "tab", ev.TabID)
	}
}

// StorageAccess notes that siteHost accessed storage in tabID.
func (c *Classifier) StorageAccess(tabID string, p ledger.Partition, siteHost string) {
	t := c.tab(tabID, p)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.record != nil {
		t.record.addStorageAccessHost(siteHost)
	}
}

// UserActivation records user activation on siteHost. tabID may be empty
// when the activation is not tied to a tab.
func (c *Classifier) UserActivation(tabID string, p ledger.Partition, siteHost string, at time.Time) {
	c.state.RecordActivation(p, siteHost, at)
	if tabID == "" {
		return
	}
	t := c.tab(tabID, p)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.record != nil {
		t.record.addUserActivationHost(siteHost)
	}
}

// CloseTab drops the tab's state. An unfinished extended navigation is
// discarded; candidates recorded earlier stay valid.
func (c *Classifier) CloseTab(tabID string) {
	c.mu.Lock()
	t, ok := c.tabs[tabID]
	delete(c.tabs, tabID)
	c.mu.Unlock()
	if !ok {
		return
	}
	t.mu.Lock()
	t.closed = true
	t.record = nil
	t.state = StateIdle
	t.mu.Unlock()
}

func (c *Classifier) withinClientBounceWindow(t *tab, at time.Time) bool {
	if c.settings.ClientBounceDetection <= 0 || t.loadedAt.IsZero() {
		return true
	}
	return at.Sub(t.loadedAt) <= c.settings.ClientBounceDetection
}

// evaluate classifies the bounce hosts of a finished record.
func (c *Classifier) evaluate(tabID string, p ledger.Partition, rec *Record, at time.Time) {
	var candidates []string
	for _, host := range rec.Bounces() {
		if host == rec.InitialHost || host == rec.FinalHost {
			continue
		}
		_, stateful := rec.StorageAccessHosts[host]
		if c.settings.RequireStatefulBounces && !stateful {
			continue
		}
		if c.state.RecordCandidate(p, host, at, stateful) {
			candidates = append(candidates, host)
		}
	}

	c.logger.Debug("extended navigation finished",
		"tab", tabID, "record", rec.String(), "candidates", candidates)

	if c.onIdle != nil {
		c.onIdle(Result{
			TabID:      tabID,
			Partition:  p,
			Record:     rec,
			Candidates: candidates,
			Time:       at,
		})
	}
}
