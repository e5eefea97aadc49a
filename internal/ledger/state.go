package ledger

import (
	"sync"
	"time"
)

// State pairs the user activation and bounce candidate ledgers and keeps the
// invariant between them: user activation legitimizes a site, so it is no
// longer a candidate.
type State struct {
	Activations *Ledger
	Candidates  *Ledger

	// Grace lets an activation recorded shortly before a candidate still
	// clear it.
	Grace time.Duration

	// mu makes each check on one ledger and the write on the other a
	// single step.
	mu sync.Mutex
}

// NewState builds a State from two ledgers.
func NewState(activations, candidates *Ledger, grace time.Duration) *State {
	return &State{Activations: activations, Candidates: candidates, Grace: grace}
}

// RecordActivation records user activation on siteHost at t and drops a
// candidate entry for the same host unless the candidate is newer than t
// by more than the grace period.
func (s *State) RecordActivation(p Partition, siteHost string, t time.Time) Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.Activations.Record(p, siteHost, t)
	if c, ok := s.Candidates.Lookup(p, siteHost); ok && s.legitimizes(t, c) {
		s.Candidates.Remove(p, siteHost)
	}
	return e
}

// RecordCandidate records a bounce through siteHost at t. It is a no-op,
// returning false, when the host has any live activation.
func (s *State) RecordCandidate(p Partition, siteHost string, t time.Time, stateful bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Activations.Has(p, siteHost) {
		return false
	}
	s.Candidates.RecordEntry(Entry{Partition: p, SiteHost: siteHost, Time: t, Stateful: stateful})
	return true
}

// Legitimized reports whether candidate c has a qualifying activation.
func (s *State) Legitimized(c Entry) bool {
	a, ok := s.Activations.Lookup(c.Partition, c.SiteHost)
	return ok && s.legitimizes(a.Time, c)
}

// ClearAll empties both ledgers.
func (s *State) ClearAll() {
	s.Activations.ClearAll()
	s.Candidates.ClearAll()
}

// Clear empties both ledgers for the partitions matched by f.
func (s *State) Clear(f Filter) {
	s.Activations.Clear(f)
	s.Candidates.Clear(f)
}

// ClearSiteHost drops siteHost from both ledgers in every partition matched by f.
func (s *State) ClearSiteHost(siteHost string, f Filter) {
	match := func(e Entry) bool { return e.SiteHost == siteHost && f.Match(e.Partition) }
	s.Activations.RemoveWhere(match)
	s.Candidates.RemoveWhere(match)
}

// ClearTimeRange drops entries recorded in [from, to) from both ledgers.
// A zero to means no upper bound.
func (s *State) ClearTimeRange(from, to time.Time) {
	match := func(e Entry) bool {
		if e.Time.Before(from) {
			return false
		}
		return to.IsZero() || e.Time.Before(to)
	}
	s.Activations.RemoveWhere(match)
	s.Candidates.RemoveWhere(match)
}

func (s *State) legitimizes(activation time.Time, candidate Entry) bool {
	return !activation.Before(candidate.Time.Add(-s.Grace))
}
