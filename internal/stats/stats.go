// Package stats keeps per-scope aggregate counters derived from the session
// event stream. Counters live in memory only and reset with the process.
package stats

import (
	"context"
	"errors"
	"maps"
	"sync"
	"time"

	"github.com/thinkwatch/backend/internal/session"
)

// ErrBacklog is returned by Append when the tracker has fallen behind and
// the event was dropped.
var ErrBacklog = errors.New("stats event backlog full")

// Stats is one scope's aggregate view of its sessions.
type Stats struct {
	TotalSessions         int            `json:"total_sessions"`
	Active                int            `json:"active"`
	MaxConcurrentActive   int            `json:"max_concurrent_active"`
	SessionsPerPlatform   map[string]int `json:"sessions_per_platform"`
	Outcomes              map[string]int `json:"outcomes"`
	ApprovalsRequested    int            `json:"approvals_requested"`
	ApprovalsResolved     int            `json:"approvals_resolved"`
	TotalDurationSec      float64        `json:"total_duration_sec"`
	MaxSessionDurationSec float64        `json:"max_session_duration_sec"`
	LastStartedAt         *time.Time     `json:"last_started_at,omitempty"`
}

func newStats() *Stats {
	return &Stats{
		SessionsPerPlatform: make(map[string]int),
		Outcomes:            make(map[string]int),
	}
}

func (s *Stats) clone() *Stats {
	cp := *s
	cp.SessionsPerPlatform = maps.Clone(s.SessionsPerPlatform)
	cp.Outcomes = maps.Clone(s.Outcomes)
	if s.LastStartedAt != nil {
		t := *s.LastStartedAt
		cp.LastStartedAt = &t
	}
	return &cp
}

// Tracker observes lifecycle events and maintains Stats per scope. Events
// are queued by Append and applied by Run.
type Tracker struct {
	events chan session.Event

	mu      sync.Mutex
	scopes  map[string]*Stats
	started map[string]time.Time // running session id -> start time
}

func NewTracker() *Tracker {
	return &Tracker{
		events:  make(chan session.Event, 256),
		scopes:  make(map[string]*Stats),
		started: make(map[string]time.Time),
	}
}

// Append queues ev without blocking.
func (t *Tracker) Append(ev session.Event) error {
	select {
	case t.events <- ev:
		return nil
	default:
		return ErrBacklog
	}
}

// Run applies queued events until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-t.events:
			t.processEvent(ev)
		}
	}
}

// Stats returns a copy of the counters of scopeKey. Unknown scopes report
// zero counters.
func (t *Tracker) Stats(scopeKey string) *Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.scopes[scopeKey]; ok {
		return s.clone()
	}
	return newStats()
}

func (t *Tracker) processEvent(ev session.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.scopes[ev.Scope]
	if !ok {
		s = newStats()
		t.scopes[ev.Scope] = s
	}

	switch ev.Type {
	case session.EventStart:
		if _, running := t.started[ev.SessionID]; running {
			return
		}
		t.started[ev.SessionID] = ev.Time
		s.TotalSessions++
		s.Active++
		if s.Active > s.MaxConcurrentActive {
			s.MaxConcurrentActive = s.Active
		}
		s.SessionsPerPlatform[string(ev.Platform)]++
		at := ev.Time
		s.LastStartedAt = &at

	case session.EventEnd:
		startedAt, running := t.started[ev.SessionID]
		if !running {
			return
		}
		delete(t.started, ev.SessionID)
		s.Active--
		s.Outcomes[ev.Status]++
		dur := ev.Time.Sub(startedAt).Seconds()
		s.TotalDurationSec += dur
		if dur > s.MaxSessionDurationSec {
			s.MaxSessionDurationSec = dur
		}

	case session.EventCommandBefore:
		s.ApprovalsRequested++

	case session.EventCommandAfter:
		s.ApprovalsResolved++
	}
}
