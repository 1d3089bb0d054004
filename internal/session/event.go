package session

import "time"

// EventType classifies session lifecycle events. The string values are the
// "type" field of the persisted event log.
type EventType string

const (
	EventStart         EventType = "start"          // session created
	EventEnd           EventType = "end"            // outcome recorded
	EventCommandBefore EventType = "command_before" // approval-gated action pending
	EventCommandAfter  EventType = "command_after"  // approval resolved
	EventPrune         EventType = "prune"          // removed by retention
)

// Event is an immutable record of one successful mutation. It is written for
// external inspection and never read back by the registry.
type Event struct {
	Type      EventType `json:"type"`
	Time      time.Time `json:"timestamp"`
	SessionID string    `json:"session_id"`
	Title     string    `json:"title,omitempty"`
	Platform  Platform  `json:"platform,omitempty"`
	Project   string    `json:"project,omitempty"`
	GitBranch string    `json:"git_branch,omitempty"`
	Status    string    `json:"status,omitempty"`
	Error     string    `json:"error,omitempty"`
	Scope     string    `json:"scope,omitempty"`
}

// NewEvent builds an event of the given type from a session snapshot.
func NewEvent(typ EventType, at time.Time, s *Session) Event {
	ev := Event{
		Type:      typ,
		Time:      at,
		SessionID: s.ID,
		Scope:     s.ScopeKey,
	}
	switch typ {
	case EventStart:
		ev.Title = s.Title
		ev.Platform = s.Platform
		ev.Project = s.Project
		ev.GitBranch = s.GitBranch
	case EventEnd:
		if s.Status != nil {
			ev.Status = s.Status.String()
		}
		ev.Error = s.Error
	}
	return ev
}
