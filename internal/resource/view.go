package resource

import (
	"time"

	"github.com/thinkwatch/backend/internal/session"
)

// Derived view status values. They are computed at read time and never
// stored on the session.
const (
	StatusInProgress = "in_progress"
	StatusDone       = "done"
)

// View is the wire shape of one session as served to viewers.
type View struct {
	ID                   string           `json:"id"`
	Title                string           `json:"title"`
	StartedAt            time.Time        `json:"started_at"`
	EndedAt              *time.Time       `json:"ended_at,omitempty"`
	Platform             session.Platform `json:"platform"`
	Project              string           `json:"project,omitempty"`
	GitBranch            string           `json:"git_branch,omitempty"`
	ApprovalPendingSince *time.Time       `json:"approval_pending_since,omitempty"`
	Status               string           `json:"status"`
	Outcome              string           `json:"outcome,omitempty"`
	Error                string           `json:"error,omitempty"`
}

// NewView converts a registry snapshot to its wire shape. s must be a copy
// owned by the caller; its pointer fields are shared with the view.
func NewView(s *session.Session) View {
	v := View{
		ID:                   s.ID,
		Title:                s.Title,
		StartedAt:            s.StartedAt,
		EndedAt:              s.EndedAt,
		Platform:             s.Platform,
		Project:              s.Project,
		GitBranch:            s.GitBranch,
		ApprovalPendingSince: s.ApprovalPendingSince,
		Status:               StatusInProgress,
		Error:                s.Error,
	}
	if s.Ended() {
		v.Status = StatusDone
	}
	if s.Status != nil {
		v.Outcome = s.Status.String()
	}
	return v
}
