package session

import (
	"encoding/json"
	"fmt"
	"time"
)

// Platform tags the editor or agent a session originated from.
type Platform string

const (
	PlatformCursor     Platform = "cursor"
	PlatformVSCode     Platform = "vscode"
	PlatformWindsurf   Platform = "windsurf"
	PlatformClaudeCode Platform = "claude_code"
	PlatformCodex      Platform = "codex"
	PlatformZed        Platform = "zed"
)

var knownPlatforms = map[Platform]bool{
	PlatformCursor:     true,
	PlatformVSCode:     true,
	PlatformWindsurf:   true,
	PlatformClaudeCode: true,
	PlatformCodex:      true,
	PlatformZed:        true,
}

// ParsePlatform reports whether s names a known platform.
func ParsePlatform(s string) (Platform, bool) {
	p := Platform(s)
	return p, knownPlatforms[p]
}

// Platforms returns the known platform tags in a stable order.
func Platforms() []Platform {
	return []Platform{PlatformCursor, PlatformVSCode, PlatformWindsurf, PlatformClaudeCode, PlatformCodex, PlatformZed}
}

// Status is the outcome recorded when a session ends.
type Status int

const (
	StatusOK Status = iota
	StatusCancelled
	StatusError
)

var statusNames = map[Status]string{
	StatusOK:        "ok",
	StatusCancelled: "cancelled",
	StatusError:     "error",
}

var statusFromName = map[string]Status{
	"ok":        StatusOK,
	"cancelled": StatusCancelled,
	"error":     StatusError,
}

// ParseStatus maps a wire name to a Status.
func ParseStatus(s string) (Status, bool) {
	st, ok := statusFromName[s]
	return st, ok
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	v, ok := statusFromName[name]
	if !ok {
		return fmt.Errorf("unknown status %q", name)
	}
	*s = v
	return nil
}

// Session is one tracked unit of assistant work. EndedAt and Status are set
// together; ApprovalPendingSince is always nil once EndedAt is set. ScopeKey
// never changes after creation.
type Session struct {
	ID                   string     `json:"id"`
	Title                string     `json:"title"`
	Platform             Platform   `json:"platform"`
	Project              string     `json:"project,omitempty"`
	GitBranch            string     `json:"git_branch,omitempty"`
	StartedAt            time.Time  `json:"started_at"`
	EndedAt              *time.Time `json:"ended_at,omitempty"`
	Status               *Status    `json:"status,omitempty"`
	Error                string     `json:"error,omitempty"`
	ApprovalPendingSince *time.Time `json:"approval_pending_since,omitempty"`
	ScopeKey             string     `json:"-"`

	seq uint64 // creation order, breaks StartedAt ties
}

// Clone returns a deep copy of the Session, duplicating pointer fields so the
// copy can be mutated independently of the original.
func (s *Session) Clone() *Session {
	c := *s
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	if s.Status != nil {
		st := *s.Status
		c.Status = &st
	}
	if s.ApprovalPendingSince != nil {
		t := *s.ApprovalPendingSince
		c.ApprovalPendingSince = &t
	}
	return &c
}

func (s *Session) Ended() bool {
	return s.EndedAt != nil
}

func (s *Session) ApprovalPending() bool {
	return s.ApprovalPendingSince != nil
}
