// Package lifecycle is the mutating API external agents call: start, end and
// the two approval marks. It validates input, applies the change to the
// registry, appends to the event log and cues the affected scope's viewers.
package lifecycle

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/thinkwatch/backend/internal/session"
)

// Ack is the acknowledgement returned by every operation except start.
const Ack = "ok"

// Notifier is told which scope changed after every successful mutation.
type Notifier interface {
	Notify(scopeKey string) int
}

// EventSink receives one event per successful mutation.
type EventSink interface {
	Append(ev session.Event) error
}

// Sinks delivers each event to every sink in order and joins their errors.
type Sinks []EventSink

func (ss Sinks) Append(ev session.Event) error {
	var errs []error
	for _, sink := range ss {
		if err := sink.Append(ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type StartRequest struct {
	Title     string `json:"title"`
	Platform  string `json:"platform"`
	Project   string `json:"project,omitempty"`
	GitBranch string `json:"git_branch,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

type EndRequest struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// Service serializes all mutations so that, per session, the event log and
// the cues viewers receive follow the order in which calls were made.
type Service struct {
	mu       sync.Mutex
	registry *session.Registry
	notifier Notifier
	events   EventSink
	logger   *slog.Logger
	now      func() time.Time
}

func NewService(registry *session.Registry, notifier Notifier, events EventSink, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		registry: registry,
		notifier: notifier,
		events:   events,
		logger:   logger,
		now:      time.Now,
	}
}

// StartSession creates a session in scope and returns its id. Repeating a
// start with the same session id in the same scope returns the id without
// creating anything.
func (s *Service) StartSession(scope string, req StartRequest) (string, error) {
	platform, err := validateStart(req)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st, created, err := s.registry.Create(session.CreateParams{
		ID:        req.SessionID,
		Title:     req.Title,
		Platform:  platform,
		Project:   req.Project,
		GitBranch: req.GitBranch,
		ScopeKey:  scope,
	})
	if err != nil {
		var dup *session.DuplicateIDError
		if errors.As(err, &dup) {
			s.logger.Warn("session id collides with another scope", "session_id", req.SessionID)
		}
		return "", err
	}
	if !created {
		s.logger.Debug("duplicate start ignored", "session_id", st.ID)
		return st.ID, nil
	}

	s.logger.Info("session started", "session_id", st.ID, "platform", st.Platform, "project", st.Project)
	s.commit(session.NewEvent(session.EventStart, st.StartedAt, st), scope)
	return st.ID, nil
}

// EndSession records the outcome of a session. Unknown ids are a no-op.
func (s *Service) EndSession(scope string, req EndRequest) (string, error) {
	status, err := validateEnd(req)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.owned(scope, req.SessionID) {
		return Ack, nil
	}
	st, changed, err := s.registry.End(req.SessionID, status, req.Error)
	if err != nil {
		return s.unknown(req.SessionID, err)
	}
	if !changed {
		s.logger.Debug("session already ended", "session_id", st.ID)
		return Ack, nil
	}

	s.logger.Info("session ended", "session_id", st.ID, "status", status.String())
	s.commit(session.NewEvent(session.EventEnd, *st.EndedAt, st), scope)
	return Ack, nil
}

// MarkBeforeApproval flags a session as waiting on user approval for a gated
// action. Unknown or ended sessions are a no-op.
func (s *Service) MarkBeforeApproval(scope, sessionID string) (string, error) {
	if err := validateSessionID(sessionID, true); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.owned(scope, sessionID) {
		return Ack, nil
	}
	st, changed, err := s.registry.MarkApprovalPending(sessionID)
	if err != nil {
		return s.unknown(sessionID, err)
	}
	if changed {
		s.logger.Debug("approval pending", "session_id", st.ID)
		s.commit(session.NewEvent(session.EventCommandBefore, *st.ApprovalPendingSince, st), scope)
	}
	return Ack, nil
}

// MarkAfterApproval clears a pending approval. Unknown sessions are a no-op.
func (s *Service) MarkAfterApproval(scope, sessionID string) (string, error) {
	if err := validateSessionID(sessionID, true); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.owned(scope, sessionID) {
		return Ack, nil
	}
	st, changed, err := s.registry.ClearApprovalPending(sessionID)
	if err != nil {
		return s.unknown(sessionID, err)
	}
	if changed {
		s.logger.Debug("approval resolved", "session_id", st.ID)
		s.commit(session.NewEvent(session.EventCommandAfter, s.now(), st), scope)
	}
	return Ack, nil
}

// Prune drops ended sessions that ended before cutoff and cues every scope
// that lost a session. Returns the number of sessions removed.
func (s *Service) Prune(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := s.registry.Prune(cutoff)
	if len(removed) == 0 {
		return 0
	}

	now := s.now()
	scopes := make(map[string]bool)
	for _, st := range removed {
		s.appendEvent(session.NewEvent(session.EventPrune, now, st))
		scopes[st.ScopeKey] = true
	}
	for scope := range scopes {
		s.notifier.Notify(scope)
	}
	s.logger.Info("pruned ended sessions", "count", len(removed), "scopes", len(scopes))
	return len(removed)
}

// owned reports whether id exists in scope. Sessions of other scopes are
// treated exactly like unknown ids so callers cannot discover them.
func (s *Service) owned(scope, id string) bool {
	st, ok := s.registry.Get(id)
	if !ok || st.ScopeKey != scope {
		s.logger.Debug("ignoring unknown session", "session_id", id)
		return false
	}
	return true
}

func (s *Service) unknown(id string, err error) (string, error) {
	if errors.Is(err, session.ErrUnknownSession) {
		s.logger.Debug("ignoring unknown session", "session_id", id)
		return Ack, nil
	}
	return "", err
}

func (s *Service) commit(ev session.Event, scope string) {
	s.appendEvent(ev)
	s.notifier.Notify(scope)
}

func (s *Service) appendEvent(ev session.Event) {
	if s.events == nil {
		return
	}
	if err := s.events.Append(ev); err != nil {
		s.logger.Warn("event log append failed", "type", ev.Type, "session_id", ev.SessionID, "error", err)
	}
}
