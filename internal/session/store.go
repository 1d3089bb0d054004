package session

import (
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// CreateParams carries the fields of a new session. ID is optional; when set
// it acts as an idempotency key within ScopeKey.
type CreateParams struct {
	ID        string
	Title     string
	Platform  Platform
	Project   string
	GitBranch string
	ScopeKey  string
}

// Registry is the authoritative in-memory map of sessions. It is built once
// per process and injected where needed. All methods are safe for concurrent
// use and return copies, never the stored records.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	nextSeq  uint64
	now      func() time.Time
	newID    func() string
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock replaces time.Now as the registry's time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithIDGenerator replaces the UUID generator used for sessions created
// without a caller-supplied id.
func WithIDGenerator(fn func() string) Option {
	return func(r *Registry) { r.newID = fn }
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		sessions: make(map[string]*Session),
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create allocates a session started now. Re-supplying an existing id within
// the same scope returns the stored record unchanged with created=false; the
// same id under another scope fails with *DuplicateIDError.
func (r *Registry) Create(p CreateParams) (s *Session, created bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := p.ID
	if id != "" {
		if existing, ok := r.sessions[id]; ok {
			if existing.ScopeKey != p.ScopeKey {
				return nil, false, &DuplicateIDError{ID: id}
			}
			return existing.Clone(), false, nil
		}
	} else {
		for {
			id = r.newID()
			if _, taken := r.sessions[id]; !taken {
				break
			}
		}
	}

	r.nextSeq++
	st := &Session{
		ID:        id,
		Title:     p.Title,
		Platform:  p.Platform,
		Project:   p.Project,
		GitBranch: p.GitBranch,
		StartedAt: r.now(),
		ScopeKey:  p.ScopeKey,
		seq:       r.nextSeq,
	}
	r.sessions[id] = st
	return st.Clone(), true, nil
}

// End records the outcome of a session and clears any pending approval. A
// session that has already ended keeps its first outcome and changed is false.
func (r *Registry) End(id string, status Status, errMsg string) (s *Session, changed bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.sessions[id]
	if !ok {
		return nil, false, ErrUnknownSession
	}
	if st.Ended() {
		return st.Clone(), false, nil
	}

	now := r.now()
	st.EndedAt = &now
	st.Status = &status
	if status == StatusError {
		st.Error = errMsg
	}
	st.ApprovalPendingSince = nil
	return st.Clone(), true, nil
}

// MarkApprovalPending flags a running session as blocked on user approval.
// Ended sessions and sessions already pending are left untouched.
func (r *Registry) MarkApprovalPending(id string) (s *Session, changed bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.sessions[id]
	if !ok {
		return nil, false, ErrUnknownSession
	}
	if st.Ended() || st.ApprovalPending() {
		return st.Clone(), false, nil
	}

	now := r.now()
	st.ApprovalPendingSince = &now
	return st.Clone(), true, nil
}

// ClearApprovalPending removes the pending-approval mark if present.
func (r *Registry) ClearApprovalPending(id string) (s *Session, changed bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.sessions[id]
	if !ok {
		return nil, false, ErrUnknownSession
	}
	if !st.ApprovalPending() {
		return st.Clone(), false, nil
	}

	st.ApprovalPendingSince = nil
	return st.Clone(), true, nil
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	return st.Clone(), true
}

// List returns a snapshot of the sessions in scopeKey, most recently started
// first.
func (r *Registry) List(scopeKey string) []*Session {
	r.mu.RLock()
	result := make([]*Session, 0)
	for _, st := range r.sessions {
		if st.ScopeKey == scopeKey {
			result = append(result, st.Clone())
		}
	}
	r.mu.RUnlock()

	slices.SortFunc(result, func(a, b *Session) int {
		if c := b.StartedAt.Compare(a.StartedAt); c != 0 {
			return c
		}
		switch {
		case a.seq > b.seq:
			return -1
		case a.seq < b.seq:
			return 1
		}
		return 0
	})
	return result
}

// Prune removes ended sessions whose EndedAt is before cutoff and returns
// the removed records. Running sessions are never pruned.
func (r *Registry) Prune(cutoff time.Time) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []*Session
	for id, st := range r.sessions {
		if st.Ended() && st.EndedAt.Before(cutoff) {
			removed = append(removed, st.Clone())
			delete(r.sessions, id)
		}
	}
	return removed
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// ActiveCount returns the number of sessions that have not ended.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, st := range r.sessions {
		if !st.Ended() {
			count++
		}
	}
	return count
}
