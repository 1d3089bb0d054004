// Package fanout tracks which viewers are bound to which scope and tells
// them, without payload, when their scope's session list changed.
//
// A viewer is one logical binding (one scope, fixed for its lifetime). A
// viewer may have several subscriptions, one per wire connection a
// transport chooses to open for it. Cues are coalesced per subscription: a
// subscription holds at most one undrained cue.
package fanout

import (
	"errors"
	"log/slog"
	"slices"
	"sync"

	"github.com/thinkwatch/backend/internal/resource"
	"github.com/thinkwatch/backend/internal/session"
)

// ErrNotBound is returned by Subscribe for a viewer that has no binding.
var ErrNotBound = errors.New("viewer not bound")

// Binding is the association of a viewer with its scope.
type Binding struct {
	ViewerID string
	ScopeKey string
	URI      string
}

// Resource is a scope's addressable session list, materialized the first
// time a viewer binds to the scope.
type Resource struct {
	URI      string
	ScopeKey string
}

type viewer struct {
	id    string
	scope string
	subs  map[*Subscription]struct{}
}

type scopeEntry struct {
	uri     string
	viewers map[string]*viewer
}

type Hub struct {
	mu      sync.RWMutex
	viewers map[string]*viewer
	scopes  map[string]*scopeEntry
	logger  *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		viewers: make(map[string]*viewer),
		scopes:  make(map[string]*scopeEntry),
		logger:  logger,
	}
}

// Bind associates viewerID with scopeKey. Binding the same pair again is a
// no-op. A viewer already bound to another scope gets a
// *session.ScopeMismatchError and its binding is left unchanged.
func (h *Hub) Bind(viewerID, scopeKey string) (Binding, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if v, ok := h.viewers[viewerID]; ok {
		if v.scope != scopeKey {
			return Binding{}, &session.ScopeMismatchError{ViewerID: viewerID, Bound: v.scope, Offered: scopeKey}
		}
		return Binding{ViewerID: viewerID, ScopeKey: scopeKey, URI: h.scopes[scopeKey].uri}, nil
	}

	entry, ok := h.scopes[scopeKey]
	if !ok {
		entry = &scopeEntry{
			uri:     resource.URI(scopeKey),
			viewers: make(map[string]*viewer),
		}
		h.scopes[scopeKey] = entry
		h.logger.Debug("scope resource materialized", "uri", entry.uri)
	}

	v := &viewer{id: viewerID, scope: scopeKey, subs: make(map[*Subscription]struct{})}
	h.viewers[viewerID] = v
	entry.viewers[viewerID] = v
	return Binding{ViewerID: viewerID, ScopeKey: scopeKey, URI: entry.uri}, nil
}

// Lookup returns the binding of viewerID, if any.
func (h *Hub) Lookup(viewerID string) (Binding, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	v, ok := h.viewers[viewerID]
	if !ok {
		return Binding{}, false
	}
	return Binding{ViewerID: viewerID, ScopeKey: v.scope, URI: h.scopes[v.scope].uri}, true
}

// Unbind removes a viewer and closes all of its subscriptions. The scope's
// resource stays materialized.
func (h *Hub) Unbind(viewerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	v, ok := h.viewers[viewerID]
	if !ok {
		return
	}
	for sub := range v.subs {
		delete(v.subs, sub)
		close(sub.c)
	}
	delete(h.viewers, viewerID)
	delete(h.scopes[v.scope].viewers, viewerID)
}

// Subscribe opens a cue channel for one connection of a bound viewer.
func (h *Hub) Subscribe(viewerID string) (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	v, ok := h.viewers[viewerID]
	if !ok {
		return nil, ErrNotBound
	}
	c := make(chan struct{}, 1)
	sub := &Subscription{C: c, c: c, viewer: v, hub: h}
	v.subs[sub] = struct{}{}
	return sub, nil
}

// Notify cues every subscription of every viewer bound to scopeKey. It never
// blocks; a subscription that has not drained its previous cue keeps exactly
// one pending. Returns the number of subscriptions in the scope.
func (h *Hub) Notify(scopeKey string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	entry, ok := h.scopes[scopeKey]
	if !ok {
		return 0
	}
	n := 0
	for _, v := range entry.viewers {
		for sub := range v.subs {
			select {
			case sub.c <- struct{}{}:
			default:
			}
			n++
		}
	}
	h.logger.Debug("scope changed", "uri", entry.uri, "subscriptions", n)
	return n
}

// Resources returns every materialized scope resource, ordered by URI.
func (h *Hub) Resources() []Resource {
	h.mu.RLock()
	result := make([]Resource, 0, len(h.scopes))
	for scope, entry := range h.scopes {
		result = append(result, Resource{URI: entry.uri, ScopeKey: scope})
	}
	h.mu.RUnlock()

	slices.SortFunc(result, func(a, b Resource) int {
		switch {
		case a.URI < b.URI:
			return -1
		case a.URI > b.URI:
			return 1
		}
		return 0
	})
	return result
}

func (h *Hub) ViewerCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.viewers)
}

// ScopeViewerCount returns the number of viewers bound to scopeKey.
func (h *Hub) ScopeViewerCount(scopeKey string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	entry, ok := h.scopes[scopeKey]
	if !ok {
		return 0
	}
	return len(entry.viewers)
}

// SubscriberCount returns the number of open subscriptions in scopeKey.
func (h *Hub) SubscriberCount(scopeKey string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	entry, ok := h.scopes[scopeKey]
	if !ok {
		return 0
	}
	n := 0
	for _, v := range entry.viewers {
		n += len(v.subs)
	}
	return n
}

// Subscription is one connection's cue channel. C receives a value when the
// viewer's scope changed and is closed when the subscription or its viewer
// goes away.
type Subscription struct {
	C <-chan struct{}

	c      chan struct{}
	viewer *viewer
	hub    *Hub
}

// Close stops delivery to this subscription. Safe to call more than once and
// after the viewer was unbound.
func (s *Subscription) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	if _, ok := s.viewer.subs[s]; !ok {
		return
	}
	delete(s.viewer.subs, s)
	close(s.c)
}
