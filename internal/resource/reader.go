// Package resource answers "give me the current session list" for a viewer
// scope. Every scope is addressable as one resource URI; reads are
// snapshots and never fail for scopes the process has not seen.
package resource

import (
	"encoding/json"
	"strings"
	"sync/atomic"

	"github.com/thinkwatch/backend/internal/session"
)

const (
	uriPrefix = "thinkwatch://sessions/"

	// MimeType is the content type of a serialized session list.
	MimeType = "application/json"
)

// URI returns the resource URI of a scope. Scope keys are already digests, so
// the URI reveals nothing about the credential behind it.
func URI(scopeKey string) string {
	return uriPrefix + scopeKey
}

// ScopeFromURI extracts the scope key from a resource URI.
func ScopeFromURI(uri string) (string, bool) {
	scope, ok := strings.CutPrefix(uri, uriPrefix)
	if !ok || scope == "" {
		return "", false
	}
	return scope, true
}

// Reader serves scoped, privacy-filtered session lists from a registry.
type Reader struct {
	registry *session.Registry
	privacy  atomic.Pointer[PrivacyFilter]
}

func NewReader(registry *session.Registry, privacy *PrivacyFilter) *Reader {
	r := &Reader{registry: registry}
	r.SetPrivacy(privacy)
	return r
}

// SetPrivacy swaps the privacy filter used by subsequent reads and reports
// whether reads may now differ. A nil filter disables filtering.
func (r *Reader) SetPrivacy(f *PrivacyFilter) bool {
	if f == nil {
		f = &PrivacyFilter{}
	}
	return !r.privacy.Swap(f).Equal(f)
}

// Sessions returns the views of every session in scopeKey, most recently
// started first. Unknown scopes yield an empty, non-nil slice.
func (r *Reader) Sessions(scopeKey string) []View {
	sessions := r.registry.List(scopeKey)
	views := make([]View, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, NewView(s))
	}
	if f := r.privacy.Load(); !f.IsNoop() {
		views = f.FilterSlice(views)
	}
	return views
}

// Read returns the JSON-encoded session list of scopeKey.
func (r *Reader) Read(scopeKey string) ([]byte, error) {
	return json.Marshal(r.Sessions(scopeKey))
}
