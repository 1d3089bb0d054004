package session

import (
	"crypto/sha256"
	"fmt"
)

// AnonymousScope is the scope of callers that present no credential.
const AnonymousScope = "anonymous"

// ScopeKey derives the opaque scope key for a shared-secret credential. The
// credential itself is never stored or exposed.
func ScopeKey(credential string) string {
	if credential == "" {
		return AnonymousScope
	}
	return shortHash(credential)
}

// shortHash returns a truncated SHA-256 hex digest for an opaque identifier.
func shortHash(s string) string {
	h := sha256.Sum256([]byte(s))
	return fmt.Sprintf("%x", h[:8])
}
