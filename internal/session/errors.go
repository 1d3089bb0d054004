package session

import (
	"errors"
	"fmt"
)

// ErrUnknownSession is returned by Registry mutations for an id that was
// never created. Callers of the lifecycle API treat it as a no-op.
var ErrUnknownSession = errors.New("unknown session")

// ValidationError reports malformed input to a lifecycle operation. The
// registry is never touched when one is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// DuplicateIDError is returned when a caller-supplied session id already
// belongs to a session in a different scope.
type DuplicateIDError struct {
	ID string
}

func (e *DuplicateIDError) Error() string {
	return fmt.Sprintf("session id %q is already in use", e.ID)
}

// ScopeMismatchError is returned when a viewer that is already bound to one
// scope presents credentials for another.
type ScopeMismatchError struct {
	ViewerID string
	Bound    string
	Offered  string
}

func (e *ScopeMismatchError) Error() string {
	return fmt.Sprintf("viewer %s is bound to a different scope", e.ViewerID)
}
