package agent

import (
	"fmt"
	"time"
)

// ErrorKind tags a session error with its place in the run's error taxonomy.
type ErrorKind string

const (
	// ErrForbiddenTool is fatal to the session: a permission violation is a
	// correctness bug, not a transient condition, and is never retried.
	ErrForbiddenTool ErrorKind = "forbidden_tool"
	// ErrParse means the response was neither a diff, the sentinel, nor
	// parseable tool-call JSON.
	ErrParse ErrorKind = "parse_error"
	// ErrNoTool means a tool-call object was missing its tool field.
	ErrNoTool ErrorKind = "no_tool"
	// ErrUnknownTool means the named tool is not in the catalogue.
	ErrUnknownTool ErrorKind = "unknown_tool"
	// ErrAPI means the backend call failed after retries were exhausted.
	ErrAPI ErrorKind = "api_error"
	// ErrWorktree means the worker's isolated worktree could not be set up.
	ErrWorktree ErrorKind = "worktree_error"
	// ErrPanic means the worker goroutine panicked and its slot was recovered.
	ErrPanic ErrorKind = "worker_panic"
)

// SessionError is the typed terminal error of an agent session. Upstream it
// is surfaced as NO_CHANGES so the iteration can continue with other
// candidates; only forbidden_tool and api_error abort more than the slot.
type SessionError struct {
	Kind      ErrorKind
	Role      Role
	Message   string
	Timestamp time.Time
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("%s [%s]: %s", e.Kind, e.Role, e.Message)
}

// NewSessionError builds a timestamped session error. The pool uses it to tag
// slot failures that happen outside the model loop, like worktree setup.
func NewSessionError(kind ErrorKind, role Role, format string, args ...any) *SessionError {
	return &SessionError{
		Kind:      kind,
		Role:      role,
		Message:   fmt.Sprintf(format, args...),
		Timestamp: time.Now(),
	}
}
