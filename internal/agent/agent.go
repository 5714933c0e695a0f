// Package agent runs one role-scoped conversation with the model backend as
// a bounded tool-calling state machine. A session always terminates with a
// unified diff, the NO_CHANGES sentinel, or a typed error — never by looping
// unboundedly.
package agent

import "strings"

// Role determines the tool-permission set and whether tools are offered at
// all (the judge never calls tools).
type Role string

// The three run roles.
const (
	RoleBuilder  Role = "builder"
	RoleReviewer Role = "reviewer"
	RoleJudge    Role = "judge"
)

// NoChanges is the sentinel a model emits when it has no patch to propose.
const NoChanges = "NO_CHANGES"

// Permissions maps each role to its ordered set of tool names. It is
// immutable for the life of a run and enforced on every invocation attempt.
type Permissions map[Role][]string

// DefaultPermissions is the standard role→tool mapping: builders get the full
// catalogue, reviewers get read-only diff and symbol lookups, judges nothing.
func DefaultPermissions() Permissions {
	return Permissions{
		RoleBuilder: {
			"search_files", "open_file", "view_diff", "write_file",
			"run_tests", "last_test_report", "get_coverage", "list_tests",
			"get_symbols", "get_interface", "get_dependencies",
			"semantic_search", "explain_error",
		},
		RoleReviewer: {"view_diff", "get_symbols", "get_interface"},
		RoleJudge:    {},
	}
}

// Allows reports whether the role may invoke the named tool.
func (p Permissions) Allows(role Role, tool string) bool {
	for _, t := range p[role] {
		if t == tool {
			return true
		}
	}
	return false
}

// Session holds the transient state of one runtime invocation: accumulated
// context, per-tool counters, and the step count bounded by the hard cap.
// It is destroyed when the runtime returns.
type Session struct {
	Role    Role
	Steps   int
	Counts  map[string]int // per-tool invocation counters
	context strings.Builder
}

// NewSession creates a session seeded with the initial context.
func NewSession(role Role, initial string) *Session {
	s := &Session{Role: role, Counts: make(map[string]int)}
	s.context.WriteString(initial)
	return s
}

// Context returns the accumulated conversation context.
func (s *Session) Context() string { return s.context.String() }

// Append adds a labelled section to the context. Tool results are appended in
// dispatch order, so the next model call always sees all prior results.
func (s *Session) Append(label, body string) {
	s.context.WriteString("\n\n[")
	s.context.WriteString(label)
	s.context.WriteString("]\n")
	s.context.WriteString(body)
}

// Count increments and returns the counter for the named tool.
func (s *Session) Count(tool string) int {
	s.Counts[tool]++
	return s.Counts[tool]
}

// ResultKind classifies a session's terminal state.
type ResultKind int

// Terminal states: a valid diff, the sentinel, or a typed error.
const (
	ResultDiff ResultKind = iota
	ResultNoChanges
	ResultError
)

func (k ResultKind) String() string {
	switch k {
	case ResultDiff:
		return "diff"
	case ResultNoChanges:
		return "no_changes"
	default:
		return "error"
	}
}

// Result is the terminal outcome of one session.
type Result struct {
	Kind ResultKind
	Diff string // unified diff text when Kind == ResultDiff
	Err  *SessionError
}

// Text renders the result as the raw candidate-patch text the pool collects:
// a diff, the NO_CHANGES sentinel, or an error marker.
func (r Result) Text() string {
	switch r.Kind {
	case ResultDiff:
		return r.Diff
	case ResultError:
		return "ERROR: " + r.Err.Error()
	default:
		return NoChanges
	}
}
