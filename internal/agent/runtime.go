package agent

import (
	"context"
	"strings"
	"time"

	"github.com/adam-wheater/Forge-Cli-sub000/internal/budget"
	"github.com/adam-wheater/Forge-Cli-sub000/internal/llm"
	"github.com/adam-wheater/Forge-Cli-sub000/internal/telemetry"
)

// ErrBudget marks a session cut short by the budget guard. The controller's
// end-of-iteration check turns this into a run-fatal error.
const ErrBudget ErrorKind = "budget_exceeded"

// defaultMaxSteps is the hard iteration cap forcing a session to terminate
// with NO_CHANGES if no terminal state is reached first.
const defaultMaxSteps = 20

// Dispatcher executes catalogue tools on behalf of the runtime. The runtime
// performs the permission check before calling Dispatch, so a rejected call
// never reaches the tool and has no side effect.
type Dispatcher interface {
	// Known reports whether the tool name exists in the catalogue.
	Known(tool string) bool
	// Dispatch runs one tool call and returns its textual result. Quota
	// exhaustion is reported as an ordinary "limit reached" result, not an
	// error, so the model can adapt.
	Dispatch(ctx context.Context, sess *Session, call RawCall) (string, error)
	// Defs returns the machine-readable schema for the named tools, used by
	// the native function-calling transport.
	Defs(tools []string) []llm.ToolDef
}

// Runtime drives one agent session: AWAIT_MODEL → DISPATCH_TOOLS →
// AWAIT_MODEL until a terminal diff, NO_CHANGES, or error.
type Runtime struct {
	Backend   llm.Backend
	Tools     Dispatcher
	Budget    *budget.Guard
	Perms     Permissions
	MaxSteps  int  // 0 = defaultMaxSteps
	MaxTokens int  // per-call completion cap
	Native    bool // native function-calling transport instead of free-text JSON
	Debug     func(label, content string) // optional raw artifact sink
	Telemetry *telemetry.Emitter          // nil-safe; one event per model exchange
}

func (r *Runtime) maxSteps() int {
	if r.MaxSteps > 0 {
		return r.MaxSteps
	}
	return defaultMaxSteps
}

func (r *Runtime) debug(label, content string) {
	if r.Debug != nil {
		r.Debug(label, content)
	}
}

// Run executes a full session for the role, seeded with the system prompt
// plus the initial context string.
func (r *Runtime) Run(ctx context.Context, role Role, system, initial string) Result {
	sess := NewSession(role, initial)

	for sess.Steps = 0; sess.Steps < r.maxSteps(); sess.Steps++ {
		resp, err := r.awaitModel(ctx, role, system, sess)
		if err != nil {
			return Result{Kind: ResultError, Err: NewSessionError(ErrAPI, role, "%v", err)}
		}
		if err := r.Budget.Check(); err != nil {
			return Result{Kind: ResultError, Err: NewSessionError(ErrBudget, role, "%v", err)}
		}

		// Native transport: structured tool calls arrive out of band.
		if r.Native && len(resp.ToolCalls) > 0 {
			calls := make([]RawCall, 0, len(resp.ToolCalls))
			for _, tc := range resp.ToolCalls {
				calls = append(calls, RawCall{Tool: tc.Name, Args: []byte(tc.Arguments)})
			}
			if res, terminal := r.dispatchTools(ctx, sess, calls); terminal {
				return res
			}
			continue
		}

		if res, terminal := r.classify(ctx, sess, resp.Content); terminal {
			return res
		}
	}

	// Hard cap reached: the anti-infinite-loop guarantee.
	return Result{Kind: ResultNoChanges}
}

// RunText executes a session whose terminal output is free text rather than a
// diff. Tool calls are dispatched as in Run; the first response that is not a
// tool call ends the session. Used for the reviewer and judge roles, whose
// verdicts are parsed by the caller.
func (r *Runtime) RunText(ctx context.Context, role Role, system, initial string) (string, error) {
	sess := NewSession(role, initial)

	for sess.Steps = 0; sess.Steps < r.maxSteps(); sess.Steps++ {
		resp, err := r.awaitModel(ctx, role, system, sess)
		if err != nil {
			return "", NewSessionError(ErrAPI, role, "%v", err)
		}
		if err := r.Budget.Check(); err != nil {
			return "", NewSessionError(ErrBudget, role, "%v", err)
		}

		if r.Native && len(resp.ToolCalls) > 0 {
			calls := make([]RawCall, 0, len(resp.ToolCalls))
			for _, tc := range resp.ToolCalls {
				calls = append(calls, RawCall{Tool: tc.Name, Args: []byte(tc.Arguments)})
			}
			if res, terminal := r.dispatchTools(ctx, sess, calls); terminal {
				return "", res.Err
			}
			continue
		}

		if calls, ok := ParseToolCalls(resp.Content); ok {
			if res, terminal := r.dispatchTools(ctx, sess, calls); terminal {
				return "", res.Err
			}
			continue
		}
		return strings.TrimSpace(resp.Content), nil
	}

	return "", NewSessionError(ErrParse, role, "session ended without a text response after %d steps", r.maxSteps())
}

// Finalize makes a single model call whose prompt forbids further tool calls
// and accepts only a diff or the sentinel. Used for the forced finalization
// round when no worker produced a valid diff.
func (r *Runtime) Finalize(ctx context.Context, role Role, system, context_ string) Result {
	prompt := context_ + "\n\nRespond with ONLY a unified diff or the exact text " + NoChanges +
		". Tool calls are not available in this step."
	resp, err := r.awaitModelOnce(ctx, role, system, prompt)
	if err != nil {
		return Result{Kind: ResultError, Err: NewSessionError(ErrAPI, role, "%v", err)}
	}

	if IsDiff(resp.Content) {
		return Result{Kind: ResultDiff, Diff: strings.TrimSpace(resp.Content)}
	}
	if d, ok := ExtractDiff(resp.Content); ok {
		return Result{Kind: ResultDiff, Diff: d}
	}
	return Result{Kind: ResultNoChanges}
}

// awaitModel performs one AWAIT_MODEL step over the session's accumulated
// context, recording usage with the budget guard.
func (r *Runtime) awaitModel(ctx context.Context, role Role, system string, sess *Session) (llm.Response, error) {
	if r.Native {
		defs := r.Tools.Defs(r.Perms[role])
		resp, err := r.Backend.CompleteWithTools(ctx, system, sess.Context(), r.MaxTokens, defs)
		r.record(role, sess.Context(), resp, err)
		return resp, err
	}
	return r.awaitModelOnce(ctx, role, system, sess.Context())
}

func (r *Runtime) awaitModelOnce(ctx context.Context, role Role, system, user string) (llm.Response, error) {
	resp, err := r.Backend.Complete(ctx, system, user, r.MaxTokens)
	r.record(role, user, resp, err)
	return resp, err
}

func (r *Runtime) record(role Role, request string, resp llm.Response, err error) {
	r.debug(string(role)+"_request", request)
	if err != nil {
		r.debug(string(role)+"_error", err.Error())
		return
	}
	r.debug(string(role)+"_response", resp.Content)
	r.Budget.Add(budget.Usage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	})
	_ = r.Telemetry.Emit(telemetry.Event{
		Timestamp: time.Now(),
		Kind:      telemetry.KindModelExchange,
		Data: map[string]any{
			"role":             string(role),
			"promptTokens":     resp.Usage.PromptTokens,
			"completionTokens": resp.Usage.CompletionTokens,
		},
	})
}

// classify maps one free-text model response onto a state transition:
// terminal diff/sentinel, tool dispatch, diff extraction, or parse_error.
func (r *Runtime) classify(ctx context.Context, sess *Session, text string) (Result, bool) {
	trimmed := strings.TrimSpace(text)

	if IsDiff(trimmed) {
		return Result{Kind: ResultDiff, Diff: trimmed}, true
	}
	if trimmed == NoChanges {
		return Result{Kind: ResultNoChanges}, true
	}

	if calls, ok := ParseToolCalls(text); ok {
		return r.dispatchTools(ctx, sess, calls)
	}

	if d, ok := ExtractDiff(text); ok {
		return Result{Kind: ResultDiff, Diff: d}, true
	}

	return Result{
		Kind: ResultError,
		Err:  NewSessionError(ErrParse, sess.Role, "response is neither a diff, %s, nor tool-call JSON", NoChanges),
	}, true
}

// dispatchTools runs each parsed call through the dispatcher after the
// permission check. The returned bool is true when the session must end.
func (r *Runtime) dispatchTools(ctx context.Context, sess *Session, calls []RawCall) (Result, bool) {
	for _, call := range calls {
		if call.Tool == "" {
			return Result{
				Kind: ResultError,
				Err:  NewSessionError(ErrNoTool, sess.Role, "tool-call object missing tool field"),
			}, true
		}
		if !r.Tools.Known(call.Tool) {
			return Result{
				Kind: ResultError,
				Err:  NewSessionError(ErrUnknownTool, sess.Role, "unknown tool %q", call.Tool),
			}, true
		}
		if !r.Perms.Allows(sess.Role, call.Tool) {
			// Permission violations are correctness bugs: fail the whole
			// session before any side effect, never retry.
			return Result{
				Kind: ResultError,
				Err:  NewSessionError(ErrForbiddenTool, sess.Role, "tool %q not permitted for role %s", call.Tool, sess.Role),
			}, true
		}

		out, err := r.Tools.Dispatch(ctx, sess, call)
		if err != nil {
			out = "error: " + err.Error()
		}
		sess.Append("tool:"+call.Tool, out)
	}
	return Result{}, false
}
