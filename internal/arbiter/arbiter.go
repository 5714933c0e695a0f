// Package arbiter runs the three-stage patch selection pipeline: a judge
// picks one candidate from the worker pool, a reviewer accepts, corrects, or
// requests a single refinement, and a gate gives the operator the final say.
package arbiter

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/adam-wheater/Forge-Cli-sub000/internal/agent"
	"github.com/adam-wheater/Forge-Cli-sub000/internal/pool"
)

// ErrNoCandidates is returned when no worker produced a usable diff and the
// judge could not recover one either.
var ErrNoCandidates = errors.New("no candidate patch survived arbitration")

// ErrRunAborted is returned when the gate operator rejects the patch outright,
// ending the whole run rather than just this iteration.
var ErrRunAborted = errors.New("run aborted at the gate")

// GateDecision is the operator's answer at the gate stage.
type GateDecision string

const (
	GateApprove GateDecision = "approve" // apply the patch
	GateReject  GateDecision = "reject" // abort the run
	GateSkip    GateDecision = "skip"   // abort this iteration only
)

// Gate is the interactive confirmation surface. A nil Gate (CI mode) approves
// everything without prompting.
type Gate interface {
	Confirm(ctx context.Context, diff string) (GateDecision, error)
}

// Arbiter wires the three stages. Judge and Review run a role conversation
// and return its raw text; Refine re-invokes a builder once with the
// reviewer's issues.
type Arbiter struct {
	Judge  func(ctx context.Context, prompt string) (string, error)
	Review func(ctx context.Context, diff string) (string, error)
	Refine func(ctx context.Context, diff string, issues []string) (agent.Result, error)
	Gate   Gate
}

// Outcome is the arbitration result for one iteration.
type Outcome struct {
	Diff    string
	Refined bool // the reviewer requested and received one refinement
	Skipped bool // gate skip or reviewer reject; no apply this iteration
	Reason  string
}

// Decide runs judge, reviewer, and gate over the pool's candidates.
func (a *Arbiter) Decide(ctx context.Context, candidates []pool.Candidate) (Outcome, error) {
	chosen, err := a.choose(ctx, candidates)
	if err != nil {
		return Outcome{}, err
	}

	out, err := a.review(ctx, chosen)
	if err != nil || out.Skipped {
		return out, err
	}

	return a.gate(ctx, out)
}

// choose is the judge stage. With exactly one valid diff there is nothing to
// arbitrate and the judge call is skipped. A judge response containing no
// diff gets one retry before the stage gives up.
func (a *Arbiter) choose(ctx context.Context, candidates []pool.Candidate) (string, error) {
	diffs := pool.Diffs(candidates)
	switch len(diffs) {
	case 0:
		return "", ErrNoCandidates
	case 1:
		return diffs[0].Result.Diff, nil
	}

	prompt := judgePrompt(diffs)
	for attempt := 0; attempt < 2; attempt++ {
		text, err := a.Judge(ctx, prompt)
		if err != nil {
			return "", fmt.Errorf("judge stage: %w", err)
		}
		if diff, ok := agent.ExtractDiff(text); ok {
			return diff, nil
		}
	}
	// The judge never produced a diff; fall back to the first candidate
	// rather than losing the iteration.
	return diffs[0].Result.Diff, nil
}

// review is the reviewer stage, including at most one refinement round.
func (a *Arbiter) review(ctx context.Context, chosen string) (Outcome, error) {
	if a.Review == nil {
		return Outcome{Diff: chosen}, nil
	}

	text, err := a.Review(ctx, chosen)
	if err != nil {
		return Outcome{}, fmt.Errorf("review stage: %w", err)
	}

	rev := ParseReview(text)
	switch rev.Verdict {
	case VerdictReject:
		return Outcome{Skipped: true, Reason: "reviewer rejected the patch"}, nil
	case VerdictRefine:
		if a.Refine == nil {
			return Outcome{Diff: chosen}, nil
		}
		res, err := a.Refine(ctx, chosen, rev.Issues)
		if err != nil {
			return Outcome{}, fmt.Errorf("refine round: %w", err)
		}
		// The refinement replaces the chosen diff only when it actually
		// produced one; otherwise the original stands.
		if res.Kind == agent.ResultDiff {
			return Outcome{Diff: res.Diff, Refined: true}, nil
		}
		return Outcome{Diff: chosen}, nil
	default:
		if rev.Diff != "" {
			return Outcome{Diff: rev.Diff}, nil
		}
		return Outcome{Diff: chosen}, nil
	}
}

// gate is the operator stage. CI mode has no gate and approves implicitly.
func (a *Arbiter) gate(ctx context.Context, out Outcome) (Outcome, error) {
	if a.Gate == nil {
		return out, nil
	}
	decision, err := a.Gate.Confirm(ctx, out.Diff)
	if err != nil {
		return Outcome{}, fmt.Errorf("gate stage: %w", err)
	}
	switch decision {
	case GateReject:
		return Outcome{}, ErrRunAborted
	case GateSkip:
		return Outcome{Skipped: true, Reason: "operator skipped this iteration"}, nil
	default:
		return out, nil
	}
}

// judgePrompt concatenates the candidates with numbered separators so the
// judge can quote its pick back verbatim.
func judgePrompt(diffs []pool.Candidate) string {
	var b strings.Builder
	b.WriteString("Candidate patches follow. Respond with the single best patch, verbatim.\n")
	for i, c := range diffs {
		fmt.Fprintf(&b, "\n=== CANDIDATE %d (hypothesis: %s) ===\n", i+1, c.Hypothesis)
		b.WriteString(c.Result.Diff)
		if !strings.HasSuffix(c.Result.Diff, "\n") {
			b.WriteString("\n")
		}
	}
	return b.String()
}
