// Package loop drives the repair run: per iteration it resets or keeps the
// working tree, fans builder workers out over fresh hypotheses, arbitrates
// their candidate patches, applies the winner, verifies with build and test,
// persists what it learned, and checks the budget.
package loop

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adam-wheater/Forge-Cli-sub000/internal/agent"
	"github.com/adam-wheater/Forge-Cli-sub000/internal/arbiter"
	"github.com/adam-wheater/Forge-Cli-sub000/internal/budget"
	"github.com/adam-wheater/Forge-Cli-sub000/internal/hypothesis"
	"github.com/adam-wheater/Forge-Cli-sub000/internal/memory"
	"github.com/adam-wheater/Forge-Cli-sub000/internal/patch"
	"github.com/adam-wheater/Forge-Cli-sub000/internal/pool"
	"github.com/adam-wheater/Forge-Cli-sub000/internal/telemetry"
	"github.com/adam-wheater/Forge-Cli-sub000/internal/toolchain"
	"github.com/adam-wheater/Forge-Cli-sub000/internal/tools"
)

const defaultMaxLoops = 10

// Workspace is the git surface the controller needs: hard reset back to the
// last commit and committing a verified patch.
type Workspace interface {
	ResetHard(ctx context.Context) error
	CommitAll(ctx context.Context, message string) (string, error)
}

// Toolchain builds and tests the patched tree.
type Toolchain interface {
	Build(ctx context.Context) (toolchain.CommandResult, error)
	RunTests(ctx context.Context, filter string) (*tools.TestReport, error)
	ListTests(ctx context.Context) ([]string, error)
}

// Workers dispatches one builder per hypothesis and returns every slot.
type Workers interface {
	Run(ctx context.Context, hypotheses []string) []pool.Candidate
}

// Arbiter selects, reviews, and gates one candidate patch.
type Arbiter interface {
	Decide(ctx context.Context, candidates []pool.Candidate) (arbiter.Outcome, error)
}

// Patcher repairs and applies diff text to the working tree.
type Patcher interface {
	ApplyRepaired(ctx context.Context, text string) (patch.Result, error)
}

// Memory is the persistent collaborator consulted at the top of every
// iteration and updated at the bottom.
type Memory interface {
	ReadRunState(ctx context.Context) (*memory.RunState, error)
	SaveRunState(ctx context.Context, st memory.RunState) error
	GetSuggestedFix(ctx context.Context, failedTests, failedFiles []string) (string, error)
	GetMemorySummary(ctx context.Context, focus []string) (string, error)
	UpdateHeuristics(ctx context.Context, failedFiles, failedTests []string) error
	RecordFix(ctx context.Context, tests []string, summary string) error
	AddPassingTests(ctx context.Context, names []string) error
	PassingTests(ctx context.Context) ([]string, error)
}

// Controller owns the run-length state and sequences the iteration phases.
type Controller struct {
	Workspace Workspace
	Toolchain Toolchain
	Workers   Workers
	Arbiter   Arbiter
	Patcher   Patcher
	Memory    Memory
	Budget    *budget.Guard
	Telemetry *telemetry.Emitter

	// ExplicitDiff and FinalizeOnly are the two forced-finalization rounds
	// used when no worker produced a syntactically valid diff: first a
	// normal request for a final diff, then a request that forbids tool use.
	ExplicitDiff func(ctx context.Context) agent.Result
	FinalizeOnly func(ctx context.Context) agent.Result

	// Status receives human-readable progress lines; nil discards them.
	Status func(format string, args ...any)

	// FocusCh optionally carries operator-steered focus files, e.g. from the
	// file watcher in interactive mode.
	FocusCh <-chan string

	MaxLoops   int // 0 means defaultMaxLoops
	MaxWorkers int // hypotheses (and workers) per iteration; 0 uses the generator default
	DryRun     bool

	commitSHA string // SHA of the success commit
}

// RunResult is the overall outcome, feeding the CI JSON and exit code.
type RunResult struct {
	Success      bool
	Iterations   int
	TestsFixed   int
	PatchSummary string
	FinalSHA     string
	Failure      string // reason when Success is false
}

// Run executes iterations until success, budget exhaustion, or MaxLoops.
// The returned RunResult is always non-nil, including on fatal errors, so
// callers can report partial progress.
func (c *Controller) Run(ctx context.Context) (*RunResult, error) {
	res := &RunResult{}

	persisted, err := c.Memory.PassingTests(ctx)
	if err != nil {
		return res, fmt.Errorf("load passing set: %w", err)
	}
	passing := NewPassingSet(persisted)

	var prevFailures, attempted, recentFiles []string
	if prev, err := c.Memory.ReadRunState(ctx); err != nil {
		return res, fmt.Errorf("read run state: %w", err)
	} else if prev != nil {
		prevFailures = prev.FailingTests
		recentFiles = prev.RecentFiles
	}

	maxLoops := c.MaxLoops
	if maxLoops <= 0 {
		maxLoops = defaultMaxLoops
	}

	for i := 1; i <= maxLoops; i++ {
		res.Iterations = i
		c.emit(telemetry.KindIterationStart, i, nil)

		outcome, st, err := c.iterate(ctx, i, passing, prevFailures, attempted, recentFiles)
		res.TestsFixed = passing.Fixed()
		if st.DiffSummary != "" {
			res.PatchSummary = st.DiffSummary
		}
		c.emit(telemetry.KindIterationDone, i, map[string]any{"outcome": outcome.String()})

		if err != nil {
			res.Failure = err.Error()
			return res, err
		}
		if outcome == OutcomeSuccess {
			res.Success = true
			res.FinalSHA = c.commitSHA
			return res, nil
		}

		prevFailures = st.FailingTests
		recentFiles = st.RecentFiles
		attempted = append(attempted, st.Hypotheses...)
	}

	res.Failure = fmt.Sprintf("no fix after %d iteration(s)", maxLoops)
	return res, nil
}

// iterate runs one full phase sequence. The returned RunState is persisted
// before returning, whatever happened.
func (c *Controller) iterate(ctx context.Context, i int, passing *PassingSet, prevFailures, attempted, recentFiles []string) (outcome Outcome, st memory.RunState, err error) {
	st = memory.RunState{Iteration: i, FailingTests: prevFailures, RecentFiles: recentFiles}
	outcome = OutcomeSkipped

	defer func() {
		c.phase(i, PhasePersist)
		if perr := c.Memory.SaveRunState(ctx, st); perr != nil && err == nil {
			err = fmt.Errorf("persist run state: %w", perr)
		}
		if err == nil {
			c.phase(i, PhaseBudgetCheck)
			c.emit(telemetry.KindBudget, i, map[string]any{
				"tokens":  c.Budget.TotalTokens(),
				"costGBP": c.Budget.Cost(),
			})
			if berr := c.Budget.Check(); berr != nil {
				err = berr
			}
		}
	}()

	// RESET_OR_KEEP: only a regression against the passing set forces a
	// reset; new failures keep the tree dirty so progress accumulates.
	c.phase(i, PhaseResetOrKeep)
	if regressions := passing.Regressions(prevFailures); len(regressions) > 0 {
		c.status("iteration %d: regression on %v, resetting working tree", i, regressions)
		if rerr := c.Workspace.ResetHard(ctx); rerr != nil {
			return outcome, st, fmt.Errorf("reset working tree: %w", rerr)
		}
	}

	// GENERATE_HYPOTHESES
	c.phase(i, PhaseHypotheses)
	suggested, _ := c.Memory.GetSuggestedFix(ctx, prevFailures, recentFiles)
	memorySummary, _ := c.Memory.GetMemorySummary(ctx, prevFailures)
	hyps := hypothesis.Generate(hypothesis.Source{
		Failures:      prevFailures,
		Attempted:     attempted,
		RecentFiles:   recentFiles,
		SuggestedFix:  suggested,
		MemorySummary: memorySummary,
		FocusFile:     c.drainFocus(),
		Max:           c.MaxWorkers,
	})
	st.Hypotheses = hyps
	c.status("iteration %d: %d hypothesis(es)", i, len(hyps))

	// DISPATCH_WORKERS
	c.phase(i, PhaseDispatch)
	candidates := c.Workers.Run(ctx, hyps)
	if len(pool.Diffs(candidates)) == 0 {
		candidates = c.forcedRounds(ctx, candidates)
	}
	if len(pool.Diffs(candidates)) == 0 {
		c.status("iteration %d: no valid diff from any worker", i)
		return OutcomeInvalidPatch, st, nil
	}

	// ARBITRATE and GATE
	c.phase(i, PhaseArbitrate)
	decision, derr := c.Arbiter.Decide(ctx, candidates)
	switch {
	case errors.Is(derr, arbiter.ErrNoCandidates):
		return OutcomeInvalidPatch, st, nil
	case derr != nil:
		return outcome, st, derr
	case decision.Skipped:
		c.status("iteration %d: %s", i, decision.Reason)
		return OutcomeSkipped, st, nil
	}

	summary := patch.Summarize(decision.Diff)
	st.DiffSummary = summary.String()
	st.RecentFiles = summary.Files
	c.emit(telemetry.KindPatchChosen, i, map[string]any{
		"refined": decision.Refined,
		"summary": st.DiffSummary,
	})

	if c.DryRun {
		c.status("iteration %d: dry run, not applying:\n%s", i, decision.Diff)
		return OutcomeSkipped, st, nil
	}

	// NORMALIZE_AND_APPLY
	c.phase(i, PhaseApply)
	applied, aerr := c.Patcher.ApplyRepaired(ctx, decision.Diff)
	if aerr != nil {
		if errors.Is(aerr, patch.ErrNoDiff) {
			return OutcomeInvalidPatch, st, nil
		}
		c.status("iteration %d: apply failed: %v", i, aerr)
		return OutcomeApplyFailed, st, nil
	}
	if applied.Transform != "" {
		c.status("iteration %d: patch applied after %s", i, applied.Transform)
	}

	// BUILD
	c.phase(i, PhaseBuild)
	bres, berr := c.Toolchain.Build(ctx)
	st.BuildOK = berr == nil && bres.OK()
	if !st.BuildOK {
		c.status("iteration %d: build failed", i)
		return OutcomeBuildFailed, st, nil
	}

	// TEST
	c.phase(i, PhaseTest)
	report, terr := c.Toolchain.RunTests(ctx, "")
	if terr != nil {
		return outcome, st, fmt.Errorf("run tests: %w", terr)
	}
	st.FailingTests = failureNames(report)
	st.TestOK = len(report.Failed) == 0 && report.BuildOK

	passing.Add(report.Passed)
	_ = c.Memory.AddPassingTests(ctx, report.Passed)

	// CLASSIFY
	c.phase(i, PhaseClassify)
	if !st.TestOK {
		c.status("iteration %d: %d test(s) still failing", i, len(report.Failed))
		_ = c.Memory.UpdateHeuristics(ctx, st.RecentFiles, st.FailingTests)
		return OutcomeTestFailed, st, nil
	}

	sha, cerr := c.Workspace.CommitAll(ctx, "forge: "+st.DiffSummary)
	if cerr != nil {
		return outcome, st, fmt.Errorf("commit fix: %w", cerr)
	}
	c.commitSHA = sha
	_ = c.Memory.RecordFix(ctx, prevFailures, st.DiffSummary)
	c.status("iteration %d: all tests passing, committed %s", i, sha)
	return OutcomeSuccess, st, nil
}

// forcedRounds runs the two extra attempts used when the pool produced no
// valid diff: an explicit request for a final diff, then a finalize-only
// request that forbids tool calls.
func (c *Controller) forcedRounds(ctx context.Context, candidates []pool.Candidate) []pool.Candidate {
	for _, round := range []struct {
		name string
		fn   func(ctx context.Context) agent.Result
	}{
		{"explicit_diff", c.ExplicitDiff},
		{"finalize_only", c.FinalizeOnly},
	} {
		if round.fn == nil {
			continue
		}
		c.status("forcing %s round", round.name)
		res := round.fn(ctx)
		candidates = append(candidates, pool.Candidate{Hypothesis: round.name, Result: res})
		if res.Kind == agent.ResultDiff {
			break
		}
	}
	return candidates
}

// drainFocus returns the most recent operator focus file, if any arrived.
func (c *Controller) drainFocus() string {
	var focus string
	for {
		select {
		case f, ok := <-c.FocusCh:
			if !ok {
				return focus
			}
			focus = f
		default:
			return focus
		}
	}
}

func (c *Controller) status(format string, args ...any) {
	if c.Status != nil {
		c.Status(format, args...)
	}
}

func (c *Controller) phase(iteration int, p Phase) {
	c.emit(telemetry.KindPhase, iteration, map[string]any{"phase": p.String()})
}

func (c *Controller) emit(kind string, iteration int, data map[string]any) {
	_ = c.Telemetry.Emit(telemetry.Event{
		Timestamp: time.Now(),
		Kind:      kind,
		Iteration: iteration,
		Data:      data,
	})
}

func failureNames(report *tools.TestReport) []string {
	out := make([]string, 0, len(report.Failed))
	for _, f := range report.Failed {
		out = append(out, f.Name)
	}
	return out
}
