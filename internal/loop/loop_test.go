package loop

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/adam-wheater/Forge-Cli-sub000/internal/agent"
	"github.com/adam-wheater/Forge-Cli-sub000/internal/arbiter"
	"github.com/adam-wheater/Forge-Cli-sub000/internal/budget"
	"github.com/adam-wheater/Forge-Cli-sub000/internal/memory"
	"github.com/adam-wheater/Forge-Cli-sub000/internal/patch"
	"github.com/adam-wheater/Forge-Cli-sub000/internal/pool"
	"github.com/adam-wheater/Forge-Cli-sub000/internal/toolchain"
	"github.com/adam-wheater/Forge-Cli-sub000/internal/tools"
)

const sampleDiff = "diff --git a/cart.go b/cart.go\n--- a/cart.go\n+++ b/cart.go\n@@ -1 +1 @@\n-x\n+y\n"

type fakeWorkspace struct {
	resets  int
	commits []string
}

func (w *fakeWorkspace) ResetHard(ctx context.Context) error { w.resets++; return nil }
func (w *fakeWorkspace) CommitAll(ctx context.Context, message string) (string, error) {
	w.commits = append(w.commits, message)
	return "abc1234", nil
}

// fakeToolchain replays one scripted test report per iteration.
type fakeToolchain struct {
	buildOK bool
	reports []*tools.TestReport
	runs    int
}

func (f *fakeToolchain) Build(ctx context.Context) (toolchain.CommandResult, error) {
	if !f.buildOK {
		return toolchain.CommandResult{ExitCode: 1, Stderr: "compile error"}, nil
	}
	return toolchain.CommandResult{}, nil
}

func (f *fakeToolchain) RunTests(ctx context.Context, filter string) (*tools.TestReport, error) {
	idx := f.runs
	if idx >= len(f.reports) {
		idx = len(f.reports) - 1
	}
	f.runs++
	return f.reports[idx], nil
}

func (f *fakeToolchain) ListTests(ctx context.Context) ([]string, error) { return nil, nil }

// fakeWorkers replays one candidate set per iteration.
type fakeWorkers struct {
	rounds [][]pool.Candidate
	calls  int
	seen   [][]string
}

func (f *fakeWorkers) Run(ctx context.Context, hypotheses []string) []pool.Candidate {
	f.seen = append(f.seen, hypotheses)
	idx := f.calls
	if idx >= len(f.rounds) {
		idx = len(f.rounds) - 1
	}
	f.calls++
	return f.rounds[idx]
}

type fakeArbiter struct {
	outcome arbiter.Outcome
	err     error
	calls   int
}

func (f *fakeArbiter) Decide(ctx context.Context, candidates []pool.Candidate) (arbiter.Outcome, error) {
	f.calls++
	if f.err != nil {
		return arbiter.Outcome{}, f.err
	}
	if f.outcome.Diff == "" && !f.outcome.Skipped {
		// Default: pick the first diff candidate, as the real judge would.
		for _, c := range candidates {
			if c.Result.Kind == agent.ResultDiff {
				return arbiter.Outcome{Diff: c.Result.Diff}, nil
			}
		}
		return arbiter.Outcome{}, arbiter.ErrNoCandidates
	}
	return f.outcome, nil
}

type fakePatcher struct {
	err     error
	applied []string
}

func (f *fakePatcher) ApplyRepaired(ctx context.Context, text string) (patch.Result, error) {
	if f.err != nil {
		return patch.Result{}, f.err
	}
	f.applied = append(f.applied, text)
	return patch.Result{Diff: text}, nil
}

// fakeMemory is an in-memory stand-in for the sqlite store.
type fakeMemory struct {
	state      *memory.RunState
	saves      []memory.RunState
	heuristics int
	passing    []string
	fixes      []string
}

func (m *fakeMemory) ReadRunState(ctx context.Context) (*memory.RunState, error) {
	return m.state, nil
}
func (m *fakeMemory) SaveRunState(ctx context.Context, st memory.RunState) error {
	m.saves = append(m.saves, st)
	return nil
}
func (m *fakeMemory) GetSuggestedFix(ctx context.Context, failedTests, failedFiles []string) (string, error) {
	return "", nil
}
func (m *fakeMemory) GetMemorySummary(ctx context.Context, focus []string) (string, error) {
	return "", nil
}
func (m *fakeMemory) UpdateHeuristics(ctx context.Context, failedFiles, failedTests []string) error {
	m.heuristics++
	return nil
}
func (m *fakeMemory) RecordFix(ctx context.Context, tests []string, summary string) error {
	m.fixes = append(m.fixes, summary)
	return nil
}
func (m *fakeMemory) AddPassingTests(ctx context.Context, names []string) error { return nil }
func (m *fakeMemory) PassingTests(ctx context.Context) ([]string, error) {
	return m.passing, nil
}

func diffCandidate(d string) pool.Candidate {
	return pool.Candidate{Hypothesis: "h", Result: agent.Result{Kind: agent.ResultDiff, Diff: d}}
}

func noChangesCandidate() pool.Candidate {
	return pool.Candidate{Hypothesis: "h", Result: agent.Result{Kind: agent.ResultNoChanges}}
}

func greenReport() *tools.TestReport {
	return &tools.TestReport{Passed: []string{"TestCheckout"}, BuildOK: true}
}

func redReport(failing ...string) *tools.TestReport {
	r := &tools.TestReport{BuildOK: true}
	for _, f := range failing {
		r.Failed = append(r.Failed, tools.TestFailure{Name: f})
	}
	return r
}

func newController(ws *fakeWorkspace, tc *fakeToolchain, wk *fakeWorkers, ar *fakeArbiter, pt *fakePatcher, mem *fakeMemory) *Controller {
	return &Controller{
		Workspace: ws,
		Toolchain: tc,
		Workers:   wk,
		Arbiter:   ar,
		Patcher:   pt,
		Memory:    mem,
		Budget:    &budget.Guard{},
		MaxLoops:  3,
	}
}

func TestRun_OneValidDiffAmongNoChanges(t *testing.T) {
	ws := &fakeWorkspace{}
	tc := &fakeToolchain{buildOK: true, reports: []*tools.TestReport{greenReport()}}
	wk := &fakeWorkers{rounds: [][]pool.Candidate{{
		noChangesCandidate(),
		diffCandidate(sampleDiff),
		noChangesCandidate(),
	}}}
	ar := &fakeArbiter{}
	pt := &fakePatcher{}
	mem := &fakeMemory{}

	forcedRounds := 0
	c := newController(ws, tc, wk, ar, pt, mem)
	c.ExplicitDiff = func(ctx context.Context) agent.Result {
		forcedRounds++
		return agent.Result{Kind: agent.ResultNoChanges}
	}

	res, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Success || res.Iterations != 1 {
		t.Errorf("expected success in 1 iteration, got %+v", res)
	}
	if forcedRounds != 0 {
		t.Error("forced finalization triggered despite a valid diff")
	}
	if len(pt.applied) != 1 || pt.applied[0] != sampleDiff {
		t.Errorf("expected exactly one apply of the valid diff, got %v", pt.applied)
	}
	if len(ws.commits) != 1 {
		t.Errorf("expected one commit, got %v", ws.commits)
	}
	if res.FinalSHA != "abc1234" {
		t.Errorf("final SHA not propagated: %q", res.FinalSHA)
	}
}

func TestRun_AllProseTriggersForcedRoundsThenInvalidPatch(t *testing.T) {
	ws := &fakeWorkspace{}
	tc := &fakeToolchain{buildOK: true, reports: []*tools.TestReport{greenReport()}}
	wk := &fakeWorkers{rounds: [][]pool.Candidate{{
		noChangesCandidate(), noChangesCandidate(), noChangesCandidate(),
	}}}
	ar := &fakeArbiter{}
	pt := &fakePatcher{}
	mem := &fakeMemory{}

	var order []string
	c := newController(ws, tc, wk, ar, pt, mem)
	c.MaxLoops = 1
	c.ExplicitDiff = func(ctx context.Context) agent.Result {
		order = append(order, "explicit")
		return agent.Result{Kind: agent.ResultNoChanges}
	}
	c.FinalizeOnly = func(ctx context.Context) agent.Result {
		order = append(order, "finalize")
		return agent.Result{Kind: agent.ResultError, Err: agent.NewSessionError(agent.ErrParse, agent.RoleBuilder, "still prose")}
	}

	res, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Success {
		t.Error("run should not succeed without a diff")
	}
	if len(order) != 2 || order[0] != "explicit" || order[1] != "finalize" {
		t.Errorf("forced rounds out of order: %v", order)
	}
	if len(pt.applied) != 0 {
		t.Errorf("no apply should be attempted, got %v", pt.applied)
	}
	// State persisted even for the failed iteration.
	if len(mem.saves) != 1 {
		t.Fatalf("expected 1 persisted state, got %d", len(mem.saves))
	}
	if ar.calls != 0 {
		t.Errorf("arbiter should not run without candidates, called %d times", ar.calls)
	}
}

func TestRun_ForcedExplicitDiffIsArbitrated(t *testing.T) {
	tc := &fakeToolchain{buildOK: true, reports: []*tools.TestReport{greenReport()}}
	wk := &fakeWorkers{rounds: [][]pool.Candidate{{noChangesCandidate()}}}
	pt := &fakePatcher{}
	c := newController(&fakeWorkspace{}, tc, wk, &fakeArbiter{}, pt, &fakeMemory{})
	c.ExplicitDiff = func(ctx context.Context) agent.Result {
		return agent.Result{Kind: agent.ResultDiff, Diff: sampleDiff}
	}
	finalizeCalled := false
	c.FinalizeOnly = func(ctx context.Context) agent.Result {
		finalizeCalled = true
		return agent.Result{Kind: agent.ResultNoChanges}
	}

	res, err := c.Run(context.Background())
	if err != nil || !res.Success {
		t.Fatalf("expected success via forced explicit round, got %+v, %v", res, err)
	}
	if finalizeCalled {
		t.Error("finalize-only round should not run once the explicit round produced a diff")
	}
	if len(pt.applied) != 1 {
		t.Errorf("forced diff not applied: %v", pt.applied)
	}
}

func TestRun_RegressionResetsWorkspace(t *testing.T) {
	ws := &fakeWorkspace{}
	// Iteration 1 breaks TestB (previously passing); iteration 2 must reset.
	tc := &fakeToolchain{buildOK: true, reports: []*tools.TestReport{
		redReport("TestB"),
		redReport("TestB"),
		redReport("TestB"),
	}}
	wk := &fakeWorkers{rounds: [][]pool.Candidate{{diffCandidate(sampleDiff)}}}
	mem := &fakeMemory{passing: []string{"TestA", "TestB"}}

	c := newController(ws, tc, wk, &fakeArbiter{}, &fakePatcher{}, mem)
	c.MaxLoops = 3

	res, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Success {
		t.Error("run should fail while TestB regresses")
	}
	// No reset on iteration 1 (no prior failures); iterations 2 and 3 see a
	// failure set containing the previously passing TestB.
	if ws.resets != 2 {
		t.Errorf("expected 2 resets, got %d", ws.resets)
	}
}

func TestRun_NewFailureKeepsTreeAndGrowsPassingSet(t *testing.T) {
	ws := &fakeWorkspace{}
	// TestC was never in the passing set; TestNew passes along the way.
	tc := &fakeToolchain{buildOK: true, reports: []*tools.TestReport{
		{Passed: []string{"TestNew"}, Failed: []tools.TestFailure{{Name: "TestC"}}, BuildOK: true},
	}}
	wk := &fakeWorkers{rounds: [][]pool.Candidate{{diffCandidate(sampleDiff)}}}
	mem := &fakeMemory{passing: []string{"TestA", "TestB"}}

	c := newController(ws, tc, wk, &fakeArbiter{}, &fakePatcher{}, mem)
	c.MaxLoops = 2

	res, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ws.resets != 0 {
		t.Errorf("new failure must not reset the tree, got %d resets", ws.resets)
	}
	if res.TestsFixed != 1 {
		t.Errorf("TestNew should count as fixed, got %d", res.TestsFixed)
	}
	if mem.heuristics == 0 {
		t.Error("failure heuristics not updated")
	}
}

func TestRun_BudgetBreachIsFatal(t *testing.T) {
	tc := &fakeToolchain{buildOK: true, reports: []*tools.TestReport{redReport("TestC")}}
	wk := &fakeWorkers{rounds: [][]pool.Candidate{{diffCandidate(sampleDiff)}}}
	mem := &fakeMemory{}

	c := newController(&fakeWorkspace{}, tc, wk, &fakeArbiter{}, &fakePatcher{}, mem)
	c.Budget = &budget.Guard{MaxTotalTokens: 100}
	c.Budget.Add(budget.Usage{PromptTokens: 90, CompletionTokens: 30})

	res, err := c.Run(context.Background())
	if !errors.Is(err, budget.ErrBudgetExceeded) {
		t.Fatalf("expected budget breach, got %v", err)
	}
	if res.Iterations != 1 {
		t.Errorf("partial result should report 1 iteration, got %d", res.Iterations)
	}
	// The breached iteration's state is still persisted.
	if len(mem.saves) != 1 {
		t.Errorf("expected persisted state before abort, got %d saves", len(mem.saves))
	}
}

func TestRun_ApplyFailureContinues(t *testing.T) {
	tc := &fakeToolchain{buildOK: true, reports: []*tools.TestReport{greenReport()}}
	wk := &fakeWorkers{rounds: [][]pool.Candidate{{diffCandidate(sampleDiff)}}}
	mem := &fakeMemory{}
	pt := &fakePatcher{err: patch.ErrApplyFailed}

	c := newController(&fakeWorkspace{}, tc, wk, &fakeArbiter{}, pt, mem)
	c.MaxLoops = 2

	res, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("apply failure must not be fatal: %v", err)
	}
	if res.Success {
		t.Error("run should not succeed when nothing applies")
	}
	if res.Iterations != 2 {
		t.Errorf("expected the loop to continue to iteration 2, got %d", res.Iterations)
	}
	if len(mem.saves) != 2 {
		t.Errorf("state must persist every iteration, got %d saves", len(mem.saves))
	}
}

func TestRun_BuildFailureClassified(t *testing.T) {
	tc := &fakeToolchain{buildOK: false, reports: []*tools.TestReport{greenReport()}}
	wk := &fakeWorkers{rounds: [][]pool.Candidate{{diffCandidate(sampleDiff)}}}
	mem := &fakeMemory{}

	c := newController(&fakeWorkspace{}, tc, wk, &fakeArbiter{}, &fakePatcher{}, mem)
	c.MaxLoops = 1

	res, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Success {
		t.Error("build failure must not count as success")
	}
	if len(mem.saves) != 1 || mem.saves[0].BuildOK {
		t.Errorf("persisted state should record the failed build: %+v", mem.saves)
	}
}

func TestRun_GateSkipAvoidsApply(t *testing.T) {
	wk := &fakeWorkers{rounds: [][]pool.Candidate{{diffCandidate(sampleDiff)}}}
	ar := &fakeArbiter{outcome: arbiter.Outcome{Skipped: true, Reason: "operator skipped"}}
	pt := &fakePatcher{}

	c := newController(&fakeWorkspace{}, &fakeToolchain{buildOK: true, reports: []*tools.TestReport{greenReport()}}, wk, ar, pt, &fakeMemory{})
	c.MaxLoops = 1

	res, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Success || len(pt.applied) != 0 {
		t.Errorf("skipped iteration must not apply, got %+v applied=%v", res, pt.applied)
	}
}

func TestRun_GateRejectAbortsRun(t *testing.T) {
	wk := &fakeWorkers{rounds: [][]pool.Candidate{{diffCandidate(sampleDiff)}}}
	ar := &fakeArbiter{err: arbiter.ErrRunAborted}
	mem := &fakeMemory{}

	c := newController(&fakeWorkspace{}, &fakeToolchain{buildOK: true, reports: []*tools.TestReport{greenReport()}}, wk, ar, &fakePatcher{}, mem)

	_, err := c.Run(context.Background())
	if !errors.Is(err, arbiter.ErrRunAborted) {
		t.Fatalf("expected run abort, got %v", err)
	}
	if len(mem.saves) != 1 {
		t.Errorf("aborted iteration still persists state, got %d saves", len(mem.saves))
	}
}

func TestRun_DryRunNeverApplies(t *testing.T) {
	wk := &fakeWorkers{rounds: [][]pool.Candidate{{diffCandidate(sampleDiff)}}}
	pt := &fakePatcher{}
	ws := &fakeWorkspace{}

	c := newController(ws, &fakeToolchain{buildOK: true, reports: []*tools.TestReport{greenReport()}}, wk, &fakeArbiter{}, pt, &fakeMemory{})
	c.MaxLoops = 1
	c.DryRun = true

	res, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Success || len(pt.applied) != 0 || len(ws.commits) != 0 {
		t.Errorf("dry run must not mutate the tree: %+v", res)
	}
	if res.PatchSummary == "" {
		t.Error("dry run should still report the chosen patch summary")
	}
}

func TestRun_HypothesesFedFromPreviousFailures(t *testing.T) {
	tc := &fakeToolchain{buildOK: true, reports: []*tools.TestReport{
		redReport("TestCheckout"),
		greenReport(),
	}}
	wk := &fakeWorkers{rounds: [][]pool.Candidate{{diffCandidate(sampleDiff)}}}

	c := newController(&fakeWorkspace{}, tc, wk, &fakeArbiter{}, &fakePatcher{}, &fakeMemory{})
	c.MaxLoops = 2

	res, err := c.Run(context.Background())
	if err != nil || !res.Success {
		t.Fatalf("expected eventual success, got %+v, %v", res, err)
	}
	if len(wk.seen) != 2 {
		t.Fatalf("expected 2 dispatches, got %d", len(wk.seen))
	}
	found := false
	for _, h := range wk.seen[1] {
		if strings.Contains(h, "TestCheckout") {
			found = true
		}
	}
	if !found {
		t.Errorf("iteration 2 hypotheses should name the failing test: %v", wk.seen[1])
	}
}

func TestPassingSet(t *testing.T) {
	s := NewPassingSet([]string{"A", "B"})
	if got := s.Regressions([]string{"B", "C"}); len(got) != 1 || got[0] != "B" {
		t.Errorf("Regressions = %v, want [B]", got)
	}
	if fresh := s.Add([]string{"B", "C"}); fresh != 1 {
		t.Errorf("Add returned %d, want 1", fresh)
	}
	if s.Len() != 3 || s.Fixed() != 1 {
		t.Errorf("set bookkeeping off: len=%d fixed=%d", s.Len(), s.Fixed())
	}
}
