// Package pool fans one builder attempt out per hypothesis and collects the
// candidate patches. Slots are never dropped: a timed-out or panicked worker
// still contributes a NO_CHANGES placeholder so the arbiter always sees one
// candidate per hypothesis.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/adam-wheater/Forge-Cli-sub000/internal/agent"
	"github.com/adam-wheater/Forge-Cli-sub000/internal/worktree"
)

// DefaultTimeout bounds one builder worker's wall-clock time.
const DefaultTimeout = 300 * time.Second

// WorkFunc runs one builder attempt rooted at the given directory, steered by
// the hypothesis. Implementations must honor ctx cancellation; after the
// pool's deadline fires the shared workspace must no longer be written.
type WorkFunc func(ctx context.Context, root, hypothesis string) agent.Result

// Candidate is one slot's outcome, tagged with the hypothesis that produced it.
type Candidate struct {
	Hypothesis string
	Result     agent.Result
	TimedOut   bool
}

// Pool runs builder workers concurrently, one per hypothesis.
type Pool struct {
	Work      WorkFunc
	Root      string            // shared workspace root
	Worktrees *worktree.Manager // nil runs every worker against Root
	Timeout   time.Duration     // 0 means DefaultTimeout
}

// Run dispatches one worker per hypothesis and awaits them all. The returned
// slice has exactly one Candidate per hypothesis, in hypothesis order; the
// arbiter treats it as unordered.
func (p *Pool) Run(ctx context.Context, hypotheses []string) []Candidate {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	results := make([]Candidate, len(hypotheses))
	var wg sync.WaitGroup
	for i, h := range hypotheses {
		wg.Add(1)
		go func(slot int, hyp string) {
			defer wg.Done()
			results[slot] = p.runOne(ctx, hyp, timeout)
		}(i, h)
	}
	wg.Wait()
	return results
}

// runOne executes a single worker under its wall-clock deadline, creating and
// tearing down a private worktree when isolation is enabled. Teardown runs
// even when the worker fails or times out.
func (p *Pool) runOne(ctx context.Context, hyp string, timeout time.Duration) Candidate {
	workerCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	root := p.Root
	if p.Worktrees != nil {
		wt, err := p.Worktrees.Create(workerCtx)
		if err != nil {
			return Candidate{Hypothesis: hyp, Result: agent.Result{
				Kind: agent.ResultError,
				Err:  agent.NewSessionError(agent.ErrWorktree, agent.RoleBuilder, "create worktree: %v", err),
			}}
		}
		defer func() {
			// Removal is idempotent and must not inherit the worker's
			// (possibly expired) deadline.
			cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cleanupCancel()
			_ = p.Worktrees.Remove(cleanupCtx, wt)
		}()
		root = wt.Path
	}

	done := make(chan agent.Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- agent.Result{Kind: agent.ResultError, Err: agent.NewSessionError(agent.ErrPanic, agent.RoleBuilder, "worker panic: %v", r)}
			}
		}()
		done <- p.Work(workerCtx, root, hyp)
	}()

	select {
	case res := <-done:
		return Candidate{Hypothesis: hyp, Result: res}
	case <-workerCtx.Done():
		// The slot degrades to NO_CHANGES rather than blocking the pool.
		return Candidate{Hypothesis: hyp, Result: agent.Result{Kind: agent.ResultNoChanges}, TimedOut: true}
	}
}

// Diffs filters the candidates down to those that returned an actual diff.
func Diffs(candidates []Candidate) []Candidate {
	var out []Candidate
	for _, c := range candidates {
		if c.Result.Kind == agent.ResultDiff {
			out = append(out, c)
		}
	}
	return out
}
