// Package budget provides process-wide admission control for language-model
// spend. Every billable operation records its token usage here, and callers
// must check the guard after each one; a breach is fatal to the whole run.
package budget

import (
	"errors"
	"fmt"
	"sync"
)

// ErrBudgetExceeded is returned by Check when a token or cost ceiling has
// been crossed. It aborts the run, not just the current iteration.
var ErrBudgetExceeded = errors.New("budget exceeded")

// Usage reports the token consumption of one model call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Total returns the combined token count for the call.
func (u Usage) Total() int {
	return u.PromptTokens + u.CompletionTokens
}

// Pricing converts token counts into a monetary cost. Rates are per one
// thousand tokens, in GBP.
type Pricing struct {
	PromptPer1K     float64
	CompletionPer1K float64
}

// Guard accumulates token usage across all workers in a run and enforces the
// configured ceilings. Counters are monotonically non-decreasing; Add is safe
// for concurrent use by the worker pool.
type Guard struct {
	MaxTotalTokens int     // 0 = unlimited
	MaxCostGBP     float64 // 0 = unlimited
	Rates          Pricing

	mu               sync.Mutex
	promptTokens     int
	completionTokens int
}

// Add records the usage of one billable call.
func (g *Guard) Add(u Usage) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.promptTokens += u.PromptTokens
	g.completionTokens += u.CompletionTokens
}

// Snapshot returns the cumulative prompt tokens, completion tokens, and
// derived cost so far.
func (g *Guard) Snapshot() (prompt, completion int, cost float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.promptTokens, g.completionTokens, g.costLocked()
}

// TotalTokens returns the cumulative token count.
func (g *Guard) TotalTokens() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.promptTokens + g.completionTokens
}

// Cost returns the derived monetary cost so far.
func (g *Guard) Cost() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.costLocked()
}

func (g *Guard) costLocked() float64 {
	return float64(g.promptTokens)/1000*g.Rates.PromptPer1K +
		float64(g.completionTokens)/1000*g.Rates.CompletionPer1K
}

// Check returns ErrBudgetExceeded (wrapped with the current totals) if either
// ceiling has been crossed. A zero ceiling disables that check.
func (g *Guard) Check() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	total := g.promptTokens + g.completionTokens
	if g.MaxTotalTokens > 0 && total >= g.MaxTotalTokens {
		return fmt.Errorf("%w: %d tokens used, ceiling %d", ErrBudgetExceeded, total, g.MaxTotalTokens)
	}
	if cost := g.costLocked(); g.MaxCostGBP > 0 && cost >= g.MaxCostGBP {
		return fmt.Errorf("%w: £%.4f spent, ceiling £%.2f", ErrBudgetExceeded, cost, g.MaxCostGBP)
	}
	return nil
}
