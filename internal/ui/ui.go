// Package ui renders human-readable progress to stderr and, in CI mode, the
// machine-readable result object to stdout. Everything a human reads goes to
// stderr so stdout stays clean for the CI JSON.
package ui

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// ANSI color codes.
const (
	reset   = "\033[0m"
	bold    = "\033[1m"
	dim     = "\033[2m"
	blue    = "\033[34m"
	yellow  = "\033[33m"
	green   = "\033[32m"
	red     = "\033[31m"
	cyan    = "\033[36m"
	magenta = "\033[35m"
)

// Printer renders human-readable run progress with ANSI color. All output
// goes to stderr so stdout stays clean for the CI JSON result.
type Printer struct {
	out io.Writer
}

// New returns a Printer writing to stderr.
func New() *Printer {
	return &Printer{out: os.Stderr}
}

// NewWriter directs output to w instead of stderr, for tests.
func NewWriter(w io.Writer) *Printer {
	return &Printer{out: w}
}

func (p *Printer) Banner() {
	fmt.Fprintln(p.out, bold+cyan+"  ╔═══════════════════════════════════╗"+reset)
	fmt.Fprintln(p.out, bold+cyan+"  ║"+reset+bold+"   FORGE  "+dim+"generate-and-repair loop"+reset+bold+cyan+"  ║"+reset)
	fmt.Fprintln(p.out, bold+cyan+"  ╚═══════════════════════════════════╝"+reset)
	fmt.Fprintln(p.out)
}

func (p *Printer) IterationStart(iteration, maxLoops int) {
	fmt.Fprintf(p.out, "\n"+bold+magenta+"── iteration %d/%d ──"+reset+"\n", iteration, maxLoops)
}

func (p *Printer) WorkerStart(hypothesis string) {
	fmt.Fprintf(p.out, blue+bold+"▶ builder"+reset+dim+" %s"+reset+"\n", hypothesis)
}

func (p *Printer) WorkerDone(hypothesis, outcome string) {
	fmt.Fprintf(p.out, blue+"✓ builder"+reset+dim+" %s → %s"+reset+"\n", hypothesis, outcome)
}

func (p *Printer) PatchChosen(summary string) {
	fmt.Fprintf(p.out, cyan+"◆ patch"+reset+" %s\n", summary)
}

// Diff prints the chosen diff verbatim, used in interactive and dry-run modes.
func (p *Printer) Diff(diff string) {
	fmt.Fprintln(p.out, dim+diff+reset)
}

func (p *Printer) Success(sha string, iterations int) {
	fmt.Fprintf(p.out, green+bold+"✓ FIXED"+reset+" — committed %s after %d iteration(s)\n", sha, iterations)
}

func (p *Printer) MaxLoopsReached(max int) {
	fmt.Fprintf(p.out, red+bold+"✗ max iterations reached (%d)"+reset+" — stopping\n", max)
}

func (p *Printer) BudgetExceeded(tokens int, costGBP float64) {
	fmt.Fprintf(p.out, red+bold+"✗ budget exceeded"+reset+" (%d tokens, £%.4f)\n", tokens, costGBP)
}

func (p *Printer) Error(msg string) {
	fmt.Fprintf(p.out, red+bold+"error: "+reset+"%s\n", msg)
}

func (p *Printer) Info(msg string) {
	fmt.Fprintf(p.out, dim+"%s"+reset+"\n", msg)
}

// Summary prints the end-of-run report: iterations spent, tests fixed, and
// total spend.
func (p *Printer) Summary(iterations, testsFixed, tokens int, costGBP float64) {
	fmt.Fprintf(p.out, dim+"── %d iteration(s), %d test(s) fixed, %d tokens, £%.4f ──"+reset+"\n",
		iterations, testsFixed, tokens, costGBP)
}

// Statusf is the free-form progress line used by the iteration controller.
func (p *Printer) Statusf(format string, args ...any) {
	fmt.Fprintf(p.out, dim+format+reset+"\n", args...)
}

// CIResult is the compact object CI mode writes to stdout, success or not.
type CIResult struct {
	Success      bool    `json:"success"`
	Iterations   int     `json:"iterations"`
	TokensUsed   int     `json:"tokensUsed"`
	CostGBP      float64 `json:"costGBP"`
	TestsFixed   int     `json:"testsFixed"`
	PatchSummary string  `json:"patchSummary"`
}

// WriteCIResult writes the result as a single JSON line.
func WriteCIResult(w io.Writer, res CIResult) error {
	enc := json.NewEncoder(w)
	if err := enc.Encode(res); err != nil {
		return fmt.Errorf("ui: encode ci result: %w", err)
	}
	return nil
}
