package ui

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/adam-wheater/Forge-Cli-sub000/internal/arbiter"
)

// InteractiveGate prompts the operator before a patch is applied. It reads
// one line from In per decision: apply, skip this iteration, or reject and
// abort the run.
type InteractiveGate struct {
	In      io.Reader
	Printer *Printer

	reader *bufio.Reader
}

// Confirm shows the diff and asks for a decision. Unrecognized input is
// re-prompted; EOF rejects, since an operator who walked away should not
// silently approve patches.
func (g *InteractiveGate) Confirm(ctx context.Context, diff string) (arbiter.GateDecision, error) {
	if g.reader == nil {
		g.reader = bufio.NewReader(g.In)
	}

	g.Printer.Diff(diff)
	for {
		if err := ctx.Err(); err != nil {
			return arbiter.GateReject, err
		}
		fmt.Fprintf(g.Printer.out, bold+cyan+"apply this patch? "+reset+"[a]pply / [s]kip / [r]eject: ")

		line, err := g.reader.ReadString('\n')
		if err != nil && line == "" {
			return arbiter.GateReject, nil
		}

		switch strings.ToLower(strings.TrimSpace(line)) {
		case "a", "apply", "y", "yes":
			return arbiter.GateApprove, nil
		case "s", "skip":
			return arbiter.GateSkip, nil
		case "r", "reject", "n", "no":
			return arbiter.GateReject, nil
		}
		g.Printer.Info("unrecognized answer")
		if err != nil {
			return arbiter.GateReject, nil
		}
	}
}
