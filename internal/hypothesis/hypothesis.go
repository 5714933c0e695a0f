// Package hypothesis turns the previous iteration's evidence into short
// steering strings, one per builder worker. Each hypothesis narrows a
// builder's focus for a single attempt; none survive the iteration except
// through the memory store.
package hypothesis

import (
	"fmt"
	"sort"
	"strings"

	"github.com/adam-wheater/Forge-Cli-sub000/internal/tools"
)

// defaultMax bounds the number of hypotheses, and therefore the number of
// concurrent builder workers, per iteration.
const defaultMax = 3

// maxNamedTests caps how many failing test names are spelled out in a single
// hypothesis before truncating to "and N more".
const maxNamedTests = 5

// Source gathers everything the generator may draw on. Zero-value fields are
// simply skipped.
type Source struct {
	Failures      []string             // currently failing test names
	Attempted     []string             // hypotheses already tried in earlier iterations
	RecentFiles   []string             // files touched by the last applied patch
	SuggestedFix  string               // memory's recollection of a fix that worked before
	MemorySummary string               // hot failure heuristics, preformatted
	Coverage      []tools.CoverageUnit // per-package coverage, when available
	FocusFile     string               // operator-steered focus, e.g. from the file watcher
	Max           int                  // 0 means defaultMax
}

// Generate produces between one and Max hypotheses, most specific first.
// Hypotheses already attempted are skipped so repeated iterations explore
// rather than retread; the generic fallback is exempt because retrying the
// failing tests is always legitimate.
func Generate(src Source) []string {
	max := src.Max
	if max <= 0 {
		max = defaultMax
	}

	attempted := make(map[string]bool, len(src.Attempted))
	for _, a := range src.Attempted {
		attempted[a] = true
	}

	var out []string
	add := func(h string) {
		if len(out) >= max || h == "" || attempted[h] {
			return
		}
		for _, existing := range out {
			if existing == h {
				return
			}
		}
		out = append(out, h)
	}

	if src.FocusFile != "" {
		add(fmt.Sprintf("concentrate on %s; the operator flagged it as the likely culprit", src.FocusFile))
	}
	if len(src.Failures) > 0 {
		add("make these failing tests pass: " + nameList(src.Failures))
	}
	if src.SuggestedFix != "" {
		add("a similar failure was previously fixed by: " + src.SuggestedFix)
	}
	if src.MemorySummary != "" {
		add("these spots fail repeatedly; check them first:\n" + src.MemorySummary)
	}
	if len(src.RecentFiles) > 0 {
		add("re-examine the files touched by the last patch: " + strings.Join(capList(src.RecentFiles, maxNamedTests), ", "))
	}
	if unit, ok := lowestCoverage(src.Coverage); ok {
		add(fmt.Sprintf("inspect %s (%.1f%% coverage); untested paths often hide the defect", unit.Path, unit.Percent))
	}

	// The generic fallback always rides along, and is the sole hypothesis
	// when nothing more specific is known.
	if len(out) < max {
		out = append(out, "fix the failing tests")
	}
	return out
}

func nameList(names []string) string {
	capped := capList(names, maxNamedTests)
	s := strings.Join(capped, ", ")
	if extra := len(names) - len(capped); extra > 0 {
		s += fmt.Sprintf(" (and %d more)", extra)
	}
	return s
}

func capList(names []string, n int) []string {
	if len(names) <= n {
		return names
	}
	return names[:n]
}

func lowestCoverage(units []tools.CoverageUnit) (tools.CoverageUnit, bool) {
	if len(units) == 0 {
		return tools.CoverageUnit{}, false
	}
	sorted := make([]tools.CoverageUnit, len(units))
	copy(sorted, units)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Percent < sorted[j].Percent })
	return sorted[0], true
}
