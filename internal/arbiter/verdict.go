package arbiter

import (
	"strings"

	"github.com/adam-wheater/Forge-Cli-sub000/internal/agent"
)

// Verdict is the reviewer's judgment of the chosen patch.
type Verdict string

// The reviewer verdicts.
const (
	VerdictAccept Verdict = "accept"
	VerdictRefine Verdict = "refine"
	VerdictReject Verdict = "reject"
)

// Review is the parsed reviewer output: either a corrected diff, or a verdict
// with optional ISSUE: lines when refinement is requested.
type Review struct {
	Verdict Verdict
	Issues  []string
	Diff    string // set when the reviewer answered with a corrected diff
}

// ParseReview interprets raw reviewer output. A diff anywhere in the response
// counts as an accept-with-correction. Otherwise VERDICT:/ISSUE: lines are
// scanned. Output matching neither is treated as accept-unchanged: the
// reviewer is advisory, and build/test still verify the patch afterwards.
func ParseReview(output string) Review {
	if diff, ok := agent.ExtractDiff(output); ok {
		return Review{Verdict: VerdictAccept, Diff: diff}
	}

	rev := Review{Verdict: VerdictAccept}
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "VERDICT:"):
			switch v := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(trimmed, "VERDICT:"))); v {
			case "accept", "refine", "reject":
				rev.Verdict = Verdict(v)
			}
		case strings.HasPrefix(trimmed, "ISSUE:"):
			if issue := strings.TrimSpace(strings.TrimPrefix(trimmed, "ISSUE:")); issue != "" {
				rev.Issues = append(rev.Issues, issue)
			}
		}
	}

	// A refine verdict with nothing actionable degrades to accept.
	if rev.Verdict == VerdictRefine && len(rev.Issues) == 0 {
		rev.Verdict = VerdictAccept
	}
	return rev
}
