package loop

// Phase represents a stage inside one repair iteration.
type Phase int

const (
	PhaseResetOrKeep Phase = iota // Deciding whether to keep or reset the working tree.
	PhaseHypotheses               // Generating this iteration's steering strings.
	PhaseDispatch                 // Builder workers running.
	PhaseArbitrate                // Judge, reviewer, and gate deciding on a patch.
	PhaseApply                    // Normalizing and applying the chosen diff.
	PhaseBuild                    // Compiling the patched tree.
	PhaseTest                     // Running the test suite.
	PhaseClassify                 // Mapping the results to an outcome.
	PhasePersist                  // Writing run state to memory.
	PhaseBudgetCheck              // Admission control against token/cost ceilings.
)

// String returns the snake_case name of the phase.
func (p Phase) String() string {
	switch p {
	case PhaseResetOrKeep:
		return "reset_or_keep"
	case PhaseHypotheses:
		return "generate_hypotheses"
	case PhaseDispatch:
		return "dispatch_workers"
	case PhaseArbitrate:
		return "arbitrate"
	case PhaseApply:
		return "normalize_and_apply"
	case PhaseBuild:
		return "build"
	case PhaseTest:
		return "test"
	case PhaseClassify:
		return "classify"
	case PhasePersist:
		return "persist_state"
	case PhaseBudgetCheck:
		return "budget_check"
	default:
		return "unknown"
	}
}

// Outcome classifies one finished iteration.
type Outcome int

// Iteration outcomes, in roughly the order the phases can produce them.
const (
	OutcomeSuccess Outcome = iota
	OutcomeBuildFailed
	OutcomeTestFailed
	OutcomeInvalidPatch // no syntactically valid diff was produced
	OutcomeApplyFailed
	OutcomeSkipped // gate skip, reviewer reject, or dry run
)

// String returns the snake_case name of the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeBuildFailed:
		return "build_failed"
	case OutcomeTestFailed:
		return "test_failed"
	case OutcomeInvalidPatch:
		return "invalid_patch_format"
	case OutcomeApplyFailed:
		return "apply_failed"
	case OutcomeSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// PassingSet is the cumulative set of tests known to pass. It only grows;
// a regression triggers a workspace reset, not a set rollback, so reporting
// keeps the full history.
type PassingSet struct {
	members map[string]bool
	added   int
}

// NewPassingSet seeds the set, typically from the first green test run or a
// persisted set from a previous run.
func NewPassingSet(names []string) *PassingSet {
	s := &PassingSet{members: make(map[string]bool, len(names))}
	for _, n := range names {
		s.members[n] = true
	}
	return s
}

// Add records newly passing tests and returns how many were actually new.
func (s *PassingSet) Add(names []string) int {
	fresh := 0
	for _, n := range names {
		if !s.members[n] {
			s.members[n] = true
			fresh++
			s.added++
		}
	}
	return fresh
}

// Regressions returns the failures that were previously known to pass.
func (s *PassingSet) Regressions(failures []string) []string {
	var out []string
	for _, f := range failures {
		if s.members[f] {
			out = append(out, f)
		}
	}
	return out
}

// Len reports the current set size.
func (s *PassingSet) Len() int { return len(s.members) }

// Fixed reports how many tests moved from failing to passing over the run.
func (s *PassingSet) Fixed() int { return s.added }

// Names returns the members in no particular order.
func (s *PassingSet) Names() []string {
	out := make([]string, 0, len(s.members))
	for n := range s.members {
		out = append(out, n)
	}
	return out
}
