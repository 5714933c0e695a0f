package tools

import (
	"fmt"
	"regexp"
	"strings"
)

// failurePattern maps a failure-message regex to a taxonomy entry with a
// suggested fix.
type failurePattern struct {
	re         *regexp.Regexp
	category   string
	suggestion string
}

var failureTaxonomy = []failurePattern{
	{regexp.MustCompile(`(?i)null(ReferenceException| pointer)|nil pointer dereference`),
		"null_dereference", "guard the dereference with a nil/null check, or initialize the value before use"},
	{regexp.MustCompile(`(?i)index out of (range|bounds)|IndexOutOfRangeException`),
		"index_out_of_range", "check the collection length before indexing; off-by-one in a loop bound is the usual cause"},
	{regexp.MustCompile(`(?i)expected .* (but was|got|actual)`),
		"assertion_mismatch", "the implementation and the test disagree on the expected value; re-read the assertion and trace the value back"},
	{regexp.MustCompile(`(?i)timed? ?out|deadline exceeded`),
		"timeout", "the operation blocks longer than its deadline; look for a missing await/cancellation or an unbounded wait"},
	{regexp.MustCompile(`(?i)connection refused|no such host|EOF`),
		"network", "a test is reaching a real network endpoint; inject a fake or start the expected listener"},
	{regexp.MustCompile(`(?i)cannot find|undefined:|undeclared|does not exist in the current context|unresolved reference`),
		"missing_symbol", "a referenced symbol is absent; the patch likely renamed or removed it without updating all call sites"},
	{regexp.MustCompile(`(?i)cannot convert|type mismatch|incompatible type`),
		"type_mismatch", "align the types at the call boundary; check for a signature changed by the patch"},
	{regexp.MustCompile(`(?i)file (not found|does not exist)|no such file`),
		"missing_file", "a path in the patch or test fixture does not exist in the working tree"},
	{regexp.MustCompile(`(?i)permission denied`),
		"permissions", "the process lacks filesystem permissions; check the target path and sandbox policy"},
	{regexp.MustCompile(`(?i)already (defined|declared)|duplicate`),
		"duplicate_definition", "the patch re-declares an existing symbol; remove one definition or merge them"},
}

// ExplainFailure pattern-matches a failure string against the taxonomy and
// returns the category with a suggested fix. Unmatched failures get a
// generic classification rather than an error.
func ExplainFailure(message string) string {
	trimmed := strings.TrimSpace(message)
	if trimmed == "" {
		return "no failure message provided"
	}
	for _, p := range failureTaxonomy {
		if p.re.MatchString(trimmed) {
			return fmt.Sprintf("category: %s\nsuggestion: %s", p.category, p.suggestion)
		}
	}
	return "category: unclassified\nsuggestion: read the full stack trace and reproduce the failure locally before patching"
}
