package patch

import (
	"fmt"
	"strings"

	"github.com/sourcegraph/go-diff/diff"
)

// Summary reports aggregate statistics for one unified diff.
type Summary struct {
	Files   []string
	Added   int
	Deleted int
}

// String renders the summary in the one-line form used in commit messages
// and the CI result.
func (s Summary) String() string {
	if len(s.Files) == 0 {
		return "no files changed"
	}
	return fmt.Sprintf("%d file(s), +%d -%d: %s", len(s.Files), s.Added, s.Deleted, strings.Join(s.Files, ", "))
}

// Summarize parses a unified diff and reports its touched files and line
// counts. A diff that fails to parse yields an empty summary, not an error;
// summaries are advisory.
func Summarize(diffText string) Summary {
	files, err := diff.ParseMultiFileDiff([]byte(diffText))
	if err != nil {
		return Summary{}
	}

	var s Summary
	for _, f := range files {
		name := strings.TrimPrefix(f.NewName, "b/")
		if name == "/dev/null" || name == "" {
			name = strings.TrimPrefix(f.OrigName, "a/")
		}
		s.Files = append(s.Files, name)
		stat := f.Stat()
		s.Added += int(stat.Added + stat.Changed)
		s.Deleted += int(stat.Deleted + stat.Changed)
	}
	return s
}
