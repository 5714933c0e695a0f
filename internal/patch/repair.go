// Package patch makes externally-authored unified diffs applicable. Model
// output is inherently unreliable: diffs arrive wrapped in code fences, with
// mismatched path prefixes, or with foreign line endings. The pipeline
// normalizes first, then tries ordered fallback transforms, and only then
// degrades to a best-effort partial apply.
package patch

import (
	"context"
	"errors"
	"strings"
)

// ErrNoDiff means the input text contains no recognizable diff at all; the
// controller records the iteration as invalid_patch_format.
var ErrNoDiff = errors.New("no unified diff found in text")

// ErrApplyFailed means every transform and the partial apply failed; the
// iteration continues without an apply.
var ErrApplyFailed = errors.New("patch could not be applied")

// Applier is the version-control apply surface, implemented by the git
// subprocess wrapper.
type Applier interface {
	// ApplyCheck verifies the diff would apply cleanly without touching files.
	ApplyCheck(ctx context.Context, diff string) error
	// Apply applies the diff to the working tree.
	Apply(ctx context.Context, diff string) error
	// ApplyPartial applies what it can, writing .rej files for failed hunks.
	ApplyPartial(ctx context.Context, diff string) error
}

var diffMarkers = []string{"diff --git ", "Index: ", "--- "}

// Normalize slices the text from the first diff marker and cuts it at the
// wrapper's closing code fence, dropping surrounding prose. Fence lines inside
// hunks are content (a diff touching fenced Markdown carries them with a
// leading space, +, or -) and are never touched, which keeps repair
// monotonically non-destructive for valid input.
func Normalize(text string) (string, error) {
	best := -1
	for _, m := range diffMarkers {
		idx := strings.Index(text, m)
		if idx < 0 {
			continue
		}
		if m == "--- " && idx > 0 && text[idx-1] != '\n' {
			if next := strings.Index(text, "\n--- "); next >= 0 {
				idx = next + 1
			} else {
				continue
			}
		}
		if best < 0 || idx < best {
			best = idx
		}
	}
	if best < 0 {
		return "", ErrNoDiff
	}

	out := text[best:]
	// A bare ``` line cannot be diff content, only the closing wrapper fence.
	if end := closingFence(out); end >= 0 {
		out = out[:end]
	}
	// git apply wants a trailing newline.
	return strings.TrimRight(out, "\n") + "\n", nil
}

// closingFence returns the byte offset of the first line that is exactly a
// bare code fence, or -1.
func closingFence(text string) int {
	offset := 0
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimRight(line, " \t") == "```" {
			return offset
		}
		offset += len(line) + 1
	}
	return -1
}

// transform is one ordered fallback applied when the normalized diff does not
// apply-check cleanly.
type transform struct {
	name string
	fn   func(string) string
}

var transforms = []transform{
	{"strip_path_prefixes", stripPathPrefixes},
	{"normalize_line_endings", normalizeLineEndings},
}

// stripPathPrefixes removes the conventional a/ and b/ prefixes from diff
// header lines, for patches authored against a different -p level.
func stripPathPrefixes(diff string) string {
	lines := strings.Split(diff, "\n")
	for i, line := range lines {
		switch {
		case strings.HasPrefix(line, "--- a/"):
			lines[i] = "--- " + line[len("--- a/"):]
		case strings.HasPrefix(line, "+++ b/"):
			lines[i] = "+++ " + line[len("+++ b/"):]
		case strings.HasPrefix(line, "diff --git a/"):
			rest := line[len("diff --git a/"):]
			if sp := strings.Index(rest, " b/"); sp >= 0 {
				lines[i] = "diff --git " + rest[:sp] + " " + rest[sp+len(" b/"):]
			}
		}
	}
	return strings.Join(lines, "\n")
}

func normalizeLineEndings(diff string) string {
	return strings.ReplaceAll(diff, "\r\n", "\n")
}

// Result reports how a diff was made applicable.
type Result struct {
	Diff      string // the variant that was applied (or partially applied)
	Transform string // "" when the normalized diff applied as-is
	Partial   bool   // true when only a best-effort partial apply succeeded
}

// Pipeline repairs and applies candidate diffs through the git surface.
type Pipeline struct {
	Git Applier
}

// Repair normalizes the text and finds the first variant that apply-checks
// cleanly, without applying it. It returns ErrApplyFailed when no transform
// produces an applicable diff.
func (p *Pipeline) Repair(ctx context.Context, text string) (Result, error) {
	normalized, err := Normalize(text)
	if err != nil {
		return Result{}, err
	}

	if err := p.Git.ApplyCheck(ctx, normalized); err == nil {
		return Result{Diff: normalized}, nil
	}

	candidate := normalized
	for _, t := range transforms {
		candidate = t.fn(candidate)
		if err := p.Git.ApplyCheck(ctx, candidate); err == nil {
			return Result{Diff: candidate, Transform: t.name}, nil
		}
	}
	return Result{Diff: normalized}, ErrApplyFailed
}

// ApplyRepaired repairs the text and applies the winning variant. When no
// variant apply-checks, it falls back to a best-effort partial apply that
// accepts what it can and leaves .rej files for the rest; only when even that
// fails is ErrApplyFailed returned.
func (p *Pipeline) ApplyRepaired(ctx context.Context, text string) (Result, error) {
	res, err := p.Repair(ctx, text)
	if errors.Is(err, ErrNoDiff) {
		return Result{}, err
	}
	if err == nil {
		if applyErr := p.Git.Apply(ctx, res.Diff); applyErr != nil {
			return res, ErrApplyFailed
		}
		return res, nil
	}

	if partialErr := p.Git.ApplyPartial(ctx, res.Diff); partialErr != nil {
		return res, ErrApplyFailed
	}
	res.Partial = true
	return res, nil
}
