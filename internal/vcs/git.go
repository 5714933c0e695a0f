// Package vcs wraps the git CLI operations the run depends on: clone,
// branching, reset, apply, commit, diff, and worktree management. Every
// command runs under the caller's context.
package vcs

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Git executes git commands against one repository checkout.
type Git struct {
	Dir string

	// KeepUntracked lists gitignore-style patterns ResetHard's clean leaves
	// alone, for run artifacts that live inside the checkout.
	KeepUntracked []string
}

// New returns a Git bound to the given working directory, or an error when
// the git binary is unavailable.
func New(dir string) (*Git, error) {
	if _, err := exec.LookPath("git"); err != nil {
		return nil, fmt.Errorf("git not found in PATH: %w", err)
	}
	return &Git{Dir: dir}, nil
}

// run executes git with the repository as its working directory and returns
// trimmed stdout. Failures include trimmed stderr for diagnosis.
func (g *Git) run(ctx context.Context, stdin string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", g.Dir}, args...)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

// Clone clones src into dest. It does not require an existing Dir.
func Clone(ctx context.Context, src, dest string) error {
	cmd := exec.CommandContext(ctx, "git", "clone", src, dest)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("git clone: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// IsRepo reports whether Dir is inside a git repository.
func (g *Git) IsRepo(ctx context.Context) bool {
	_, err := g.run(ctx, "", "rev-parse", "--git-dir")
	return err == nil
}

// HeadSHA returns the current HEAD commit SHA.
func (g *Git) HeadSHA(ctx context.Context) (string, error) {
	return g.run(ctx, "", "rev-parse", "HEAD")
}

// CreateBranch creates and checks out a branch.
func (g *Git) CreateBranch(ctx context.Context, name string) error {
	_, err := g.run(ctx, "", "checkout", "-b", name)
	return err
}

// Checkout switches to an existing branch or commit.
func (g *Git) Checkout(ctx context.Context, ref string) error {
	_, err := g.run(ctx, "", "checkout", ref)
	return err
}

// ResetHard discards all working-tree changes back to HEAD, including
// untracked files left behind by failed applies.
func (g *Git) ResetHard(ctx context.Context) error {
	if _, err := g.run(ctx, "", "reset", "--hard", "HEAD"); err != nil {
		return err
	}
	args := []string{"clean", "-fd"}
	for _, keep := range g.KeepUntracked {
		args = append(args, "-e", keep)
	}
	_, err := g.run(ctx, "", args...)
	return err
}

// WorkingDiff returns the diff of the working tree against HEAD.
func (g *Git) WorkingDiff(ctx context.Context) (string, error) {
	out, err := g.run(ctx, "", "diff", "HEAD")
	if err != nil {
		return "", err
	}
	if out == "" {
		return "working tree is clean", nil
	}
	return out, nil
}

// ApplyCheck verifies the diff would apply cleanly without touching files.
func (g *Git) ApplyCheck(ctx context.Context, diff string) error {
	_, err := g.run(ctx, diff, "apply", "--check", "--whitespace=nowarn", "-")
	return err
}

// Apply applies the diff to the working tree.
func (g *Git) Apply(ctx context.Context, diff string) error {
	_, err := g.run(ctx, diff, "apply", "--whitespace=nowarn", "-")
	return err
}

// ApplyPartial applies whatever hunks it can, writing .rej files for the
// rest. git exits non-zero when any hunk is rejected, so success here means
// at least the command ran; callers inspect the tree afterwards.
func (g *Git) ApplyPartial(ctx context.Context, diff string) error {
	_, err := g.run(ctx, diff, "apply", "--reject", "--whitespace=nowarn", "-")
	if err != nil && strings.Contains(err.Error(), "Applying patch") {
		// Some hunks landed; treat as best-effort success.
		return nil
	}
	return err
}

// CommitAll stages everything and commits with the given message. A clean
// tree commits nothing and returns the current HEAD SHA.
func (g *Git) CommitAll(ctx context.Context, message string) (string, error) {
	if _, err := g.run(ctx, "", "add", "-A"); err != nil {
		return "", err
	}
	if _, err := g.run(ctx, "", "diff", "--cached", "--quiet"); err == nil {
		return g.HeadSHA(ctx)
	}
	if _, err := g.run(ctx, "", "commit", "-m", message); err != nil {
		return "", err
	}
	return g.HeadSHA(ctx)
}

// WorktreeAdd creates a worktree at path on a new branch.
func (g *Git) WorktreeAdd(ctx context.Context, path, branch string) error {
	_, err := g.run(ctx, "", "worktree", "add", "-b", branch, path)
	return err
}

// WorktreeRemove force-removes a worktree. Removing an already-removed
// worktree is not an error; cleanup must be idempotent.
func (g *Git) WorktreeRemove(ctx context.Context, path string) error {
	_, err := g.run(ctx, "", "worktree", "remove", "--force", path)
	if err != nil && (strings.Contains(err.Error(), "not a working tree") ||
		strings.Contains(err.Error(), "No such file")) {
		return nil
	}
	return err
}

// DeleteBranch force-deletes a branch. A missing branch is not an error.
func (g *Git) DeleteBranch(ctx context.Context, name string) error {
	_, err := g.run(ctx, "", "branch", "-D", name)
	if err != nil && strings.Contains(err.Error(), "not found") {
		return nil
	}
	return err
}
