// Package worktree gives each parallel worker a private filesystem copy of
// the repository plus its own branch, so concurrent writes never collide.
// Cleanup is idempotent and must run even when the worker fails or times
// out; creation and destruction counts always match by iteration end.
package worktree

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/adam-wheater/Forge-Cli-sub000/internal/vcs"
)

// Worktree is one isolation unit: a checkout path and its private branch.
type Worktree struct {
	ID     string
	Path   string
	Branch string
}

// Manager creates and destroys worktrees under <repo>/.forge-worktrees.
type Manager struct {
	Git *vcs.Git

	mu      sync.Mutex
	active  map[string]Worktree
	created int
	removed int
}

// NewManager returns a Manager for the repository the Git handle is bound to.
func NewManager(git *vcs.Git) *Manager {
	return &Manager{Git: git, active: make(map[string]Worktree)}
}

// BranchName returns the branch used for a worktree ID.
func BranchName(id string) string {
	return "forge/worker-" + id
}

// Create makes a new worktree with a fresh ID and private branch.
func (m *Manager) Create(ctx context.Context) (Worktree, error) {
	id := uuid.NewString()[:8]
	wt := Worktree{
		ID:     id,
		Path:   filepath.Join(m.Git.Dir, ".forge-worktrees", id),
		Branch: BranchName(id),
	}

	if err := m.Git.WorktreeAdd(ctx, wt.Path, wt.Branch); err != nil {
		return Worktree{}, fmt.Errorf("create worktree %s: %w", id, err)
	}

	m.mu.Lock()
	m.active[id] = wt
	m.created++
	m.mu.Unlock()
	return wt, nil
}

// Remove destroys a worktree and its branch. Calling it twice, or for a
// worktree that was already cleaned up externally, is a no-op.
func (m *Manager) Remove(ctx context.Context, wt Worktree) error {
	m.mu.Lock()
	_, tracked := m.active[wt.ID]
	delete(m.active, wt.ID)
	if tracked {
		m.removed++
	}
	m.mu.Unlock()

	if err := m.Git.WorktreeRemove(ctx, wt.Path); err != nil {
		return fmt.Errorf("remove worktree %s: %w", wt.ID, err)
	}
	if err := m.Git.DeleteBranch(ctx, wt.Branch); err != nil {
		return fmt.Errorf("delete branch %s: %w", wt.Branch, err)
	}
	return nil
}

// Counts returns how many worktrees were created and removed. The iteration
// controller asserts these match at iteration end.
func (m *Manager) Counts() (created, removed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.created, m.removed
}

// Active returns the worktrees not yet removed, for last-resort cleanup.
func (m *Manager) Active() []Worktree {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Worktree, 0, len(m.active))
	for _, wt := range m.active {
		out = append(out, wt)
	}
	return out
}
