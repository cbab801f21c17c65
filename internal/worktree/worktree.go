// Package worktree manages the git worktrees workers run inside. Each issue
// gets an isolated checkout under the worktree directory so concurrent
// workers never touch each other's files.
package worktree

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/uesteibar/swarm/internal/shell"
)

const gitTimeout = 60 * time.Second

// Manager creates and removes worktrees of one target repository.
type Manager struct {
	repoPath   string
	dir        string
	baseBranch string
	runner     *shell.Runner
	logger     *slog.Logger
}

type Worktree struct {
	Path   string
	Head   string
	Branch string
	Bare   bool
}

func NewManager(repoPath, dir, baseBranch string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		repoPath:   repoPath,
		dir:        dir,
		baseBranch: baseBranch,
		runner:     &shell.Runner{},
		logger:     logger,
	}
}

func (m *Manager) git(ctx context.Context, args ...string) (string, error) {
	full := append([]string{"-C", m.repoPath}, args...)
	return m.runner.RunTimeout(ctx, gitTimeout, "git", full...)
}

// EnsureRepoUpdated fetches from origin and pulls the base branch. The pull
// may fail on a dirty main checkout; fetch is the part that matters for
// worktree creation, so pull errors are logged and ignored.
func (m *Manager) EnsureRepoUpdated(ctx context.Context) error {
	m.logger.Info("updating target repo", "path", m.repoPath)
	if _, err := m.git(ctx, "fetch", "origin"); err != nil {
		return fmt.Errorf("fetching origin: %w", err)
	}
	if _, err := m.git(ctx, "pull", "origin", m.baseBranch); err != nil {
		m.logger.Debug("pull failed", "branch", m.baseBranch, "error", err)
	}
	return nil
}

// CreateForIssue creates a worktree with a fresh fix/issue-N branch off the
// base branch. A stale worktree at the same path is removed first.
func (m *Manager) CreateForIssue(ctx context.Context, issueNumber int) (path, branch string, err error) {
	path = filepath.Join(m.dir, fmt.Sprintf("issue-%d", issueNumber))
	branch = fmt.Sprintf("fix/issue-%d", issueNumber)

	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return "", "", fmt.Errorf("creating worktree dir: %w", err)
	}
	if _, statErr := os.Stat(path); statErr == nil {
		m.logger.Warn("worktree already exists, removing first", "path", path)
		m.Remove(ctx, path)
	}
	// A retry leaves the branch from the previous attempt behind; drop it so
	// worktree add can recreate it from the base branch.
	if _, err := m.git(ctx, "branch", "-D", branch); err == nil {
		m.logger.Debug("deleted stale branch", "branch", branch)
	}

	m.logger.Info("creating worktree", "path", path, "branch", branch)
	if _, err := m.git(ctx, "worktree", "add", path, "-b", branch, m.baseBranch); err != nil {
		return "", "", fmt.Errorf("creating worktree for issue %d: %w", issueNumber, err)
	}
	return path, branch, nil
}

// CreateForPR checks out an existing PR head branch into a pr-fix-P worktree.
func (m *Manager) CreateForPR(ctx context.Context, prNumber int, branch string) (string, error) {
	path := filepath.Join(m.dir, fmt.Sprintf("pr-fix-%d", prNumber))

	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return "", fmt.Errorf("creating worktree dir: %w", err)
	}
	if _, statErr := os.Stat(path); statErr == nil {
		m.logger.Warn("worktree already exists, removing first", "path", path)
		m.Remove(ctx, path)
	}

	if _, err := m.git(ctx, "fetch", "origin", branch); err != nil {
		m.logger.Debug("fetch of pr branch failed", "branch", branch, "error", err)
	}

	m.logger.Info("creating worktree for pr fix", "path", path, "branch", branch)
	if _, err := m.git(ctx, "worktree", "add", path, branch); err != nil {
		return "", fmt.Errorf("creating worktree for pr %d: %w", prNumber, err)
	}
	return path, nil
}

// Remove force-removes a worktree. Removal of an already-gone worktree is
// not an error.
func (m *Manager) Remove(ctx context.Context, path string) {
	m.logger.Info("cleaning up worktree", "path", path)
	if _, err := m.git(ctx, "worktree", "remove", path, "--force"); err != nil {
		m.logger.Debug("worktree remove failed", "path", path, "error", err)
	}
}

// List parses `git worktree list --porcelain` output.
func (m *Manager) List(ctx context.Context) ([]Worktree, error) {
	out, err := m.git(ctx, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("listing worktrees: %w", err)
	}
	return parseWorktreeList(out), nil
}

func parseWorktreeList(out string) []Worktree {
	var worktrees []Worktree
	var current Worktree
	var started bool

	flush := func() {
		if started {
			worktrees = append(worktrees, current)
			current = Worktree{}
			started = false
		}
	}

	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "worktree "):
			flush()
			current.Path = strings.TrimPrefix(line, "worktree ")
			started = true
		case strings.HasPrefix(line, "HEAD "):
			current.Head = strings.TrimPrefix(line, "HEAD ")
			started = true
		case strings.HasPrefix(line, "branch "):
			current.Branch = strings.TrimPrefix(line, "branch ")
			started = true
		case line == "bare":
			current.Bare = true
			started = true
		}
	}
	flush()
	return worktrees
}
