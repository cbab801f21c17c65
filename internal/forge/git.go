package forge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/uesteibar/swarm/internal/shell"
)

// Git runs source-control commands inside worker worktrees, covering the
// reconciliation checks that run after an implementation worker exits.
type Git struct {
	logger *slog.Logger
}

func NewGit(logger *slog.Logger) *Git {
	if logger == nil {
		logger = slog.Default()
	}
	return &Git{logger: logger}
}

// BranchOnRemote reports whether the branch exists on origin.
func (g *Git) BranchOnRemote(ctx context.Context, worktree, branch string) bool {
	runner := &shell.Runner{Dir: worktree}
	out, err := runner.RunTimeout(ctx, 30*time.Second, "git", "ls-remote", "--heads", "origin", branch)
	if err != nil {
		g.logger.Debug("ls-remote failed", "branch", branch, "error", err)
		return false
	}
	return strings.Contains(out, branch)
}

// HasUnpushedCommits reports whether the worktree holds commits ahead of the
// remote base branch.
func (g *Git) HasUnpushedCommits(ctx context.Context, worktree, baseBranch string) bool {
	runner := &shell.Runner{Dir: worktree}
	out, err := runner.RunTimeout(ctx, 15*time.Second, "git", "log", fmt.Sprintf("origin/%s..HEAD", baseBranch), "--oneline")
	if err != nil {
		g.logger.Debug("log for unpushed commits failed", "worktree", worktree, "error", err)
		return false
	}
	return strings.TrimSpace(out) != ""
}

// PushBranch pushes the branch to origin with upstream tracking.
func (g *Git) PushBranch(ctx context.Context, worktree, branch string) error {
	runner := &shell.Runner{Dir: worktree}
	if _, err := runner.RunTimeout(ctx, 60*time.Second, "git", "push", "-u", "origin", branch); err != nil {
		return fmt.Errorf("pushing branch %s: %w", branch, err)
	}
	g.logger.Info("pushed branch", "branch", branch)
	return nil
}
