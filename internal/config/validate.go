package config

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// Validate checks that the configuration is usable before the supervisor
// starts. It returns all problems found rather than stopping at the first.
func (c Config) Validate(ctx context.Context) []string {
	var problems []string

	if c.ClaudeOAuthToken == "" {
		problems = append(problems, "CLAUDE_CODE_OAUTH_TOKEN is not set")
	}
	if c.ForgeToken == "" {
		problems = append(problems, "GH_TOKEN is not set")
	}
	if c.GithubRepo == "" || c.GithubRepo == "owner/repo" {
		problems = append(problems, "GITHUB_REPO is not configured (still owner/repo)")
	}

	repoOK := false
	if info, err := os.Stat(c.TargetRepoPath); err != nil || !info.IsDir() {
		problems = append(problems, fmt.Sprintf("target repo path does not exist: %s", c.TargetRepoPath))
	} else if _, err := os.Stat(filepath.Join(c.TargetRepoPath, ".git")); err != nil {
		problems = append(problems, fmt.Sprintf("target repo path is not a git repository: %s", c.TargetRepoPath))
	} else {
		repoOK = true
	}

	for _, bin := range []string{"claude", "gh", "git"} {
		if _, err := exec.LookPath(bin); err != nil {
			problems = append(problems, fmt.Sprintf("%s not found on PATH", bin))
		}
	}

	// Worktree creation branches off the base branch; a typo here would
	// otherwise only surface as repeated dispatch failures.
	if repoOK {
		if _, err := exec.LookPath("git"); err == nil {
			branchCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			defer cancel()
			cmd := exec.CommandContext(branchCtx, "git", "-C", c.TargetRepoPath,
				"rev-parse", "--verify", "--quiet", c.BaseBranch)
			if err := cmd.Run(); err != nil {
				problems = append(problems, fmt.Sprintf("base branch %q does not exist in %s", c.BaseBranch, c.TargetRepoPath))
			}
		}
	}

	if _, err := exec.LookPath("gh"); err == nil {
		authCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		cmd := exec.CommandContext(authCtx, "gh", "auth", "status")
		if c.ForgeToken != "" {
			cmd.Env = append(os.Environ(), "GH_TOKEN="+c.ForgeToken)
		}
		if err := cmd.Run(); err != nil {
			problems = append(problems, "gh is not authenticated (gh auth status failed)")
		}
	}

	return problems
}
