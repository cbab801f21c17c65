package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func clearSwarmEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"SWARM_CONFIG", "CLAUDE_CODE_OAUTH_TOKEN", "GH_TOKEN", "GITHUB_REPO",
		"BASE_BRANCH", "TARGET_REPO_PATH", "ISSUE_LABEL", "WORKTREE_DIR",
		"DB_PATH", "TRIGGER_MENTION", "POLL_INTERVAL_SECONDS",
		"MAX_ISSUE_RETRIES", "MAX_CONCURRENT_AGENTS", "AGENT_MAX_TURNS_IMPLEMENT",
		"AGENT_MAX_TURNS_FIX", "AGENT_TIMEOUT_SECONDS", "PR_POLL_INTERVAL_SECONDS",
		"MAX_PR_FIX_RETRIES", "CI_WAIT_TIMEOUT_SECONDS", "RATE_LIMIT_RETRY_INTERVAL",
		"MAX_RATE_LIMIT_RESUMES", "DASHBOARD_PORT", "SKILLS_ENABLED",
	}
	for _, k := range keys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearSwarmEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.PollIntervalSeconds != 300 {
		t.Errorf("PollIntervalSeconds = %d, want 300", cfg.PollIntervalSeconds)
	}
	if cfg.IssueLabel != "agent" {
		t.Errorf("IssueLabel = %q, want agent", cfg.IssueLabel)
	}
	if cfg.TriggerMention != "@claude-swarm" {
		t.Errorf("TriggerMention = %q, want @claude-swarm", cfg.TriggerMention)
	}
	if cfg.MaxConcurrentAgents != 3 {
		t.Errorf("MaxConcurrentAgents = %d, want 3", cfg.MaxConcurrentAgents)
	}
	if cfg.DashboardPort != 8420 {
		t.Errorf("DashboardPort = %d, want 8420", cfg.DashboardPort)
	}
	if !filepath.IsAbs(cfg.TargetRepoPath) {
		t.Errorf("TargetRepoPath = %q, want absolute", cfg.TargetRepoPath)
	}
	if cfg.WorktreeDir == "" || cfg.DBPath == "" {
		t.Errorf("derived paths empty: worktrees=%q db=%q", cfg.WorktreeDir, cfg.DBPath)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearSwarmEnv(t)
	t.Setenv("GITHUB_REPO", "acme/widgets")
	t.Setenv("MAX_CONCURRENT_AGENTS", "7")
	t.Setenv("TRIGGER_MENTION", "")
	t.Setenv("SKILLS_ENABLED", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.GithubRepo != "acme/widgets" {
		t.Errorf("GithubRepo = %q", cfg.GithubRepo)
	}
	if cfg.MaxConcurrentAgents != 7 {
		t.Errorf("MaxConcurrentAgents = %d, want 7", cfg.MaxConcurrentAgents)
	}
	if cfg.TriggerMention != "" {
		t.Errorf("TriggerMention = %q, want empty (explicitly disabled)", cfg.TriggerMention)
	}
	if !cfg.SkillsEnabled {
		t.Error("SkillsEnabled = false, want true")
	}
}

func TestLoad_YAMLFileThenEnvWins(t *testing.T) {
	clearSwarmEnv(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "swarm.yaml")
	content := "github_repo: acme/from-file\nmax_concurrent_agents: 9\nbase_branch: develop\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("GITHUB_REPO", "acme/from-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.GithubRepo != "acme/from-env" {
		t.Errorf("GithubRepo = %q, want env value", cfg.GithubRepo)
	}
	if cfg.MaxConcurrentAgents != 9 {
		t.Errorf("MaxConcurrentAgents = %d, want 9 from file", cfg.MaxConcurrentAgents)
	}
	if cfg.BaseBranch != "develop" {
		t.Errorf("BaseBranch = %q, want develop", cfg.BaseBranch)
	}
}

func TestLoad_BadIntEnv(t *testing.T) {
	clearSwarmEnv(t)
	t.Setenv("DASHBOARD_PORT", "not-a-number")

	if _, err := Load(""); err == nil {
		t.Fatal("expected error for malformed integer env")
	}
}

func TestOwnerRepo(t *testing.T) {
	c := Config{GithubRepo: "acme/widgets"}
	if c.Owner() != "acme" || c.Repo() != "widgets" {
		t.Errorf("Owner/Repo = %q/%q", c.Owner(), c.Repo())
	}
}

func TestRedacted_HidesTokens(t *testing.T) {
	c := defaults()
	c.ClaudeOAuthToken = "sk-ant-REDACTED"
	c.ForgeToken = "ghp_0123456789abcdef"

	out := c.Redacted()
	if strings.Contains(out, "abcdefghijklmnop") {
		t.Errorf("Redacted leaked claude token: %s", out)
	}
	if strings.Contains(out, "0123456789abcdef") {
		t.Errorf("Redacted leaked gh token: %s", out)
	}
	if !strings.Contains(out, "sk-ant-oat01") {
		t.Errorf("Redacted should keep a recognizable prefix: %s", out)
	}
}
