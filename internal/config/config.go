// Package config loads supervisor configuration from an optional YAML file
// overlaid with environment variables. Environment always wins, matching the
// deploy-time contract: the file is for local development convenience.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable of the supervisor.
type Config struct {
	// Authentication.
	ClaudeOAuthToken string `yaml:"claude_oauth_token"`
	ForgeToken       string `yaml:"forge_token"`

	// Repository.
	GithubRepo     string `yaml:"github_repo"` // owner/repo
	BaseBranch     string `yaml:"base_branch"`
	TargetRepoPath string `yaml:"target_repo_path"`

	// Issue intake.
	PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
	IssueLabel          string `yaml:"issue_label"`
	MaxIssueRetries     int    `yaml:"max_issue_retries"`
	// TriggerMention gates dispatch on an issue comment containing this
	// substring (case-insensitive). Empty disables the gate entirely.
	TriggerMention string `yaml:"trigger_mention"`

	// Worker pool.
	MaxConcurrentAgents    int `yaml:"max_concurrent_agents"`
	AgentMaxTurnsImplement int `yaml:"agent_max_turns_implement"`
	AgentMaxTurnsFix       int `yaml:"agent_max_turns_fix"`
	AgentTimeoutSeconds    int `yaml:"agent_timeout_seconds"`

	// PR review loop.
	PRPollIntervalSeconds int `yaml:"pr_poll_interval_seconds"`
	MaxPRFixRetries       int `yaml:"max_pr_fix_retries"`
	CIWaitTimeoutSeconds  int `yaml:"ci_wait_timeout_seconds"`

	// Rate-limit handling.
	RateLimitRetryInterval int `yaml:"rate_limit_retry_interval"`
	MaxRateLimitResumes    int `yaml:"max_rate_limit_resumes"`

	// Dashboard.
	DashboardPort int `yaml:"dashboard_port"`

	// Paths.
	WorktreeDir string `yaml:"worktree_dir"`
	DBPath      string `yaml:"db_path"`

	SkillsEnabled bool `yaml:"skills_enabled"`
}

func defaults() Config {
	return Config{
		GithubRepo:             "owner/repo",
		BaseBranch:             "main",
		TargetRepoPath:         ".",
		PollIntervalSeconds:    300,
		IssueLabel:             "agent",
		MaxIssueRetries:        3,
		TriggerMention:         "@claude-swarm",
		MaxConcurrentAgents:    3,
		AgentMaxTurnsImplement: 30,
		AgentMaxTurnsFix:       20,
		AgentTimeoutSeconds:    1800,
		PRPollIntervalSeconds:  120,
		MaxPRFixRetries:        5,
		CIWaitTimeoutSeconds:   600,
		RateLimitRetryInterval: 300,
		MaxRateLimitResumes:    5,
		DashboardPort:          8420,
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if it
// exists), then environment variables. Path may be empty, in which case only
// SWARM_CONFIG is consulted for a file location.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path == "" {
		path = os.Getenv("SWARM_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("reading config file %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}

	abs, err := filepath.Abs(cfg.TargetRepoPath)
	if err != nil {
		return Config{}, fmt.Errorf("resolving target repo path: %w", err)
	}
	cfg.TargetRepoPath = abs

	if cfg.WorktreeDir == "" {
		cfg.WorktreeDir = filepath.Join(
			filepath.Dir(cfg.TargetRepoPath),
			filepath.Base(cfg.TargetRepoPath)+"-worktrees",
		)
	}
	if cfg.DBPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, fmt.Errorf("getting home directory: %w", err)
		}
		cfg.DBPath = filepath.Join(home, ".swarm", "swarm.db")
	}

	return cfg, nil
}

func (c *Config) applyEnv() error {
	strs := map[string]*string{
		"CLAUDE_CODE_OAUTH_TOKEN": &c.ClaudeOAuthToken,
		"GH_TOKEN":                &c.ForgeToken,
		"GITHUB_REPO":             &c.GithubRepo,
		"BASE_BRANCH":             &c.BaseBranch,
		"TARGET_REPO_PATH":        &c.TargetRepoPath,
		"ISSUE_LABEL":             &c.IssueLabel,
		"WORKTREE_DIR":            &c.WorktreeDir,
		"DB_PATH":                 &c.DBPath,
	}
	for key, dst := range strs {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}

	// TRIGGER_MENTION distinguishes "unset" from "explicitly empty": an empty
	// value disables triggering.
	if v, ok := os.LookupEnv("TRIGGER_MENTION"); ok {
		c.TriggerMention = v
	}

	ints := map[string]*int{
		"POLL_INTERVAL_SECONDS":     &c.PollIntervalSeconds,
		"MAX_ISSUE_RETRIES":         &c.MaxIssueRetries,
		"MAX_CONCURRENT_AGENTS":     &c.MaxConcurrentAgents,
		"AGENT_MAX_TURNS_IMPLEMENT": &c.AgentMaxTurnsImplement,
		"AGENT_MAX_TURNS_FIX":       &c.AgentMaxTurnsFix,
		"AGENT_TIMEOUT_SECONDS":     &c.AgentTimeoutSeconds,
		"PR_POLL_INTERVAL_SECONDS":  &c.PRPollIntervalSeconds,
		"MAX_PR_FIX_RETRIES":        &c.MaxPRFixRetries,
		"CI_WAIT_TIMEOUT_SECONDS":   &c.CIWaitTimeoutSeconds,
		"RATE_LIMIT_RETRY_INTERVAL": &c.RateLimitRetryInterval,
		"MAX_RATE_LIMIT_RESUMES":    &c.MaxRateLimitResumes,
		"DASHBOARD_PORT":            &c.DashboardPort,
	}
	for key, dst := range ints {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing %s=%q: %w", key, v, err)
		}
		*dst = n
	}

	if v := os.Getenv("SKILLS_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parsing SKILLS_ENABLED=%q: %w", v, err)
		}
		c.SkillsEnabled = b
	}

	return nil
}

// Interval helpers keep time.Duration conversions in one place.

func (c Config) PollInterval() time.Duration    { return time.Duration(c.PollIntervalSeconds) * time.Second }
func (c Config) PRPollInterval() time.Duration  { return time.Duration(c.PRPollIntervalSeconds) * time.Second }
func (c Config) RateLimitRetry() time.Duration  { return time.Duration(c.RateLimitRetryInterval) * time.Second }
func (c Config) AgentTimeout() time.Duration    { return time.Duration(c.AgentTimeoutSeconds) * time.Second }

// Owner and Repo split GithubRepo.
func (c Config) Owner() string {
	owner, _, _ := strings.Cut(c.GithubRepo, "/")
	return owner
}

func (c Config) Repo() string {
	_, repo, _ := strings.Cut(c.GithubRepo, "/")
	return repo
}

// Redacted renders the configuration for startup logging with secrets
// shortened to a recognizable prefix.
func (c Config) Redacted() string {
	var b strings.Builder
	fmt.Fprintf(&b, "repo=%s base=%s target=%s", c.GithubRepo, c.BaseBranch, c.TargetRepoPath)
	fmt.Fprintf(&b, " worktrees=%s db=%s", c.WorktreeDir, c.DBPath)
	fmt.Fprintf(&b, " poll=%ds pr_poll=%ds label=%s", c.PollIntervalSeconds, c.PRPollIntervalSeconds, c.IssueLabel)
	trigger := c.TriggerMention
	if trigger == "" {
		trigger = "(disabled)"
	}
	fmt.Fprintf(&b, " trigger=%s agents=%d timeout=%ds", trigger, c.MaxConcurrentAgents, c.AgentTimeoutSeconds)
	fmt.Fprintf(&b, " claude_token=%s gh_token=%s", redact(c.ClaudeOAuthToken, 12), redact(c.ForgeToken, 8))
	return b.String()
}

func redact(token string, keep int) string {
	if token == "" {
		return "(not set)"
	}
	if len(token) <= keep {
		return token[:1] + "..."
	}
	return token[:keep] + "..."
}
