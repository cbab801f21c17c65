// Package reviewer watches PRs opened by workers and drives the review-fix
// loop: once CI settles, unresolved review feedback dispatches a fix worker
// and a clean PR resolves its issue.
package reviewer

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/uesteibar/swarm/internal/config"
	"github.com/uesteibar/swarm/internal/forge"
	"github.com/uesteibar/swarm/internal/store"
)

// NeedsHumanLabel is applied to issues whose PR exhausted fix iterations.
const NeedsHumanLabel = "needs-human"

type Forge interface {
	PRChecks(ctx context.Context, prNumber int) ([]forge.Check, error)
	UnresolvedThreads(ctx context.Context, prNumber int) ([]forge.Thread, error)
	PRInlineComments(ctx context.Context, prNumber int) ([]forge.RESTComment, error)
	PRHeadBranch(ctx context.Context, prNumber int) string
	AddLabel(ctx context.Context, issueNumber int, label string) error
}

type Store interface {
	ListIssuesByStatus(status string) ([]store.Issue, error)
	SetIssueStatus(number int, status, agentID string) error
	ListRunningAgents() ([]store.Agent, error)
	ListReviews(prNumber int) ([]store.Review, error)
	CreateReview(prNumber, iteration, commentsCount int, commentsJSON string) (int64, error)
	SetReviewAgent(id int64, agentID string) error
	SetReviewStatus(id int64, status string) error
}

type Dispatcher interface {
	CanDispatch() bool
	HasRunningFixWorker(prNumber int) bool
	DispatchFixReview(ctx context.Context, prNumber int, branch string, issueNumber int, threads []forge.Thread) (string, error)
}

type Monitor struct {
	cfg    config.Config
	store  Store
	forge  Forge
	pool   Dispatcher
	logger *slog.Logger

	// REST fallback state: last seen inline comment count per PR. Without
	// thread resolution data, only count growth signals new feedback.
	lastCommentCounts map[int]int
}

func NewMonitor(cfg config.Config, st Store, fg Forge, pl Dispatcher, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		cfg:               cfg,
		store:             st,
		forge:             fg,
		pool:              pl,
		logger:            logger,
		lastCommentCounts: make(map[int]int),
	}
}

// Run polls until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info("pr monitor started", "poll_interval_seconds", m.cfg.PRPollIntervalSeconds)
	ticker := time.NewTicker(m.cfg.PRPollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("pr monitor stopped")
			return
		case <-ticker.C:
			m.PollOnce(ctx)
		}
	}
}

// PollOnce inspects every issue sitting in pr_created.
func (m *Monitor) PollOnce(ctx context.Context) {
	issues, err := m.store.ListIssuesByStatus(store.IssuePRCreated)
	if err != nil {
		m.logger.Error("listing issues with PRs failed", "error", err)
		return
	}

	for _, issue := range issues {
		if issue.PRNumber == 0 {
			continue
		}
		m.checkPR(ctx, issue)
	}
}

func (m *Monitor) checkPR(ctx context.Context, issue store.Issue) {
	prNumber := issue.PRNumber

	reviews, err := m.store.ListReviews(prNumber)
	if err != nil {
		m.logger.Error("listing review iterations failed", "pr", prNumber, "error", err)
		return
	}
	iterations := len(reviews)

	if iterations >= m.cfg.MaxPRFixRetries {
		m.escalate(ctx, issue)
		return
	}

	if m.hasRunningFix(prNumber) {
		return
	}

	checks, err := m.forge.PRChecks(ctx, prNumber)
	if err != nil {
		m.logger.Warn("fetching checks failed", "pr", prNumber, "error", err)
		return
	}
	if len(checks) == 0 && !m.ciWaitExpired(issue) {
		m.logger.Debug("no checks reported yet, waiting", "pr", prNumber)
		return
	}
	if ciPending(checks) {
		m.logger.Debug("checks still running, waiting", "pr", prNumber)
		return
	}
	ciFailed := anyCheckFailed(checks)

	threads, err := m.forge.UnresolvedThreads(ctx, prNumber)
	if err != nil {
		m.logger.Warn("thread query failed, using comment-count fallback",
			"pr", prNumber, "error", err)
		m.checkByCommentCount(ctx, issue, iterations, ciFailed)
		return
	}

	if len(threads) == 0 && !ciFailed {
		m.resolve(issue)
		return
	}

	m.logger.Info("pr needs fixes",
		"pr", prNumber, "unresolved_threads", len(threads), "ci_failed", ciFailed,
		"iteration", iterations+1)
	m.dispatchFix(ctx, issue, iterations+1, len(threads), threads, threads)
}

// checkByCommentCount is the degraded path when thread resolution state is
// unavailable. Any growth in the inline comment count is treated as new
// feedback; a stable count with passing CI resolves the issue.
func (m *Monitor) checkByCommentCount(ctx context.Context, issue store.Issue, iterations int, ciFailed bool) {
	prNumber := issue.PRNumber

	comments, err := m.forge.PRInlineComments(ctx, prNumber)
	if err != nil {
		m.logger.Error("fetching inline comments failed", "pr", prNumber, "error", err)
		return
	}
	count := len(comments)
	prev := m.lastCommentCounts[prNumber]

	switch {
	case count == 0 && !ciFailed:
		m.resolve(issue)

	case count > prev || ciFailed:
		m.logger.Info("pr needs fixes",
			"pr", prNumber, "comments", count, "previous", prev, "ci_failed", ciFailed,
			"iteration", iterations+1)
		m.lastCommentCounts[prNumber] = count
		// Persist comment snapshots in thread shape for the dashboard, but
		// dispatch without them: the worker re-fetches current state itself.
		snapshot := forge.ThreadsFromRESTComments(comments)
		m.dispatchFix(ctx, issue, iterations+1, count, snapshot, nil)

	case prev > 0:
		m.logger.Info("no new comments since last fix and checks pass",
			"pr", prNumber, "comments", count)
		m.resolve(issue)
	}
}

func (m *Monitor) dispatchFix(ctx context.Context, issue store.Issue, iteration, commentCount int, persisted, forPrompt []forge.Thread) {
	prNumber := issue.PRNumber

	if !m.pool.CanDispatch() {
		m.logger.Info("pool full, deferring fix dispatch", "pr", prNumber)
		return
	}

	commentsJSON := ""
	if len(persisted) > 0 {
		if encoded, err := json.Marshal(persisted); err == nil {
			commentsJSON = string(encoded)
		}
	}
	reviewID, err := m.store.CreateReview(prNumber, iteration, commentCount, commentsJSON)
	if err != nil {
		m.logger.Error("recording review iteration failed", "pr", prNumber, "error", err)
		return
	}

	branch := m.forge.PRHeadBranch(ctx, prNumber)
	if branch == "" {
		m.logger.Error("could not determine head branch", "pr", prNumber)
		m.store.SetReviewStatus(reviewID, store.ReviewFailed)
		return
	}

	agentID, err := m.pool.DispatchFixReview(ctx, prNumber, branch, issue.Number, forPrompt)
	if err != nil {
		m.logger.Error("dispatching fix worker failed", "pr", prNumber, "error", err)
		m.store.SetReviewStatus(reviewID, store.ReviewFailed)
		return
	}
	m.store.SetReviewAgent(reviewID, agentID)
	m.store.SetReviewStatus(reviewID, store.ReviewFixing)
}

func (m *Monitor) resolve(issue store.Issue) {
	m.logger.Info("pr is clean, resolving issue", "pr", issue.PRNumber, "issue", issue.Number)
	if err := m.store.SetIssueStatus(issue.Number, store.IssueResolved, ""); err != nil {
		m.logger.Error("resolving issue failed", "issue", issue.Number, "error", err)
	}
	delete(m.lastCommentCounts, issue.PRNumber)
}

func (m *Monitor) escalate(ctx context.Context, issue store.Issue) {
	m.logger.Warn("pr exceeded max fix iterations, escalating",
		"pr", issue.PRNumber, "issue", issue.Number, "max", m.cfg.MaxPRFixRetries)
	if err := m.store.SetIssueStatus(issue.Number, store.IssueNeedsHuman, ""); err != nil {
		m.logger.Error("escalating issue failed", "issue", issue.Number, "error", err)
	}
	if err := m.forge.AddLabel(ctx, issue.Number, NeedsHumanLabel); err != nil {
		m.logger.Error("labeling issue failed", "issue", issue.Number, "error", err)
	}
}

// hasRunningFix consults both the live pool and the database: a fix worker
// from a previous supervisor run is not tracked in memory but its row still
// says running.
func (m *Monitor) hasRunningFix(prNumber int) bool {
	if m.pool.HasRunningFixWorker(prNumber) {
		return true
	}
	agents, err := m.store.ListRunningAgents()
	if err != nil {
		m.logger.Error("listing running agents failed", "error", err)
		return false
	}
	for _, a := range agents {
		if a.PRNumber == prNumber && a.Type == store.TypeFixReview {
			return true
		}
	}
	return false
}

// ciWaitExpired bounds how long a PR with no reported checks is held back.
// Repos without CI would otherwise never leave pr_created.
func (m *Monitor) ciWaitExpired(issue store.Issue) bool {
	if issue.UpdatedAt.IsZero() {
		return false
	}
	return time.Since(issue.UpdatedAt) > time.Duration(m.cfg.CIWaitTimeoutSeconds)*time.Second
}

func ciPending(checks []forge.Check) bool {
	for _, c := range checks {
		if c.State == "PENDING" || c.Bucket == "pending" {
			return true
		}
	}
	return false
}

func anyCheckFailed(checks []forge.Check) bool {
	for _, c := range checks {
		if c.Bucket == "fail" || c.State == "FAILURE" || c.State == "ERROR" {
			return true
		}
	}
	return false
}
