// Package intake discovers labeled issues on the forge and feeds eligible
// ones to the agent pool.
package intake

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/uesteibar/swarm/internal/config"
	"github.com/uesteibar/swarm/internal/forge"
	"github.com/uesteibar/swarm/internal/pool"
	"github.com/uesteibar/swarm/internal/store"
)

// Forge is the issue and PR lookup surface used while polling.
type Forge interface {
	ListOpenIssues(ctx context.Context, label string) ([]forge.Issue, error)
	IssueComments(ctx context.Context, number int) ([]forge.Comment, error)
	FindPRForBranch(ctx context.Context, branch string, openOnly bool) int
}

// Store must return an error wrapping sql.ErrNoRows from GetIssue when the
// issue is not yet tracked.
type Store interface {
	GetIssue(number int) (store.Issue, error)
	UpsertIssue(number int, title, status string) error
	SetIssueStatus(number int, status, agentID string) error
	SetIssuePR(number, prNumber int) error
}

// Dispatcher hands ready issues to the agent pool.
type Dispatcher interface {
	CanDispatch() bool
	DispatchImplement(ctx context.Context, issueNumber int) (string, error)
}

type Poller struct {
	cfg    config.Config
	store  Store
	forge  Forge
	pool   Dispatcher
	logger *slog.Logger
}

func NewPoller(cfg config.Config, st Store, fg Forge, pl Dispatcher, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{cfg: cfg, store: st, forge: fg, pool: pl, logger: logger}
}

// PollOnce runs one discovery cycle: list labeled issues, classify each
// against tracked state and dispatch the ready ones until the pool fills up.
// Returns the number of workers dispatched.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	issues, err := p.forge.ListOpenIssues(ctx, p.cfg.IssueLabel)
	if err != nil {
		return 0, fmt.Errorf("listing labeled issues: %w", err)
	}
	p.logger.Info("polled issues", "label", p.cfg.IssueLabel, "count", len(issues))

	var ready []forge.Issue
	for _, issue := range issues {
		if p.classify(ctx, issue) {
			ready = append(ready, issue)
		}
	}

	dispatched := 0
	for _, issue := range ready {
		if !p.pool.CanDispatch() {
			p.logger.Info("pool full, deferring remaining issues", "remaining", len(ready)-dispatched)
			break
		}
		if _, err := p.pool.DispatchImplement(ctx, issue.Number); err != nil {
			if errors.Is(err, pool.ErrPoolFull) {
				break
			}
			p.logger.Error("dispatching issue failed", "issue", issue.Number, "error", err)
			continue
		}
		dispatched++
	}
	return dispatched, nil
}

// classify reconciles one discovered issue against tracked state and reports
// whether it is ready for dispatch.
func (p *Poller) classify(ctx context.Context, issue forge.Issue) bool {
	tracked, err := p.store.GetIssue(issue.Number)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			p.logger.Error("looking up issue failed", "issue", issue.Number, "error", err)
			return false
		}
		return p.admitNew(ctx, issue)
	}

	switch tracked.Status {
	case store.IssuePending:
		if tracked.Attempts >= p.cfg.MaxIssueRetries {
			p.logger.Warn("issue exceeded max retries, skipping",
				"issue", issue.Number, "attempts", tracked.Attempts)
			return false
		}
		return p.hasTrigger(ctx, issue.Number)

	case store.IssueResolved:
		// A PR left open means the issue was resolved prematurely, before
		// CI or reviewers had a chance to run. Put it back under watch.
		if tracked.PRNumber != 0 {
			if open := p.forge.FindPRForBranch(ctx, branchFor(issue.Number), true); open != 0 {
				p.logger.Warn("resolved issue still has an open PR, monitoring again",
					"issue", issue.Number, "pr", open)
				p.store.SetIssueStatus(issue.Number, store.IssuePRCreated, "")
				p.store.SetIssuePR(issue.Number, open)
			}
		}
		return false

	default:
		// in_progress, pr_created and needs_human all have an owner already.
		return false
	}
}

func (p *Poller) admitNew(ctx context.Context, issue forge.Issue) bool {
	// An open PR from a previous run (or a human) means implementation is
	// done; seed straight into review monitoring.
	if pr := p.forge.FindPRForBranch(ctx, branchFor(issue.Number), true); pr != 0 {
		p.logger.Info("new issue already has an open PR, seeding for review monitoring",
			"issue", issue.Number, "pr", pr)
		if err := p.store.UpsertIssue(issue.Number, issue.Title, store.IssuePRCreated); err != nil {
			p.logger.Error("tracking issue failed", "issue", issue.Number, "error", err)
			return false
		}
		p.store.SetIssuePR(issue.Number, pr)
		return false
	}

	if err := p.store.UpsertIssue(issue.Number, issue.Title, store.IssuePending); err != nil {
		p.logger.Error("tracking issue failed", "issue", issue.Number, "error", err)
		return false
	}

	if p.hasTrigger(ctx, issue.Number) {
		p.logger.Info("new issue triggered", "issue", issue.Number, "title", issue.Title)
		return true
	}
	p.logger.Info("new issue waiting for trigger", "issue", issue.Number, "title", issue.Title)
	return false
}

// hasTrigger reports whether any comment on the issue mentions the trigger
// handle. An empty TriggerMention disables gating, every labeled issue is
// eligible.
func (p *Poller) hasTrigger(ctx context.Context, issueNumber int) bool {
	if p.cfg.TriggerMention == "" {
		return true
	}

	comments, err := p.forge.IssueComments(ctx, issueNumber)
	if err != nil {
		p.logger.Warn("checking trigger comments failed", "issue", issueNumber, "error", err)
		return false
	}

	mention := strings.ToLower(p.cfg.TriggerMention)
	for _, c := range comments {
		if strings.Contains(strings.ToLower(c.Body), mention) {
			return true
		}
	}
	return false
}

func branchFor(issueNumber int) string {
	return fmt.Sprintf("fix/issue-%d", issueNumber)
}
