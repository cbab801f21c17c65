// Package watcher resumes workers parked on rate limits. It periodically
// probes the CLI with a trivial prompt and, once the limit has reset, hands
// every parked worker back to the pool.
package watcher

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/uesteibar/swarm/internal/config"
	"github.com/uesteibar/swarm/internal/pool"
	"github.com/uesteibar/swarm/internal/shell"
	"github.com/uesteibar/swarm/internal/store"
)

const probeTimeout = 60 * time.Second

type Store interface {
	ListRateLimitedAgents() ([]store.Agent, error)
}

type Resumer interface {
	CanDispatch() bool
	Resume(ctx context.Context, rec store.Agent) (string, error)
}

// Prober reports whether the CLI currently answers without hitting a limit.
type Prober interface {
	Available(ctx context.Context) bool
}

type Watcher struct {
	cfg    config.Config
	store  Store
	pool   Resumer
	probe  Prober
	logger *slog.Logger
}

func New(cfg config.Config, st Store, pl Resumer, probe Prober, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	if probe == nil {
		probe = &CLIProbe{OAuthToken: cfg.ClaudeOAuthToken}
	}
	return &Watcher{cfg: cfg, store: st, pool: pl, probe: probe, logger: logger}
}

// Run checks until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	w.logger.Info("rate limit watcher started",
		"check_interval_seconds", w.cfg.RateLimitRetryInterval)
	ticker := time.NewTicker(w.cfg.RateLimitRetry())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("rate limit watcher stopped")
			return
		case <-ticker.C:
			w.CheckOnce(ctx)
		}
	}
}

// CheckOnce resumes parked workers if the limit has reset. Returns the
// number of workers resumed.
func (w *Watcher) CheckOnce(ctx context.Context) int {
	limited, err := w.store.ListRateLimitedAgents()
	if err != nil {
		w.logger.Error("listing rate-limited agents failed", "error", err)
		return 0
	}
	if len(limited) == 0 {
		return 0
	}

	w.logger.Info("probing availability for parked workers", "count", len(limited))
	if !w.probe.Available(ctx) {
		w.logger.Info("still rate-limited, will retry",
			"retry_seconds", w.cfg.RateLimitRetryInterval)
		return 0
	}

	w.logger.Info("limit has reset, resuming parked workers")
	resumed := 0
	for _, rec := range limited {
		if !w.pool.CanDispatch() {
			w.logger.Info("pool full, deferring remaining resumes", "remaining", len(limited)-resumed)
			break
		}
		newID, err := w.pool.Resume(ctx, rec)
		if err != nil {
			w.logger.Warn("resuming worker failed", "agent", rec.ID, "error", err)
			continue
		}
		w.logger.Info("resumed worker", "old_agent", rec.ID, "agent", newID)
		resumed++
	}
	return resumed
}

// CLIProbe asks the CLI for a one-word reply. Exit 0 means available; a
// non-zero exit only counts as limited when stderr carries a rate-limit
// signature, anything else is some unrelated failure and workers should try.
type CLIProbe struct {
	OAuthToken string
}

func (p *CLIProbe) Available(ctx context.Context) bool {
	runner := &shell.Runner{Env: []string{"CLAUDE_CODE_OAUTH_TOKEN=" + p.OAuthToken}}
	_, err := runner.RunTimeout(ctx, probeTimeout, "claude",
		"-p", "Reply with just the word OK", "--max-turns", "1")
	if err == nil {
		return true
	}
	var exitErr *shell.ExitError
	if errors.As(err, &exitErr) && exitErr.Code >= 0 {
		return !pool.MatchesRateLimit(exitErr.Stderr)
	}
	// Killed by the probe timeout, or the spawn itself failed: assume still
	// limited.
	return false
}
