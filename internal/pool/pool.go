// Package pool runs and supervises worker subprocesses. It enforces the
// concurrency cap, reads each worker's event stream, reconciles outcomes
// after exit and resumes workers parked on rate limits.
package pool

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/uesteibar/swarm/internal/config"
	"github.com/uesteibar/swarm/internal/forge"
	"github.com/uesteibar/swarm/internal/prompts"
	"github.com/uesteibar/swarm/internal/store"
	"github.com/uesteibar/swarm/internal/stream"
)

// ErrPoolFull means the concurrency cap is reached; callers defer to the
// next cycle.
var ErrPoolFull = errors.New("agent pool full")

// Store is the persistence surface the pool uses.
type Store interface {
	CreateAgent(agent store.Agent) (store.Agent, error)
	FinishAgent(id, status, errorMessage string) error
	MarkAgentRateLimited(id, sessionID string) error
	SetAgentStatus(id, status string) error
	SetAgentPR(id string, prNumber int) error
	SetAgentSession(id, sessionID string) error
	SetAgentTurns(id string, turns int) error
	InsertEvent(agentID, eventType, eventData string) error
	ListRunningAgents() ([]store.Agent, error)
	ListRateLimitedAgents() ([]store.Agent, error)
	GetIssue(number int) (store.Issue, error)
	SetIssueStatus(number int, status, agentID string) error
	SetIssueAgent(number int, agentID string) error
	SetIssuePR(number, prNumber int) error
	IncrementIssueAttempts(number int) (int, error)
}

// Forge covers the PR operations used during reconciliation and resume.
type Forge interface {
	FindPRForBranch(ctx context.Context, branch string, openOnly bool) int
	CreatePR(ctx context.Context, branch string, issueNumber int) (int, error)
	UnresolvedThreads(ctx context.Context, prNumber int) ([]forge.Thread, error)
}

// Git covers the branch checks used during reconciliation.
type Git interface {
	BranchOnRemote(ctx context.Context, worktree, branch string) bool
	HasUnpushedCommits(ctx context.Context, worktree, baseBranch string) bool
	PushBranch(ctx context.Context, worktree, branch string) error
}

// Trees manages worker worktrees.
type Trees interface {
	EnsureRepoUpdated(ctx context.Context) error
	CreateForIssue(ctx context.Context, issueNumber int) (path, branch string, err error)
	CreateForPR(ctx context.Context, prNumber int, branch string) (string, error)
	Remove(ctx context.Context, path string)
}

// Notifier receives live worker events, feeding the dashboard stream.
type Notifier interface {
	Notify(agentID string, ev stream.Event)
}

type Pool struct {
	cfg      config.Config
	store    Store
	forge    Forge
	git      Git
	trees    Trees
	launcher Launcher
	notifier Notifier
	logger   *slog.Logger

	mu     sync.Mutex
	active map[string]*worker

	onComplete func(agentID string)

	monitorInterval time.Duration
	killGrace       time.Duration
}

type worker struct {
	id          string
	issueNumber int
	prNumber    int
	typ         string
	worktree    string
	branch      string
	proc        Proc
	startedAt   time.Time
	readerDone  chan struct{}

	mu     sync.Mutex
	events []stream.Event
}

func (w *worker) append(ev stream.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events = append(w.events, ev)
}

func (w *worker) snapshot() []stream.Event {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]stream.Event, len(w.events))
	copy(out, w.events)
	return out
}

func New(cfg config.Config, st Store, fg Forge, git Git, trees Trees, launcher Launcher, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		cfg:             cfg,
		store:           st,
		forge:           fg,
		git:             git,
		trees:           trees,
		launcher:        launcher,
		logger:          logger,
		active:          make(map[string]*worker),
		monitorInterval: 5 * time.Second,
		killGrace:       10 * time.Second,
	}
}

// SetNotifier wires the live event sink. Must be called before dispatching.
func (p *Pool) SetNotifier(n Notifier) { p.notifier = n }

// SetCompletionCallback registers a hook invoked after each worker is
// reconciled, used by the main loop to trigger an immediate re-poll.
func (p *Pool) SetCompletionCallback(fn func(agentID string)) { p.onComplete = fn }

func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, w := range p.active {
		if w.proc.Running() {
			n++
		}
	}
	return n
}

func (p *Pool) CanDispatch() bool {
	return p.ActiveCount() < p.cfg.MaxConcurrentAgents
}

func (p *Pool) allowedTools() string {
	tools := "Read,Edit,Bash,Write,Glob,Grep"
	if p.cfg.SkillsEnabled {
		tools += ",Skill"
	}
	return tools
}

func newAgentID(kind string, n int) string {
	return fmt.Sprintf("agent-%s-%d-%s", kind, n, uuid.New().String()[:8])
}

// DispatchImplement spawns a worker to implement an issue.
func (p *Pool) DispatchImplement(ctx context.Context, issueNumber int) (string, error) {
	if !p.CanDispatch() {
		return "", ErrPoolFull
	}

	if err := p.trees.EnsureRepoUpdated(ctx); err != nil {
		return "", fmt.Errorf("updating repo before dispatch: %w", err)
	}
	worktreePath, branch, err := p.trees.CreateForIssue(ctx, issueNumber)
	if err != nil {
		return "", fmt.Errorf("creating worktree for issue %d: %w", issueNumber, err)
	}

	prompt, err := prompts.RenderImplement(prompts.ImplementData{IssueNumber: issueNumber}, "")
	if err != nil {
		p.trees.Remove(ctx, worktreePath)
		return "", err
	}

	id := newAgentID("issue", issueNumber)
	proc, err := p.launcher.Launch(LaunchSpec{
		Prompt:       prompt,
		Dir:          worktreePath,
		AllowedTools: p.allowedTools(),
	})
	if err != nil {
		p.trees.Remove(ctx, worktreePath)
		return "", fmt.Errorf("spawning worker for issue %d: %w", issueNumber, err)
	}

	if _, err := p.store.CreateAgent(store.Agent{
		ID:           id,
		IssueNumber:  issueNumber,
		Type:         store.TypeImplement,
		WorktreePath: worktreePath,
		BranchName:   branch,
		PID:          proc.PID(),
	}); err != nil {
		p.logger.Error("recording agent failed", "agent", id, "error", err)
	}
	if _, err := p.store.IncrementIssueAttempts(issueNumber); err != nil {
		p.logger.Error("incrementing attempts failed", "issue", issueNumber, "error", err)
	}
	if err := p.store.SetIssueStatus(issueNumber, store.IssueInProgress, id); err != nil {
		p.logger.Error("updating issue failed", "issue", issueNumber, "error", err)
	}

	p.track(&worker{
		id:          id,
		issueNumber: issueNumber,
		typ:         store.TypeImplement,
		worktree:    worktreePath,
		branch:      branch,
		proc:        proc,
		startedAt:   time.Now(),
	})
	p.logger.Info("dispatched worker", "agent", id, "issue", issueNumber)
	return id, nil
}

// DispatchFixReview spawns a worker to address review feedback on a PR.
// threads may be nil when only the REST fallback was available.
func (p *Pool) DispatchFixReview(ctx context.Context, prNumber int, branch string, issueNumber int, threads []forge.Thread) (string, error) {
	if !p.CanDispatch() {
		return "", ErrPoolFull
	}

	if err := p.trees.EnsureRepoUpdated(ctx); err != nil {
		return "", fmt.Errorf("updating repo before dispatch: %w", err)
	}
	worktreePath, err := p.trees.CreateForPR(ctx, prNumber, branch)
	if err != nil {
		return "", fmt.Errorf("creating worktree for pr %d: %w", prNumber, err)
	}

	prompt, err := prompts.RenderFixReview(prompts.FixReviewData{
		PRNumber: prNumber,
		Owner:    p.cfg.Owner(),
		Repo:     p.cfg.Repo(),
		Threads:  threads,
	}, "")
	if err != nil {
		p.trees.Remove(ctx, worktreePath)
		return "", err
	}

	id := newAgentID("pr-fix", prNumber)
	proc, err := p.launcher.Launch(LaunchSpec{
		Prompt:       prompt,
		Dir:          worktreePath,
		AllowedTools: p.allowedTools(),
	})
	if err != nil {
		p.trees.Remove(ctx, worktreePath)
		return "", fmt.Errorf("spawning fix worker for pr %d: %w", prNumber, err)
	}

	if _, err := p.store.CreateAgent(store.Agent{
		ID:           id,
		IssueNumber:  issueNumber,
		PRNumber:     prNumber,
		Type:         store.TypeFixReview,
		WorktreePath: worktreePath,
		BranchName:   branch,
		PID:          proc.PID(),
	}); err != nil {
		p.logger.Error("recording agent failed", "agent", id, "error", err)
	}

	p.track(&worker{
		id:          id,
		issueNumber: issueNumber,
		prNumber:    prNumber,
		typ:         store.TypeFixReview,
		worktree:    worktreePath,
		branch:      branch,
		proc:        proc,
		startedAt:   time.Now(),
	})
	p.logger.Info("dispatched fix worker", "agent", id, "pr", prNumber)
	return id, nil
}

// Resume restarts a rate-limited worker in its preserved worktree, chaining
// the old conversation through --resume or --continue.
func (p *Pool) Resume(ctx context.Context, rec store.Agent) (string, error) {
	if !p.CanDispatch() {
		return "", ErrPoolFull
	}

	resumeCount := rec.ResumeCount + 1
	if resumeCount > p.cfg.MaxRateLimitResumes {
		p.logger.Warn("giving up on rate-limited worker",
			"agent", rec.ID, "resumes", resumeCount-1, "max", p.cfg.MaxRateLimitResumes)
		p.store.FinishAgent(rec.ID, store.AgentFailed, "Exceeded max rate-limit resumes")
		if rec.Type == store.TypeImplement {
			p.store.SetIssueStatus(rec.IssueNumber, store.IssuePending, "")
		}
		p.trees.Remove(ctx, rec.WorktreePath)
		return "", fmt.Errorf("agent %s exceeded max rate-limit resumes", rec.ID)
	}

	if _, err := os.Stat(rec.WorktreePath); err != nil {
		p.store.FinishAgent(rec.ID, store.AgentFailed, "Worktree lost during rate limit wait")
		if rec.Type == store.TypeImplement {
			p.store.SetIssueStatus(rec.IssueNumber, store.IssuePending, "")
		}
		return "", fmt.Errorf("worktree %s no longer exists", rec.WorktreePath)
	}

	var prompt string
	var err error
	if rec.Type == store.TypeImplement {
		prompt, err = prompts.RenderResumeImplement(prompts.ImplementData{IssueNumber: rec.IssueNumber}, "")
	} else {
		// Re-fetch threads at resume time so the worker sees current state.
		var threads []forge.Thread
		if rec.PRNumber != 0 {
			threads, _ = p.forge.UnresolvedThreads(ctx, rec.PRNumber)
		}
		prompt, err = prompts.RenderResumeFixReview(prompts.FixReviewData{
			PRNumber: rec.PRNumber,
			Owner:    p.cfg.Owner(),
			Repo:     p.cfg.Repo(),
			Threads:  threads,
		}, "")
	}
	if err != nil {
		return "", err
	}

	id := newAgentID("resume", rec.IssueNumber)
	proc, err := p.launcher.Launch(LaunchSpec{
		Prompt:          prompt,
		Dir:             rec.WorktreePath,
		AllowedTools:    p.allowedTools(),
		ResumeSessionID: rec.SessionID,
		Continue:        rec.SessionID == "",
	})
	if err != nil {
		return "", fmt.Errorf("resuming worker %s: %w", rec.ID, err)
	}

	p.store.SetAgentStatus(rec.ID, store.AgentResumed)
	if _, err := p.store.CreateAgent(store.Agent{
		ID:           id,
		IssueNumber:  rec.IssueNumber,
		PRNumber:     rec.PRNumber,
		Type:         rec.Type,
		WorktreePath: rec.WorktreePath,
		BranchName:   rec.BranchName,
		PID:          proc.PID(),
		ResumeCount:  resumeCount,
	}); err != nil {
		p.logger.Error("recording resumed agent failed", "agent", id, "error", err)
	}
	p.store.SetIssueAgent(rec.IssueNumber, id)

	p.track(&worker{
		id:          id,
		issueNumber: rec.IssueNumber,
		prNumber:    rec.PRNumber,
		typ:         rec.Type,
		worktree:    rec.WorktreePath,
		branch:      rec.BranchName,
		proc:        proc,
		startedAt:   time.Now(),
	})
	p.logger.Info("resumed rate-limited worker",
		"old_agent", rec.ID, "agent", id, "resume", resumeCount)
	return id, nil
}

func (p *Pool) track(w *worker) {
	w.readerDone = make(chan struct{})
	p.mu.Lock()
	p.active[w.id] = w
	p.mu.Unlock()

	go p.readStream(w)
	go p.monitor(w)
}

// readStream consumes the worker's stdout line by line, persisting every
// decoded event.
func (p *Pool) readStream(w *worker) {
	defer close(w.readerDone)
	scanner := bufio.NewScanner(w.proc.Stdout())
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		ev := stream.ParseLine(scanner.Text())
		if ev == nil {
			continue
		}
		w.append(*ev)
		if err := p.store.InsertEvent(w.id, ev.Type, string(ev.Raw)); err != nil {
			p.logger.Error("persisting event failed", "agent", w.id, "error", err)
		}
		if ev.Type == stream.TypeToolUse {
			p.logger.Info("worker tool use", "agent", w.id, "summary", ev.Summary)
		}
		if p.notifier != nil {
			p.notifier.Notify(w.id, *ev)
		}
	}
	if err := scanner.Err(); err != nil {
		p.logger.Error("stream reader error", "agent", w.id, "error", err)
	}
}

// monitor waits for the worker to finish, enforcing the wall-clock timeout.
func (p *Pool) monitor(w *worker) {
	ctx := context.Background()

	for w.proc.Running() {
		if time.Since(w.startedAt) > p.cfg.AgentTimeout() {
			p.logger.Warn("worker timed out, killing",
				"agent", w.id, "timeout_seconds", p.cfg.AgentTimeoutSeconds)
			p.terminate(w)
			p.store.FinishAgent(w.id, store.AgentTimeout, "Agent exceeded timeout")
			if w.typ == store.TypeImplement {
				p.store.SetIssueStatus(w.issueNumber, store.IssuePending, "")
			}
			p.trees.Remove(ctx, w.worktree)
			p.untrack(w.id)
			if p.onComplete != nil {
				p.onComplete(w.id)
			}
			return
		}
		time.Sleep(p.monitorInterval)
	}

	exitCode := w.proc.Wait()

	// Drain the stream before reconciling so the final result event and
	// session id are in. A grandchild holding the pipe open could stall the
	// reader, so do not wait forever.
	select {
	case <-w.readerDone:
	case <-time.After(30 * time.Second):
		p.logger.Warn("stream reader did not finish after exit", "agent", w.id)
	}

	p.reconcile(ctx, w, exitCode)
	p.untrack(w.id)

	if p.onComplete != nil {
		p.onComplete(w.id)
	}
}

func (p *Pool) untrack(id string) {
	p.mu.Lock()
	delete(p.active, id)
	p.mu.Unlock()
}

// terminate asks politely first, then kills after the grace period.
func (p *Pool) terminate(w *worker) {
	w.proc.Terminate()
	deadline := time.Now().Add(p.killGrace)
	for w.proc.Running() && time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
	}
	if w.proc.Running() {
		w.proc.Kill()
		w.proc.Wait()
	}
}

func (p *Pool) reconcile(ctx context.Context, w *worker, exitCode int) {
	stderr := w.proc.Stderr()
	events := w.snapshot()
	turns := stream.CountTurns(events)

	sessionID := stream.ExtractSessionID(events)
	if sessionID != "" {
		p.store.SetAgentSession(w.id, sessionID)
	}

	switch {
	case exitCode == 0:
		p.logger.Info("worker finished", "agent", w.id, "turns", turns)
		p.store.SetAgentTurns(w.id, turns)
		if w.typ == store.TypeImplement {
			p.reconcileImplement(ctx, w, events)
		} else {
			p.store.FinishAgent(w.id, store.AgentCompleted, "")
			p.trees.Remove(ctx, w.worktree)
		}

	case isRateLimitFailure(stderr, events):
		// The worktree is preserved and the issue stays in_progress; the
		// watcher resumes this worker once the limit resets.
		p.logger.Warn("worker hit rate limit, parking",
			"agent", w.id, "worktree", w.worktree)
		p.store.SetAgentTurns(w.id, turns)
		p.store.FinishAgent(w.id, store.AgentRateLimited, truncate(stderr, 500))
		p.store.MarkAgentRateLimited(w.id, sessionID)

	default:
		errMsg := truncate(stderr, 500)
		if errMsg == "" {
			errMsg = fmt.Sprintf("Exit code %d", exitCode)
		}
		p.logger.Error("worker failed", "agent", w.id, "error", errMsg)
		p.store.FinishAgent(w.id, store.AgentFailed, errMsg)
		p.store.SetAgentTurns(w.id, turns)
		if w.typ == store.TypeImplement {
			p.store.SetIssueStatus(w.issueNumber, store.IssuePending, "")
		}
		p.trees.Remove(ctx, w.worktree)
	}
}

// reconcileImplement verifies that a clean exit actually produced a PR,
// recovering pushed-but-unopened branches and unpushed commits before giving
// up on the attempt.
func (p *Pool) reconcileImplement(ctx context.Context, w *worker, events []stream.Event) {
	prNumber := stream.ExtractPRNumber(events)
	if prNumber == 0 {
		prNumber = p.forge.FindPRForBranch(ctx, w.branch, false)
	}
	if prNumber != 0 {
		p.completeWithPR(ctx, w, prNumber)
		return
	}

	if p.git.BranchOnRemote(ctx, w.worktree, w.branch) {
		p.logger.Warn("branch pushed but no PR, creating one", "agent", w.id, "branch", w.branch)
		if auto, err := p.forge.CreatePR(ctx, w.branch, w.issueNumber); err == nil {
			p.completeWithPR(ctx, w, auto)
			return
		} else {
			p.logger.Error("auto-creating PR failed", "agent", w.id, "error", err)
		}
	}

	if p.git.HasUnpushedCommits(ctx, w.worktree, p.cfg.BaseBranch) {
		p.logger.Warn("unpushed commits found, pushing and creating PR", "agent", w.id)
		if err := p.git.PushBranch(ctx, w.worktree, w.branch); err == nil {
			if auto, err := p.forge.CreatePR(ctx, w.branch, w.issueNumber); err == nil {
				p.completeWithPR(ctx, w, auto)
				return
			}
		} else {
			p.logger.Error("pushing branch failed", "agent", w.id, "error", err)
		}
	}

	p.logger.Warn("worker produced no commits or PR", "agent", w.id)
	p.store.FinishAgent(w.id, store.AgentFailed, "Agent finished without creating commits or PR")
	p.store.SetIssueStatus(w.issueNumber, store.IssuePending, "")
	p.trees.Remove(ctx, w.worktree)
}

func (p *Pool) completeWithPR(ctx context.Context, w *worker, prNumber int) {
	p.logger.Info("worker created PR", "agent", w.id, "pr", prNumber, "issue", w.issueNumber)
	p.store.FinishAgent(w.id, store.AgentCompleted, "")
	p.store.SetAgentPR(w.id, prNumber)
	p.store.SetIssueStatus(w.issueNumber, store.IssuePRCreated, "")
	p.store.SetIssuePR(w.issueNumber, prNumber)
	p.trees.Remove(ctx, w.worktree)
}

// AgentInfo is the live view of a tracked worker for the dashboard.
type AgentInfo struct {
	AgentID        string         `json:"agent_id"`
	IssueNumber    int            `json:"issue_number"`
	PRNumber       int            `json:"pr_number"`
	AgentType      string         `json:"agent_type"`
	IsRunning      bool           `json:"is_running"`
	ElapsedSeconds int            `json:"elapsed_seconds"`
	EventCount     int            `json:"event_count"`
	RecentEvents   []EventSummary `json:"recent_events"`
}

type EventSummary struct {
	Type    string `json:"type"`
	Summary string `json:"summary"`
}

func (p *Pool) ActiveAgents() []AgentInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	infos := make([]AgentInfo, 0, len(p.active))
	for _, w := range p.active {
		events := w.snapshot()
		recent := events
		if len(recent) > 5 {
			recent = recent[len(recent)-5:]
		}
		summaries := make([]EventSummary, 0, len(recent))
		for _, ev := range recent {
			summaries = append(summaries, EventSummary{Type: ev.Type, Summary: ev.Summary})
		}
		infos = append(infos, AgentInfo{
			AgentID:        w.id,
			IssueNumber:    w.issueNumber,
			PRNumber:       w.prNumber,
			AgentType:      w.typ,
			IsRunning:      w.proc.Running(),
			ElapsedSeconds: int(time.Since(w.startedAt).Seconds()),
			EventCount:     len(events),
			RecentEvents:   summaries,
		})
	}
	return infos
}

// HasRunningFixWorker reports whether a fix worker is currently active for
// the PR, preventing duplicate dispatch by the review poller.
func (p *Pool) HasRunningFixWorker(prNumber int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.active {
		if w.prNumber == prNumber && w.typ == store.TypeFixReview && w.proc.Running() {
			return true
		}
	}
	return false
}

// RecoverStale examines workers the database still thinks are running. A
// live PID means the worker survived the restart and is left alone; a dead
// one is failed and its issue requeued. Rate-limited workers are untouched,
// the watcher owns them.
func (p *Pool) RecoverStale(ctx context.Context) {
	stale, err := p.store.ListRunningAgents()
	if err != nil {
		p.logger.Error("listing running agents failed", "error", err)
		return
	}

	for _, rec := range stale {
		if rec.PID > 0 && pidAlive(rec.PID) {
			p.logger.Info("worker still running after restart, leaving it alone",
				"agent", rec.ID, "pid", rec.PID, "issue", rec.IssueNumber)
			continue
		}

		p.logger.Warn("worker died during restart, marking failed",
			"agent", rec.ID, "pid", rec.PID, "issue", rec.IssueNumber)
		p.store.FinishAgent(rec.ID, store.AgentFailed, "Agent process died during orchestrator restart")

		if issue, err := p.store.GetIssue(rec.IssueNumber); err == nil && issue.Status == store.IssueInProgress {
			p.store.SetIssueStatus(rec.IssueNumber, store.IssuePending, "")
		}
		if rec.WorktreePath != "" {
			p.trees.Remove(ctx, rec.WorktreePath)
		}
	}

	if limited, err := p.store.ListRateLimitedAgents(); err == nil && len(limited) > 0 {
		ids := make([]string, 0, len(limited))
		for _, rec := range limited {
			ids = append(ids, rec.ID)
		}
		p.logger.Info("rate-limited workers found from previous run, watcher will resume them",
			"count", len(limited), "agents", ids)
	}
}

// Shutdown logs workers that will keep running. They were started in their
// own sessions, so stopping the supervisor does not stop them; the next
// startup reconciles their rows.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()

	var running []string
	for _, w := range p.active {
		if w.proc.Running() {
			running = append(running, w.id)
		}
	}
	if len(running) > 0 {
		p.logger.Info("workers still running, they will continue independently", "agents", running)
	}
	p.logger.Info("agent pool shutdown complete")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
