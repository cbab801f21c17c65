package store

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "swarm.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertIssue_InsertThenRefresh(t *testing.T) {
	s := openTestStore(t)

	if err := s.UpsertIssue(42, "first title", IssuePending); err != nil {
		t.Fatalf("UpsertIssue: %v", err)
	}
	if err := s.SetIssueStatus(42, IssueInProgress, "agent-issue-42-abc"); err != nil {
		t.Fatalf("SetIssueStatus: %v", err)
	}

	// A re-poll must refresh the title without regressing status.
	if err := s.UpsertIssue(42, "renamed title", IssuePending); err != nil {
		t.Fatalf("UpsertIssue again: %v", err)
	}

	issue, err := s.GetIssue(42)
	if err != nil {
		t.Fatalf("GetIssue: %v", err)
	}
	if issue.Title != "renamed title" {
		t.Errorf("Title = %q, want renamed title", issue.Title)
	}
	if issue.Status != IssueInProgress {
		t.Errorf("Status = %q, want %q", issue.Status, IssueInProgress)
	}
	if issue.AgentID != "agent-issue-42-abc" {
		t.Errorf("AgentID = %q", issue.AgentID)
	}
}

func TestGetIssue_NotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetIssue(999)
	if !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("err = %v, want sql.ErrNoRows", err)
	}
}

func TestIncrementIssueAttempts(t *testing.T) {
	s := openTestStore(t)
	if err := s.UpsertIssue(7, "flaky", IssuePending); err != nil {
		t.Fatal(err)
	}

	for want := 1; want <= 3; want++ {
		got, err := s.IncrementIssueAttempts(7)
		if err != nil {
			t.Fatalf("IncrementIssueAttempts: %v", err)
		}
		if got != want {
			t.Errorf("attempts = %d, want %d", got, want)
		}
	}
}

func TestIssueForPR(t *testing.T) {
	s := openTestStore(t)
	if err := s.UpsertIssue(5, "with pr", IssuePRCreated); err != nil {
		t.Fatal(err)
	}
	if err := s.SetIssuePR(5, 120); err != nil {
		t.Fatal(err)
	}

	issue, err := s.IssueForPR(120)
	if err != nil {
		t.Fatalf("IssueForPR: %v", err)
	}
	if issue.Number != 5 {
		t.Errorf("Number = %d, want 5", issue.Number)
	}

	if _, err := s.IssueForPR(999); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("missing PR err = %v, want sql.ErrNoRows", err)
	}
}

func TestAgentLifecycle(t *testing.T) {
	s := openTestStore(t)

	created, err := s.CreateAgent(Agent{
		ID:           "agent-issue-10-deadbeef",
		IssueNumber:  10,
		Type:         TypeImplement,
		WorktreePath: "/tmp/worktrees/issue-10",
		BranchName:   "fix/issue-10",
		PID:          4242,
	})
	if err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	if created.Status != AgentRunning {
		t.Errorf("Status = %q, want running", created.Status)
	}

	running, err := s.ListRunningAgents()
	if err != nil {
		t.Fatalf("ListRunningAgents: %v", err)
	}
	if len(running) != 1 || running[0].ID != created.ID {
		t.Fatalf("running = %+v", running)
	}

	if err := s.SetAgentSession(created.ID, "sess-123"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetAgentTurns(created.ID, 18); err != nil {
		t.Fatal(err)
	}
	if err := s.FinishAgent(created.ID, AgentCompleted, ""); err != nil {
		t.Fatalf("FinishAgent: %v", err)
	}

	agent, err := s.GetAgent(created.ID)
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if agent.Status != AgentCompleted {
		t.Errorf("Status = %q, want completed", agent.Status)
	}
	if agent.SessionID != "sess-123" || agent.TurnsUsed != 18 {
		t.Errorf("SessionID/TurnsUsed = %q/%d", agent.SessionID, agent.TurnsUsed)
	}
	if agent.FinishedAt.IsZero() {
		t.Error("FinishedAt not set")
	}
}

func TestMarkAgentRateLimited(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.CreateAgent(Agent{ID: "a1", IssueNumber: 1, Type: TypeImplement}); err != nil {
		t.Fatal(err)
	}

	if err := s.MarkAgentRateLimited("a1", "sess-xyz"); err != nil {
		t.Fatalf("MarkAgentRateLimited: %v", err)
	}

	limited, err := s.ListRateLimitedAgents()
	if err != nil {
		t.Fatalf("ListRateLimitedAgents: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("limited = %+v", limited)
	}
	if limited[0].SessionID != "sess-xyz" {
		t.Errorf("SessionID = %q", limited[0].SessionID)
	}
	if limited[0].RateLimitedAt.IsZero() {
		t.Error("RateLimitedAt not set")
	}
}

func TestEvents_CursorPagination(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.CreateAgent(Agent{ID: "a1", IssueNumber: 1, Type: TypeImplement}); err != nil {
		t.Fatal(err)
	}

	for _, typ := range []string{"system", "assistant", "tool_use", "assistant", "result"} {
		if err := s.InsertEvent("a1", typ, `{"type":"`+typ+`"}`); err != nil {
			t.Fatalf("InsertEvent: %v", err)
		}
	}

	first, err := s.ListEvents("a1", 0, 3)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(first) != 3 {
		t.Fatalf("len(first) = %d, want 3", len(first))
	}

	rest, err := s.ListEvents("a1", first[len(first)-1].ID, 100)
	if err != nil {
		t.Fatalf("ListEvents rest: %v", err)
	}
	if len(rest) != 2 {
		t.Fatalf("len(rest) = %d, want 2", len(rest))
	}
	if rest[0].ID <= first[2].ID {
		t.Errorf("cursor not respected: %d <= %d", rest[0].ID, first[2].ID)
	}

	turns, err := s.AgentTurnCount("a1")
	if err != nil {
		t.Fatalf("AgentTurnCount: %v", err)
	}
	if turns != 2 {
		t.Errorf("turns = %d, want 2", turns)
	}
}

func TestReviews_Iterations(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.LatestReview(77); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("empty LatestReview err = %v, want sql.ErrNoRows", err)
	}

	id1, err := s.CreateReview(77, 1, 3, `[{"path":"a.go"}]`)
	if err != nil {
		t.Fatalf("CreateReview: %v", err)
	}
	id2, err := s.CreateReview(77, 2, 1, "")
	if err != nil {
		t.Fatalf("CreateReview 2: %v", err)
	}

	if err := s.SetReviewStatus(id1, ReviewFixed); err != nil {
		t.Fatal(err)
	}
	if err := s.SetReviewAgent(id2, "agent-pr-fix-77-ab12cd34"); err != nil {
		t.Fatal(err)
	}

	latest, err := s.LatestReview(77)
	if err != nil {
		t.Fatalf("LatestReview: %v", err)
	}
	if latest.Iteration != 2 || latest.AgentID != "agent-pr-fix-77-ab12cd34" {
		t.Errorf("latest = %+v", latest)
	}

	all, err := s.ListReviews(77)
	if err != nil {
		t.Fatalf("ListReviews: %v", err)
	}
	if len(all) != 2 || all[0].Iteration != 1 || all[0].Status != ReviewFixed {
		t.Errorf("all = %+v", all)
	}
}

func TestMetrics(t *testing.T) {
	s := openTestStore(t)

	for n, status := range map[int]string{1: IssuePending, 2: IssueResolved, 3: IssuePRCreated, 4: IssueResolved} {
		if err := s.UpsertIssue(n, "t", status); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.CreateAgent(Agent{ID: "a1", IssueNumber: 1, Type: TypeImplement}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateAgent(Agent{ID: "a2", IssueNumber: 2, Type: TypeImplement, TurnsUsed: 12}); err != nil {
		t.Fatal(err)
	}
	if err := s.FinishAgent("a2", AgentCompleted, ""); err != nil {
		t.Fatal(err)
	}

	m, err := s.Metrics()
	if err != nil {
		t.Fatalf("Metrics: %v", err)
	}
	if m.TotalIssues != 4 || m.Resolved != 2 || m.Pending != 1 || m.PRCreated != 1 {
		t.Errorf("issue counts = %+v", m)
	}
	if m.ActiveAgents != 1 {
		t.Errorf("ActiveAgents = %d, want 1", m.ActiveAgents)
	}
	if m.AvgTurns != 12 {
		t.Errorf("AvgTurns = %v, want 12", m.AvgTurns)
	}
}

func TestOpen_MigratesExistingDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swarm.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.CreateAgent(Agent{ID: "a1", IssueNumber: 1, Type: TypeImplement}); err != nil {
		t.Fatal(err)
	}
	s.Close()

	// Reopening must run the idempotent migrations without error and keep data.
	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	agent, err := s2.GetAgent("a1")
	if err != nil {
		t.Fatalf("GetAgent after reopen: %v", err)
	}
	if agent.StartedAt.IsZero() {
		t.Error("StartedAt lost across reopen")
	}
	if time.Since(agent.StartedAt) > time.Hour {
		t.Errorf("StartedAt parsed wrong: %v", agent.StartedAt)
	}
}
