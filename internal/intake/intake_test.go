package intake

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/uesteibar/swarm/internal/config"
	"github.com/uesteibar/swarm/internal/forge"
	"github.com/uesteibar/swarm/internal/pool"
	"github.com/uesteibar/swarm/internal/store"
)

type fakeForge struct {
	issues      []forge.Issue
	comments    map[int][]forge.Comment
	openPRs     map[string]int
	commentsErr error
}

func (f *fakeForge) ListOpenIssues(ctx context.Context, label string) ([]forge.Issue, error) {
	return f.issues, nil
}

func (f *fakeForge) IssueComments(ctx context.Context, number int) ([]forge.Comment, error) {
	if f.commentsErr != nil {
		return nil, f.commentsErr
	}
	return f.comments[number], nil
}

func (f *fakeForge) FindPRForBranch(ctx context.Context, branch string, openOnly bool) int {
	return f.openPRs[branch]
}

type fakeStore struct {
	issues map[int]*store.Issue
}

func newFakeStore() *fakeStore {
	return &fakeStore{issues: make(map[int]*store.Issue)}
}

func (s *fakeStore) GetIssue(number int) (store.Issue, error) {
	if issue, ok := s.issues[number]; ok {
		return *issue, nil
	}
	return store.Issue{}, fmt.Errorf("issue not found: %d: %w", number, sql.ErrNoRows)
}

func (s *fakeStore) UpsertIssue(number int, title, status string) error {
	if existing, ok := s.issues[number]; ok {
		existing.Title = title
		return nil
	}
	s.issues[number] = &store.Issue{Number: number, Title: title, Status: status}
	return nil
}

func (s *fakeStore) SetIssueStatus(number int, status, agentID string) error {
	if issue, ok := s.issues[number]; ok {
		issue.Status = status
	}
	return nil
}

func (s *fakeStore) SetIssuePR(number, prNumber int) error {
	if issue, ok := s.issues[number]; ok {
		issue.PRNumber = prNumber
	}
	return nil
}

type fakePool struct {
	capacity   int
	dispatched []int
	err        error
}

func (p *fakePool) CanDispatch() bool { return len(p.dispatched) < p.capacity }

func (p *fakePool) DispatchImplement(ctx context.Context, issueNumber int) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	p.dispatched = append(p.dispatched, issueNumber)
	return fmt.Sprintf("agent-issue-%d-test", issueNumber), nil
}

func testPoller(st *fakeStore, fg *fakeForge, pl *fakePool, mention string) *Poller {
	cfg := config.Config{
		IssueLabel:      "agent",
		MaxIssueRetries: 3,
		TriggerMention:  mention,
	}
	return NewPoller(cfg, st, fg, pl, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestPollOnce_DispatchesTriggeredIssue(t *testing.T) {
	st := newFakeStore()
	fg := &fakeForge{
		issues: []forge.Issue{{Number: 1, Title: "Add widget"}},
		comments: map[int][]forge.Comment{
			1: {{Body: "hey @claude-swarm please start"}},
		},
	}
	pl := &fakePool{capacity: 3}

	n, err := testPoller(st, fg, pl, "@claude-swarm").PollOnce(context.Background())
	if err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if n != 1 || len(pl.dispatched) != 1 || pl.dispatched[0] != 1 {
		t.Errorf("dispatched = %v, want [1]", pl.dispatched)
	}
	if st.issues[1].Status != store.IssuePending {
		t.Errorf("issue status = %q, want pending before dispatch records progress", st.issues[1].Status)
	}
}

func TestPollOnce_TriggerIsCaseInsensitive(t *testing.T) {
	st := newFakeStore()
	fg := &fakeForge{
		issues: []forge.Issue{{Number: 2, Title: "Fix bug"}},
		comments: map[int][]forge.Comment{
			2: {{Body: "@Claude-Swarm work on this"}},
		},
	}
	pl := &fakePool{capacity: 3}

	n, _ := testPoller(st, fg, pl, "@claude-swarm").PollOnce(context.Background())
	if n != 1 {
		t.Errorf("dispatched = %d, want 1", n)
	}
}

func TestPollOnce_UntriggeredIssueWaits(t *testing.T) {
	st := newFakeStore()
	fg := &fakeForge{
		issues:   []forge.Issue{{Number: 3, Title: "Refactor"}},
		comments: map[int][]forge.Comment{3: {{Body: "looks interesting"}}},
	}
	pl := &fakePool{capacity: 3}

	n, _ := testPoller(st, fg, pl, "@claude-swarm").PollOnce(context.Background())
	if n != 0 {
		t.Errorf("dispatched = %d, want 0", n)
	}
	if issue, ok := st.issues[3]; !ok || issue.Status != store.IssuePending {
		t.Errorf("issue should be tracked pending, got %+v", st.issues[3])
	}
}

func TestPollOnce_EmptyMentionDisablesGating(t *testing.T) {
	st := newFakeStore()
	fg := &fakeForge{issues: []forge.Issue{{Number: 4, Title: "No trigger needed"}}}
	pl := &fakePool{capacity: 3}

	n, _ := testPoller(st, fg, pl, "").PollOnce(context.Background())
	if n != 1 {
		t.Errorf("dispatched = %d, want 1 with gating disabled", n)
	}
}

func TestPollOnce_SeedsExistingPR(t *testing.T) {
	st := newFakeStore()
	fg := &fakeForge{
		issues:  []forge.Issue{{Number: 5, Title: "Already done"}},
		openPRs: map[string]int{"fix/issue-5": 50},
	}
	pl := &fakePool{capacity: 3}

	n, _ := testPoller(st, fg, pl, "").PollOnce(context.Background())
	if n != 0 {
		t.Errorf("dispatched = %d, want 0", n)
	}
	issue := st.issues[5]
	if issue == nil || issue.Status != store.IssuePRCreated || issue.PRNumber != 50 {
		t.Errorf("issue = %+v, want pr_created with pr 50", issue)
	}
}

func TestPollOnce_SkipsExhaustedRetries(t *testing.T) {
	st := newFakeStore()
	st.issues[6] = &store.Issue{Number: 6, Status: store.IssuePending, Attempts: 3}
	fg := &fakeForge{issues: []forge.Issue{{Number: 6, Title: "Flaky"}}}
	pl := &fakePool{capacity: 3}

	n, _ := testPoller(st, fg, pl, "").PollOnce(context.Background())
	if n != 0 {
		t.Errorf("dispatched = %d, want 0 for exhausted issue", n)
	}
}

func TestPollOnce_SkipsOwnedStatuses(t *testing.T) {
	st := newFakeStore()
	st.issues[7] = &store.Issue{Number: 7, Status: store.IssueInProgress}
	st.issues[8] = &store.Issue{Number: 8, Status: store.IssuePRCreated}
	st.issues[9] = &store.Issue{Number: 9, Status: store.IssueNeedsHuman}
	fg := &fakeForge{issues: []forge.Issue{
		{Number: 7}, {Number: 8}, {Number: 9},
	}}
	pl := &fakePool{capacity: 5}

	n, _ := testPoller(st, fg, pl, "").PollOnce(context.Background())
	if n != 0 {
		t.Errorf("dispatched = %d, want 0", n)
	}
}

func TestPollOnce_ReopensPrematurelyResolvedIssue(t *testing.T) {
	st := newFakeStore()
	st.issues[10] = &store.Issue{Number: 10, Status: store.IssueResolved, PRNumber: 99}
	fg := &fakeForge{
		issues:  []forge.Issue{{Number: 10, Title: "Resolved too early"}},
		openPRs: map[string]int{"fix/issue-10": 99},
	}
	pl := &fakePool{capacity: 3}

	testPoller(st, fg, pl, "").PollOnce(context.Background())

	if st.issues[10].Status != store.IssuePRCreated {
		t.Errorf("issue status = %q, want pr_created for re-monitoring", st.issues[10].Status)
	}
}

func TestPollOnce_ResolvedWithClosedPRStaysResolved(t *testing.T) {
	st := newFakeStore()
	st.issues[11] = &store.Issue{Number: 11, Status: store.IssueResolved, PRNumber: 100}
	fg := &fakeForge{issues: []forge.Issue{{Number: 11, Title: "Truly done"}}}
	pl := &fakePool{capacity: 3}

	testPoller(st, fg, pl, "").PollOnce(context.Background())

	if st.issues[11].Status != store.IssueResolved {
		t.Errorf("issue status = %q, want resolved untouched", st.issues[11].Status)
	}
}

func TestPollOnce_StopsWhenPoolFills(t *testing.T) {
	st := newFakeStore()
	fg := &fakeForge{issues: []forge.Issue{
		{Number: 20, Title: "a"}, {Number: 21, Title: "b"}, {Number: 22, Title: "c"},
	}}
	pl := &fakePool{capacity: 2}

	n, _ := testPoller(st, fg, pl, "").PollOnce(context.Background())
	if n != 2 {
		t.Errorf("dispatched = %d, want 2 before pool filled", n)
	}
}

func TestPollOnce_PoolFullErrorStopsLoop(t *testing.T) {
	st := newFakeStore()
	fg := &fakeForge{issues: []forge.Issue{{Number: 30, Title: "a"}, {Number: 31, Title: "b"}}}
	pl := &fakePool{capacity: 5, err: pool.ErrPoolFull}

	n, _ := testPoller(st, fg, pl, "").PollOnce(context.Background())
	if n != 0 {
		t.Errorf("dispatched = %d, want 0 when dispatch reports pool full", n)
	}
}
