package dashboard

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/uesteibar/swarm/internal/pool"
	"github.com/uesteibar/swarm/internal/store"
)

const logPageSize = 200

// Store is the read surface the API serves from.
type Store interface {
	ListAgents() ([]store.Agent, error)
	ListEvents(agentID string, sinceID int64, limit int) ([]store.Event, error)
	ListIssues() ([]store.Issue, error)
	ListAllReviews() ([]store.Review, error)
	Metrics() (store.Metrics, error)
}

// LiveView exposes the in-memory state of currently tracked workers.
type LiveView interface {
	ActiveAgents() []pool.AgentInfo
}

type apiHandler struct {
	store Store
	live  LiveView
}

type apiError struct {
	Error string `json:"error"`
}

type agentView struct {
	AgentID      string `json:"agent_id"`
	IssueNumber  int    `json:"issue_number"`
	PRNumber     int    `json:"pr_number,omitempty"`
	AgentType    string `json:"agent_type"`
	Status       string `json:"status"`
	WorktreePath string `json:"worktree_path,omitempty"`
	BranchName   string `json:"branch_name,omitempty"`
	TurnsUsed    int    `json:"turns_used"`
	ResumeCount  int    `json:"resume_count,omitempty"`
	StartedAt    string `json:"started_at,omitempty"`
	FinishedAt   string `json:"finished_at,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	// Live fields, only present while the supervisor tracks the worker.
	IsRunning      bool                `json:"is_running"`
	ElapsedSeconds int                 `json:"elapsed_seconds,omitempty"`
	EventCount     int                 `json:"event_count,omitempty"`
	RecentEvents   []pool.EventSummary `json:"recent_events,omitempty"`
}

// handleListAgents merges persisted worker rows with in-memory live state.
func (h *apiHandler) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.store.ListAgents()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	liveByID := make(map[string]pool.AgentInfo)
	if h.live != nil {
		for _, info := range h.live.ActiveAgents() {
			liveByID[info.AgentID] = info
		}
	}

	views := make([]agentView, 0, len(agents))
	for _, a := range agents {
		v := agentView{
			AgentID:      a.ID,
			IssueNumber:  a.IssueNumber,
			PRNumber:     a.PRNumber,
			AgentType:    a.Type,
			Status:       a.Status,
			WorktreePath: a.WorktreePath,
			BranchName:   a.BranchName,
			TurnsUsed:    a.TurnsUsed,
			ResumeCount:  a.ResumeCount,
			StartedAt:    formatTimestamp(a.StartedAt),
			FinishedAt:   formatTimestamp(a.FinishedAt),
			ErrorMessage: a.ErrorMessage,
		}
		if info, ok := liveByID[a.ID]; ok {
			v.IsRunning = info.IsRunning
			v.ElapsedSeconds = info.ElapsedSeconds
			v.EventCount = info.EventCount
			v.RecentEvents = info.RecentEvents
		}
		views = append(views, v)
	}

	writeJSON(w, http.StatusOK, map[string]any{"agents": views})
}

type eventView struct {
	ID        int64           `json:"id"`
	Type      string          `json:"event_type"`
	Data      json.RawMessage `json:"event_data"`
	Timestamp string          `json:"timestamp"`
}

func (h *apiHandler) handleAgentLogs(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)

	events, err := h.store.ListEvents(agentID, since, logPageSize)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	views := make([]eventView, 0, len(events))
	for _, ev := range events {
		data := json.RawMessage(ev.Data)
		if !json.Valid(data) {
			data, _ = json.Marshal(ev.Data)
		}
		views = append(views, eventView{
			ID:        ev.ID,
			Type:      ev.Type,
			Data:      data,
			Timestamp: formatTimestamp(ev.Timestamp),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"events": views})
}

type issueView struct {
	IssueNumber int    `json:"issue_number"`
	Title       string `json:"title"`
	Status      string `json:"status"`
	AgentID     string `json:"agent_id,omitempty"`
	PRNumber    int    `json:"pr_number,omitempty"`
	Attempts    int    `json:"attempts"`
	UpdatedAt   string `json:"updated_at,omitempty"`
}

func (h *apiHandler) handleListIssues(w http.ResponseWriter, r *http.Request) {
	issues, err := h.store.ListIssues()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	views := make([]issueView, 0, len(issues))
	for _, issue := range issues {
		views = append(views, issueView{
			IssueNumber: issue.Number,
			Title:       issue.Title,
			Status:      issue.Status,
			AgentID:     issue.AgentID,
			PRNumber:    issue.PRNumber,
			Attempts:    issue.Attempts,
			UpdatedAt:   formatTimestamp(issue.UpdatedAt),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"issues": views})
}

type prView struct {
	PRNumber      int    `json:"pr_number"`
	Iterations    int    `json:"iterations"`
	LatestStatus  string `json:"latest_status"`
	TotalComments int    `json:"total_comments"`
}

// handleListPRs groups review iterations by PR.
func (h *apiHandler) handleListPRs(w http.ResponseWriter, r *http.Request) {
	reviews, err := h.store.ListAllReviews()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	byPR := make(map[int]*prView)
	var order []int
	for _, review := range reviews {
		v, ok := byPR[review.PRNumber]
		if !ok {
			v = &prView{PRNumber: review.PRNumber}
			byPR[review.PRNumber] = v
			order = append(order, review.PRNumber)
		}
		if review.Iteration > v.Iterations {
			v.Iterations = review.Iteration
		}
		v.LatestStatus = review.Status
		v.TotalComments += review.CommentsCount
	}

	views := make([]prView, 0, len(order))
	for _, pr := range order {
		views = append(views, *byPR[pr])
	}

	writeJSON(w, http.StatusOK, map[string]any{"prs": views})
}

func (h *apiHandler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	metrics, err := h.store.Metrics()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, apiError{Error: msg})
}
