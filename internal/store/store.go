// Package store persists orchestrator state in an embedded SQLite database:
// tracked issues, worker records, streamed worker events and PR review
// iterations. All timestamps are stored as RFC3339 UTC strings.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Issue statuses.
const (
	IssuePending    = "pending"
	IssueInProgress = "in_progress"
	IssuePRCreated  = "pr_created"
	IssueResolved   = "resolved"
	IssueNeedsHuman = "needs_human"
)

// Agent statuses.
const (
	AgentRunning     = "running"
	AgentCompleted   = "completed"
	AgentFailed      = "failed"
	AgentTimeout     = "timeout"
	AgentRateLimited = "rate_limited"
	AgentResumed     = "resumed"
)

// Agent types.
const (
	TypeImplement = "implement"
	TypeFixReview = "fix_review"
)

// Review iteration statuses.
const (
	ReviewPending    = "pending"
	ReviewFixing     = "fixing"
	ReviewFixed      = "fixed"
	ReviewFailed     = "failed"
	ReviewNeedsHuman = "needs_human"
)

type Issue struct {
	Number    int
	Title     string
	Status    string
	AgentID   string
	PRNumber  int
	Attempts  int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Agent is one worker subprocess record. A resumed worker gets a fresh row
// chained to the original through the session id. Zero values mean absent:
// PRNumber 0, PID 0, SessionID "", zero time for FinishedAt/RateLimitedAt.
type Agent struct {
	ID            string
	IssueNumber   int
	PRNumber      int
	Type          string
	Status        string
	WorktreePath  string
	BranchName    string
	PID           int
	TurnsUsed     int
	SessionID     string
	ResumeCount   int
	RateLimitedAt time.Time
	StartedAt     time.Time
	FinishedAt    time.Time
	ErrorMessage  string
}

type Event struct {
	ID        int64
	AgentID   string
	Type      string
	Data      string
	Timestamp time.Time
}

type Review struct {
	ID            int64
	PRNumber      int
	Iteration     int
	CommentsCount int
	CommentsJSON  string
	AgentID       string
	Status        string
	CreatedAt     time.Time
}

type Store struct {
	conn *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS issues (
	issue_number INTEGER PRIMARY KEY,
	title TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'pending',
	agent_id TEXT NOT NULL DEFAULT '',
	pr_number INTEGER NOT NULL DEFAULT 0,
	attempts INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL DEFAULT (datetime('now')),
	updated_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS agents (
	agent_id TEXT PRIMARY KEY,
	issue_number INTEGER NOT NULL DEFAULT 0,
	pr_number INTEGER NOT NULL DEFAULT 0,
	agent_type TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'running',
	worktree_path TEXT NOT NULL DEFAULT '',
	branch_name TEXT NOT NULL DEFAULT '',
	pid INTEGER NOT NULL DEFAULT 0,
	turns_used INTEGER NOT NULL DEFAULT 0,
	session_id TEXT NOT NULL DEFAULT '',
	resume_count INTEGER NOT NULL DEFAULT 0,
	rate_limited_at TEXT NOT NULL DEFAULT '',
	started_at TEXT NOT NULL DEFAULT (datetime('now')),
	finished_at TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS agent_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	agent_id TEXT NOT NULL REFERENCES agents(agent_id),
	event_type TEXT NOT NULL DEFAULT '',
	event_data TEXT NOT NULL DEFAULT '',
	timestamp TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS pr_reviews (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	pr_number INTEGER NOT NULL,
	iteration INTEGER NOT NULL,
	comments_count INTEGER NOT NULL DEFAULT 0,
	comments_json TEXT NOT NULL DEFAULT '',
	agent_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'pending',
	created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_agent_events_agent ON agent_events(agent_id, id);
`

func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", dir, err)
	}

	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("running schema migration: %w", err)
	}

	// Migrations for existing databases: add columns that may not exist yet.
	// ALTER TABLE ADD COLUMN errors are silently ignored (column already exists).
	conn.Exec(`ALTER TABLE agents ADD COLUMN pid INTEGER NOT NULL DEFAULT 0`)
	conn.Exec(`ALTER TABLE agents ADD COLUMN session_id TEXT NOT NULL DEFAULT ''`)
	conn.Exec(`ALTER TABLE agents ADD COLUMN resume_count INTEGER NOT NULL DEFAULT 0`)
	conn.Exec(`ALTER TABLE agents ADD COLUMN rate_limited_at TEXT NOT NULL DEFAULT ''`)
	conn.Exec(`ALTER TABLE pr_reviews ADD COLUMN comments_json TEXT NOT NULL DEFAULT ''`)

	return &Store{conn: conn}, nil
}

func (s *Store) Close() error {
	return s.conn.Close()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func parseTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		// Rows created by the SQL default use datetime('now') format.
		t, _ = time.Parse("2006-01-02 15:04:05", v)
	}
	return t
}
