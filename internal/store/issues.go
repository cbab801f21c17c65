package store

import (
	"database/sql"
	"fmt"
	"time"
)

// UpsertIssue inserts a newly discovered issue or refreshes the title of an
// existing one. Status is only applied on insert; later transitions go
// through the dedicated setters so polling never regresses state.
func (s *Store) UpsertIssue(number int, title, status string) error {
	now := formatTime(time.Now())
	_, err := s.conn.Exec(`
		INSERT INTO issues (issue_number, title, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(issue_number) DO UPDATE SET
			title = excluded.title, updated_at = excluded.updated_at`,
		number, title, status, now, now,
	)
	if err != nil {
		return fmt.Errorf("upserting issue %d: %w", number, err)
	}
	return nil
}

func (s *Store) GetIssue(number int) (Issue, error) {
	row := s.conn.QueryRow(`
		SELECT issue_number, title, status, agent_id, pr_number, attempts, created_at, updated_at
		FROM issues WHERE issue_number = ?`, number)

	issue, err := scanIssueRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return Issue{}, fmt.Errorf("issue not found: %d: %w", number, sql.ErrNoRows)
		}
		return Issue{}, fmt.Errorf("getting issue %d: %w", number, err)
	}
	return issue, nil
}

func (s *Store) ListIssuesByStatus(status string) ([]Issue, error) {
	rows, err := s.conn.Query(`
		SELECT issue_number, title, status, agent_id, pr_number, attempts, created_at, updated_at
		FROM issues WHERE status = ? ORDER BY issue_number`, status)
	if err != nil {
		return nil, fmt.Errorf("listing issues by status: %w", err)
	}
	defer rows.Close()
	return collectIssues(rows)
}

func (s *Store) ListIssues() ([]Issue, error) {
	rows, err := s.conn.Query(`
		SELECT issue_number, title, status, agent_id, pr_number, attempts, created_at, updated_at
		FROM issues ORDER BY issue_number`)
	if err != nil {
		return nil, fmt.Errorf("listing issues: %w", err)
	}
	defer rows.Close()
	return collectIssues(rows)
}

// SetIssueStatus transitions an issue and optionally records the worker
// driving it. agentID is left untouched when empty.
func (s *Store) SetIssueStatus(number int, status, agentID string) error {
	var err error
	if agentID == "" {
		_, err = s.conn.Exec(
			`UPDATE issues SET status = ?, updated_at = ? WHERE issue_number = ?`,
			status, formatTime(time.Now()), number,
		)
	} else {
		_, err = s.conn.Exec(
			`UPDATE issues SET status = ?, agent_id = ?, updated_at = ? WHERE issue_number = ?`,
			status, agentID, formatTime(time.Now()), number,
		)
	}
	if err != nil {
		return fmt.Errorf("updating issue %d status: %w", number, err)
	}
	return nil
}

// SetIssueAgent repoints an issue at a new worker without touching status,
// used when a resumed worker supersedes a rate-limited one.
func (s *Store) SetIssueAgent(number int, agentID string) error {
	_, err := s.conn.Exec(
		`UPDATE issues SET agent_id = ?, updated_at = ? WHERE issue_number = ?`,
		agentID, formatTime(time.Now()), number,
	)
	if err != nil {
		return fmt.Errorf("updating issue %d agent: %w", number, err)
	}
	return nil
}

func (s *Store) SetIssuePR(number, prNumber int) error {
	_, err := s.conn.Exec(
		`UPDATE issues SET pr_number = ?, updated_at = ? WHERE issue_number = ?`,
		prNumber, formatTime(time.Now()), number,
	)
	if err != nil {
		return fmt.Errorf("updating issue %d pr: %w", number, err)
	}
	return nil
}

// IncrementIssueAttempts bumps the retry counter and returns the new value.
func (s *Store) IncrementIssueAttempts(number int) (int, error) {
	_, err := s.conn.Exec(
		`UPDATE issues SET attempts = attempts + 1, updated_at = ? WHERE issue_number = ?`,
		formatTime(time.Now()), number,
	)
	if err != nil {
		return 0, fmt.Errorf("incrementing issue %d attempts: %w", number, err)
	}
	var attempts int
	if err := s.conn.QueryRow(`SELECT attempts FROM issues WHERE issue_number = ?`, number).Scan(&attempts); err != nil {
		return 0, fmt.Errorf("reading issue %d attempts: %w", number, err)
	}
	return attempts, nil
}

// IssueForPR finds the issue a PR belongs to, or sql.ErrNoRows.
func (s *Store) IssueForPR(prNumber int) (Issue, error) {
	row := s.conn.QueryRow(`
		SELECT issue_number, title, status, agent_id, pr_number, attempts, created_at, updated_at
		FROM issues WHERE pr_number = ?`, prNumber)

	issue, err := scanIssueRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return Issue{}, sql.ErrNoRows
		}
		return Issue{}, fmt.Errorf("getting issue for pr %d: %w", prNumber, err)
	}
	return issue, nil
}

func collectIssues(rows *sql.Rows) ([]Issue, error) {
	var issues []Issue
	for rows.Next() {
		issue, err := scanIssue(rows)
		if err != nil {
			return nil, err
		}
		issues = append(issues, issue)
	}
	return issues, rows.Err()
}

func scanIssue(rows *sql.Rows) (Issue, error) {
	var issue Issue
	var createdAt, updatedAt string
	err := rows.Scan(&issue.Number, &issue.Title, &issue.Status, &issue.AgentID,
		&issue.PRNumber, &issue.Attempts, &createdAt, &updatedAt)
	if err != nil {
		return Issue{}, fmt.Errorf("scanning issue: %w", err)
	}
	issue.CreatedAt = parseTime(createdAt)
	issue.UpdatedAt = parseTime(updatedAt)
	return issue, nil
}

func scanIssueRow(row *sql.Row) (Issue, error) {
	var issue Issue
	var createdAt, updatedAt string
	err := row.Scan(&issue.Number, &issue.Title, &issue.Status, &issue.AgentID,
		&issue.PRNumber, &issue.Attempts, &createdAt, &updatedAt)
	if err != nil {
		return Issue{}, err
	}
	issue.CreatedAt = parseTime(createdAt)
	issue.UpdatedAt = parseTime(updatedAt)
	return issue, nil
}
