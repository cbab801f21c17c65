package store

import (
	"database/sql"
	"fmt"
	"time"
)

const agentColumns = `agent_id, issue_number, pr_number, agent_type, status,
	worktree_path, branch_name, pid, turns_used, session_id, resume_count,
	rate_limited_at, started_at, finished_at, error_message`

func (s *Store) CreateAgent(agent Agent) (Agent, error) {
	if agent.Status == "" {
		agent.Status = AgentRunning
	}
	if agent.StartedAt.IsZero() {
		agent.StartedAt = time.Now().UTC()
	}

	_, err := s.conn.Exec(`
		INSERT INTO agents (agent_id, issue_number, pr_number, agent_type, status,
			worktree_path, branch_name, pid, turns_used, session_id, resume_count,
			rate_limited_at, started_at, finished_at, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		agent.ID, agent.IssueNumber, agent.PRNumber, agent.Type, agent.Status,
		agent.WorktreePath, agent.BranchName, agent.PID, agent.TurnsUsed,
		agent.SessionID, agent.ResumeCount, formatTime(agent.RateLimitedAt),
		formatTime(agent.StartedAt), formatTime(agent.FinishedAt), agent.ErrorMessage,
	)
	if err != nil {
		return Agent{}, fmt.Errorf("creating agent %s: %w", agent.ID, err)
	}
	return agent, nil
}

func (s *Store) GetAgent(id string) (Agent, error) {
	row := s.conn.QueryRow(`SELECT `+agentColumns+` FROM agents WHERE agent_id = ?`, id)
	agent, err := scanAgentRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return Agent{}, fmt.Errorf("agent not found: %s: %w", id, sql.ErrNoRows)
		}
		return Agent{}, fmt.Errorf("getting agent %s: %w", id, err)
	}
	return agent, nil
}

func (s *Store) ListRunningAgents() ([]Agent, error) {
	rows, err := s.conn.Query(
		`SELECT ` + agentColumns + ` FROM agents WHERE status = 'running' ORDER BY started_at`)
	if err != nil {
		return nil, fmt.Errorf("listing running agents: %w", err)
	}
	defer rows.Close()
	return collectAgents(rows)
}

func (s *Store) ListRateLimitedAgents() ([]Agent, error) {
	rows, err := s.conn.Query(
		`SELECT ` + agentColumns + ` FROM agents WHERE status = 'rate_limited' ORDER BY rate_limited_at`)
	if err != nil {
		return nil, fmt.Errorf("listing rate-limited agents: %w", err)
	}
	defer rows.Close()
	return collectAgents(rows)
}

func (s *Store) ListAgents() ([]Agent, error) {
	rows, err := s.conn.Query(
		`SELECT ` + agentColumns + ` FROM agents ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	defer rows.Close()
	return collectAgents(rows)
}

func (s *Store) UpdateAgent(agent Agent) error {
	result, err := s.conn.Exec(`
		UPDATE agents SET issue_number = ?, pr_number = ?, agent_type = ?, status = ?,
			worktree_path = ?, branch_name = ?, pid = ?, turns_used = ?,
			session_id = ?, resume_count = ?, rate_limited_at = ?,
			started_at = ?, finished_at = ?, error_message = ?
		WHERE agent_id = ?`,
		agent.IssueNumber, agent.PRNumber, agent.Type, agent.Status,
		agent.WorktreePath, agent.BranchName, agent.PID, agent.TurnsUsed,
		agent.SessionID, agent.ResumeCount, formatTime(agent.RateLimitedAt),
		formatTime(agent.StartedAt), formatTime(agent.FinishedAt), agent.ErrorMessage,
		agent.ID,
	)
	if err != nil {
		return fmt.Errorf("updating agent %s: %w", agent.ID, err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("agent not found: %s", agent.ID)
	}
	return nil
}

// FinishAgent records a terminal status with the finish time.
func (s *Store) FinishAgent(id, status, errorMessage string) error {
	_, err := s.conn.Exec(`
		UPDATE agents SET status = ?, finished_at = ?, error_message = ?
		WHERE agent_id = ?`,
		status, formatTime(time.Now()), errorMessage, id,
	)
	if err != nil {
		return fmt.Errorf("finishing agent %s: %w", id, err)
	}
	return nil
}

// MarkAgentRateLimited parks a worker for later resumption, keeping the
// session id needed to continue the conversation.
func (s *Store) MarkAgentRateLimited(id, sessionID string) error {
	_, err := s.conn.Exec(`
		UPDATE agents SET status = 'rate_limited', rate_limited_at = ?, session_id = ?
		WHERE agent_id = ?`,
		formatTime(time.Now()), sessionID, id,
	)
	if err != nil {
		return fmt.Errorf("marking agent %s rate-limited: %w", id, err)
	}
	return nil
}

func (s *Store) SetAgentStatus(id, status string) error {
	_, err := s.conn.Exec(`UPDATE agents SET status = ? WHERE agent_id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("setting agent %s status: %w", id, err)
	}
	return nil
}

func (s *Store) SetAgentPR(id string, prNumber int) error {
	_, err := s.conn.Exec(`UPDATE agents SET pr_number = ? WHERE agent_id = ?`, prNumber, id)
	if err != nil {
		return fmt.Errorf("setting agent %s pr: %w", id, err)
	}
	return nil
}

func (s *Store) SetAgentSession(id, sessionID string) error {
	_, err := s.conn.Exec(`UPDATE agents SET session_id = ? WHERE agent_id = ?`, sessionID, id)
	if err != nil {
		return fmt.Errorf("setting agent %s session: %w", id, err)
	}
	return nil
}

func (s *Store) SetAgentTurns(id string, turns int) error {
	_, err := s.conn.Exec(`UPDATE agents SET turns_used = ? WHERE agent_id = ?`, turns, id)
	if err != nil {
		return fmt.Errorf("setting agent %s turns: %w", id, err)
	}
	return nil
}

func collectAgents(rows *sql.Rows) ([]Agent, error) {
	var agents []Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

func scanAgent(rows *sql.Rows) (Agent, error) {
	var a Agent
	var rateLimitedAt, startedAt, finishedAt string
	err := rows.Scan(&a.ID, &a.IssueNumber, &a.PRNumber, &a.Type, &a.Status,
		&a.WorktreePath, &a.BranchName, &a.PID, &a.TurnsUsed, &a.SessionID,
		&a.ResumeCount, &rateLimitedAt, &startedAt, &finishedAt, &a.ErrorMessage)
	if err != nil {
		return Agent{}, fmt.Errorf("scanning agent: %w", err)
	}
	a.RateLimitedAt = parseTime(rateLimitedAt)
	a.StartedAt = parseTime(startedAt)
	a.FinishedAt = parseTime(finishedAt)
	return a, nil
}

func scanAgentRow(row *sql.Row) (Agent, error) {
	var a Agent
	var rateLimitedAt, startedAt, finishedAt string
	err := row.Scan(&a.ID, &a.IssueNumber, &a.PRNumber, &a.Type, &a.Status,
		&a.WorktreePath, &a.BranchName, &a.PID, &a.TurnsUsed, &a.SessionID,
		&a.ResumeCount, &rateLimitedAt, &startedAt, &finishedAt, &a.ErrorMessage)
	if err != nil {
		return Agent{}, err
	}
	a.RateLimitedAt = parseTime(rateLimitedAt)
	a.StartedAt = parseTime(startedAt)
	a.FinishedAt = parseTime(finishedAt)
	return a, nil
}
