package store

import (
	"database/sql"
	"fmt"
	"time"
)

func (s *Store) CreateReview(prNumber, iteration, commentsCount int, commentsJSON string) (int64, error) {
	result, err := s.conn.Exec(`
		INSERT INTO pr_reviews (pr_number, iteration, comments_count, comments_json, status, created_at)
		VALUES (?, ?, ?, ?, 'pending', ?)`,
		prNumber, iteration, commentsCount, commentsJSON, formatTime(time.Now()),
	)
	if err != nil {
		return 0, fmt.Errorf("creating review for pr %d: %w", prNumber, err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading review id: %w", err)
	}
	return id, nil
}

func (s *Store) ListReviews(prNumber int) ([]Review, error) {
	rows, err := s.conn.Query(`
		SELECT id, pr_number, iteration, comments_count, comments_json, agent_id, status, created_at
		FROM pr_reviews WHERE pr_number = ? ORDER BY iteration`, prNumber)
	if err != nil {
		return nil, fmt.Errorf("listing reviews for pr %d: %w", prNumber, err)
	}
	defer rows.Close()
	return collectReviews(rows)
}

func (s *Store) ListAllReviews() ([]Review, error) {
	rows, err := s.conn.Query(`
		SELECT id, pr_number, iteration, comments_count, comments_json, agent_id, status, created_at
		FROM pr_reviews ORDER BY pr_number, iteration`)
	if err != nil {
		return nil, fmt.Errorf("listing reviews: %w", err)
	}
	defer rows.Close()
	return collectReviews(rows)
}

// LatestReview returns the highest-iteration review row for a PR, or
// sql.ErrNoRows when the PR has none.
func (s *Store) LatestReview(prNumber int) (Review, error) {
	row := s.conn.QueryRow(`
		SELECT id, pr_number, iteration, comments_count, comments_json, agent_id, status, created_at
		FROM pr_reviews WHERE pr_number = ? ORDER BY iteration DESC LIMIT 1`, prNumber)

	review, err := scanReviewRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return Review{}, sql.ErrNoRows
		}
		return Review{}, fmt.Errorf("getting latest review for pr %d: %w", prNumber, err)
	}
	return review, nil
}

func (s *Store) SetReviewStatus(id int64, status string) error {
	_, err := s.conn.Exec(`UPDATE pr_reviews SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("updating review %d status: %w", id, err)
	}
	return nil
}

func (s *Store) SetReviewAgent(id int64, agentID string) error {
	_, err := s.conn.Exec(`UPDATE pr_reviews SET agent_id = ? WHERE id = ?`, agentID, id)
	if err != nil {
		return fmt.Errorf("updating review %d agent: %w", id, err)
	}
	return nil
}

func collectReviews(rows *sql.Rows) ([]Review, error) {
	var reviews []Review
	for rows.Next() {
		var r Review
		var createdAt string
		err := rows.Scan(&r.ID, &r.PRNumber, &r.Iteration, &r.CommentsCount,
			&r.CommentsJSON, &r.AgentID, &r.Status, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("scanning review: %w", err)
		}
		r.CreatedAt = parseTime(createdAt)
		reviews = append(reviews, r)
	}
	return reviews, rows.Err()
}

func scanReviewRow(row *sql.Row) (Review, error) {
	var r Review
	var createdAt string
	err := row.Scan(&r.ID, &r.PRNumber, &r.Iteration, &r.CommentsCount,
		&r.CommentsJSON, &r.AgentID, &r.Status, &createdAt)
	if err != nil {
		return Review{}, err
	}
	r.CreatedAt = parseTime(createdAt)
	return r, nil
}
