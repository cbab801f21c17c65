package store

import (
	"fmt"
	"time"
)

func (s *Store) InsertEvent(agentID, eventType, eventData string) error {
	_, err := s.conn.Exec(`
		INSERT INTO agent_events (agent_id, event_type, event_data, timestamp)
		VALUES (?, ?, ?, ?)`,
		agentID, eventType, eventData, formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("inserting event for %s: %w", agentID, err)
	}
	return nil
}

// ListEvents returns up to limit events for a worker with id greater than
// sinceID, oldest first. The id doubles as the pagination cursor for the
// dashboard's incremental log endpoint.
func (s *Store) ListEvents(agentID string, sinceID int64, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.conn.Query(`
		SELECT id, agent_id, event_type, event_data, timestamp
		FROM agent_events
		WHERE agent_id = ? AND id > ?
		ORDER BY id
		LIMIT ?`,
		agentID, sinceID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing events for %s: %w", agentID, err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var ts string
		if err := rows.Scan(&e.ID, &e.AgentID, &e.Type, &e.Data, &ts); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		e.Timestamp = parseTime(ts)
		events = append(events, e)
	}
	return events, rows.Err()
}

// AgentTurnCount counts assistant events, the persisted measure of turns.
func (s *Store) AgentTurnCount(agentID string) (int, error) {
	var n int
	err := s.conn.QueryRow(
		`SELECT COUNT(*) FROM agent_events WHERE agent_id = ? AND event_type = 'assistant'`,
		agentID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting turns for %s: %w", agentID, err)
	}
	return n, nil
}
