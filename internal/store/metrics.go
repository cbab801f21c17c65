package store

import (
	"fmt"
	"math"
)

type Metrics struct {
	ActiveAgents      int     `json:"active_agents"`
	TotalIssues       int     `json:"total_issues"`
	Resolved          int     `json:"resolved"`
	Pending           int     `json:"pending"`
	InProgress        int     `json:"in_progress"`
	NeedsHuman        int     `json:"needs_human"`
	PRCreated         int     `json:"pr_created"`
	AvgTurns          float64 `json:"avg_turns"`
	RateLimitedAgents int     `json:"rate_limited"`
}

func (s *Store) Metrics() (Metrics, error) {
	var m Metrics

	counts := []struct {
		query string
		dst   *int
	}{
		{`SELECT COUNT(*) FROM agents WHERE status = 'running'`, &m.ActiveAgents},
		{`SELECT COUNT(*) FROM issues`, &m.TotalIssues},
		{`SELECT COUNT(*) FROM issues WHERE status = 'resolved'`, &m.Resolved},
		{`SELECT COUNT(*) FROM issues WHERE status = 'pending'`, &m.Pending},
		{`SELECT COUNT(*) FROM issues WHERE status = 'in_progress'`, &m.InProgress},
		{`SELECT COUNT(*) FROM issues WHERE status = 'needs_human'`, &m.NeedsHuman},
		{`SELECT COUNT(*) FROM issues WHERE status = 'pr_created'`, &m.PRCreated},
		{`SELECT COUNT(*) FROM agents WHERE status = 'rate_limited'`, &m.RateLimitedAgents},
	}
	for _, c := range counts {
		if err := s.conn.QueryRow(c.query).Scan(c.dst); err != nil {
			return Metrics{}, fmt.Errorf("computing metrics: %w", err)
		}
	}

	var avg *float64
	if err := s.conn.QueryRow(
		`SELECT AVG(turns_used) FROM agents WHERE status = 'completed'`,
	).Scan(&avg); err != nil {
		return Metrics{}, fmt.Errorf("computing average turns: %w", err)
	}
	if avg != nil {
		m.AvgTurns = math.Round(*avg*10) / 10
	}

	return m, nil
}
