package dispatch

import (
	"context"
	"time"

	"examsentry/pkg/rooms"
	"examsentry/pkg/session"
)

// dashboardSnapshot is the periodic per-subscriber view of all active
// sessions.
type dashboardSnapshot struct {
	Sessions    []session.Session `json:"sessions"`
	GeneratedAt time.Time         `json:"generated_at"`
}

// statsSnapshot is the aggregate companion to the dashboard payload.
type statsSnapshot struct {
	ActiveSessions  int       `json:"active_sessions"`
	FlaggedSessions int       `json:"flagged_sessions"`
	TotalViolations int       `json:"total_violations"`
	AverageRisk     float64   `json:"average_risk"`
	HighestRisk     float64   `json:"highest_risk"`
	GeneratedAt     time.Time `json:"generated_at"`
}

func (s *Server) snapshot() (dashboardSnapshot, statsSnapshot) {
	sessions := s.registry.ListActive()
	now := time.Now().UTC()

	stats := statsSnapshot{ActiveSessions: len(sessions), GeneratedAt: now}
	for _, sess := range sessions {
		stats.TotalViolations += sess.ViolationCount
		stats.AverageRisk += sess.RiskScore
		if sess.RiskScore > stats.HighestRisk {
			stats.HighestRisk = sess.RiskScore
		}
		if sess.Status == session.StatusFlagged {
			stats.FlaggedSessions++
		}
	}
	if len(sessions) > 0 {
		stats.AverageRisk /= float64(len(sessions))
	}
	if s.metrics != nil {
		s.metrics.SessionsActive.Set(float64(len(sessions)))
	}
	return dashboardSnapshot{Sessions: sessions, GeneratedAt: now}, stats
}

// startDashboard begins (or retimes) the periodic push for one
// subscriber. Each subscriber gets its own ticker so intervals stay
// independent.
func (s *Server) startDashboard(c *Conn, interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	if prev, ok := s.dash[c.id]; ok {
		prev.cancel()
	}
	s.dash[c.id] = &dashboardSub{conn: c, interval: interval, cancel: cancel}
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		s.pushDashboard(c)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.pushDashboard(c)
			}
		}
	}()
}

func (s *Server) pushDashboard(c *Conn) {
	dash, stats := s.snapshot()
	c.Deliver(rooms.Message{Type: EventDashboardData, Data: dash})
	c.Deliver(rooms.Message{Type: EventStatisticsUpdate, Data: stats})
}

func (s *Server) stopDashboard(connID string) {
	s.mu.Lock()
	sub, ok := s.dash[connID]
	if ok {
		delete(s.dash, connID)
	}
	s.mu.Unlock()
	if ok {
		sub.cancel()
	}
}
