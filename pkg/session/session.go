package session

import (
	"errors"
	"time"
)

var (
	ErrNotFound          = errors.New("session not found")
	ErrInvalidTransition = errors.New("invalid session state transition")
	ErrSessionClosed     = errors.New("session no longer accepts violations")
	ErrCapacity          = errors.New("max active sessions reached")
)

// Status is the lifecycle state of a monitored exam attempt.
//
//	pending -> active -> {paused, flagged} -> ended
//
// terminated is reachable from every non-ended state through observer
// action. flagged is not terminal: the session keeps operating, only
// marked for review.
type Status string

const (
	StatusPending    Status = "pending"
	StatusActive     Status = "active"
	StatusPaused     Status = "paused"
	StatusFlagged    Status = "flagged"
	StatusEnded      Status = "ended"
	StatusTerminated Status = "terminated"
)

// Terminal reports whether the session stopped for good.
func (s Status) Terminal() bool {
	return s == StatusEnded || s == StatusTerminated
}

// AcceptsViolations reports whether new violations may still be recorded.
func (s Status) AcceptsViolations() bool {
	return !s.Terminal()
}

var transitions = map[Status][]Status{
	StatusPending: {StatusActive, StatusEnded, StatusTerminated},
	StatusActive:  {StatusPaused, StatusFlagged, StatusEnded, StatusTerminated},
	StatusPaused:  {StatusActive, StatusFlagged, StatusEnded, StatusTerminated},
	StatusFlagged: {StatusActive, StatusPaused, StatusEnded, StatusTerminated},
}

// CanTransition reports whether moving from s to next is legal. Setting
// the same status again is allowed so retries stay idempotent.
func (s Status) CanTransition(next Status) bool {
	if s == next {
		return true
	}
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Session is the authoritative in-process record of one monitored exam
// attempt. Copies are handed out by the registry; the stored record is
// only mutated under its shard lock.
type Session struct {
	ID             string    `json:"id"`
	OwnerID        string    `json:"owner_id"`
	ExamID         string    `json:"exam_id"`
	Status         Status    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivity   time.Time `json:"last_activity"`
	RiskScore      float64   `json:"risk_score"`
	ViolationCount int       `json:"violation_count"`
	Rooms          []string  `json:"rooms,omitempty"`
}

func (s *Session) clone() Session {
	cp := *s
	cp.Rooms = append([]string(nil), s.Rooms...)
	return cp
}

// Patch describes a partial update; nil fields are left untouched.
type Patch struct {
	Status         *Status
	RiskScore      *float64
	ViolationCount *int
	ResetRisk      bool
}
