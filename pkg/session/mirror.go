package session

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Mirror keeps a best-effort copy of session records in Redis so other
// instances can answer read queries. The in-process registry remains the
// source of truth for real-time decisions; mirror failures are silent.
type Mirror struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// NewMirror creates a session mirror. A nil client disables mirroring.
func NewMirror(client *redis.Client, ttl time.Duration) *Mirror {
	if ttl == 0 {
		ttl = time.Hour
	}
	return &Mirror{client: client, keyPrefix: "examsentry:session:", ttl: ttl}
}

func (m *Mirror) put(ctx context.Context, s *Session) {
	if m == nil || m.client == nil {
		return
	}
	key := m.keyPrefix + s.ID
	m.client.HSet(ctx, key,
		"id", s.ID,
		"owner_id", s.OwnerID,
		"exam_id", s.ExamID,
		"status", string(s.Status),
		"created_at", s.CreatedAt.Unix(),
		"last_activity", s.LastActivity.Unix(),
		"risk_score", strconv.FormatFloat(s.RiskScore, 'f', -1, 64),
		"violation_count", s.ViolationCount,
	)
	m.client.Expire(ctx, key, m.ttl)
}

func (m *Mirror) remove(ctx context.Context, id string) {
	if m == nil || m.client == nil {
		return
	}
	m.client.Del(ctx, m.keyPrefix+id)
}

// Lookup reads a mirrored session from Redis. Used when another
// instance owns the live record.
func (m *Mirror) Lookup(ctx context.Context, id string) (Session, error) {
	if m == nil || m.client == nil {
		return Session{}, ErrNotFound
	}
	fields, err := m.client.HGetAll(ctx, m.keyPrefix+id).Result()
	if err != nil {
		return Session{}, err
	}
	if len(fields) == 0 {
		return Session{}, ErrNotFound
	}
	s := Session{
		ID:      fields["id"],
		OwnerID: fields["owner_id"],
		ExamID:  fields["exam_id"],
		Status:  Status(fields["status"]),
	}
	if n, err := strconv.ParseInt(fields["created_at"], 10, 64); err == nil {
		s.CreatedAt = time.Unix(n, 0).UTC()
	}
	if n, err := strconv.ParseInt(fields["last_activity"], 10, 64); err == nil {
		s.LastActivity = time.Unix(n, 0).UTC()
	}
	if f, err := strconv.ParseFloat(fields["risk_score"], 64); err == nil {
		s.RiskScore = f
	}
	if n, err := strconv.Atoi(fields["violation_count"]); err == nil {
		s.ViolationCount = n
	}
	return s, nil
}
