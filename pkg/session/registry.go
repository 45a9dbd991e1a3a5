package session

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"examsentry/pkg/eventbus"
	"examsentry/pkg/structlog"
)

const shardCount = 32

type shard struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// Registry owns all active monitoring sessions. State is sharded so
// unrelated sessions never contend on one lock. All operations are safe
// to retry with the same arguments.
type Registry struct {
	shards [shardCount]*shard
	count  atomic.Int64

	maxActive int
	threshold time.Duration
	sweepEach time.Duration

	bus    *eventbus.Bus
	mirror *Mirror
	log    *structlog.Logger
}

// RegistryConfig configures the registry.
type RegistryConfig struct {
	MaxActiveSessions   int
	InactivityThreshold time.Duration
	SweepInterval       time.Duration
	Bus                 *eventbus.Bus
	Mirror              *Mirror // optional redis mirror for multi-instance reads
	Logger              *structlog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	r := &Registry{
		maxActive: cfg.MaxActiveSessions,
		threshold: cfg.InactivityThreshold,
		sweepEach: cfg.SweepInterval,
		bus:       cfg.Bus,
		mirror:    cfg.Mirror,
		log:       cfg.Logger,
	}
	if r.log == nil {
		r.log = structlog.NewLogger("session-registry", structlog.LevelInfo, nil)
	}
	if r.sweepEach == 0 {
		r.sweepEach = time.Minute
	}
	for i := range r.shards {
		r.shards[i] = &shard{sessions: make(map[string]*Session)}
	}
	return r
}

func (r *Registry) shardFor(id string) *shard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return r.shards[h.Sum32()%shardCount]
}

// Create registers a new pending session for an exam attempt.
func (r *Registry) Create(ctx context.Context, ownerID, examID string) (Session, error) {
	if r.maxActive > 0 && int(r.count.Load()) >= r.maxActive {
		return Session{}, ErrCapacity
	}

	now := time.Now().UTC()
	s := &Session{
		ID:           uuid.New().String(),
		OwnerID:      ownerID,
		ExamID:       examID,
		Status:       StatusPending,
		CreatedAt:    now,
		LastActivity: now,
	}

	sh := r.shardFor(s.ID)
	sh.mu.Lock()
	sh.sessions[s.ID] = s
	sh.mu.Unlock()
	r.count.Add(1)

	r.mirror.put(ctx, s)
	r.publish(ctx, eventbus.TopicSessionCreated, s.ID, s.clone())
	r.log.Info("session created", structlog.Fields{"session_id": s.ID, "owner_id": ownerID, "exam_id": examID})
	return s.clone(), nil
}

// Get returns a copy of the session or ErrNotFound.
func (r *Registry) Get(id string) (Session, error) {
	sh := r.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	s, ok := sh.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return s.clone(), nil
}

// Update merges the patch into the session, refreshing last-activity.
// Status changes are validated against the state machine. Applying the
// same patch twice yields the same result.
func (r *Registry) Update(ctx context.Context, id string, p Patch) (Session, error) {
	sh := r.shardFor(id)
	sh.mu.Lock()
	s, ok := sh.sessions[id]
	if !ok {
		sh.mu.Unlock()
		return Session{}, ErrNotFound
	}

	if p.Status != nil {
		if !s.Status.CanTransition(*p.Status) {
			sh.mu.Unlock()
			return Session{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, *p.Status)
		}
		s.Status = *p.Status
	}
	if p.ResetRisk {
		s.RiskScore = 0
	} else if p.RiskScore != nil && *p.RiskScore > s.RiskScore {
		// risk is monotonic non-decreasing within a session
		s.RiskScore = *p.RiskScore
	}
	if p.ViolationCount != nil {
		s.ViolationCount = *p.ViolationCount
	}
	s.LastActivity = time.Now().UTC()
	out := s.clone()
	sh.mu.Unlock()

	r.mirror.put(ctx, &out)
	return out, nil
}

// Touch refreshes a session's last-activity timestamp.
func (r *Registry) Touch(id string) error {
	sh := r.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	s, ok := sh.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.LastActivity = time.Now().UTC()
	return nil
}

// RecordViolations bumps the violation count and raises the risk score.
// Returns ErrSessionClosed once the session reached a terminal state.
func (r *Registry) RecordViolations(ctx context.Context, id string, added int, riskScore float64) (Session, error) {
	sh := r.shardFor(id)
	sh.mu.Lock()
	s, ok := sh.sessions[id]
	if !ok {
		sh.mu.Unlock()
		return Session{}, ErrNotFound
	}
	if !s.Status.AcceptsViolations() {
		sh.mu.Unlock()
		return Session{}, ErrSessionClosed
	}
	s.ViolationCount += added
	if riskScore > s.RiskScore {
		s.RiskScore = riskScore
	}
	s.LastActivity = time.Now().UTC()
	out := s.clone()
	sh.mu.Unlock()

	r.mirror.put(ctx, &out)
	return out, nil
}

// Delete removes the session. Deleting an absent session is a no-op.
func (r *Registry) Delete(ctx context.Context, id string) {
	sh := r.shardFor(id)
	sh.mu.Lock()
	_, ok := sh.sessions[id]
	if ok {
		delete(sh.sessions, id)
	}
	sh.mu.Unlock()
	if ok {
		r.count.Add(-1)
		r.mirror.remove(ctx, id)
	}
}

// ListActive returns copies of all sessions in non-terminal states.
func (r *Registry) ListActive() []Session {
	var out []Session
	for _, sh := range r.shards {
		sh.mu.RLock()
		for _, s := range sh.sessions {
			if !s.Status.Terminal() {
				out = append(out, s.clone())
			}
		}
		sh.mu.RUnlock()
	}
	return out
}

// Count returns the number of tracked sessions.
func (r *Registry) Count() int {
	return int(r.count.Load())
}

// RecordRoomJoin adds a room membership to the session record.
// Idempotent on the same room.
func (r *Registry) RecordRoomJoin(id, room string) error {
	sh := r.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	s, ok := sh.sessions[id]
	if !ok {
		return ErrNotFound
	}
	for _, existing := range s.Rooms {
		if existing == room {
			return nil
		}
	}
	s.Rooms = append(s.Rooms, room)
	return nil
}

// RecordRoomLeave drops a room membership from the session record.
func (r *Registry) RecordRoomLeave(id, room string) error {
	sh := r.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	s, ok := sh.sessions[id]
	if !ok {
		return ErrNotFound
	}
	for i, existing := range s.Rooms {
		if existing == room {
			s.Rooms = append(s.Rooms[:i], s.Rooms[i+1:]...)
			return nil
		}
	}
	return nil
}

// End moves the session to ended and publishes the lifecycle event. The
// record stays in the registry until deleted or swept, so observers can
// still read the final state.
func (r *Registry) End(ctx context.Context, id string) (Session, error) {
	return r.close(ctx, id, StatusEnded, eventbus.TopicSessionEnded)
}

// Terminate force-stops the session through observer action.
func (r *Registry) Terminate(ctx context.Context, id string) (Session, error) {
	return r.close(ctx, id, StatusTerminated, eventbus.TopicSessionTerminated)
}

// Flag marks the session for manual review without halting it.
func (r *Registry) Flag(ctx context.Context, id string) (Session, error) {
	status := StatusFlagged
	s, err := r.Update(ctx, id, Patch{Status: &status})
	if err != nil {
		return Session{}, err
	}
	r.publish(ctx, eventbus.TopicSessionFlagged, id, s)
	return s, nil
}

func (r *Registry) close(ctx context.Context, id string, status Status, topic string) (Session, error) {
	s, err := r.Update(ctx, id, Patch{Status: &status})
	if err != nil {
		return Session{}, err
	}
	r.publish(ctx, topic, id, s)
	return s, nil
}

// RunSweep removes sessions whose last activity exceeds the inactivity
// threshold, emitting an ended-by-timeout lifecycle event first. Blocks
// until ctx is cancelled.
func (r *Registry) RunSweep(ctx context.Context) {
	ticker := time.NewTicker(r.sweepEach)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.sweepOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (r *Registry) sweepOnce(ctx context.Context) {
	if r.threshold <= 0 {
		return
	}
	cutoff := time.Now().UTC().Add(-r.threshold)
	var expired []Session
	for _, sh := range r.shards {
		sh.mu.Lock()
		for id, s := range sh.sessions {
			if s.LastActivity.Before(cutoff) {
				s.Status = StatusEnded
				expired = append(expired, s.clone())
				delete(sh.sessions, id)
			}
		}
		sh.mu.Unlock()
	}
	for _, s := range expired {
		r.count.Add(-1)
		r.mirror.remove(ctx, s.ID)
		r.publish(ctx, eventbus.TopicSessionTimeout, s.ID, s)
		r.log.Info("session ended by inactivity timeout", structlog.Fields{"session_id": s.ID})
	}
}

func (r *Registry) publish(ctx context.Context, topic, sessionID string, payload any) {
	if r.bus == nil {
		return
	}
	if err := r.bus.Publish(ctx, eventbus.Event{Topic: topic, SessionID: sessionID, Payload: payload}); err != nil {
		r.log.Warn("lifecycle event dropped", structlog.Fields{"topic": topic, "session_id": sessionID, "error": err.Error()})
	}
}
