package risk

import (
	"context"
	"errors"
	"sync"
	"time"

	"examsentry/pkg/eventbus"
	"examsentry/pkg/metrics"
	"examsentry/pkg/session"
	"examsentry/pkg/store"
	"examsentry/pkg/structlog"
	"examsentry/pkg/violation"
)

// Score folds a violation set into a risk score: the sum of
// confidence x severity weight, capped at 1.0. Pure and
// order-independent, so replays and store retries cannot double-count.
func Score(violations []violation.Violation) float64 {
	var total float64
	for i := range violations {
		total += violations[i].Confidence * violations[i].Severity().Weight()
	}
	if total > 1.0 {
		return 1.0
	}
	return total
}

// Aggregator buffers accepted violations and processes them on a fixed
// tick. Batching keeps store writes off the broadcast path and lets
// critical-violation clustering be judged over a window instead of per
// event.
type Aggregator struct {
	mu      sync.Mutex
	queue   []violation.Violation
	history map[string][]violation.Violation

	tickPeriod       time.Duration
	clusterThreshold int
	countDerived     bool

	registry *session.Registry
	store    *store.Client
	bus      *eventbus.Bus
	log      *structlog.Logger
	metrics  *metrics.Metrics
}

// Config configures the aggregator.
type Config struct {
	TickPeriod               time.Duration
	CriticalClusterThreshold int
	// CountDerivedCritical also counts violations whose severity is
	// critical purely through high confidence, not type membership.
	CountDerivedCritical bool

	Registry *session.Registry
	Store    *store.Client
	Bus      *eventbus.Bus
	Logger   *structlog.Logger
	Metrics  *metrics.Metrics
}

// New creates an aggregator.
func New(cfg Config) *Aggregator {
	if cfg.TickPeriod == 0 {
		cfg.TickPeriod = 5 * time.Second
	}
	if cfg.CriticalClusterThreshold == 0 {
		cfg.CriticalClusterThreshold = 2
	}
	if cfg.Logger == nil {
		cfg.Logger = structlog.NewLogger("risk-aggregator", structlog.LevelInfo, nil)
	}
	return &Aggregator{
		history:          make(map[string][]violation.Violation),
		tickPeriod:       cfg.TickPeriod,
		clusterThreshold: cfg.CriticalClusterThreshold,
		countDerived:     cfg.CountDerivedCritical,
		registry:         cfg.Registry,
		store:            cfg.Store,
		bus:              cfg.Bus,
		log:              cfg.Logger,
		metrics:          cfg.Metrics,
	}
}

// Enqueue appends an accepted violation for the next tick. Validation
// happens before this point; the queue never sees a malformed record.
func (a *Aggregator) Enqueue(v violation.Violation) {
	a.mu.Lock()
	a.queue = append(a.queue, v)
	depth := len(a.queue)
	a.mu.Unlock()

	if a.metrics != nil {
		a.metrics.ViolationsQueued.Inc()
		a.metrics.QueueDepth.Set(float64(depth))
	}
}

// QueueDepth returns the number of buffered violations.
func (a *Aggregator) QueueDepth() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queue)
}

// SessionScore recomputes the session's score from its accumulated
// violation set. Idempotent.
func (a *Aggregator) SessionScore(sessionID string) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Score(a.history[sessionID])
}

// SessionViolations returns a copy of the session's accumulated
// violation set.
func (a *Aggregator) SessionViolations(sessionID string) []violation.Violation {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]violation.Violation(nil), a.history[sessionID]...)
}

// Recalculate recomputes the session's score from history and pushes it
// into the registry. Safe to call any number of times.
func (a *Aggregator) Recalculate(ctx context.Context, sessionID string) (float64, error) {
	score := a.SessionScore(sessionID)
	if _, err := a.registry.RecordViolations(ctx, sessionID, 0, score); err != nil {
		return 0, err
	}
	a.store.Async("recalculate-risk", func(ctx context.Context) error {
		return a.store.RecalculateRisk(ctx, sessionID)
	})
	return score, nil
}

// Run drains the queue on a fixed period until ctx is cancelled.
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.tickPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.Tick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Tick drains the queue once, groups the drained violations by session,
// and applies risk updates and flag decisions per group. An empty queue
// is a no-op. Exported so tests can drive ticks deterministically.
func (a *Aggregator) Tick(ctx context.Context) {
	start := time.Now()

	a.mu.Lock()
	drained := a.queue
	a.queue = nil
	a.mu.Unlock()

	if a.metrics != nil {
		a.metrics.QueueDepth.Set(0)
		defer func() {
			a.metrics.TickDuration.Observe(time.Since(start).Seconds())
		}()
	}
	if len(drained) == 0 {
		return
	}

	groups := make(map[string][]violation.Violation)
	for _, v := range drained {
		groups[v.SessionID] = append(groups[v.SessionID], v)
	}

	for sessionID, group := range groups {
		a.processGroup(ctx, sessionID, group)
	}
}

func (a *Aggregator) processGroup(ctx context.Context, sessionID string, group []violation.Violation) {
	sess, err := a.registry.Get(sessionID)
	if err != nil {
		a.log.Warn("dropping violations for unknown session", structlog.Fields{
			"session_id": sessionID, "count": len(group),
		})
		return
	}
	if !sess.Status.AcceptsViolations() {
		a.log.Info("dropping violations for closed session", structlog.Fields{
			"session_id": sessionID, "status": string(sess.Status), "count": len(group),
		})
		return
	}

	a.mu.Lock()
	a.history[sessionID] = append(a.history[sessionID], group...)
	score := Score(a.history[sessionID])
	a.mu.Unlock()

	updated, err := a.registry.RecordViolations(ctx, sessionID, len(group), score)
	if err != nil {
		if !errors.Is(err, session.ErrSessionClosed) {
			a.log.Warn("risk update failed", structlog.Fields{"session_id": sessionID, "error": err.Error()})
		}
		return
	}

	// durability sink, best effort
	a.store.Async("persist-violations", func(ctx context.Context) error {
		return a.store.PersistViolations(ctx, sessionID, group)
	})
	a.store.Async("recalculate-risk", func(ctx context.Context) error {
		return a.store.RecalculateRisk(ctx, sessionID)
	})

	a.publishRiskUpdate(ctx, updated)

	if a.criticalCount(group) >= a.clusterThreshold && sess.Status != session.StatusFlagged {
		if _, err := a.registry.Flag(ctx, sessionID); err != nil {
			a.log.Warn("flag transition failed", structlog.Fields{"session_id": sessionID, "error": err.Error()})
			return
		}
		if a.metrics != nil {
			a.metrics.SessionsFlagged.Inc()
		}
		a.store.Async("mark-flagged", func(ctx context.Context) error {
			return a.store.MarkFlagged(ctx, sessionID)
		})
		a.log.Info("session flagged by critical cluster", structlog.Fields{
			"session_id": sessionID, "criticals": a.criticalCount(group), "window": a.tickPeriod.String(),
		})
	}
}

func (a *Aggregator) criticalCount(group []violation.Violation) int {
	n := 0
	for i := range group {
		if group[i].Severity() != violation.SeverityCritical {
			continue
		}
		if a.countDerived || violation.IsCriticalType(group[i].Type) {
			n++
		}
	}
	return n
}

func (a *Aggregator) publishRiskUpdate(ctx context.Context, sess session.Session) {
	if a.bus == nil {
		return
	}
	evt := eventbus.Event{Topic: eventbus.TopicRiskUpdated, SessionID: sess.ID, Payload: sess}
	if err := a.bus.Publish(ctx, evt); err != nil {
		a.log.Warn("risk update event dropped", structlog.Fields{"session_id": sess.ID, "error": err.Error()})
	}
}

// Forget drops the accumulated violation set for a closed session.
func (a *Aggregator) Forget(sessionID string) {
	a.mu.Lock()
	delete(a.history, sessionID)
	a.mu.Unlock()
}

// Topics implements eventbus.Subscriber: history is released once the
// session is gone for good.
func (a *Aggregator) Topics() []string {
	return []string{
		eventbus.TopicSessionEnded,
		eventbus.TopicSessionTerminated,
		eventbus.TopicSessionTimeout,
	}
}

// Handle implements eventbus.Subscriber.
func (a *Aggregator) Handle(_ context.Context, evt eventbus.Event) {
	a.Forget(evt.SessionID)
}
