package dispatch

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"examsentry/pkg/auth"
	"examsentry/pkg/eventbus"
	"examsentry/pkg/intervene"
	"examsentry/pkg/metrics"
	"examsentry/pkg/ratelimit"
	"examsentry/pkg/risk"
	"examsentry/pkg/rooms"
	"examsentry/pkg/session"
	"examsentry/pkg/structlog"
	"examsentry/pkg/violation"
)

// Server owns the websocket connection layer: credential gating at the
// handshake, per-connection dispatch of the typed event surface, and
// the violation acceptance path shared by client reports and upstream
// ML detections.
type Server struct {
	gate     *auth.Gate
	limiter  *ratelimit.SlidingWindowLimiter
	registry *session.Registry
	agg      *risk.Aggregator
	hub      *rooms.Hub
	log      *structlog.Logger
	metrics  *metrics.Metrics

	interventions *intervene.Handler

	endOnDisconnect     bool
	minDashInterval     time.Duration
	defaultDashInterval time.Duration

	upgrader websocket.Upgrader

	mu     sync.RWMutex
	owners map[string]*Conn         // sessionID -> owning student connection
	dash   map[string]*dashboardSub // connID -> subscription
}

type dashboardSub struct {
	conn     *Conn
	interval time.Duration
	cancel   context.CancelFunc
}

// ServerConfig wires the server's collaborators. Components are
// constructed explicitly and injected; the server holds no globals.
type ServerConfig struct {
	Gate     *auth.Gate
	Limiter  *ratelimit.SlidingWindowLimiter
	Registry *session.Registry
	Agg      *risk.Aggregator
	Hub      *rooms.Hub
	Logger   *structlog.Logger
	Metrics  *metrics.Metrics

	EndOnDisconnect          bool
	MinDashboardInterval     time.Duration
	DefaultDashboardInterval time.Duration
}

// NewServer creates the connection dispatch layer.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = structlog.NewLogger("dispatch", structlog.LevelInfo, nil)
	}
	if cfg.MinDashboardInterval == 0 {
		cfg.MinDashboardInterval = time.Second
	}
	if cfg.DefaultDashboardInterval == 0 {
		cfg.DefaultDashboardInterval = 5 * time.Second
	}
	return &Server{
		gate:                cfg.Gate,
		limiter:             cfg.Limiter,
		registry:            cfg.Registry,
		agg:                 cfg.Agg,
		hub:                 cfg.Hub,
		log:                 cfg.Logger,
		metrics:             cfg.Metrics,
		endOnDisconnect:     cfg.EndOnDisconnect,
		minDashInterval:     cfg.MinDashboardInterval,
		defaultDashInterval: cfg.DefaultDashboardInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		owners: make(map[string]*Conn),
		dash:   make(map[string]*dashboardSub),
	}
}

// SetInterventions attaches the intervention handler. Separate from the
// constructor because the handler needs the server as owner notifier.
func (s *Server) SetInterventions(h *intervene.Handler) {
	s.interventions = h
}

// HandleWS gates and upgrades a websocket connection. Credential
// failure refuses the connection before the upgrade with a typed
// reason.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	identity, err := s.gate.Verify(auth.FromRequest(r))
	if err != nil {
		reason := auth.Reason(err)
		s.log.Warn("connection refused", structlog.Fields{"reason": reason, "remote": r.RemoteAddr})
		w.Header().Set("X-Refusal-Reason", reason)
		http.Error(w, reason, http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &Conn{
		id:       uuid.New().String(),
		identity: identity,
		ws:       ws,
		send:     make(chan rooms.Message, sendBuffer),
		srv:      s,
		log:      s.log,
		closed:   make(chan struct{}),
	}

	if s.metrics != nil {
		s.metrics.ConnectionsOpen.Inc()
	}
	if identity.Role == auth.RoleObserver {
		s.hub.Join(rooms.ObserverGlobal(), c)
	}

	go c.writePump()
	go c.readLoop()

	c.Deliver(rooms.Message{Type: EventConnectionEstablished, Data: map[string]any{
		"conn_id": c.id,
		"role":    string(identity.Role),
	}})
	s.log.Info("connection established", structlog.Fields{
		"conn_id": c.id, "subject": identity.Subject, "role": string(identity.Role),
	})
}

// disconnect cleans up after a closed connection. A student loses its
// session-room membership (the session record persists until explicit
// end or sweep unless configured otherwise); an observer only drops its
// own memberships and subscriptions.
func (s *Server) disconnect(c *Conn) {
	if s.metrics != nil {
		s.metrics.ConnectionsOpen.Dec()
	}
	s.hub.LeaveAll(c.id)
	s.stopDashboard(c.id)

	if c.identity.Role == auth.RoleStudent {
		if sid := c.joinedSession(); sid != "" {
			s.mu.Lock()
			if s.owners[sid] == c {
				delete(s.owners, sid)
			}
			s.mu.Unlock()
			s.registry.RecordRoomLeave(sid, rooms.SessionRoom(sid).String())
			if s.endOnDisconnect {
				s.registry.End(context.Background(), sid)
			}
		}
	}
	s.log.Info("connection closed", structlog.Fields{"conn_id": c.id, "subject": c.identity.Subject})
}

// NotifyOwner implements intervene.OwnerNotifier.
func (s *Server) NotifyOwner(sessionID string, msg rooms.Message) bool {
	s.mu.RLock()
	c, ok := s.owners[sessionID]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	c.Deliver(msg)
	return true
}

// allowEvent applies the per-identity sliding-window limiter. Exceeding
// the window rejects the single event, never the connection.
func (s *Server) allowEvent(c *Conn) bool {
	if s.limiter == nil {
		return true
	}
	allowed, _ := s.limiter.Allow(context.Background(), c.identity.Subject)
	if !allowed {
		if s.metrics != nil {
			s.metrics.EventsRejected.WithLabelValues("rate-limited").Inc()
		}
		c.sendError("rate-limited", "event rate limit exceeded")
	}
	return allowed
}

// AcceptDetection runs a pre-classified detection through the shared
// ingestion path. Used by the websocket surface and the HTTP ingest
// endpoint alike.
func (s *Server) AcceptDetection(ctx context.Context, d violation.RawDetection) error {
	v, err := violation.Normalize(d)
	if err != nil {
		if s.metrics != nil {
			s.metrics.EventsRejected.WithLabelValues("invalid").Inc()
		}
		return err
	}
	return s.acceptViolations(ctx, v.SessionID, []violation.Violation{v}, "detection")
}

// acceptViolations validates the target session, enqueues the batch,
// and fans out alerts per the severity rules.
func (s *Server) acceptViolations(ctx context.Context, sessionID string, vs []violation.Violation, source string) error {
	sess, err := s.registry.Get(sessionID)
	if err != nil {
		return err
	}
	if !sess.Status.AcceptsViolations() {
		return session.ErrSessionClosed
	}

	for i := range vs {
		if vs[i].OwnerID == "" {
			vs[i].OwnerID = sess.OwnerID
		}
		s.agg.Enqueue(vs[i])
		s.broadcastViolation(sess, vs[i])
	}
	s.registry.Touch(sessionID)
	if s.metrics != nil {
		s.metrics.EventsIngested.WithLabelValues(source).Add(float64(len(vs)))
	}
	return nil
}

// broadcastViolation applies the fan-out rules: the session's own room
// always hears the alert; observer rooms hear it from medium severity
// up; critical severity adds a second, urgent emission to the global
// observer room.
func (s *Server) broadcastViolation(sess session.Session, v violation.Violation) {
	sev := v.Severity()
	msg := rooms.Message{Type: EventViolationAlert, Data: map[string]any{
		"violation": v,
		"severity":  sev.String(),
	}}

	s.hub.Broadcast(rooms.SessionRoom(sess.ID), msg)

	if sev >= violation.SeverityMedium {
		s.hub.Broadcast(rooms.ObserverGlobal(), msg)
		s.hub.Broadcast(rooms.ObserverExamRoom(sess.ExamID), msg)
	}
	if sev == violation.SeverityCritical {
		urgent := msg
		urgent.Urgent = true
		s.hub.Broadcast(rooms.ObserverGlobal(), urgent)
	}
}

// Topics implements eventbus.Subscriber for session lifecycle fan-out.
func (s *Server) Topics() []string {
	return []string{
		eventbus.TopicSessionEnded,
		eventbus.TopicSessionTerminated,
		eventbus.TopicSessionFlagged,
		eventbus.TopicSessionTimeout,
		eventbus.TopicRiskUpdated,
	}
}

// Handle implements eventbus.Subscriber: lifecycle events reach the
// session's own room and the observer rooms; risk updates reach the
// session room and stats subscribers.
func (s *Server) Handle(_ context.Context, evt eventbus.Event) {
	sess, _ := evt.Payload.(session.Session)
	sessionRoom := rooms.SessionRoom(evt.SessionID)

	switch evt.Topic {
	case eventbus.TopicSessionFlagged:
		msg := rooms.Message{Type: EventSessionFlagged, Urgent: true, Data: map[string]any{
			"session_id": evt.SessionID,
			"risk_score": sess.RiskScore,
		}}
		s.hub.Broadcast(sessionRoom, msg)
		s.hub.Broadcast(rooms.ObserverGlobal(), msg)
		if sess.ExamID != "" {
			s.hub.Broadcast(rooms.ObserverExamRoom(sess.ExamID), msg)
		}

	case eventbus.TopicSessionEnded, eventbus.TopicSessionTimeout:
		s.closeSession(evt.SessionID, sess, EventSessionEnded, evt.Topic == eventbus.TopicSessionTimeout)

	case eventbus.TopicSessionTerminated:
		s.closeSession(evt.SessionID, sess, EventSessionTerminated, false)

	case eventbus.TopicRiskUpdated:
		msg := rooms.Message{Type: EventRiskUpdate, Data: map[string]any{
			"session_id": evt.SessionID,
			"risk_score": sess.RiskScore,
		}}
		s.hub.Broadcast(sessionRoom, msg)
		s.hub.Broadcast(rooms.StatsRoom(), msg)
	}
}

func (s *Server) closeSession(sessionID string, sess session.Session, eventType string, byTimeout bool) {
	data := map[string]any{"session_id": sessionID}
	if byTimeout {
		data["reason"] = "inactivity-timeout"
	}
	msg := rooms.Message{Type: eventType, Data: data}

	sessionRoom := rooms.SessionRoom(sessionID)
	s.hub.Broadcast(sessionRoom, msg)
	s.hub.Broadcast(rooms.ObserverGlobal(), msg)
	if sess.ExamID != "" {
		s.hub.Broadcast(rooms.ObserverExamRoom(sess.ExamID), msg)
	}

	// session room membership ends with the session
	s.hub.Drop(sessionRoom)
	s.mu.Lock()
	delete(s.owners, sessionID)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.SessionsActive.Set(float64(len(s.registry.ListActive())))
	}
}
