package dispatch

import (
	"context"
	"errors"
	"time"

	"examsentry/pkg/intervene"
	"examsentry/pkg/rooms"
	"examsentry/pkg/session"
	"examsentry/pkg/structlog"
	"examsentry/pkg/violation"
)

// dispatchStudent routes one inbound student event. The set of event
// types is closed; anything else is rejected with a typed error.
func (s *Server) dispatchStudent(c *Conn, env envelope) {
	switch StudentEventType(env.Type) {
	case StudentPing:
		c.Deliver(rooms.Message{Type: EventPong})

	case StudentJoinSession:
		s.handleJoinSession(c, env)

	case StudentBehaviorEvent:
		s.handleBehaviorEvent(c, env)

	case StudentViolationDetected:
		s.handleViolationDetected(c, env)

	case StudentStatusUpdate:
		s.handleStatusUpdate(c, env)

	case StudentEmergencyHelp:
		s.handleEmergencyHelp(c)

	case StudentQuizSubmitted:
		s.handleQuizSubmitted(c)

	case StudentScreenshotReply:
		s.handleScreenshotReply(c, env)

	default:
		c.sendError("unknown-event", "unsupported student event: "+env.Type)
	}
}

func (s *Server) handleJoinSession(c *Conn, env envelope) {
	data, err := decode[joinSessionData](env.Data)
	if err != nil || data.SessionID == "" {
		c.sendError("invalid-event", "join-session requires session_id")
		return
	}

	sess, err := s.registry.Get(data.SessionID)
	if err != nil {
		c.sendError(errCode(err), err.Error())
		return
	}
	if sess.OwnerID != c.identity.Subject {
		c.sendError("not-owner", "session belongs to a different student")
		return
	}
	if sess.Status.Terminal() {
		c.sendError("session-closed", "session already ended")
		return
	}

	if sess.Status == session.StatusPending {
		active := session.StatusActive
		sess, err = s.registry.Update(context.Background(), sess.ID, session.Patch{Status: &active})
		if err != nil {
			c.sendError(errCode(err), err.Error())
			return
		}
	}

	room := rooms.SessionRoom(sess.ID)
	s.hub.Join(room, c)
	s.registry.RecordRoomJoin(sess.ID, room.String())
	c.setJoinedSession(sess.ID)

	s.mu.Lock()
	s.owners[sess.ID] = c
	s.mu.Unlock()

	joined := rooms.Message{Type: EventSessionJoined, Data: map[string]any{
		"session_id": sess.ID,
		"owner_id":   sess.OwnerID,
		"exam_id":    sess.ExamID,
	}}
	s.hub.Broadcast(rooms.ObserverGlobal(), joined)
	if sess.ExamID != "" {
		s.hub.Broadcast(rooms.ObserverExamRoom(sess.ExamID), joined)
	}

	c.sendAck(string(StudentJoinSession), map[string]any{"session": sess})
	s.log.Info("student joined session", structlog.Fields{
		"session_id": sess.ID, "owner_id": sess.OwnerID, "conn_id": c.id,
	})
}

func (s *Server) handleBehaviorEvent(c *Conn, env envelope) {
	if !s.allowEvent(c) {
		return
	}
	ev, err := decode[violation.BehaviorEvent](env.Data)
	if err != nil {
		c.sendError("invalid-event", err.Error())
		return
	}
	if ev.SessionID == "" {
		ev.SessionID = c.joinedSession()
	}
	if joined := c.joinedSession(); ev.SessionID != joined || joined == "" {
		c.sendError("not-owner", "behavior event for a session this connection has not joined")
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	vs, err := violation.Classify(ev)
	if err != nil {
		if s.metrics != nil {
			s.metrics.EventsRejected.WithLabelValues("invalid").Inc()
		}
		c.sendError("invalid-event", err.Error())
		return
	}
	if len(vs) == 0 {
		// valid but benign, counts as activity only
		s.registry.Touch(ev.SessionID)
		c.sendAck(string(StudentBehaviorEvent), map[string]any{"violations": 0})
		return
	}

	if err := s.acceptViolations(context.Background(), ev.SessionID, vs, "behavior"); err != nil {
		c.sendError(errCode(err), err.Error())
		return
	}
	c.sendAck(string(StudentBehaviorEvent), map[string]any{"violations": len(vs)})
}

func (s *Server) handleViolationDetected(c *Conn, env envelope) {
	if !s.allowEvent(c) {
		return
	}
	d, err := decode[violation.RawDetection](env.Data)
	if err != nil {
		c.sendError("invalid-event", err.Error())
		return
	}
	if d.SessionID == "" {
		d.SessionID = c.joinedSession()
	}
	if joined := c.joinedSession(); d.SessionID != joined || joined == "" {
		c.sendError("not-owner", "detection for a session this connection has not joined")
		return
	}

	if err := s.AcceptDetection(context.Background(), d); err != nil {
		c.sendError(errCode(err), err.Error())
		return
	}
	c.sendAck(string(StudentViolationDetected), nil)
}

func (s *Server) handleStatusUpdate(c *Conn, env envelope) {
	if !s.allowEvent(c) {
		return
	}
	data, err := decode[statusUpdateData](env.Data)
	if err != nil {
		c.sendError("invalid-event", err.Error())
		return
	}
	sid := c.joinedSession()
	if sid == "" {
		c.sendError("no-session", "join a session before sending status updates")
		return
	}
	s.registry.Touch(sid)

	s.hub.Broadcast(rooms.ObserverGlobal(), rooms.Message{Type: EventStatusUpdate, Data: map[string]any{
		"session_id": sid,
		"status":     data.Status,
		"detail":     data.Detail,
	}})
	c.sendAck(string(StudentStatusUpdate), nil)
}

func (s *Server) handleEmergencyHelp(c *Conn) {
	sid := c.joinedSession()
	if sid == "" {
		c.sendError("no-session", "join a session before requesting help")
		return
	}
	sess, err := s.registry.Get(sid)
	if err != nil {
		c.sendError(errCode(err), err.Error())
		return
	}

	msg := rooms.Message{Type: EventEmergencyHelp, Urgent: true, Data: map[string]any{
		"session_id": sid,
		"owner_id":   sess.OwnerID,
		"exam_id":    sess.ExamID,
	}}
	s.hub.Broadcast(rooms.ObserverGlobal(), msg)
	if sess.ExamID != "" {
		s.hub.Broadcast(rooms.ObserverExamRoom(sess.ExamID), msg)
	}
	c.sendAck(string(StudentEmergencyHelp), nil)
}

func (s *Server) handleQuizSubmitted(c *Conn) {
	sid := c.joinedSession()
	if sid == "" {
		c.sendError("no-session", "no joined session to submit")
		return
	}
	if _, err := s.registry.End(context.Background(), sid); err != nil {
		c.sendError(errCode(err), err.Error())
		return
	}
	c.sendAck(string(StudentQuizSubmitted), map[string]any{"session_id": sid})
}

func (s *Server) handleScreenshotReply(c *Conn, env envelope) {
	data, err := decode[screenshotReplyData](env.Data)
	if err != nil || data.RequestID == "" {
		c.sendError("invalid-event", "screenshot-response requires request_id")
		return
	}
	delivered := s.interventions.ResolveScreenshot(data.RequestID, data.EvidenceURL)
	c.sendAck(string(StudentScreenshotReply), map[string]any{"delivered": delivered})
}

// errCode maps internal errors onto the wire-level error taxonomy.
func errCode(err error) string {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return "session-not-found"
	case errors.Is(err, session.ErrSessionClosed):
		return "session-closed"
	case errors.Is(err, session.ErrInvalidTransition):
		return "invalid-transition"
	case errors.Is(err, session.ErrCapacity):
		return "capacity-exceeded"
	case errors.Is(err, intervene.ErrInsufficientPermission):
		return "insufficient-permission"
	case errors.Is(err, intervene.ErrUnknownAction):
		return "invalid-event"
	case errors.Is(err, violation.ErrMissingSessionID),
		errors.Is(err, violation.ErrMissingType),
		errors.Is(err, violation.ErrMissingConfidence),
		errors.Is(err, violation.ErrMissingTimestamp),
		errors.Is(err, violation.ErrConfidenceRange),
		errors.Is(err, violation.ErrMissingEventKind):
		return "invalid-event"
	default:
		return "internal"
	}
}
