package dispatch

import (
	"context"
	"time"

	"examsentry/pkg/auth"
	"examsentry/pkg/intervene"
	"examsentry/pkg/rooms"
	"examsentry/pkg/structlog"
)

// dispatchObserver routes one inbound observer event. Permission checks
// live in the intervention handler for actions and here for read paths.
func (s *Server) dispatchObserver(c *Conn, env envelope) {
	switch ObserverEventType(env.Type) {
	case ObserverPing:
		c.Deliver(rooms.Message{Type: EventPong})

	case ObserverMonitorSession:
		s.handleMonitorSession(c, env)

	case ObserverSendIntervention:
		s.handleSendIntervention(c, env)

	case ObserverTerminateSession:
		s.handleTerminateSession(c, env)

	case ObserverRequestScreenshot:
		s.handleRequestScreenshot(c, env)

	case ObserverBulkAction:
		s.handleBulkAction(c, env)

	case ObserverSubscribeDashboard:
		s.handleSubscribeDashboard(c, env)

	case ObserverUpdateSettings:
		s.handleUpdateSettings(c, env)

	default:
		c.sendError("unknown-event", "unsupported observer event: "+env.Type)
	}
}

func (s *Server) handleMonitorSession(c *Conn, env envelope) {
	if !c.identity.Has(auth.PermMonitor) {
		c.sendError("insufficient-permission", "monitor permission required")
		return
	}
	data, err := decode[monitorSessionData](env.Data)
	if err != nil {
		c.sendError("invalid-event", err.Error())
		return
	}
	if data.SessionID == "" && data.ExamID == "" {
		c.sendError("invalid-event", "monitor-session requires session_id or exam_id")
		return
	}

	ack := map[string]any{}

	if data.ExamID != "" {
		room := rooms.ObserverExamRoom(data.ExamID)
		if data.Leave {
			s.hub.Leave(room, c)
		} else {
			s.hub.Join(room, c)
		}
		ack["exam_id"] = data.ExamID
	}

	if data.SessionID != "" {
		sess, err := s.registry.Get(data.SessionID)
		if err != nil {
			c.sendError(errCode(err), err.Error())
			return
		}
		room := rooms.SessionRoom(sess.ID)
		if data.Leave {
			s.hub.Leave(room, c)
			s.registry.RecordRoomLeave(sess.ID, room.String())
		} else {
			s.hub.Join(room, c)
			s.registry.RecordRoomJoin(sess.ID, room.String())
			ack["session"] = sess
		}
	}

	ack["leave"] = data.Leave
	c.sendAck(string(ObserverMonitorSession), ack)
}

func (s *Server) handleSendIntervention(c *Conn, env envelope) {
	data, err := decode[sendInterventionData](env.Data)
	if err != nil || data.SessionID == "" {
		c.sendError("invalid-event", "send-intervention requires session_id")
		return
	}

	var iv intervene.Intervention
	switch intervene.Kind(data.Kind) {
	case intervene.KindMessage:
		iv, err = s.interventions.Message(c.identity, data.SessionID, data.Message)
	case intervene.KindPause:
		iv, err = s.interventions.Pause(context.Background(), c.identity, data.SessionID)
	case intervene.KindResume:
		iv, err = s.interventions.Resume(context.Background(), c.identity, data.SessionID)
	default:
		c.sendError("invalid-event", "unknown intervention kind: "+data.Kind)
		return
	}
	if err != nil {
		c.sendError(errCode(err), err.Error())
		return
	}
	c.sendAck(string(ObserverSendIntervention), map[string]any{
		"intervention_id": iv.ID,
		"session_id":      iv.SessionID,
	})
}

func (s *Server) handleTerminateSession(c *Conn, env envelope) {
	data, err := decode[terminateSessionData](env.Data)
	if err != nil || data.SessionID == "" {
		c.sendError("invalid-event", "terminate-session requires session_id")
		return
	}
	iv, err := s.interventions.Terminate(context.Background(), c.identity, data.SessionID)
	if err != nil {
		c.sendError(errCode(err), err.Error())
		return
	}
	c.sendAck(string(ObserverTerminateSession), map[string]any{
		"intervention_id": iv.ID,
		"session_id":      iv.SessionID,
	})
	s.log.AuditLog("session terminated by observer", structlog.Fields{
		"session_id": data.SessionID, "observer_id": c.identity.Subject,
	})
}

func (s *Server) handleRequestScreenshot(c *Conn, env envelope) {
	data, err := decode[requestScreenshotData](env.Data)
	if err != nil || data.SessionID == "" {
		c.sendError("invalid-event", "request-screenshot requires session_id")
		return
	}
	iv, err := s.interventions.RequestScreenshot(c.identity, c, data.SessionID)
	if err != nil {
		c.sendError(errCode(err), err.Error())
		return
	}
	c.sendAck(string(ObserverRequestScreenshot), map[string]any{
		"request_id": iv.ID,
		"session_id": iv.SessionID,
	})
}

func (s *Server) handleBulkAction(c *Conn, env envelope) {
	data, err := decode[bulkActionData](env.Data)
	if err != nil || len(data.SessionIDs) == 0 {
		c.sendError("invalid-event", "bulk-action requires session_ids")
		return
	}
	results, err := s.interventions.Bulk(context.Background(), c.identity, intervene.Kind(data.Action), data.SessionIDs, data.Message)
	if err != nil {
		c.sendError(errCode(err), err.Error())
		return
	}
	c.sendAck(string(ObserverBulkAction), map[string]any{
		"action":  data.Action,
		"results": results,
	})
}

func (s *Server) handleSubscribeDashboard(c *Conn, env envelope) {
	if !c.identity.Has(auth.PermMonitor) {
		c.sendError("insufficient-permission", "monitor permission required")
		return
	}
	data, err := decode[subscribeDashboardData](env.Data)
	if err != nil {
		data = subscribeDashboardData{}
	}

	if data.Unsubscribe {
		s.stopDashboard(c.id)
		s.hub.Leave(rooms.StatsRoom(), c)
		c.sendAck(string(ObserverSubscribeDashboard), map[string]any{"subscribed": false})
		return
	}

	interval := s.defaultDashInterval
	if data.IntervalMS > 0 {
		interval = time.Duration(data.IntervalMS) * time.Millisecond
	}
	if interval < s.minDashInterval {
		interval = s.minDashInterval
	}

	s.hub.Join(rooms.StatsRoom(), c)
	s.startDashboard(c, interval)
	c.sendAck(string(ObserverSubscribeDashboard), map[string]any{
		"subscribed":  true,
		"interval_ms": interval.Milliseconds(),
	})
}

func (s *Server) handleUpdateSettings(c *Conn, env envelope) {
	if !c.identity.Has(auth.PermManageSettings) {
		c.sendError("insufficient-permission", "manage-settings permission required")
		return
	}
	data, err := decode[updateSettingsData](env.Data)
	if err != nil {
		c.sendError("invalid-event", err.Error())
		return
	}

	applied := map[string]any{}
	if data.DashboardIntervalMS > 0 {
		interval := time.Duration(data.DashboardIntervalMS) * time.Millisecond
		if interval < s.minDashInterval {
			interval = s.minDashInterval
		}
		s.mu.RLock()
		_, subscribed := s.dash[c.id]
		s.mu.RUnlock()
		if subscribed {
			s.startDashboard(c, interval)
		}
		applied["dashboard_interval_ms"] = interval.Milliseconds()
	}
	c.sendAck(string(ObserverUpdateSettings), applied)
}
