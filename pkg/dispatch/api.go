package dispatch

import (
	"encoding/json"
	"net/http"

	"examsentry/pkg/auth"
	"examsentry/pkg/structlog"
	"examsentry/pkg/violation"
)

// RegisterRoutes mounts the HTTP surface next to the websocket endpoint.
// The REST paths mirror the websocket operations for clients that cannot
// hold a socket open, plus the ingest endpoint the ML pipeline posts to.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.HandleWS)

	mux.HandleFunc("POST /api/v1/sessions", s.requireAuth("", s.apiCreateSession))
	mux.HandleFunc("GET /api/v1/sessions/active", s.requireAuth(auth.PermMonitor, s.apiActiveSessions))
	mux.HandleFunc("GET /api/v1/sessions/{id}", s.requireAuth("", s.apiGetSession))
	mux.HandleFunc("POST /api/v1/sessions/{id}/end", s.requireAuth("", s.apiEndSession))
	mux.HandleFunc("POST /api/v1/sessions/{id}/terminate", s.requireAuth(auth.PermTerminate, s.apiTerminateSession))
	mux.HandleFunc("GET /api/v1/sessions/{id}/risk", s.requireAuth("", s.apiRiskScore))
	mux.HandleFunc("POST /api/v1/sessions/{id}/risk/recalculate", s.requireAuth(auth.PermMonitor, s.apiRecalculateRisk))
	mux.HandleFunc("GET /api/v1/sessions/{id}/violations", s.requireAuth(auth.PermMonitor, s.apiSessionViolations))
	mux.HandleFunc("POST /api/v1/events", s.requireAuth("", s.apiIngestBehavior))
	mux.HandleFunc("POST /api/v1/detections", s.requireAuth("", s.apiIngestDetection))
}

type apiHandler func(w http.ResponseWriter, r *http.Request, id *auth.Identity)

// requireAuth gates a REST handler with the same credential check the
// websocket handshake uses. An empty permission means any authenticated
// identity.
func (s *Server) requireAuth(perm auth.Permission, next apiHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, err := s.gate.Verify(auth.FromRequest(r))
		if err != nil {
			writeError(w, http.StatusUnauthorized, auth.Reason(err), err.Error())
			return
		}
		if perm != "" && !identity.Has(perm) {
			writeError(w, http.StatusForbidden, "insufficient-permission", "missing permission: "+string(perm))
			return
		}
		next(w, r, identity)
	}
}

func (s *Server) apiCreateSession(w http.ResponseWriter, r *http.Request, id *auth.Identity) {
	var body struct {
		OwnerID string `json:"owner_id"`
		ExamID  string `json:"exam_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid-body", err.Error())
		return
	}
	if body.OwnerID == "" {
		body.OwnerID = id.Subject
	}
	if id.Role == auth.RoleStudent && body.OwnerID != id.Subject {
		writeError(w, http.StatusForbidden, "not-owner", "students may only create their own sessions")
		return
	}

	sess, err := s.registry.Create(r.Context(), body.OwnerID, body.ExamID)
	if err != nil {
		writeError(w, statusFor(err), errCode(err), err.Error())
		return
	}
	s.log.Info("session created", structlog.Fields{
		"session_id": sess.ID, "owner_id": sess.OwnerID, "exam_id": sess.ExamID,
	})
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) apiGetSession(w http.ResponseWriter, r *http.Request, id *auth.Identity) {
	sess, err := s.registry.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), errCode(err), err.Error())
		return
	}
	if id.Role == auth.RoleStudent && sess.OwnerID != id.Subject {
		writeError(w, http.StatusForbidden, "not-owner", "session belongs to a different student")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) apiActiveSessions(w http.ResponseWriter, _ *http.Request, _ *auth.Identity) {
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": s.registry.ListActive(),
		"count":    s.registry.Count(),
	})
}

func (s *Server) apiEndSession(w http.ResponseWriter, r *http.Request, id *auth.Identity) {
	sessionID := r.PathValue("id")
	sess, err := s.registry.Get(sessionID)
	if err != nil {
		writeError(w, statusFor(err), errCode(err), err.Error())
		return
	}
	if id.Role == auth.RoleStudent && sess.OwnerID != id.Subject {
		writeError(w, http.StatusForbidden, "not-owner", "session belongs to a different student")
		return
	}
	sess, err = s.registry.End(r.Context(), sessionID)
	if err != nil {
		writeError(w, statusFor(err), errCode(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) apiTerminateSession(w http.ResponseWriter, r *http.Request, id *auth.Identity) {
	iv, err := s.interventions.Terminate(r.Context(), id, r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), errCode(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"intervention_id": iv.ID, "session_id": iv.SessionID})
}

func (s *Server) apiRiskScore(w http.ResponseWriter, r *http.Request, id *auth.Identity) {
	sess, err := s.registry.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), errCode(err), err.Error())
		return
	}
	if id.Role == auth.RoleStudent && sess.OwnerID != id.Subject {
		writeError(w, http.StatusForbidden, "not-owner", "session belongs to a different student")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":      sess.ID,
		"risk_score":      sess.RiskScore,
		"violation_count": sess.ViolationCount,
		"status":          sess.Status,
	})
}

func (s *Server) apiRecalculateRisk(w http.ResponseWriter, r *http.Request, _ *auth.Identity) {
	sessionID := r.PathValue("id")
	score, err := s.agg.Recalculate(r.Context(), sessionID)
	if err != nil {
		writeError(w, statusFor(err), errCode(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": sessionID, "risk_score": score})
}

func (s *Server) apiSessionViolations(w http.ResponseWriter, r *http.Request, _ *auth.Identity) {
	sessionID := r.PathValue("id")
	if _, err := s.registry.Get(sessionID); err != nil {
		writeError(w, statusFor(err), errCode(err), err.Error())
		return
	}
	vs := s.agg.SessionViolations(sessionID)
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"violations": vs,
		"count":      len(vs),
	})
}

func (s *Server) apiIngestBehavior(w http.ResponseWriter, r *http.Request, id *auth.Identity) {
	var ev violation.BehaviorEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid-body", err.Error())
		return
	}
	sess, err := s.registry.Get(ev.SessionID)
	if err != nil {
		writeError(w, statusFor(err), errCode(err), err.Error())
		return
	}
	if id.Role == auth.RoleStudent && sess.OwnerID != id.Subject {
		writeError(w, http.StatusForbidden, "not-owner", "session belongs to a different student")
		return
	}

	vs, err := violation.Classify(ev)
	if err != nil {
		writeError(w, http.StatusBadRequest, errCode(err), err.Error())
		return
	}
	if len(vs) > 0 {
		if err := s.acceptViolations(r.Context(), ev.SessionID, vs, "behavior"); err != nil {
			writeError(w, statusFor(err), errCode(err), err.Error())
			return
		}
	} else {
		s.registry.Touch(ev.SessionID)
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"violations": len(vs)})
}

func (s *Server) apiIngestDetection(w http.ResponseWriter, r *http.Request, id *auth.Identity) {
	var d violation.RawDetection
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		writeError(w, http.StatusBadRequest, "invalid-body", err.Error())
		return
	}
	if id.Role == auth.RoleStudent {
		sess, err := s.registry.Get(d.SessionID)
		if err != nil {
			writeError(w, statusFor(err), errCode(err), err.Error())
			return
		}
		if sess.OwnerID != id.Subject {
			writeError(w, http.StatusForbidden, "not-owner", "session belongs to a different student")
			return
		}
	}
	if err := s.AcceptDetection(r.Context(), d); err != nil {
		writeError(w, statusFor(err), errCode(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
}

func statusFor(err error) int {
	switch errCode(err) {
	case "session-not-found":
		return http.StatusNotFound
	case "session-closed", "invalid-transition":
		return http.StatusConflict
	case "capacity-exceeded":
		return http.StatusServiceUnavailable
	case "insufficient-permission":
		return http.StatusForbidden
	case "invalid-event":
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, map[string]string{"error": code, "detail": detail})
}
