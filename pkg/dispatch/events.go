package dispatch

import (
	"encoding/json"
	"fmt"
)

// StudentEventType is the closed set of events a student connection may
// send. Adding a kind means extending this enumeration and the dispatch
// switch, not registering a string handler at runtime.
type StudentEventType string

const (
	StudentJoinSession       StudentEventType = "join-session"
	StudentBehaviorEvent     StudentEventType = "behavior-event"
	StudentViolationDetected StudentEventType = "violation-detected"
	StudentStatusUpdate      StudentEventType = "status-update"
	StudentEmergencyHelp     StudentEventType = "emergency-help"
	StudentQuizSubmitted     StudentEventType = "quiz-submitted"
	StudentScreenshotReply   StudentEventType = "screenshot-response"
	StudentPing              StudentEventType = "ping"
)

// ObserverEventType is the closed set of events an observer connection
// may send.
type ObserverEventType string

const (
	ObserverMonitorSession     ObserverEventType = "monitor-session"
	ObserverSendIntervention   ObserverEventType = "send-intervention"
	ObserverTerminateSession   ObserverEventType = "terminate-session"
	ObserverRequestScreenshot  ObserverEventType = "request-screenshot"
	ObserverBulkAction         ObserverEventType = "bulk-action"
	ObserverSubscribeDashboard ObserverEventType = "subscribe-dashboard"
	ObserverUpdateSettings     ObserverEventType = "update-settings"
	ObserverPing               ObserverEventType = "ping"
)

// Server-initiated event types.
const (
	EventConnectionEstablished = "connection-established"
	EventViolationAlert        = "violation-alert"
	EventSessionJoined         = "session-joined"
	EventSessionFlagged        = "session-flagged"
	EventSessionEnded          = "session-ended"
	EventSessionTerminated     = "session-terminated"
	EventRiskUpdate            = "risk-update"
	EventDashboardData         = "dashboard-data"
	EventStatisticsUpdate      = "statistics-update"
	EventEmergencyHelp         = "emergency-help"
	EventStatusUpdate          = "status-update"
	EventAck                   = "ack"
	EventError                 = "error"
	EventPong                  = "pong"
)

// envelope is the wire frame for client-to-server events.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Client-to-server payloads.

type joinSessionData struct {
	SessionID string `json:"session_id"`
}

type statusUpdateData struct {
	Status string `json:"status,omitempty"`
	Detail string `json:"detail,omitempty"`
}

type screenshotReplyData struct {
	RequestID   string `json:"request_id"`
	EvidenceURL string `json:"evidence_url,omitempty"`
}

type monitorSessionData struct {
	SessionID string `json:"session_id,omitempty"`
	ExamID    string `json:"exam_id,omitempty"`
	Leave     bool   `json:"leave,omitempty"`
}

type sendInterventionData struct {
	SessionID string `json:"session_id"`
	Kind      string `json:"kind"` // message | pause | resume
	Message   string `json:"message,omitempty"`
}

type terminateSessionData struct {
	SessionID string `json:"session_id"`
}

type requestScreenshotData struct {
	SessionID string `json:"session_id"`
}

type bulkActionData struct {
	Action     string   `json:"action"`
	SessionIDs []string `json:"session_ids"`
	Message    string   `json:"message,omitempty"`
}

type subscribeDashboardData struct {
	IntervalMS  int  `json:"interval_ms,omitempty"`
	Unsubscribe bool `json:"unsubscribe,omitempty"`
}

type updateSettingsData struct {
	DashboardIntervalMS int `json:"dashboard_interval_ms,omitempty"`
}

func decode[T any](raw json.RawMessage) (T, error) {
	var out T
	if len(raw) == 0 {
		return out, fmt.Errorf("missing event data")
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("malformed event data: %w", err)
	}
	return out, nil
}
