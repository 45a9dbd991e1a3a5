package intervene

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"examsentry/pkg/auth"
	"examsentry/pkg/metrics"
	"examsentry/pkg/rooms"
	"examsentry/pkg/session"
	"examsentry/pkg/store"
	"examsentry/pkg/structlog"
)

var (
	ErrInsufficientPermission = errors.New("insufficient-permission")
	ErrUnknownAction          = errors.New("unknown bulk action")
)

// Kind enumerates observer-initiated actions.
type Kind string

const (
	KindMessage    Kind = "message"
	KindPause      Kind = "pause"
	KindResume     Kind = "resume"
	KindTerminate  Kind = "terminate"
	KindScreenshot Kind = "screenshot-request"
	KindBulk       Kind = "bulk"
)

// Intervention is immutable once issued; resolution is a separate event.
type Intervention struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	ObserverID string    `json:"observer_id"`
	Kind       Kind      `json:"kind"`
	Payload    string    `json:"payload,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// BulkResult is the per-item outcome of a bulk action.
type BulkResult struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"` // "ok" or "error"
	Result    any    `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
}

// OwnerNotifier delivers a message to the owner connection of a session,
// bypassing room fan-out. Implemented by the connection dispatch layer.
type OwnerNotifier interface {
	NotifyOwner(sessionID string, msg rooms.Message) bool
}

// Handler executes observer interventions. Every operation checks the
// issuing identity's permission set before touching any state.
type Handler struct {
	registry *session.Registry
	hub      *rooms.Hub
	owners   OwnerNotifier
	store    *store.Client
	log      *structlog.Logger
	metrics  *metrics.Metrics

	screenshotTimeout time.Duration

	mu      sync.Mutex
	pending map[string]*pendingScreenshot
}

type pendingScreenshot struct {
	sessionID string
	requester rooms.Client
	timer     *time.Timer
}

// Config configures the handler.
type Config struct {
	Registry          *session.Registry
	Hub               *rooms.Hub
	Owners            OwnerNotifier
	Store             *store.Client
	Logger            *structlog.Logger
	Metrics           *metrics.Metrics
	ScreenshotTimeout time.Duration
}

// NewHandler creates an intervention handler.
func NewHandler(cfg Config) *Handler {
	if cfg.ScreenshotTimeout == 0 {
		cfg.ScreenshotTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = structlog.NewLogger("intervene", structlog.LevelInfo, nil)
	}
	return &Handler{
		registry:          cfg.Registry,
		hub:               cfg.Hub,
		owners:            cfg.Owners,
		store:             cfg.Store,
		log:               cfg.Logger,
		metrics:           cfg.Metrics,
		screenshotTimeout: cfg.ScreenshotTimeout,
		pending:           make(map[string]*pendingScreenshot),
	}
}

func (h *Handler) newIntervention(sessionID string, obs *auth.Identity, kind Kind, payload string) Intervention {
	return Intervention{
		ID:         uuid.New().String(),
		SessionID:  sessionID,
		ObserverID: obs.Subject,
		Kind:       kind,
		Payload:    payload,
		CreatedAt:  time.Now().UTC(),
	}
}

func (h *Handler) record(iv Intervention) {
	h.store.Async("log-intervention", func(ctx context.Context) error {
		return h.store.LogIntervention(ctx, iv)
	})
	if h.metrics != nil {
		h.metrics.InterventionsSent.WithLabelValues(string(iv.Kind)).Inc()
	}
	h.log.AuditLog("intervention", structlog.Fields{
		"intervention_id": iv.ID,
		"session_id":      iv.SessionID,
		"observer_id":     iv.ObserverID,
		"kind":            string(iv.Kind),
	})
}

// Message forwards an observer message verbatim to the target session's
// room and returns the acknowledgement with a generated intervention id.
func (h *Handler) Message(obs *auth.Identity, sessionID, text string) (Intervention, error) {
	if !obs.Has(auth.PermIntervene) {
		return Intervention{}, ErrInsufficientPermission
	}
	if _, err := h.registry.Get(sessionID); err != nil {
		return Intervention{}, err
	}

	iv := h.newIntervention(sessionID, obs, KindMessage, text)
	h.hub.Broadcast(rooms.SessionRoom(sessionID), rooms.Message{
		Type: "intervention",
		Data: map[string]any{
			"intervention_id": iv.ID,
			"message":         text,
			"observer_id":     obs.Subject,
		},
	})
	h.record(iv)
	return iv, nil
}

// Pause suspends the session.
func (h *Handler) Pause(ctx context.Context, obs *auth.Identity, sessionID string) (Intervention, error) {
	return h.setStatus(ctx, obs, sessionID, KindPause, session.StatusPaused, "session-paused")
}

// Resume reactivates a paused session.
func (h *Handler) Resume(ctx context.Context, obs *auth.Identity, sessionID string) (Intervention, error) {
	return h.setStatus(ctx, obs, sessionID, KindResume, session.StatusActive, "session-resumed")
}

func (h *Handler) setStatus(ctx context.Context, obs *auth.Identity, sessionID string, kind Kind, status session.Status, eventType string) (Intervention, error) {
	if !obs.Has(auth.PermIntervene) {
		return Intervention{}, ErrInsufficientPermission
	}
	if _, err := h.registry.Update(ctx, sessionID, session.Patch{Status: &status}); err != nil {
		return Intervention{}, err
	}

	iv := h.newIntervention(sessionID, obs, kind, "")
	data := map[string]any{"session_id": sessionID, "observer_id": obs.Subject}
	h.hub.Broadcast(rooms.SessionRoom(sessionID), rooms.Message{Type: eventType, Data: data})
	h.hub.Broadcast(rooms.ObserverGlobal(), rooms.Message{Type: eventType, Data: data})
	h.record(iv)
	return iv, nil
}

// Terminate force-stops the session, notifying the owner and all
// observers. The registry emits the lifecycle event; the store write is
// best effort.
func (h *Handler) Terminate(ctx context.Context, obs *auth.Identity, sessionID string) (Intervention, error) {
	if !obs.Has(auth.PermTerminate) {
		return Intervention{}, ErrInsufficientPermission
	}
	if _, err := h.registry.Terminate(ctx, sessionID); err != nil {
		return Intervention{}, err
	}

	iv := h.newIntervention(sessionID, obs, KindTerminate, "")
	h.store.Async("mark-terminated", func(ctx context.Context) error {
		return h.store.MarkTerminated(ctx, sessionID)
	})
	h.record(iv)
	return iv, nil
}

// RequestScreenshot asks the session owner for a screenshot. If no
// response arrives within the timeout, exactly one timeout notification
// goes back to the requester; the owner hears nothing further.
func (h *Handler) RequestScreenshot(obs *auth.Identity, requester rooms.Client, sessionID string) (Intervention, error) {
	if !obs.Has(auth.PermScreenshot) {
		return Intervention{}, ErrInsufficientPermission
	}
	if _, err := h.registry.Get(sessionID); err != nil {
		return Intervention{}, err
	}

	iv := h.newIntervention(sessionID, obs, KindScreenshot, "")
	delivered := h.owners.NotifyOwner(sessionID, rooms.Message{
		Type: "screenshot-request",
		Data: map[string]any{"request_id": iv.ID},
	})
	if !delivered {
		return Intervention{}, fmt.Errorf("session %s owner not connected", sessionID)
	}

	p := &pendingScreenshot{sessionID: sessionID, requester: requester}
	p.timer = time.AfterFunc(h.screenshotTimeout, func() { h.expireScreenshot(iv.ID) })

	h.mu.Lock()
	h.pending[iv.ID] = p
	h.mu.Unlock()

	h.record(iv)
	return iv, nil
}

// ResolveScreenshot delivers an owner's screenshot response to the
// requesting observer. Late responses after the timeout are dropped.
func (h *Handler) ResolveScreenshot(requestID, evidenceURL string) bool {
	h.mu.Lock()
	p, ok := h.pending[requestID]
	if ok {
		delete(h.pending, requestID)
	}
	h.mu.Unlock()
	if !ok {
		return false
	}
	p.timer.Stop()

	p.requester.Deliver(rooms.Message{
		Type: "screenshot-received",
		Data: map[string]any{"request_id": requestID, "evidence_url": evidenceURL, "session_id": p.sessionID},
	})
	return true
}

func (h *Handler) expireScreenshot(requestID string) {
	h.mu.Lock()
	p, ok := h.pending[requestID]
	if ok {
		delete(h.pending, requestID)
	}
	h.mu.Unlock()
	if !ok {
		return // resolved just in time
	}

	p.requester.Deliver(rooms.Message{
		Type: "screenshot-timeout",
		Data: map[string]any{"request_id": requestID, "session_id": p.sessionID},
	})
	h.log.Info("screenshot request timed out", structlog.Fields{
		"request_id": requestID, "session_id": p.sessionID,
	})
}

// Bulk applies one action to a list of sessions sequentially. Failures
// are isolated per item; one session's failure never aborts the rest.
func (h *Handler) Bulk(ctx context.Context, obs *auth.Identity, action Kind, sessionIDs []string, payload string) ([]BulkResult, error) {
	if !obs.Has(auth.PermBulk) {
		return nil, ErrInsufficientPermission
	}

	results := make([]BulkResult, 0, len(sessionIDs))
	for _, id := range sessionIDs {
		var (
			iv  Intervention
			err error
		)
		switch action {
		case KindMessage:
			iv, err = h.Message(obs, id, payload)
		case KindPause:
			iv, err = h.Pause(ctx, obs, id)
		case KindResume:
			iv, err = h.Resume(ctx, obs, id)
		case KindTerminate:
			iv, err = h.Terminate(ctx, obs, id)
		default:
			err = fmt.Errorf("%w: %s", ErrUnknownAction, action)
		}
		if err != nil {
			results = append(results, BulkResult{SessionID: id, Status: "error", Error: err.Error()})
			continue
		}
		results = append(results, BulkResult{SessionID: id, Status: "ok", Result: iv.ID})
	}
	return results, nil
}

// PendingScreenshots returns the number of outstanding requests.
func (h *Handler) PendingScreenshots() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}
