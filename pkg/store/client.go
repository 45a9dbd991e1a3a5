package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"examsentry/pkg/metrics"
	"examsentry/pkg/structlog"
	"examsentry/pkg/violation"
)

// Client talks to the downstream analytics store. The store is a
// durability sink, not the source of truth: every call carries a bounded
// timeout, failures are logged and never retried inline, and nothing on
// the real-time path waits for a response.
type Client struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
	log     *structlog.Logger
	metrics *metrics.Metrics
}

// ClientConfig configures the store client.
type ClientConfig struct {
	BaseURL string
	Timeout time.Duration
	Logger  *structlog.Logger
	Metrics *metrics.Metrics
}

// NewClient creates a store client with an instrumented transport.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = structlog.NewLogger("store-client", structlog.LevelInfo, nil)
	}
	return &Client{
		baseURL: cfg.BaseURL,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		timeout: cfg.Timeout,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
	}
}

// PersistViolations forwards a batch of violations for one session.
func (c *Client) PersistViolations(ctx context.Context, sessionID string, violations []violation.Violation) error {
	return c.post(ctx, fmt.Sprintf("/violations/%s", sessionID), violations)
}

// RecalculateRisk asks the store to recompute its stored risk score.
func (c *Client) RecalculateRisk(ctx context.Context, sessionID string) error {
	return c.post(ctx, fmt.Sprintf("/risk-score/%s/recalculate", sessionID), nil)
}

// LogIntervention records an observer intervention.
func (c *Client) LogIntervention(ctx context.Context, payload any) error {
	return c.post(ctx, "/interventions", payload)
}

// MarkTerminated records a session termination.
func (c *Client) MarkTerminated(ctx context.Context, sessionID string) error {
	return c.post(ctx, fmt.Sprintf("/sessions/%s/terminate", sessionID), nil)
}

// MarkFlagged records a session flag decision.
func (c *Client) MarkFlagged(ctx context.Context, sessionID string) error {
	return c.post(ctx, fmt.Sprintf("/sessions/%s/flag", sessionID), nil)
}

// SessionDetails fetches the stored record for one session.
func (c *Client) SessionDetails(ctx context.Context, sessionID string, out any) error {
	return c.get(ctx, fmt.Sprintf("/sessions/%s/details", sessionID), out)
}

// ActiveSessions fetches the store's view of active sessions.
func (c *Client) ActiveSessions(ctx context.Context, out any) error {
	return c.get(ctx, "/sessions/active", out)
}

// Async runs a store call as a detached background task with its own
// bounded timeout. The broadcast path never awaits it; a failure is
// logged and counted, nothing more.
func (c *Client) Async(endpoint string, call func(ctx context.Context) error) {
	if c == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		if err := call(ctx); err != nil {
			c.log.Warn("store call failed", structlog.Fields{"endpoint": endpoint, "error": err.Error()})
			if c.metrics != nil {
				c.metrics.StoreCallFailures.WithLabelValues(endpoint).Inc()
			}
		}
	}()
}

func (c *Client) post(ctx context.Context, path string, payload any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("store returned %d for %s", resp.StatusCode, path)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("store returned %d for %s", resp.StatusCode, path)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
