package store

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"examsentry/pkg/violation"
)

type recordedRequest struct {
	method string
	path   string
	body   []byte
}

func newTestServer(status int, response string) (*httptest.Server, *[]recordedRequest, *sync.Mutex) {
	var mu sync.Mutex
	var reqs []recordedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := make([]byte, r.ContentLength)
		if r.ContentLength > 0 {
			r.Body.Read(body)
		}
		mu.Lock()
		reqs = append(reqs, recordedRequest{method: r.Method, path: r.URL.Path, body: body})
		mu.Unlock()
		w.WriteHeader(status)
		w.Write([]byte(response))
	}))
	return srv, &reqs, &mu
}

func TestPersistViolations(t *testing.T) {
	srv, reqs, mu := newTestServer(http.StatusOK, "{}")
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL})
	vs := []violation.Violation{{ID: "v1", SessionID: "s1", Type: violation.TypeTabSwitch, Confidence: 0.9}}
	if err := c.PersistViolations(context.Background(), "s1", vs); err != nil {
		t.Fatalf("PersistViolations error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(*reqs) != 1 {
		t.Fatalf("requests = %d, want 1", len(*reqs))
	}
	got := (*reqs)[0]
	if got.method != http.MethodPost || got.path != "/violations/s1" {
		t.Errorf("request = %s %s, want POST /violations/s1", got.method, got.path)
	}
	var decoded []violation.Violation
	if err := json.Unmarshal(got.body, &decoded); err != nil || len(decoded) != 1 || decoded[0].ID != "v1" {
		t.Errorf("body = %s, want the violation batch", got.body)
	}
}

func TestErrorStatusSurfaces(t *testing.T) {
	srv, _, _ := newTestServer(http.StatusInternalServerError, "")
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL})
	if err := c.RecalculateRisk(context.Background(), "s1"); err == nil {
		t.Fatal("5xx must surface as an error")
	}
}

func TestSessionDetailsDecodes(t *testing.T) {
	srv, _, _ := newTestServer(http.StatusOK, `{"id":"s1","risk":0.4}`)
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL})
	var out map[string]any
	if err := c.SessionDetails(context.Background(), "s1", &out); err != nil {
		t.Fatalf("SessionDetails error: %v", err)
	}
	if out["id"] != "s1" {
		t.Errorf("decoded = %+v", out)
	}
}

func TestAsyncNilClientIsSafe(t *testing.T) {
	var c *Client
	c.Async("noop", func(context.Context) error { return nil }) // must not panic
}

func TestAsyncDoesNotBlockCaller(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer slow.Close()

	c := NewClient(ClientConfig{BaseURL: slow.URL, Timeout: time.Second})
	start := time.Now()
	c.Async("persist-violations", func(ctx context.Context) error {
		return c.PersistViolations(ctx, "s1", nil)
	})
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Fatalf("Async blocked the caller for %v", elapsed)
	}
}
