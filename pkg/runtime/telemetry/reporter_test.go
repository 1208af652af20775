package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type captured struct {
	mu      sync.Mutex
	batches [][]map[string]any
	auth    []string
}

func (c *captured) handler(status int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/runtime/events" {
			http.Error(w, "unexpected request", http.StatusNotFound)
			return
		}
		var batch []map[string]any
		if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		c.mu.Lock()
		c.batches = append(c.batches, batch)
		c.auth = append(c.auth, r.Header.Get("Authorization"))
		c.mu.Unlock()
		w.WriteHeader(status)
	}
}

func TestFlushSendsBatches(t *testing.T) {
	var got captured
	srv := httptest.NewServer(got.handler(http.StatusAccepted))
	defer srv.Close()

	r, err := NewReporter(Config{BaseURL: srv.URL + "/", Token: " tok ", ProjectID: "web", BatchSize: 2})
	if err != nil {
		t.Fatalf("new reporter: %v", err)
	}
	for i := range 5 {
		r.Record(Event{DeploymentID: "dep-1", Method: "get", Path: "/", StatusCode: 200 + i*100, Latency: 12 * time.Millisecond})
	}
	r.Record(Event{Path: "/ignored"})

	if err := r.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if len(got.batches) != 3 {
		t.Fatalf("expected 3 batches of at most 2, got %d", len(got.batches))
	}
	if got.auth[0] != "Bearer tok" {
		t.Fatalf("unexpected auth header %q", got.auth[0])
	}
	first := got.batches[0][0]
	if first["project_id"] != "web" || first["method"] != "GET" || first["latency_ms"] != 12.0 {
		t.Fatalf("unexpected payload %v", first)
	}
	last := got.batches[2][0]
	if last["status_code"] != 600.0 || last["level"] != "error" {
		t.Fatalf("expected 5xx status to default to error level, got %v", last)
	}
	if err := r.Flush(context.Background()); err != nil || len(got.batches) != 3 {
		t.Fatalf("second flush should be a no-op, got %v with %d batches", err, len(got.batches))
	}
}

func TestFlushKeepsEventsOnFailure(t *testing.T) {
	var got captured
	status := http.StatusForbidden
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.handler(status)(w, r)
	}))
	defer srv.Close()

	r, _ := NewReporter(Config{BaseURL: srv.URL})
	r.Record(Event{DeploymentID: "dep-1", StatusCode: 204})
	if err := r.Flush(context.Background()); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	status = http.StatusAccepted
	if err := r.Flush(context.Background()); err != nil {
		t.Fatalf("retry flush: %v", err)
	}
	if len(got.batches) != 2 || len(got.batches[1]) != 1 {
		t.Fatalf("expected the event to be resent, got %v", got.batches)
	}
}

func TestRecordDropsWhenBufferFull(t *testing.T) {
	r, _ := NewReporter(Config{BaseURL: "http://launchpad.invalid", BatchSize: 1})
	for range 6 {
		r.Record(Event{DeploymentID: "dep-1"})
	}
	if r.Dropped() != 2 {
		t.Fatalf("expected 2 dropped events, got %d", r.Dropped())
	}
}

func TestMiddlewareRecordsStatus(t *testing.T) {
	r, _ := NewReporter(Config{BaseURL: "http://launchpad.invalid"})
	h := r.Middleware("dep-9", http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/brew", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	if len(r.pending) != 2 {
		t.Fatalf("expected 2 buffered events, got %d", len(r.pending))
	}
	if ev := r.pending[0]; ev.DeploymentID != "dep-9" || *ev.StatusCode != http.StatusTeapot || ev.Path != "/brew" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ev := r.pending[1]; *ev.StatusCode != http.StatusOK {
		t.Fatalf("expected implicit 200, got %d", *ev.StatusCode)
	}
}

func TestNewReporterRequiresBaseURL(t *testing.T) {
	if _, err := NewReporter(Config{BaseURL: "  "}); err == nil {
		t.Fatal("expected error for empty base url")
	}
}
