// Package telemetry lets services running on launchpad report the requests
// they serve. Rolling deploys compare these reports against their error and
// latency thresholds.
package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	defaultTimeout   = 5 * time.Second
	defaultBatchSize = 100
	maxErrorBodySize = 4096
)

var (
	// ErrUnauthorized means the runtime token was missing or lacks the runtime scope.
	ErrUnauthorized = errors.New("runtime telemetry unauthorized")
	// ErrRejected means the API refused the payload.
	ErrRejected = errors.New("runtime telemetry rejected")
)

// Event is one request observed by a deployed service.
type Event struct {
	DeploymentID string
	Level        string
	Method       string
	Path         string
	StatusCode   int
	Latency      time.Duration
	OccurredAt   time.Time
}

type wireEvent struct {
	ProjectID    string   `json:"project_id,omitempty"`
	DeploymentID string   `json:"deployment_id"`
	Source       string   `json:"source"`
	Level        string   `json:"level"`
	Method       string   `json:"method,omitempty"`
	Path         string   `json:"path,omitempty"`
	StatusCode   *int     `json:"status_code,omitempty"`
	LatencyMS    *float64 `json:"latency_ms,omitempty"`
	OccurredAt   string   `json:"occurred_at"`
}

// Config identifies the service to the launchpad API.
type Config struct {
	BaseURL string
	// Token is a runtime-scoped bearer token.
	Token     string
	ProjectID string
	Source    string
	// BatchSize triggers a flush once that many events are buffered.
	BatchSize int
	Client    *http.Client
}

// Reporter buffers events and posts them to /runtime/events in batches.
type Reporter struct {
	cfg    Config
	client *http.Client
	now    func() time.Time

	mu      sync.Mutex
	pending []wireEvent
	dropped int
}

// NewReporter validates cfg and returns a Reporter.
func NewReporter(cfg Config) (*Reporter, error) {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		return nil, errors.New("runtime telemetry base url required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.Source == "" {
		cfg.Source = "runtime"
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return &Reporter{cfg: cfg, client: client, now: time.Now}, nil
}

// Record buffers ev. Events beyond four batches are dropped until the next
// successful flush.
func (r *Reporter) Record(ev Event) {
	if strings.TrimSpace(ev.DeploymentID) == "" {
		return
	}
	w := r.wire(ev)
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pending) >= 4*r.cfg.BatchSize {
		r.dropped++
		return
	}
	r.pending = append(r.pending, w)
}

// Dropped reports how many events were discarded because the buffer was full.
func (r *Reporter) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Flush sends buffered events in batches. Unsent events stay buffered.
func (r *Reporter) Flush(ctx context.Context) error {
	for {
		r.mu.Lock()
		n := min(len(r.pending), r.cfg.BatchSize)
		batch := append([]wireEvent(nil), r.pending[:n]...)
		r.mu.Unlock()
		if n == 0 {
			return nil
		}
		if err := r.send(ctx, batch); err != nil {
			return err
		}
		r.mu.Lock()
		r.pending = r.pending[n:]
		r.mu.Unlock()
	}
}

// Run flushes every interval until ctx ends, then flushes once more.
func (r *Reporter) Run(ctx context.Context, interval time.Duration, onError func(error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultTimeout)
			if err := r.Flush(final); err != nil && onError != nil {
				onError(err)
			}
			cancel()
			return
		case <-ticker.C:
			if err := r.Flush(ctx); err != nil && onError != nil {
				onError(err)
			}
		}
	}
}

func (r *Reporter) wire(ev Event) wireEvent {
	occurred := ev.OccurredAt
	if occurred.IsZero() {
		occurred = r.now()
	}
	level := strings.TrimSpace(ev.Level)
	if level == "" {
		level = "info"
		if ev.StatusCode >= http.StatusInternalServerError {
			level = "error"
		}
	}
	w := wireEvent{
		ProjectID:    r.cfg.ProjectID,
		DeploymentID: ev.DeploymentID,
		Source:       r.cfg.Source,
		Level:        level,
		Method:       strings.ToUpper(ev.Method),
		Path:         ev.Path,
		OccurredAt:   occurred.UTC().Format(time.RFC3339Nano),
	}
	if ev.StatusCode > 0 {
		code := ev.StatusCode
		w.StatusCode = &code
	}
	if ev.Latency > 0 {
		ms := float64(ev.Latency) / float64(time.Millisecond)
		w.LatencyMS = &ms
	}
	return w
}

func (r *Reporter) send(ctx context.Context, batch []wireEvent) error {
	body, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("marshal telemetry batch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.BaseURL+"/runtime/events", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build telemetry request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token := strings.TrimSpace(r.cfg.Token); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telemetry batch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < http.StatusBadRequest {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	buf, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	summary := strings.TrimSpace(string(buf))
	if summary == "" {
		summary = resp.Status
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, summary)
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", ErrRejected, summary)
	default:
		return fmt.Errorf("telemetry request failed: %s", summary)
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// Middleware records every request served by next against deploymentID.
func (r *Reporter) Middleware(deploymentID string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, req)
		status := sw.status
		if status == 0 {
			status = http.StatusOK
		}
		r.Record(Event{
			DeploymentID: deploymentID,
			Method:       req.Method,
			Path:         req.URL.Path,
			StatusCode:   status,
			Latency:      time.Since(start),
			OccurredAt:   start,
		})
	})
}
