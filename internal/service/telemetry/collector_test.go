package telemetry

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/splax/launchpad/internal/docker"
	"github.com/splax/launchpad/internal/domain"
)

type fakeContainers struct {
	addr  string
	usage docker.ResourceUsage
}

func (f fakeContainers) Inspect(context.Context, string) (docker.ContainerState, error) {
	return docker.ContainerState{Running: true, Address: f.addr, Labels: map[string]string{docker.LabelProject: "proj"}}, nil
}

func (f fakeContainers) Stats(context.Context, string) (docker.ResourceUsage, error) {
	return f.usage, nil
}

func (f fakeContainers) ProbeAddress(state docker.ContainerState) string { return state.Address }

type captureHub struct{ topics []string }

func (c *captureHub) Broadcast(topic string, _ []byte) { c.topics = append(c.topics, topic) }

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestCollectorSample(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1)%2 == 0 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	svc := NewService(0, nil, testLogger())
	collector := NewCollector(svc, fakeContainers{addr: strings.TrimPrefix(srv.URL, "http://"), usage: docker.ResourceUsage{CPUPercent: 42}}, CollectorConfig{CanaryRequests: 4}, testLogger())
	env := domain.Environment{Name: domain.EnvironmentGreen, DeploymentID: "dep-1", ContainerID: "ctr-1"}

	metrics, err := collector.Sample(context.Background(), env)
	if err != nil {
		t.Fatalf("sample: %v", err)
	}
	if metrics.Requests != 4 || metrics.Errors != 2 {
		t.Fatalf("expected 4 requests with 2 errors, got %+v", metrics)
	}
	if metrics.ErrorRate != 0.5 {
		t.Fatalf("expected error rate 0.5, got %v", metrics.ErrorRate)
	}
	if metrics.CPUPercent != 42 {
		t.Fatalf("expected cpu from stats, got %v", metrics.CPUPercent)
	}
	if metrics.P95 <= 0 {
		t.Fatalf("expected latency recorded")
	}
}

func TestCollectorResetDropsCursor(t *testing.T) {
	svc := NewService(0, nil, testLogger())
	collector := NewCollector(svc, fakeContainers{}, CollectorConfig{}, testLogger())
	for _, id := range []string{"dep-1", "dep-2"} {
		if _, err := collector.Sample(context.Background(), domain.Environment{DeploymentID: id, ContainerID: "ctr-" + id}); err != nil {
			t.Fatalf("sample %s: %v", id, err)
		}
	}
	collector.Reset("dep-1")
	if _, ok := collector.cursors["dep-1"]; ok {
		t.Fatalf("expected dep-1 cursor dropped")
	}
	if len(collector.cursors) != 1 {
		t.Fatalf("expected only dep-2 tracked, got %v", collector.cursors)
	}
}

func TestCollectorFoldsIngestedEvents(t *testing.T) {
	svc := NewService(0, nil, testLogger())
	collector := NewCollector(svc, fakeContainers{}, CollectorConfig{}, testLogger())
	env := domain.Environment{DeploymentID: "dep-1", ContainerID: "ctr-1"}

	status := 500
	for i := 0; i < 3; i++ {
		if err := svc.Accept(domain.RuntimeEvent{DeploymentID: "dep-1", StatusCode: &status}); err != nil {
			t.Fatalf("accept: %v", err)
		}
	}
	metrics, err := collector.Sample(context.Background(), env)
	if err != nil {
		t.Fatalf("sample: %v", err)
	}
	if metrics.Requests != 3 || metrics.ErrorRate != 1 {
		t.Fatalf("expected ingested failures folded in, got %+v", metrics)
	}
}

func TestCollectorRejectsEmptyEnvironment(t *testing.T) {
	collector := NewCollector(NewService(0, nil, testLogger()), fakeContainers{}, CollectorConfig{}, testLogger())
	if _, err := collector.Sample(context.Background(), domain.Environment{}); err == nil {
		t.Fatalf("expected error sampling the none environment")
	}
}

func TestAcceptValidatesAndBroadcasts(t *testing.T) {
	hub := &captureHub{}
	svc := NewService(0, hub, testLogger())

	if err := svc.Accept(domain.RuntimeEvent{}); err == nil {
		t.Fatalf("expected missing deployment rejected")
	}
	bad := 42
	if err := svc.Accept(domain.RuntimeEvent{DeploymentID: "dep", StatusCode: &bad}); err == nil {
		t.Fatalf("expected invalid status rejected")
	}
	if err := svc.Accept(domain.RuntimeEvent{DeploymentID: "dep"}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if len(hub.topics) != 1 || hub.topics[0] != "runtime:dep" {
		t.Fatalf("expected broadcast on the runtime topic, got %v", hub.topics)
	}
}
