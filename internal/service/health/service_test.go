package health

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/splax/launchpad/internal/docker"
	"github.com/splax/launchpad/internal/domain"
	"github.com/splax/launchpad/internal/framework"
	"github.com/splax/launchpad/internal/repository/memory"
)

type fakeContainers struct {
	mu         sync.Mutex
	state      docker.ContainerState
	usage      docker.ResourceUsage
	inspectErr error
	statsErr   error
}

func (f *fakeContainers) Inspect(context.Context, string) (docker.ContainerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inspectErr != nil {
		return docker.ContainerState{}, f.inspectErr
	}
	return f.state, nil
}

func (f *fakeContainers) Stats(context.Context, string) (docker.ResourceUsage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.usage, f.statsErr
}

func (f *fakeContainers) ProbeAddress(state docker.ContainerState) string {
	return state.Address
}

type recordingSink struct {
	mu     sync.Mutex
	events []domain.RuntimeEvent
}

func (r *recordingSink) Ingest(event domain.RuntimeEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setup(t *testing.T, handler http.HandlerFunc) (*Service, *fakeContainers, *memory.Store, *recordingSink) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	store := memory.New()
	if err := store.CreateDeployment(context.Background(), &domain.Deployment{ID: "dep-1", ProjectID: "proj-1", Status: domain.StatusBuilding}); err != nil {
		t.Fatalf("create deployment: %v", err)
	}
	containers := &fakeContainers{
		state: docker.ContainerState{
			ID:      "ctr-1",
			Running: true,
			Status:  "running",
			Health:  docker.HealthHealthy,
			Address: strings.TrimPrefix(srv.URL, "http://"),
			Labels: map[string]string{
				docker.LabelDeployment: "dep-1",
				docker.LabelProject:    "proj-1",
				docker.LabelFramework:  string(framework.NextJS),
			},
		},
		usage: docker.ResourceUsage{CPUPercent: 12, MemoryPercent: 30},
	}
	sink := &recordingSink{}
	svc := New(containers, store, sink, Config{AttemptInterval: time.Millisecond, PollInterval: 10 * time.Millisecond}, testLogger())
	return svc, containers, store, sink
}

func okHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func TestCheckHealthyPersistsVerdict(t *testing.T) {
	svc, _, store, sink := setup(t, okHandler)

	record, err := svc.Check(context.Background(), "ctr-1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !record.Healthy || !record.RuntimeHealthy || !record.ResourcesHealthy || !record.EndpointsHealthy() {
		t.Fatalf("expected healthy record, got %+v", record)
	}
	if len(record.Endpoints) != 2 {
		t.Fatalf("expected both nextjs paths probed, got %+v", record.Endpoints)
	}
	if record.Attempts != 2 {
		t.Fatalf("expected success threshold to stop after 2 attempts, got %d", record.Attempts)
	}
	history, _ := store.ListHealthChecks(context.Background(), "dep-1", 0)
	if len(history) != 1 || !history[0].Healthy {
		t.Fatalf("expected one persisted healthy record, got %+v", history)
	}
	dep, _ := store.GetDeployment(context.Background(), "dep-1")
	if dep.LastHealth == nil || !dep.LastHealth.Healthy {
		t.Fatalf("expected deployment snapshot updated, got %+v", dep.LastHealth)
	}
	if sink.count() != 4 {
		t.Fatalf("expected one event per probe, got %d", sink.count())
	}
}

func TestCheckLivenessFailureIsUnhealthy(t *testing.T) {
	svc, _, store, _ := setup(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/health" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	record, err := svc.Check(context.Background(), "ctr-1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if record.Healthy {
		t.Fatalf("expected unhealthy verdict")
	}
	if record.Attempts != 2 {
		t.Fatalf("expected early exit once the threshold is unreachable, got %d attempts", record.Attempts)
	}
	var liveness domain.EndpointResult
	for _, e := range record.Endpoints {
		if e.Path == "/api/health" {
			liveness = e
		}
	}
	if liveness.StatusCode != http.StatusInternalServerError || liveness.OK {
		t.Fatalf("expected failing liveness result, got %+v", liveness)
	}
	history, _ := store.ListHealthChecks(context.Background(), "dep-1", 0)
	if len(history) != 1 || history[0].Healthy {
		t.Fatalf("expected persisted unhealthy record, got %+v", history)
	}
}

func TestCheckRedirectCountsAsHealthy(t *testing.T) {
	svc, _, _, _ := setup(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}
		if r.URL.Path == "/login" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	record, _ := svc.Check(context.Background(), "ctr-1")
	if !record.Healthy {
		t.Fatalf("expected redirect to be accepted without following, got %+v", record.Endpoints)
	}
}

func TestCheckResourceAndRuntimeVerdicts(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*fakeContainers)
	}{
		{"cpu over threshold", func(f *fakeContainers) { f.usage.CPUPercent = 95 }},
		{"memory over threshold", func(f *fakeContainers) { f.usage.MemoryPercent = 85 }},
		{"stats unavailable", func(f *fakeContainers) { f.statsErr = errors.New("stats down") }},
		{"runtime unhealthy", func(f *fakeContainers) { f.state.Health = docker.HealthUnhealthy }},
		{"stopped", func(f *fakeContainers) { f.state.Running = false }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, containers, store, _ := setup(t, okHandler)
			tc.mutate(containers)
			record, err := svc.Check(context.Background(), "ctr-1")
			if err != nil {
				t.Fatalf("check: %v", err)
			}
			if record.Healthy {
				t.Fatalf("expected unhealthy verdict, got %+v", record)
			}
			if record.Error == "" {
				t.Fatalf("expected a reason on the record")
			}
			history, _ := store.ListHealthChecks(context.Background(), "dep-1", 0)
			if len(history) != 1 {
				t.Fatalf("expected the failing verdict persisted")
			}
		})
	}
}

func TestRuntimeWithoutProbeDoesNotBlock(t *testing.T) {
	svc, containers, _, _ := setup(t, okHandler)
	containers.state.Health = docker.HealthNone
	if !svc.IsHealthy(context.Background(), "ctr-1") {
		t.Fatalf("expected container without runtime probe to be judged on endpoints and resources")
	}
}

func TestCheckPersistsForVanishedContainer(t *testing.T) {
	svc, containers, store, _ := setup(t, okHandler)
	if !svc.IsHealthy(context.Background(), "ctr-1") {
		t.Fatalf("expected first check healthy")
	}
	containers.mu.Lock()
	containers.inspectErr = docker.ErrNotFound
	containers.mu.Unlock()

	record, err := svc.Check(context.Background(), "ctr-1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if record.Healthy || record.DeploymentID != "dep-1" {
		t.Fatalf("expected unhealthy record attributed to dep-1, got %+v", record)
	}
	history, _ := store.ListHealthChecks(context.Background(), "dep-1", 0)
	if len(history) != 2 || history[0].Healthy {
		t.Fatalf("expected failing record persisted newest first, got %+v", history)
	}
}

func TestWaitForHealthy(t *testing.T) {
	t.Run("recovers", func(t *testing.T) {
		var calls atomic.Int32
		svc, _, _, _ := setup(t, func(w http.ResponseWriter, _ *http.Request) {
			if calls.Add(1) <= 4 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
		})
		if !svc.WaitForHealthy(context.Background(), "ctr-1", 2*time.Second) {
			t.Fatalf("expected container to become healthy")
		}
	})

	t.Run("times out", func(t *testing.T) {
		svc, _, _, _ := setup(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
		start := time.Now()
		if svc.WaitForHealthy(context.Background(), "ctr-1", 100*time.Millisecond) {
			t.Fatalf("expected timeout to report unhealthy")
		}
		if time.Since(start) > 2*time.Second {
			t.Fatalf("wait overran its timeout")
		}
	})
}

func TestForgetDropsOwnersOfDeployment(t *testing.T) {
	svc, _, _, _ := setup(t, okHandler)
	svc.IsHealthy(context.Background(), "ctr-1")
	if _, ok := svc.owners.Load("ctr-1"); !ok {
		t.Fatalf("expected owner cached after a check")
	}

	svc.Forget("dep-other")
	if _, ok := svc.owners.Load("ctr-1"); !ok {
		t.Fatalf("forgetting another deployment dropped ctr-1")
	}
	svc.Forget("dep-1")
	if _, ok := svc.owners.Load("ctr-1"); ok {
		t.Fatalf("expected owner of dep-1 dropped")
	}
}
