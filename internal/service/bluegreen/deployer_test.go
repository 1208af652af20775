package bluegreen

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/splax/launchpad/internal/docker"
	"github.com/splax/launchpad/internal/docker/fake"
	"github.com/splax/launchpad/internal/domain"
	"github.com/splax/launchpad/internal/framework"
	"github.com/splax/launchpad/internal/repository/memory"
	"github.com/splax/launchpad/internal/service/container"
	"github.com/splax/launchpad/internal/service/health"
	"github.com/splax/launchpad/internal/service/ingress"
)

type harness struct {
	t        *testing.T
	runtime  *fake.Runtime
	manager  *container.Manager
	store    *memory.Store
	edge     *ingress.Edge
	deployer *Deployer
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T, retention time.Duration) *harness {
	t.Helper()
	logger := testLogger()
	rt := fake.NewRuntime()
	mgr := container.New(rt, container.Config{ReadyTimeout: time.Second}, logger)
	t.Cleanup(mgr.Close)
	store := memory.New()
	edge := ingress.New(nil, ingress.Config{}, logger)
	checker := health.New(mgr, store, nil, health.Config{AttemptInterval: time.Millisecond, PollInterval: 10 * time.Millisecond}, logger)
	deployer := New(mgr, checker, edge, store, Config{
		RetentionWindow: retention,
		HealthTimeout:   200 * time.Millisecond,
		WarmupInterval:  5 * time.Millisecond,
	}, logger)
	return &harness{t: t, runtime: rt, manager: mgr, store: store, edge: edge, deployer: deployer}
}

func serve(t *testing.T, handler http.HandlerFunc) string {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return strings.TrimPrefix(srv.URL, "http://")
}

func healthy(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }

func (h *harness) request(id, addr string) Request {
	h.t.Helper()
	ctx := context.Background()
	if _, err := h.store.EnsureProject(ctx, "proj"); err != nil {
		h.t.Fatalf("ensure project: %v", err)
	}
	dep := &domain.Deployment{ID: id, ProjectID: "proj", Status: domain.StatusBuilding, Strategy: domain.StrategyBlueGreen}
	if err := h.store.CreateDeployment(ctx, dep); err != nil {
		h.t.Fatalf("create deployment: %v", err)
	}
	h.runtime.SetAddress(id, addr)
	spec, _ := framework.Lookup(string(framework.NextJS))
	return Request{
		Deployment: dep,
		Build:      domain.BuildResult{OutputPath: h.t.TempDir()},
		Framework:  spec,
	}
}

// promote makes id the project's production deployment.
func (h *harness) promote(id string) {
	h.t.Helper()
	ctx := context.Background()
	project, _ := h.store.GetProject(ctx, "proj")
	if err := h.store.SetProductionDeployment(ctx, "proj", project.ProductionDeploymentID, id); err != nil {
		h.t.Fatalf("promote: %v", err)
	}
}

func (h *harness) status(id string) domain.DeploymentStatus {
	h.t.Helper()
	dep, err := h.store.GetDeployment(context.Background(), id)
	if err != nil {
		h.t.Fatalf("get deployment: %v", err)
	}
	return dep.Status
}

func (h *harness) routes() map[string]int {
	out := map[string]int{}
	for _, b := range h.edge.Current("proj") {
		out[b.DeploymentID] = b.Weight
	}
	return out
}

func TestFirstDeploymentHasNoBlue(t *testing.T) {
	h := newHarness(t, time.Hour)
	cut, err := h.deployer.Deploy(context.Background(), h.request("dep-1", serve(t, healthy)))
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if !cut.Blue.None() {
		t.Fatalf("expected none blue environment, got %+v", cut.Blue)
	}
	if h.status("dep-1") != domain.StatusDeployed {
		t.Fatalf("expected DEPLOYED, got %s", h.status("dep-1"))
	}
	if routes := h.routes(); len(routes) != 1 || routes["dep-1"] != 100 {
		t.Fatalf("expected all traffic on dep-1, got %v", routes)
	}
	if pending := h.manager.PendingCleanups(); len(pending) != 0 {
		t.Fatalf("expected nothing to retire, got %v", pending)
	}
}

func TestFailedLivenessKeepsBlueServing(t *testing.T) {
	h := newHarness(t, time.Hour)
	ctx := context.Background()
	if _, err := h.deployer.Deploy(ctx, h.request("dep-1", serve(t, healthy))); err != nil {
		t.Fatalf("first deploy: %v", err)
	}
	h.promote("dep-1")

	broken := serve(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/health" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	_, err := h.deployer.Deploy(ctx, h.request("dep-2", broken))
	if err == nil {
		t.Fatalf("expected deployment to fail")
	}
	if h.status("dep-2") != domain.StatusFailed {
		t.Fatalf("expected FAILED, got %s", h.status("dep-2"))
	}
	if h.status("dep-1") != domain.StatusDeployed {
		t.Fatalf("expected blue to stay DEPLOYED")
	}
	if routes := h.routes(); len(routes) != 1 || routes["dep-1"] != 100 {
		t.Fatalf("expected traffic untouched on blue, got %v", routes)
	}
	running := h.runtime.Running()
	if !slices.Contains(running, container.ContainerName("dep-1")) || slices.Contains(running, container.ContainerName("dep-2")) {
		t.Fatalf("expected only blue running, got %v", running)
	}
	if h.runtime.HasImage(h.manager.ImageRef("dep-2")) {
		t.Fatalf("expected green image removed")
	}
}

func TestHealthVerdictGatesCutover(t *testing.T) {
	h := newHarness(t, time.Hour)
	ctx := context.Background()
	if _, err := h.deployer.Deploy(ctx, h.request("dep-1", serve(t, healthy))); err != nil {
		t.Fatalf("first deploy: %v", err)
	}
	h.promote("dep-1")

	req := h.request("dep-2", serve(t, healthy))
	h.runtime.SetUsage("dep-2", docker.ResourceUsage{CPUPercent: 97})
	if _, err := h.deployer.Deploy(ctx, req); err == nil || !strings.Contains(err.Error(), "health") {
		t.Fatalf("expected health verification failure, got %v", err)
	}
	history, _ := h.store.ListHealthChecks(ctx, "dep-2", 0)
	if len(history) == 0 || history[0].Healthy {
		t.Fatalf("expected failing verdicts persisted, got %+v", history)
	}
	if routes := h.routes(); routes["dep-1"] != 100 {
		t.Fatalf("expected blue still serving, got %v", routes)
	}
}

func TestCutoverRetiresAndReverts(t *testing.T) {
	h := newHarness(t, time.Hour)
	ctx := context.Background()
	if _, err := h.deployer.Deploy(ctx, h.request("dep-1", serve(t, healthy))); err != nil {
		t.Fatalf("first deploy: %v", err)
	}
	h.promote("dep-1")

	cut, err := h.deployer.Deploy(ctx, h.request("dep-2", serve(t, healthy)))
	if err != nil {
		t.Fatalf("second deploy: %v", err)
	}
	if cut.Blue.DeploymentID != "dep-1" {
		t.Fatalf("expected dep-1 as blue, got %+v", cut.Blue)
	}
	if routes := h.routes(); routes["dep-2"] != 100 || routes["dep-1"] != 0 {
		t.Fatalf("expected green at 100 and blue retained at 0, got %v", routes)
	}
	if pending := h.manager.PendingCleanups(); !slices.Equal(pending, []string{"dep-1"}) {
		t.Fatalf("expected blue teardown scheduled, got %v", pending)
	}

	cause := errors.New("verification failed")
	if err := cut.Revert(ctx, cause); !errors.Is(err, cause) {
		t.Fatalf("expected cause returned, got %v", err)
	}
	if routes := h.routes(); len(routes) != 1 || routes["dep-1"] != 100 {
		t.Fatalf("expected traffic back on blue, got %v", routes)
	}
	if pending := h.manager.PendingCleanups(); len(pending) != 0 {
		t.Fatalf("expected blue teardown cancelled, got %v", pending)
	}
	if h.status("dep-2") != domain.StatusFailed {
		t.Fatalf("expected reverted deployment FAILED")
	}
	if slices.Contains(h.runtime.Running(), container.ContainerName("dep-2")) {
		t.Fatalf("expected green torn down")
	}
}

func TestRetentionWindowTearsBlueDown(t *testing.T) {
	h := newHarness(t, 20*time.Millisecond)
	ctx := context.Background()
	if _, err := h.deployer.Deploy(ctx, h.request("dep-1", serve(t, healthy))); err != nil {
		t.Fatalf("first deploy: %v", err)
	}
	h.promote("dep-1")
	if _, err := h.deployer.Deploy(ctx, h.request("dep-2", serve(t, healthy))); err != nil {
		t.Fatalf("second deploy: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		dep, _ := h.store.GetDeployment(ctx, "dep-1")
		if dep.TornDownAt != nil {
			if routes := h.routes(); len(routes) != 1 || routes["dep-2"] != 100 {
				t.Fatalf("expected retired backend dropped, got %v", routes)
			}
			if slices.Contains(h.runtime.Running(), container.ContainerName("dep-1")) {
				t.Fatalf("expected blue container removed")
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("blue was not torn down after the retention window")
}

type teardownLog struct {
	mu  sync.Mutex
	ids []string
}

func (l *teardownLog) record(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ids = append(l.ids, id)
}

func (l *teardownLog) seen() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.ids)
}

func TestTeardownHooksRun(t *testing.T) {
	t.Run("failed green", func(t *testing.T) {
		h := newHarness(t, time.Hour)
		var torn teardownLog
		h.deployer.OnTeardown(torn.record)
		broken := serve(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
		if _, err := h.deployer.Deploy(context.Background(), h.request("dep-1", broken)); err == nil {
			t.Fatalf("expected deployment to fail")
		}
		if got := torn.seen(); !slices.Equal(got, []string{"dep-1"}) {
			t.Fatalf("expected hook for failed green, got %v", got)
		}
	})

	t.Run("retired blue", func(t *testing.T) {
		h := newHarness(t, 20*time.Millisecond)
		var torn teardownLog
		h.deployer.OnTeardown(torn.record)
		ctx := context.Background()
		if _, err := h.deployer.Deploy(ctx, h.request("dep-1", serve(t, healthy))); err != nil {
			t.Fatalf("first deploy: %v", err)
		}
		h.promote("dep-1")
		if _, err := h.deployer.Deploy(ctx, h.request("dep-2", serve(t, healthy))); err != nil {
			t.Fatalf("second deploy: %v", err)
		}
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if got := torn.seen(); len(got) > 0 {
				if !slices.Equal(got, []string{"dep-1"}) {
					t.Fatalf("expected hook for retired blue only, got %v", got)
				}
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
		t.Fatalf("teardown hook did not run after the retention window")
	})
}

func TestShiftSplitsTraffic(t *testing.T) {
	h := newHarness(t, time.Hour)
	ctx := context.Background()
	if _, err := h.deployer.Deploy(ctx, h.request("dep-1", serve(t, healthy))); err != nil {
		t.Fatalf("first deploy: %v", err)
	}
	h.promote("dep-1")

	cut, err := h.deployer.Prepare(ctx, h.request("dep-2", serve(t, healthy)))
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if routes := h.routes(); routes["dep-1"] != 100 || len(routes) != 1 {
		t.Fatalf("prepare must not move traffic, got %v", routes)
	}
	if err := cut.Shift(ctx, 25); err != nil {
		t.Fatalf("shift: %v", err)
	}
	if routes := h.routes(); routes["dep-1"] != 75 || routes["dep-2"] != 25 {
		t.Fatalf("expected 75/25 split, got %v", routes)
	}
	if err := cut.Shift(ctx, 120); err == nil {
		t.Fatalf("expected out of range weight rejected")
	}
	_ = cut.Revert(ctx, errors.New("abort"))
	if err := cut.Shift(ctx, 50); err == nil {
		t.Fatalf("expected shift after revert rejected")
	}
}
