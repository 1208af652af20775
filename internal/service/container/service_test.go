package container

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/splax/launchpad/internal/docker"
	"github.com/splax/launchpad/internal/docker/fake"
	"github.com/splax/launchpad/internal/framework"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func nextSpec(t *testing.T) framework.Spec {
	t.Helper()
	spec, ok := framework.Lookup(string(framework.NextJS))
	if !ok {
		t.Fatalf("nextjs spec missing")
	}
	return spec
}

func TestDeployCreatesBoundedContainer(t *testing.T) {
	rt := fake.NewRuntime()
	mgr := New(rt, Config{MemoryMB: 256, CPUPercent: 25, AttachContainers: []string{"nginx"}}, testLogger())

	res, err := mgr.Deploy(context.Background(), Request{
		DeploymentID: "dep-1",
		ProjectID:    "proj-1",
		BuildPath:    t.TempDir(),
		Framework:    nextSpec(t),
		Env:          map[string]string{"API_URL": "https://api"},
	}, nil)
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if res.ContainerID == "" || res.NetworkID == "" || res.ImageID == "" {
		t.Fatalf("expected all resource ids, got %+v", res)
	}
	if len(rt.Created) != 1 {
		t.Fatalf("expected one container, got %d", len(rt.Created))
	}
	spec := rt.Created[0]
	if spec.MemoryBytes != 256<<20 || spec.CPUQuota != 25000 || spec.CPUPeriod != cpuPeriod {
		t.Fatalf("unexpected limits %+v", spec)
	}
	if spec.Health == nil || len(spec.Health.Test) == 0 {
		t.Fatalf("expected runtime health probe")
	}
	if spec.Network != NetworkName("dep-1") || spec.Labels[docker.LabelDeployment] != "dep-1" {
		t.Fatalf("unexpected network/labels %+v", spec)
	}
	if arg := rt.Built[0].BuildArgs["API_URL"]; arg == nil || *arg != "https://api" {
		t.Fatalf("expected env as build arg")
	}
	if got := rt.Connected(res.NetworkID); len(got) != 1 || got[0] != "nginx" {
		t.Fatalf("expected sidecar attached, got %v", got)
	}
	if err := mgr.WaitReady(context.Background(), res.ContainerID); err != nil {
		t.Fatalf("wait ready: %v", err)
	}
}

func TestDeployFallsBackToSharedNetwork(t *testing.T) {
	rt := fake.NewRuntime()
	rt.FailNetwork = errors.New("address pool exhausted")
	mgr := New(rt, Config{SharedNetwork: "launchpad"}, testLogger())

	res, err := mgr.Deploy(context.Background(), Request{DeploymentID: "dep-2", BuildPath: t.TempDir(), Framework: nextSpec(t)}, nil)
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if res.NetworkID != "" {
		t.Fatalf("expected no dedicated network, got %q", res.NetworkID)
	}
	if rt.Created[0].Network != "launchpad" {
		t.Fatalf("expected shared network, got %q", rt.Created[0].Network)
	}
}

func TestDeployIsIdempotentPerDeployment(t *testing.T) {
	rt := fake.NewRuntime()
	mgr := New(rt, Config{}, testLogger())
	req := Request{DeploymentID: "dep-3", BuildPath: t.TempDir(), Framework: nextSpec(t)}

	if _, err := mgr.Deploy(context.Background(), req, nil); err != nil {
		t.Fatalf("first deploy: %v", err)
	}
	if _, err := mgr.Deploy(context.Background(), req, nil); err != nil {
		t.Fatalf("retried deploy: %v", err)
	}
	if running := rt.Running(); len(running) != 1 {
		t.Fatalf("expected a single running container, got %v", running)
	}
}

func TestDeployStartFailureCleansUp(t *testing.T) {
	rt := fake.NewRuntime()
	rt.FailStart = errors.New("port already allocated")
	mgr := New(rt, Config{}, testLogger())

	_, err := mgr.Deploy(context.Background(), Request{DeploymentID: "dep-4", BuildPath: t.TempDir(), Framework: nextSpec(t)}, nil)
	if err == nil {
		t.Fatalf("expected start failure")
	}
	if rt.HasNetwork(NetworkName("dep-4")) || rt.HasImage(mgr.ImageRef("dep-4")) {
		t.Fatalf("expected partial resources removed")
	}
}

func TestCleanupRemovesEverything(t *testing.T) {
	rt := fake.NewRuntime()
	mgr := New(rt, Config{}, testLogger())
	if _, err := mgr.Deploy(context.Background(), Request{DeploymentID: "dep-5", BuildPath: t.TempDir(), Framework: nextSpec(t)}, nil); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if err := mgr.Cleanup(context.Background(), "dep-5"); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if len(rt.Running()) != 0 || rt.HasNetwork(NetworkName("dep-5")) || rt.HasImage(mgr.ImageRef("dep-5")) {
		t.Fatalf("expected container, network and image removed")
	}
	// a second cleanup of already removed resources is a no-op
	if err := mgr.Cleanup(context.Background(), "dep-5"); err != nil {
		t.Fatalf("repeat cleanup: %v", err)
	}
}

func TestScheduledCleanup(t *testing.T) {
	rt := fake.NewRuntime()
	mgr := New(rt, Config{}, testLogger())
	for _, id := range []string{"dep-6", "dep-7"} {
		if _, err := mgr.Deploy(context.Background(), Request{DeploymentID: id, BuildPath: t.TempDir(), Framework: nextSpec(t)}, nil); err != nil {
			t.Fatalf("deploy %s: %v", id, err)
		}
	}

	done := make(chan error, 1)
	mgr.ScheduleCleanup("dep-6", 10*time.Millisecond, func(err error) { done <- err })
	mgr.ScheduleCleanup("dep-7", time.Hour, nil)
	if !mgr.CancelCleanup("dep-7") {
		t.Fatalf("expected pending cleanup to be cancelled")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("scheduled cleanup: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("scheduled cleanup did not run")
	}
	running := rt.Running()
	if len(running) != 1 || running[0] != ContainerName("dep-7") {
		t.Fatalf("expected only dep-7 running, got %v", running)
	}
	if pending := mgr.PendingCleanups(); len(pending) != 0 {
		t.Fatalf("expected no pending cleanups, got %v", pending)
	}
}

func TestWaitReadyTimesOutOnUnhealthy(t *testing.T) {
	rt := fake.NewRuntime()
	rt.SetHealth("dep-8", docker.HealthUnhealthy)
	rt.Output["dep-8"] = []string{"listening on :3000", "Error: ECONNREFUSED 127.0.0.1:5432"}
	mgr := New(rt, Config{ReadyTimeout: 50 * time.Millisecond}, testLogger())
	res, err := mgr.Deploy(context.Background(), Request{DeploymentID: "dep-8", BuildPath: t.TempDir(), Framework: nextSpec(t)}, nil)
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	err = mgr.WaitReady(context.Background(), res.ContainerID)
	if err == nil {
		t.Fatalf("expected readiness timeout")
	}
	if !strings.Contains(err.Error(), "ECONNREFUSED") {
		t.Fatalf("expected container output in error, got %v", err)
	}
	status, err := mgr.CheckHealth(context.Background(), res.ContainerID)
	if err != nil || status != docker.HealthUnhealthy {
		t.Fatalf("expected unhealthy runtime status, got %q (%v)", status, err)
	}
}
