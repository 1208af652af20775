package memory

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/splax/launchpad/internal/domain"
	"github.com/splax/launchpad/internal/repository"
)

func TestSetProductionDeploymentCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	store := New()
	if _, err := store.EnsureProject(ctx, "proj"); err != nil {
		t.Fatalf("ensure project: %v", err)
	}
	if err := store.SetProductionDeployment(ctx, "proj", "", "dep-1"); err != nil {
		t.Fatalf("first promotion: %v", err)
	}
	if err := store.SetProductionDeployment(ctx, "proj", "", "dep-2"); !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("expected conflict on stale pointer, got %v", err)
	}
	if err := store.SetProductionDeployment(ctx, "proj", "dep-1", "dep-2"); err != nil {
		t.Fatalf("second promotion: %v", err)
	}
	p, _ := store.GetProject(ctx, "proj")
	if p.ProductionDeploymentID != "dep-2" || p.PreviousDeploymentID != "dep-1" {
		t.Fatalf("unexpected pointers %+v", p)
	}
}

func TestConcurrentPromotionsSingleWinner(t *testing.T) {
	ctx := context.Background()
	store := New()
	store.EnsureProject(ctx, "proj")

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := store.SetProductionDeployment(ctx, "proj", "", "dep"); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func TestUpdatePreservesAppendedLogs(t *testing.T) {
	ctx := context.Background()
	store := New()
	d := &domain.Deployment{ID: "dep", ProjectID: "proj", Status: domain.StatusQueued, CreatedAt: time.Now()}
	if err := store.CreateDeployment(ctx, d); err != nil {
		t.Fatalf("create: %v", err)
	}
	store.AppendDeploymentLog(ctx, "dep", domain.LogEntry{Message: "one"})
	d.Status = domain.StatusBuilding
	if err := store.UpdateDeployment(ctx, d); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ := store.GetDeployment(ctx, "dep")
	if got.Status != domain.StatusBuilding {
		t.Fatalf("expected BUILDING, got %s", got.Status)
	}
	if len(got.BuildLogs) != 1 || got.BuildLogs[0].Message != "one" {
		t.Fatalf("expected appended log to survive update, got %+v", got.BuildLogs)
	}
}

func TestHealthHistoryNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := New()
	store.RecordHealthCheck(ctx, domain.HealthCheckRecord{DeploymentID: "dep", Healthy: false})
	store.RecordHealthCheck(ctx, domain.HealthCheckRecord{DeploymentID: "dep", Healthy: true})
	records, _ := store.ListHealthChecks(ctx, "dep", 1)
	if len(records) != 1 || !records[0].Healthy {
		t.Fatalf("expected newest healthy record, got %+v", records)
	}
}

func TestHealthSnapshotSurvivesStaleUpdate(t *testing.T) {
	ctx := context.Background()
	store := New()
	dep := &domain.Deployment{ID: "dep", ProjectID: "proj", Status: domain.StatusBuilding}
	if err := store.CreateDeployment(ctx, dep); err != nil {
		t.Fatalf("create: %v", err)
	}
	stale, _ := store.GetDeployment(ctx, "dep")

	checkedAt := time.Now().UTC()
	if err := store.RecordHealthCheck(ctx, domain.HealthCheckRecord{DeploymentID: "dep", Healthy: true, CheckedAt: checkedAt, Endpoints: []domain.EndpointResult{{Path: "/", OK: true}}}); err != nil {
		t.Fatalf("record: %v", err)
	}
	stale.Status = domain.StatusDeployed
	if err := store.UpdateDeployment(ctx, stale); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, _ := store.GetDeployment(ctx, "dep")
	if got.Status != domain.StatusDeployed {
		t.Fatalf("expected status update applied, got %s", got.Status)
	}
	if got.LastHealth == nil || !got.LastHealth.Healthy || got.HealthCheckedAt == nil || !got.HealthCheckedAt.Equal(checkedAt) {
		t.Fatalf("expected health snapshot preserved, got %+v", got.LastHealth)
	}
}

func TestDeploymentsListedNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := New()
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return fixed }

	for _, id := range []string{"dep-1", "dep-2", "dep-3"} {
		if err := store.CreateDeployment(ctx, &domain.Deployment{ID: id, ProjectID: "proj"}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	later := &domain.Deployment{ID: "dep-4", ProjectID: "proj", CreatedAt: fixed.Add(time.Minute)}
	if err := store.CreateDeployment(ctx, later); err != nil {
		t.Fatalf("create dep-4: %v", err)
	}
	store.CreateDeployment(ctx, &domain.Deployment{ID: "other", ProjectID: "elsewhere"})

	got, err := store.ListDeploymentsByProject(ctx, "proj", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var order []string
	for _, d := range got {
		if d.CreatedAt.IsZero() || d.UpdatedAt.IsZero() {
			t.Fatalf("expected %s to carry timestamps, got %+v", d.ID, d)
		}
		order = append(order, d.ID)
	}
	if want := []string{"dep-4", "dep-3", "dep-2", "dep-1"}; !slices.Equal(order, want) {
		t.Fatalf("expected %v, got %v", want, order)
	}
	if got, _ := store.ListDeploymentsByProject(ctx, "proj", 2); len(got) != 2 || got[0].ID != "dep-4" {
		t.Fatalf("expected the two newest, got %+v", got)
	}
}
