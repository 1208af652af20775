package telemetry

import (
	"math"
	"testing"
	"time"

	"github.com/splax/launchpad/internal/domain"
)

func TestRollupAggregatorWindow(t *testing.T) {
	now := time.Date(2025, time.November, 5, 12, 0, 0, 0, time.UTC)
	agg := newRollupAggregator(time.Minute, 8, 1)

	latencyFast := 50.0
	latencySlow := 150.0
	statusError := 502

	agg.add(domain.RuntimeEvent{
		DeploymentID: "dep-1",
		Level:        "info",
		LatencyMS:    &latencyFast,
		OccurredAt:   now.Add(10 * time.Second),
	})
	agg.add(domain.RuntimeEvent{
		DeploymentID: "dep-1",
		Level:        "info",
		StatusCode:   &statusError,
		LatencyMS:    &latencySlow,
		OccurredAt:   now.Add(70 * time.Second),
	})
	agg.add(domain.RuntimeEvent{DeploymentID: "dep-2", OccurredAt: now})

	rollup := agg.window("dep-1", now)
	if rollup.Count != 2 {
		t.Fatalf("expected count 2, got %d", rollup.Count)
	}
	if rollup.ErrorCount != 1 {
		t.Fatalf("expected error count 1, got %d", rollup.ErrorCount)
	}
	expectedAvg := (latencyFast + latencySlow) / 2
	if rollup.AvgMS == nil || *rollup.AvgMS != expectedAvg {
		t.Fatalf("expected average latency %.1f, got %v", expectedAvg, rollup.AvgMS)
	}
	if rollup.MaxMS == nil || *rollup.MaxMS != latencySlow {
		t.Fatalf("expected max latency %.1f, got %v", latencySlow, rollup.MaxMS)
	}
	if rollup.P95MS == nil || math.Abs(*rollup.P95MS-145) > 1e-9 {
		t.Fatalf("expected interpolated p95 145, got %v", rollup.P95MS)
	}
	if !rollup.WindowEnd.Equal(now.Add(2 * time.Minute)) {
		t.Fatalf("unexpected window end %s", rollup.WindowEnd)
	}

	later := agg.window("dep-1", now.Add(time.Minute))
	if later.Count != 1 {
		t.Fatalf("expected only the second bucket, got %d", later.Count)
	}
	if got := len(agg.rollups("dep-1")); got != 2 {
		t.Fatalf("expected two buckets, got %d", got)
	}
}

func TestRollupAggregatorPrune(t *testing.T) {
	now := time.Date(2025, time.November, 5, 12, 0, 0, 0, time.UTC)
	agg := newRollupAggregator(time.Minute, 8, 1)
	agg.add(domain.RuntimeEvent{DeploymentID: "dep-1", OccurredAt: now})
	agg.add(domain.RuntimeEvent{DeploymentID: "dep-1", OccurredAt: now.Add(5 * time.Minute)})

	if dropped := agg.pruneBefore(now.Add(2 * time.Minute)); dropped != 1 {
		t.Fatalf("expected one bucket pruned, got %d", dropped)
	}
	agg.forget("dep-1")
	if got := agg.window("dep-1", now).Count; got != 0 {
		t.Fatalf("expected forgotten deployment to be empty, got %d", got)
	}
}

func TestPercentile(t *testing.T) {
	values := []float64{10, 20, 30, 40}
	if got := percentile(values, 0.5); got != 25 {
		t.Fatalf("expected 25, got %v", got)
	}
	if got := percentile(values, 1); got != 40 {
		t.Fatalf("expected max, got %v", got)
	}
	if got := percentile(nil, 0.5); got != 0 {
		t.Fatalf("expected 0 for empty input, got %v", got)
	}
}

func TestIsRuntimeError(t *testing.T) {
	if !isRuntimeError(domain.RuntimeEvent{Level: "FATAL"}) {
		t.Fatalf("expected uppercase level to be treated as error")
	}
	status := 501
	if !isRuntimeError(domain.RuntimeEvent{StatusCode: &status}) {
		t.Fatalf("expected 5xx status to be treated as error")
	}
	status = 404
	if isRuntimeError(domain.RuntimeEvent{Level: "info", StatusCode: &status}) {
		t.Fatalf("did not expect a 404 to be treated as error")
	}
}
