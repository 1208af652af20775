package docker

import (
	"math"
	"testing"
)

func TestStatsUsage(t *testing.T) {
	var s statsSample
	s.PreCPUStats.CPUUsage.TotalUsage = 1_000
	s.PreCPUStats.SystemUsage = 10_000
	s.CPUStats.CPUUsage.TotalUsage = 3_000
	s.CPUStats.SystemUsage = 20_000
	s.CPUStats.OnlineCPUs = 2
	s.MemoryStats.Usage = 300
	s.MemoryStats.Limit = 1000
	s.MemoryStats.Stats = map[string]uint64{"inactive_file": 100}

	usage := s.usage(0)
	if math.Abs(usage.CPUPercent-40) > 0.001 {
		t.Fatalf("expected 40%% cpu, got %f", usage.CPUPercent)
	}
	if math.Abs(usage.MemoryPercent-20) > 0.001 {
		t.Fatalf("expected 20%% memory excluding cache, got %f", usage.MemoryPercent)
	}
}

func TestStatsUsageWithoutPreviousSample(t *testing.T) {
	var s statsSample
	s.CPUStats.CPUUsage.TotalUsage = 5_000
	s.CPUStats.SystemUsage = 0
	if got := s.usage(0).CPUPercent; got != 0 {
		t.Fatalf("expected 0 cpu without a delta, got %f", got)
	}
}

func TestStatsUsageRelativeToQuota(t *testing.T) {
	var s statsSample
	s.PreCPUStats.CPUUsage.TotalUsage = 1_000
	s.PreCPUStats.SystemUsage = 10_000
	s.CPUStats.CPUUsage.TotalUsage = 3_250
	s.CPUStats.SystemUsage = 20_000
	s.CPUStats.OnlineCPUs = 2

	// 45% of one core against a half-core quota.
	cores := limitCores(50_000, 100_000, 0)
	if got := s.usage(cores).CPUPercent; math.Abs(got-90) > 0.001 {
		t.Fatalf("expected 90%% of the quota, got %f", got)
	}
}

func TestLimitCores(t *testing.T) {
	cases := []struct {
		name                    string
		quota, period, nanoCPUs int64
		want                    float64
	}{
		{name: "unlimited", want: 0},
		{name: "quota and period", quota: 150_000, period: 100_000, want: 1.5},
		{name: "default period", quota: 25_000, want: 0.25},
		{name: "nano cpus win", quota: 50_000, period: 100_000, nanoCPUs: 2_000_000_000, want: 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := limitCores(tc.quota, tc.period, tc.nanoCPUs); math.Abs(got-tc.want) > 1e-9 {
				t.Fatalf("expected %v cores, got %v", tc.want, got)
			}
		})
	}
}
