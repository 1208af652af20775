package docker

import (
	"context"
	"encoding/json"
	"fmt"
)

// defaultCPUPeriod is the CFS period docker applies when none is set.
const defaultCPUPeriod = 100_000

// ResourceUsage is a single sample of container resource consumption.
// CPUPercent is relative to the container's CPU limit when it has one, so
// 100 means the quota is saturated.
type ResourceUsage struct {
	CPUPercent    float64
	MemoryPercent float64
	MemoryUsage   uint64
	MemoryLimit   uint64
}

type statsSample struct {
	CPUStats    cpuStats    `json:"cpu_stats"`
	PreCPUStats cpuStats    `json:"precpu_stats"`
	MemoryStats memoryStats `json:"memory_stats"`
}

type cpuStats struct {
	CPUUsage struct {
		TotalUsage  uint64   `json:"total_usage"`
		PercpuUsage []uint64 `json:"percpu_usage"`
	} `json:"cpu_usage"`
	SystemUsage uint64 `json:"system_cpu_usage"`
	OnlineCPUs  uint32 `json:"online_cpus"`
}

type memoryStats struct {
	Usage uint64            `json:"usage"`
	Limit uint64            `json:"limit"`
	Stats map[string]uint64 `json:"stats"`
}

// ContainerStats takes a one-shot stats sample for a container.
func (c *Client) ContainerStats(ctx context.Context, id string) (ResourceUsage, error) {
	resp, err := c.inner.ContainerStats(ctx, id, false)
	if err != nil {
		return ResourceUsage{}, wrapNotFound("container", id, "container stats", err)
	}
	defer resp.Body.Close()

	var sample statsSample
	if err := json.NewDecoder(resp.Body).Decode(&sample); err != nil {
		return ResourceUsage{}, fmt.Errorf("decode container stats: %w", err)
	}
	inspect, err := c.inner.ContainerInspect(ctx, id)
	if err != nil {
		return ResourceUsage{}, wrapNotFound("container", id, "inspect container", err)
	}
	var cores float64
	if inspect.ContainerJSONBase != nil && inspect.HostConfig != nil {
		hc := inspect.HostConfig
		cores = limitCores(hc.CPUQuota, hc.CPUPeriod, hc.NanoCPUs)
	}
	return sample.usage(cores), nil
}

// limitCores converts a CFS quota or a NanoCPUs setting into a number of
// cores. Zero means the container is unlimited.
func limitCores(quota, period, nanoCPUs int64) float64 {
	if nanoCPUs > 0 {
		return float64(nanoCPUs) / 1e9
	}
	if quota <= 0 {
		return 0
	}
	if period <= 0 {
		period = defaultCPUPeriod
	}
	return float64(quota) / float64(period)
}

// usage scales CPU to limitCores when it is positive.
func (s statsSample) usage(limitCores float64) ResourceUsage {
	cpu := s.cpuPercent()
	if limitCores > 0 {
		cpu /= limitCores
	}
	usage := ResourceUsage{CPUPercent: cpu}
	mem := s.MemoryStats.Usage
	// cgroup v1 reports "cache", v2 reports "inactive_file"
	if cache, ok := s.MemoryStats.Stats["inactive_file"]; ok && cache < mem {
		mem -= cache
	} else if cache, ok := s.MemoryStats.Stats["cache"]; ok && cache < mem {
		mem -= cache
	}
	usage.MemoryUsage = mem
	usage.MemoryLimit = s.MemoryStats.Limit
	if s.MemoryStats.Limit > 0 {
		usage.MemoryPercent = float64(mem) / float64(s.MemoryStats.Limit) * 100
	}
	return usage
}

func (s statsSample) cpuPercent() float64 {
	if s.CPUStats.CPUUsage.TotalUsage < s.PreCPUStats.CPUUsage.TotalUsage ||
		s.CPUStats.SystemUsage <= s.PreCPUStats.SystemUsage {
		return 0
	}
	cpuDelta := float64(s.CPUStats.CPUUsage.TotalUsage - s.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(s.CPUStats.SystemUsage - s.PreCPUStats.SystemUsage)
	online := float64(s.CPUStats.OnlineCPUs)
	if online == 0 {
		online = float64(len(s.CPUStats.CPUUsage.PercpuUsage))
	}
	if online == 0 {
		online = 1
	}
	return cpuDelta / systemDelta * online * 100
}
