package telemetry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/splax/launchpad/internal/docker"
	"github.com/splax/launchpad/internal/domain"
)

// ContainerStats resolves where to reach a container and how loaded it is.
type ContainerStats interface {
	Inspect(ctx context.Context, containerID string) (docker.ContainerState, error)
	Stats(ctx context.Context, containerID string) (docker.ResourceUsage, error)
	ProbeAddress(state docker.ContainerState) string
}

// CollectorConfig shapes the canary burst issued on every sample.
type CollectorConfig struct {
	CanaryRequests int
	CanaryPath     string
	RequestTimeout time.Duration
}

// Collector samples live traffic metrics for an environment.
type Collector struct {
	service    *Service
	containers ContainerStats
	cfg        CollectorConfig
	client     *http.Client
	logger     *slog.Logger

	mu      sync.Mutex
	cursors map[string]time.Time
}

// NewCollector constructs a Collector.
func NewCollector(service *Service, containers ContainerStats, cfg CollectorConfig, logger *slog.Logger) *Collector {
	if cfg.CanaryRequests < 0 {
		cfg.CanaryRequests = 0
	}
	if cfg.CanaryPath == "" {
		cfg.CanaryPath = "/"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		service:    service,
		containers: containers,
		cfg:        cfg,
		client: &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
		logger:  logger,
		cursors: map[string]time.Time{},
	}
}

// Sample fires the canary burst, then aggregates every event observed for the
// environment since its previous sample together with current CPU usage. The
// first sample covers every retained event.
func (c *Collector) Sample(ctx context.Context, env domain.Environment) (domain.TrafficMetrics, error) {
	if env.None() {
		return domain.TrafficMetrics{}, fmt.Errorf("cannot sample an empty environment")
	}
	c.mu.Lock()
	since := c.cursors[env.DeploymentID]
	c.mu.Unlock()

	state, err := c.containers.Inspect(ctx, env.ContainerID)
	if err != nil {
		return domain.TrafficMetrics{}, fmt.Errorf("inspect %s: %w", env.ContainerID, err)
	}
	projectID := state.Labels[docker.LabelProject]
	if addr := c.containers.ProbeAddress(state); addr != "" && c.cfg.CanaryRequests > 0 {
		c.burst(ctx, addr, projectID, env.DeploymentID)
	}

	usage, err := c.containers.Stats(ctx, env.ContainerID)
	if err != nil {
		return domain.TrafficMetrics{}, fmt.Errorf("stats %s: %w", env.ContainerID, err)
	}

	rollup := c.service.Window(env.DeploymentID, since)
	c.mu.Lock()
	c.cursors[env.DeploymentID] = c.service.now()
	c.mu.Unlock()

	metrics := domain.TrafficMetrics{
		Requests:   rollup.Count,
		Errors:     rollup.ErrorCount,
		CPUPercent: usage.CPUPercent,
	}
	if rollup.Count > 0 {
		metrics.ErrorRate = float64(rollup.ErrorCount) / float64(rollup.Count)
	}
	if rollup.P95MS != nil {
		metrics.P95 = time.Duration(*rollup.P95MS * float64(time.Millisecond))
	}
	c.logger.Debug("traffic sampled", "deployment_id", env.DeploymentID, "requests", metrics.Requests, "error_rate", metrics.ErrorRate, "p95", metrics.P95, "cpu", metrics.CPUPercent)
	return metrics, nil
}

// Reset forgets the sampling cursor of a deployment.
func (c *Collector) Reset(deploymentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cursors, deploymentID)
}

func (c *Collector) burst(ctx context.Context, addr, projectID, deploymentID string) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i := 0; i < c.cfg.CanaryRequests; i++ {
		g.Go(func() error {
			c.service.Ingest(c.canary(gctx, addr, projectID, deploymentID))
			return nil
		})
	}
	_ = g.Wait()
}

func (c *Collector) canary(ctx context.Context, addr, projectID, deploymentID string) domain.RuntimeEvent {
	event := domain.RuntimeEvent{
		ProjectID:    projectID,
		DeploymentID: deploymentID,
		Source:       "canary",
		Level:        "info",
		Method:       http.MethodGet,
		Path:         c.cfg.CanaryPath,
	}
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	start := time.Now()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, "http://"+addr+c.cfg.CanaryPath, nil)
	if err == nil {
		req.Header.Set("User-Agent", "launchpad-canary")
		var resp *http.Response
		resp, err = c.client.Do(req)
		if err == nil {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
			resp.Body.Close()
			code := resp.StatusCode
			event.StatusCode = &code
		}
	}
	latency := float64(time.Since(start)) / float64(time.Millisecond)
	event.LatencyMS = &latency
	event.OccurredAt = time.Now().UTC()
	if err != nil {
		event.Level = "error"
	}
	return event
}
