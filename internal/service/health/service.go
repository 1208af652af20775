// Package health produces health verdicts for deployment containers by
// combining endpoint probes, the runtime's own probe and resource usage.
package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/splax/launchpad/internal/docker"
	"github.com/splax/launchpad/internal/domain"
	"github.com/splax/launchpad/internal/framework"
	"github.com/splax/launchpad/internal/metrics"
	"github.com/splax/launchpad/internal/repository"
	"github.com/splax/launchpad/internal/retry"
)

// ContainerInspector exposes the container state the service judges.
type ContainerInspector interface {
	Inspect(ctx context.Context, containerID string) (docker.ContainerState, error)
	Stats(ctx context.Context, containerID string) (docker.ResourceUsage, error)
	ProbeAddress(state docker.ContainerState) string
}

// EventSink receives one event per endpoint probe.
type EventSink interface {
	Ingest(event domain.RuntimeEvent)
}

// Config holds verdict thresholds.
type Config struct {
	CPUThreshold    float64
	MemoryThreshold float64
	PollInterval    time.Duration
	AttemptInterval time.Duration
}

var fallbackHealth = framework.HealthConfig{
	Paths:            []string{"/"},
	Timeout:          5 * time.Second,
	Retries:          3,
	SuccessThreshold: 2,
	AllowedStatus:    []int{http.StatusOK, http.StatusNoContent, http.StatusMovedPermanently, http.StatusFound, http.StatusNotModified},
}

type owner struct {
	deploymentID string
	projectID    string
}

// Service evaluates and records container health.
type Service struct {
	containers ContainerInspector
	records    repository.HealthCheckRepository
	events     EventSink
	cfg        Config
	logger     *slog.Logger
	client     *http.Client

	owners sync.Map
}

// New constructs a Service. events may be nil.
func New(containers ContainerInspector, records repository.HealthCheckRepository, events EventSink, cfg Config, logger *slog.Logger) *Service {
	if cfg.CPUThreshold <= 0 {
		cfg.CPUThreshold = 90
	}
	if cfg.MemoryThreshold <= 0 {
		cfg.MemoryThreshold = 85
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.AttemptInterval <= 0 {
		cfg.AttemptInterval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		containers: containers,
		records:    records,
		events:     events,
		cfg:        cfg,
		logger:     logger,
		client: &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Forget drops the cached container owners of a torn down deployment.
func (s *Service) Forget(deploymentID string) {
	s.owners.Range(func(key, value any) bool {
		if value.(owner).deploymentID == deploymentID {
			s.owners.Delete(key)
		}
		return true
	})
}

// IsHealthy runs a full check and returns only the verdict.
func (s *Service) IsHealthy(ctx context.Context, containerID string) bool {
	record, err := s.Check(ctx, containerID)
	if err != nil {
		s.logger.Warn("health record not persisted", "container_id", containerID, "error", err)
	}
	return record.Healthy
}

// WaitForHealthy polls until the container is healthy. It returns false once
// timeout elapses.
func (s *Service) WaitForHealthy(ctx context.Context, containerID string, timeout time.Duration) bool {
	ok, err := retry.Poll(ctx, retry.Policy{Interval: s.cfg.PollInterval, Timeout: timeout}, func(ctx context.Context) (bool, error) {
		return s.IsHealthy(ctx, containerID), nil
	})
	if err != nil {
		s.logger.Warn("health wait aborted", "container_id", containerID, "error", err)
	}
	return ok
}

// History lists persisted verdicts for a deployment, newest first.
func (s *Service) History(ctx context.Context, deploymentID string, limit int) ([]domain.HealthCheckRecord, error) {
	return s.records.ListHealthChecks(ctx, deploymentID, limit)
}

// Check evaluates the container and persists the verdict, healthy or not. The
// returned error only reports a failure to persist.
func (s *Service) Check(ctx context.Context, containerID string) (domain.HealthCheckRecord, error) {
	started := time.Now()
	record := domain.HealthCheckRecord{ContainerID: containerID, CheckedAt: started.UTC()}

	state, err := s.containers.Inspect(ctx, containerID)
	if err != nil {
		if known, ok := s.owners.Load(containerID); ok {
			record.DeploymentID = known.(owner).deploymentID
		}
		record.RuntimeStatus = "missing"
		record.Error = fmt.Sprintf("inspect container: %v", err)
		return s.finish(ctx, record, started)
	}

	who := owner{deploymentID: state.Labels[docker.LabelDeployment], projectID: state.Labels[docker.LabelProject]}
	if who.deploymentID != "" {
		s.owners.Store(containerID, who)
	}
	record.DeploymentID = who.deploymentID

	cfg := fallbackHealth
	if spec, ok := framework.Lookup(state.Labels[docker.LabelFramework]); ok {
		cfg = spec.Health
	}

	var problems []string
	if state.Running {
		record.RuntimeStatus = state.Health
		record.RuntimeHealthy = state.Health == docker.HealthNone || state.Health == docker.HealthHealthy
		if !record.RuntimeHealthy {
			problems = append(problems, "runtime probe "+state.Health)
		}

		addr := s.containers.ProbeAddress(state)
		record.Endpoints, record.Attempts = s.probeEndpoints(ctx, addr, cfg, who)
		if !record.EndpointsHealthy() {
			problems = append(problems, "endpoint probes failed")
		}

		usage, err := s.containers.Stats(ctx, containerID)
		if err != nil {
			problems = append(problems, fmt.Sprintf("stats: %v", err))
		} else {
			record.CPUPercent = usage.CPUPercent
			record.MemoryPercent = usage.MemoryPercent
			record.ResourcesHealthy = usage.CPUPercent < s.cfg.CPUThreshold && usage.MemoryPercent < s.cfg.MemoryThreshold
			if !record.ResourcesHealthy {
				problems = append(problems, fmt.Sprintf("resources over threshold (cpu %.1f%%, memory %.1f%%)", usage.CPUPercent, usage.MemoryPercent))
			}
		}
	} else {
		record.RuntimeStatus = "stopped"
		problems = append(problems, "container not running")
		for _, path := range cfg.Paths {
			record.Endpoints = append(record.Endpoints, domain.EndpointResult{Path: path, Error: "container not running"})
		}
	}

	record.Healthy = record.RuntimeHealthy && record.EndpointsHealthy() && record.ResourcesHealthy
	record.Error = strings.Join(problems, "; ")
	return s.finish(ctx, record, started)
}

func (s *Service) finish(ctx context.Context, record domain.HealthCheckRecord, started time.Time) (domain.HealthCheckRecord, error) {
	record.Duration = time.Since(started)
	metrics.HealthVerdict(record.Healthy)
	log := s.logger.With("container_id", record.ContainerID, "deployment_id", record.DeploymentID, "healthy", record.Healthy)
	if !record.Healthy {
		log.Info("health check failed", "reason", record.Error)
	} else {
		log.Debug("health check passed")
	}
	if record.DeploymentID == "" {
		return record, errors.New("container has no owning deployment")
	}

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.records.RecordHealthCheck(persistCtx, record); err != nil {
		return record, fmt.Errorf("record health check: %w", err)
	}
	return record, nil
}

// probeEndpoints repeats the probe round until SuccessThreshold consecutive
// rounds pass or the remaining attempts cannot reach it. The returned results
// belong to the round that decided the verdict.
func (s *Service) probeEndpoints(ctx context.Context, addr string, cfg framework.HealthConfig, who owner) ([]domain.EndpointResult, int) {
	if strings.TrimSpace(addr) == "" {
		out := make([]domain.EndpointResult, 0, len(cfg.Paths))
		for _, path := range cfg.Paths {
			out = append(out, domain.EndpointResult{Path: path, Error: "container has no reachable address"})
		}
		return out, 0
	}
	retries := max(cfg.Retries, 1)
	threshold := min(max(cfg.SuccessThreshold, 1), retries)

	var (
		last, lastFailed []domain.EndpointResult
		consecutive      int
		attempts         int
	)
	for attempts < retries {
		attempts++
		last = s.probeRound(ctx, addr, cfg, who)
		if roundPassed(last) {
			consecutive++
			if consecutive >= threshold {
				return last, attempts
			}
		} else {
			consecutive = 0
			lastFailed = last
		}
		if consecutive+(retries-attempts) < threshold {
			break
		}
		if err := retry.Sleep(ctx, s.cfg.AttemptInterval); err != nil {
			break
		}
	}
	if lastFailed != nil {
		return lastFailed, attempts
	}
	out := append([]domain.EndpointResult(nil), last...)
	for i := range out {
		out[i].OK = false
		if out[i].Error == "" {
			out[i].Error = "success threshold not reached"
		}
	}
	return out, attempts
}

func roundPassed(results []domain.EndpointResult) bool {
	if len(results) == 0 {
		return false
	}
	for _, r := range results {
		if !r.OK {
			return false
		}
	}
	return true
}

func (s *Service) probeRound(ctx context.Context, addr string, cfg framework.HealthConfig, who owner) []domain.EndpointResult {
	results := make([]domain.EndpointResult, len(cfg.Paths))
	g, gctx := errgroup.WithContext(ctx)
	for i, path := range cfg.Paths {
		g.Go(func() error {
			results[i] = s.probe(gctx, addr, path, cfg)
			s.emit(who, results[i])
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (s *Service) probe(ctx context.Context, addr, path string, cfg framework.HealthConfig) domain.EndpointResult {
	result := domain.EndpointResult{Path: path}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = fallbackHealth.Timeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := "http://" + addr + path
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	req.Header.Set("User-Agent", "launchpad-health")
	start := time.Now()
	resp, err := s.client.Do(req)
	result.Latency = time.Since(start)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	result.StatusCode = resp.StatusCode
	result.OK = cfg.Allowed(resp.StatusCode)
	if !result.OK {
		result.Error = fmt.Sprintf("unexpected status %d", resp.StatusCode)
	}
	return result
}

func (s *Service) emit(who owner, result domain.EndpointResult) {
	if s.events == nil || who.deploymentID == "" {
		return
	}
	level := "info"
	if !result.OK {
		level = "error"
	}
	event := domain.RuntimeEvent{
		ProjectID:    who.projectID,
		DeploymentID: who.deploymentID,
		Source:       "health",
		Level:        level,
		Method:       http.MethodGet,
		Path:         result.Path,
		OccurredAt:   time.Now().UTC(),
	}
	if result.StatusCode != 0 {
		code := result.StatusCode
		event.StatusCode = &code
	}
	if result.Latency > 0 {
		ms := float64(result.Latency) / float64(time.Millisecond)
		event.LatencyMS = &ms
	}
	s.events.Ingest(event)
}
