// Package telemetry aggregates request events per deployment and turns them
// into the traffic metrics the staged rollout gates on.
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/splax/launchpad/internal/domain"
	"github.com/splax/launchpad/internal/ws"
)

const defaultRetention = 15 * time.Minute

// Broadcaster receives encoded runtime events for streaming clients.
type Broadcaster interface {
	Broadcast(topic string, payload []byte)
}

// Service ingests runtime events and maintains rollups.
type Service struct {
	aggregator *rollupAggregator
	span       time.Duration
	retention  time.Duration
	hub        Broadcaster
	logger     *slog.Logger
	now        func() time.Time
}

// NewService constructs a Service. hub may be nil.
func NewService(span time.Duration, hub Broadcaster, logger *slog.Logger) *Service {
	if span <= 0 {
		span = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	now := time.Now
	return &Service{
		aggregator: newRollupAggregator(span, 0, now().UnixNano()),
		span:       span,
		retention:  defaultRetention,
		hub:        hub,
		logger:     logger.With("component", "telemetry"),
		now:        now,
	}
}

// Ingest folds an event into the rollups without validation.
func (s *Service) Ingest(event domain.RuntimeEvent) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = s.now().UTC()
	} else {
		event.OccurredAt = event.OccurredAt.UTC()
	}
	s.aggregator.add(event)
	s.broadcast(event)
}

// Accept validates an externally reported event before ingesting it.
func (s *Service) Accept(event domain.RuntimeEvent) error {
	event.DeploymentID = strings.TrimSpace(event.DeploymentID)
	if event.DeploymentID == "" {
		return errors.New("deployment_id required")
	}
	if event.StatusCode != nil && (*event.StatusCode < 100 || *event.StatusCode > 599) {
		return errors.New("status_code out of range")
	}
	if event.LatencyMS != nil && *event.LatencyMS < 0 {
		return errors.New("latency_ms must not be negative")
	}
	if strings.TrimSpace(event.Source) == "" {
		event.Source = "runtime"
	}
	s.Ingest(event)
	return nil
}

// Window aggregates a deployment's events since the given time.
func (s *Service) Window(deploymentID string, since time.Time) domain.RuntimeMetricRollup {
	return s.aggregator.window(deploymentID, since)
}

// Rollups lists the retained per-bucket rollups of a deployment.
func (s *Service) Rollups(deploymentID string) []domain.RuntimeMetricRollup {
	return s.aggregator.rollups(deploymentID)
}

// Forget drops every rollup of a torn down deployment.
func (s *Service) Forget(deploymentID string) {
	s.aggregator.forget(deploymentID)
}

// Run prunes expired buckets until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.span)
	defer ticker.Stop()
	s.logger.Info("telemetry started", "bucket_span", s.span, "retention", s.retention)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("telemetry stopped")
			return
		case <-ticker.C:
			if dropped := s.aggregator.pruneBefore(s.now().Add(-s.retention)); dropped > 0 {
				s.logger.Debug("pruned runtime buckets", "count", dropped)
			}
		}
	}
}

func (s *Service) broadcast(event domain.RuntimeEvent) {
	if s.hub == nil || event.DeploymentID == "" {
		return
	}
	payload, err := MarshalRuntimeEvent(event)
	if err != nil {
		s.logger.Warn("failed to marshal runtime event", "error", err)
		return
	}
	s.hub.Broadcast(ws.RuntimeTopic(event.DeploymentID), payload)
}

// MarshalRuntimeEvent encodes a runtime event for streaming clients.
func MarshalRuntimeEvent(event domain.RuntimeEvent) ([]byte, error) {
	payload := map[string]any{
		"project_id":    event.ProjectID,
		"deployment_id": event.DeploymentID,
		"source":        event.Source,
		"level":         event.Level,
		"method":        event.Method,
		"path":          event.Path,
		"status_code":   event.StatusCode,
		"latency_ms":    event.LatencyMS,
		"occurred_at":   event.OccurredAt.UTC().Format(time.RFC3339Nano),
	}
	return json.Marshal(payload)
}
