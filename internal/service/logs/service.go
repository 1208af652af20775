package logs

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/splax/launchpad/internal/domain"
	"github.com/splax/launchpad/internal/repository"
)

// Broadcaster fans payloads out to stream subscribers.
type Broadcaster interface {
	Broadcast(topic string, payload []byte)
}

// Service handles deployment log persistence and streaming.
type Service struct {
	repo   repository.DeploymentRepository
	hub    Broadcaster
	logger *slog.Logger
}

// New constructs a log service. hub may be nil.
func New(repo repository.DeploymentRepository, hub Broadcaster, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, hub: hub, logger: logger}
}

// Append stores and broadcasts a log entry for the deployment.
func (s *Service) Append(ctx context.Context, deploymentID string, entry domain.LogEntry) error {
	if entry.Time.IsZero() {
		entry.Time = time.Now()
	}
	entry.Time = entry.Time.UTC()
	if entry.Level == "" {
		entry.Level = "info"
	}
	entry.Message = strings.TrimRight(entry.Message, "\r\n")
	if err := s.repo.AppendDeploymentLog(ctx, deploymentID, entry); err != nil {
		return err
	}
	s.broadcast(deploymentID, entry)
	return nil
}

// Writer returns a function that appends lines tagged with stage. Failures
// are logged and never interrupt the caller.
func (s *Service) Writer(ctx context.Context, deploymentID, stage, level string) func(string) {
	return func(line string) {
		if strings.TrimSpace(line) == "" {
			return
		}
		if err := s.Append(ctx, deploymentID, domain.LogEntry{Level: level, Stage: stage, Message: line}); err != nil {
			s.logger.Warn("append deployment log failed", "deployment_id", deploymentID, "error", err)
		}
	}
}

// List returns the log sequence of a deployment starting at offset.
func (s *Service) List(ctx context.Context, deploymentID string, offset int) ([]domain.LogEntry, error) {
	dep, err := s.repo.GetDeployment(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	if offset < 0 || offset >= len(dep.BuildLogs) {
		return []domain.LogEntry{}, nil
	}
	return dep.BuildLogs[offset:], nil
}

func (s *Service) broadcast(deploymentID string, entry domain.LogEntry) {
	if s.hub == nil {
		return
	}
	data, err := MarshalEntry(deploymentID, entry)
	if err != nil {
		s.logger.Warn("failed to marshal log payload", "error", err)
		return
	}
	s.hub.Broadcast(deploymentID, data)
}

// MarshalEntry formats a deployment log entry for streaming payloads.
func MarshalEntry(deploymentID string, entry domain.LogEntry) ([]byte, error) {
	payload := map[string]any{
		"deployment_id": deploymentID,
		"level":         entry.Level,
		"stage":         entry.Stage,
		"message":       entry.Message,
		"time":          entry.Time.Format(time.RFC3339Nano),
	}
	return json.Marshal(payload)
}
