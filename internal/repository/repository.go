package repository

import (
	"context"

	"github.com/splax/launchpad/internal/domain"
)

// ProjectRepository manages projects and their production pointer.
type ProjectRepository interface {
	EnsureProject(ctx context.Context, projectID string) (*domain.Project, error)
	GetProject(ctx context.Context, projectID string) (*domain.Project, error)
	// SetProductionDeployment swaps the production pointer from expected to next.
	// It returns ErrConflict when the stored pointer no longer equals expected.
	SetProductionDeployment(ctx context.Context, projectID, expected, next string) error
}

// DeploymentRepository handles deployment records.
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	GetDeployment(ctx context.Context, id string) (*domain.Deployment, error)
	UpdateDeployment(ctx context.Context, deployment *domain.Deployment) error
	AppendDeploymentLog(ctx context.Context, deploymentID string, entry domain.LogEntry) error
	// ListDeploymentsByProject lists newest first. A limit of zero or less
	// lists every deployment of the project.
	ListDeploymentsByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error)
}

// HealthCheckRepository persists health verdicts.
type HealthCheckRepository interface {
	RecordHealthCheck(ctx context.Context, record domain.HealthCheckRecord) error
	ListHealthChecks(ctx context.Context, deploymentID string, limit int) ([]domain.HealthCheckRecord, error)
}

// Store is the full record store consumed by the orchestrator.
type Store interface {
	ProjectRepository
	DeploymentRepository
	HealthCheckRepository
}
