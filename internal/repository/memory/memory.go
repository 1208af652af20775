// Package memory provides an in-process record store for tests and single-node development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/splax/launchpad/internal/domain"
	"github.com/splax/launchpad/internal/repository"
)

// Store keeps records in maps guarded by a single mutex.
type Store struct {
	mu          sync.Mutex
	projects    map[string]*domain.Project
	deployments map[string]*domain.Deployment
	health      map[string][]domain.HealthCheckRecord
	created     []string
	nextHealth  int64
	now         func() time.Time
}

var _ repository.Store = (*Store)(nil)

// New constructs an empty Store.
func New() *Store {
	return &Store{
		projects:    make(map[string]*domain.Project),
		deployments: make(map[string]*domain.Deployment),
		health:      make(map[string][]domain.HealthCheckRecord),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// EnsureProject returns the project, creating it on first use.
func (s *Store) EnsureProject(_ context.Context, projectID string) (*domain.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.projects[projectID]; ok {
		cp := *p
		return &cp, nil
	}
	now := s.now()
	p := &domain.Project{ID: projectID, Name: projectID, CreatedAt: now, UpdatedAt: now}
	s.projects[projectID] = p
	cp := *p
	return &cp, nil
}

// GetProject fetches a project by id.
func (s *Store) GetProject(_ context.Context, projectID string) (*domain.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[projectID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// SetProductionDeployment performs the pointer compare-and-swap.
func (s *Store) SetProductionDeployment(_ context.Context, projectID, expected, next string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[projectID]
	if !ok {
		return repository.ErrNotFound
	}
	if p.ProductionDeploymentID != expected {
		return repository.ErrConflict
	}
	p.PreviousDeploymentID = p.ProductionDeploymentID
	p.ProductionDeploymentID = next
	p.UpdatedAt = s.now()
	return nil
}

// CreateDeployment inserts a deployment.
func (s *Store) CreateDeployment(_ context.Context, d *domain.Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.deployments[d.ID]; exists {
		return repository.ErrConflict
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.now()
	}
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = d.CreatedAt
	}
	s.deployments[d.ID] = cloneDeployment(d)
	s.created = append(s.created, d.ID)
	return nil
}

// GetDeployment fetches a deployment by id.
func (s *Store) GetDeployment(_ context.Context, id string) (*domain.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deployments[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneDeployment(d), nil
}

// UpdateDeployment replaces the stored deployment. Log lines appended
// concurrently through AppendDeploymentLog and the health snapshot written by
// RecordHealthCheck are preserved.
func (s *Store) UpdateDeployment(_ context.Context, d *domain.Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.deployments[d.ID]
	if !ok {
		return repository.ErrNotFound
	}
	updated := cloneDeployment(d)
	if len(existing.BuildLogs) > len(updated.BuildLogs) {
		updated.BuildLogs = append([]domain.LogEntry(nil), existing.BuildLogs...)
	}
	updated.LastHealth = existing.LastHealth
	updated.HealthCheckedAt = existing.HealthCheckedAt
	updated.UpdatedAt = s.now()
	s.deployments[d.ID] = updated
	return nil
}

// AppendDeploymentLog adds an entry to the deployment's log sequence.
func (s *Store) AppendDeploymentLog(_ context.Context, deploymentID string, entry domain.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deployments[deploymentID]
	if !ok {
		return repository.ErrNotFound
	}
	d.BuildLogs = append(d.BuildLogs, entry)
	return nil
}

// ListDeploymentsByProject returns deployments newest first. Equal creation
// times keep insertion order, newest first. A limit of zero lists everything.
func (s *Store) ListDeploymentsByProject(_ context.Context, projectID string, limit int) ([]domain.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Deployment, 0)
	for i := len(s.created) - 1; i >= 0; i-- {
		if d := s.deployments[s.created[i]]; d.ProjectID == projectID {
			out = append(out, *cloneDeployment(d))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RecordHealthCheck stores a verdict and copies its snapshot onto the deployment.
func (s *Store) RecordHealthCheck(_ context.Context, record domain.HealthCheckRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextHealth++
	record.ID = s.nextHealth
	record.Endpoints = append([]domain.EndpointResult(nil), record.Endpoints...)
	s.health[record.DeploymentID] = append(s.health[record.DeploymentID], record)
	if d, ok := s.deployments[record.DeploymentID]; ok {
		checkedAt := record.CheckedAt
		d.LastHealth = record.Snapshot()
		d.HealthCheckedAt = &checkedAt
	}
	return nil
}

// ListHealthChecks returns verdicts newest first.
func (s *Store) ListHealthChecks(_ context.Context, deploymentID string, limit int) ([]domain.HealthCheckRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := s.health[deploymentID]
	out := make([]domain.HealthCheckRecord, 0, len(records))
	for i := len(records) - 1; i >= 0; i-- {
		out = append(out, records[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func cloneDeployment(d *domain.Deployment) *domain.Deployment {
	cp := *d
	cp.BuildLogs = append([]domain.LogEntry(nil), d.BuildLogs...)
	cp.Stages = append([]domain.DeploymentStage(nil), d.Stages...)
	for i := range cp.Stages {
		cp.Stages[i].Steps = append([]int(nil), d.Stages[i].Steps...)
	}
	if d.Env != nil {
		cp.Env = make(map[string]string, len(d.Env))
		for k, v := range d.Env {
			cp.Env[k] = v
		}
	}
	if d.LastHealth != nil {
		h := *d.LastHealth
		cp.LastHealth = &h
	}
	return &cp
}
