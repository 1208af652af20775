package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/splax/launchpad/internal/domain"
	"github.com/splax/launchpad/internal/service/artifact"
)

// Rollback points production back at the project's previous deployment while
// its environment is still retained. The rolled-back deployment keeps a zero
// weight backend and is torn down after the retention window.
func (o *Orchestrator) Rollback(ctx context.Context, projectID string) (Result, error) {
	lockCtx, cancel := context.WithTimeout(ctx, o.cfg.LockTimeout)
	defer cancel()
	unlock, err := o.deps.Locker.Lock(lockCtx, "project:"+projectID, o.cfg.LockTTL)
	if err != nil {
		return Result{}, fmt.Errorf("lock project: %w", err)
	}
	defer unlock()

	project, err := o.deps.Store.GetProject(ctx, projectID)
	if err != nil {
		return Result{}, err
	}
	if project.PreviousDeploymentID == "" {
		return Result{}, ErrNoRollbackTarget
	}
	target, err := o.deps.Store.GetDeployment(ctx, project.PreviousDeploymentID)
	if err != nil {
		return Result{}, fmt.Errorf("load previous deployment: %w", err)
	}
	if target.Status != domain.StatusDeployed || target.TornDownAt != nil {
		return Result{}, ErrRollbackUnavailable
	}
	if o.cfg.RollbackWindow > 0 && target.SupersededAt != nil && time.Since(*target.SupersededAt) > o.cfg.RollbackWindow {
		return Result{}, fmt.Errorf("%w: superseded %s ago", ErrRollbackUnavailable, time.Since(*target.SupersededAt).Round(time.Second))
	}
	log := o.logger.With("project_id", projectID, "deployment_id", target.ID, "from_deployment_id", project.ProductionDeploymentID)

	wasPending := o.deps.Containers.CancelCleanup(target.ID)
	restore := func() {
		if wasPending {
			o.scheduleTeardown(projectID, target.ID)
		}
	}
	state, err := o.deps.Containers.Inspect(ctx, target.ContainerID)
	if err != nil || !state.Running {
		restore()
		if err == nil {
			err = errors.New("container is not running")
		}
		return Result{}, fmt.Errorf("%w: %v", ErrRollbackUnavailable, err)
	}

	before := o.deps.Router.Current(projectID)
	backends := []domain.Backend{{DeploymentID: target.ID, ContainerID: target.ContainerID, Address: state.Address, Weight: 100}}
	for _, b := range before {
		if b.DeploymentID == project.ProductionDeploymentID {
			b.Weight = 0
			backends = append(backends, b)
		}
	}
	if err := o.deps.Router.Route(ctx, projectID, backends); err != nil {
		restore()
		return Result{}, fmt.Errorf("route to previous deployment: %w", err)
	}
	if err := o.deps.Store.SetProductionDeployment(ctx, projectID, project.ProductionDeploymentID, target.ID); err != nil {
		if routeErr := o.deps.Router.Route(context.WithoutCancel(ctx), projectID, before); routeErr != nil {
			log.Error("restore routing after failed rollback", "error", routeErr)
		}
		restore()
		return Result{}, fmt.Errorf("set production deployment: %w", err)
	}

	target.SupersededAt = nil
	o.persist(ctx, target)
	o.note(ctx, target.ID, "rollback", "info", "production traffic restored to this deployment")
	if replaced := project.ProductionDeploymentID; replaced != "" {
		if dep, err := o.deps.Store.GetDeployment(ctx, replaced); err == nil {
			now := time.Now().UTC()
			dep.SupersededAt = &now
			o.persist(ctx, dep)
		}
		o.note(ctx, replaced, "rollback", "warn", "rolled back to deployment "+target.ID)
		o.scheduleTeardown(projectID, replaced)
	}
	log.Info("rolled back")
	return Result{DeploymentID: target.ID, URL: target.URL, Status: target.Status}, nil
}

// Redeploy queues a new deployment built from the stored archive of an
// earlier one, with the same metadata.
func (o *Orchestrator) Redeploy(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	source, err := o.deps.Store.GetDeployment(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	ref, err := artifact.ParseReference(source.ArtifactRef)
	if err != nil {
		return nil, fmt.Errorf("deployment %s has no usable artifact: %w", deploymentID, err)
	}
	data, err := o.deps.Artifacts.Fetch(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("fetch artifact: %w", err)
	}
	return o.Submit(ctx, source.ProjectID, data, Options{
		Strategy:       string(source.Strategy),
		Version:        source.Version,
		Commit:         source.Commit,
		Branch:         source.Branch,
		BuildCommand:   source.BuildCommand,
		RuntimeVersion: source.RuntimeVersion,
		Env:            source.Env,
	})
}
