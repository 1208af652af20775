package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/splax/launchpad/internal/domain"
	"github.com/splax/launchpad/internal/framework"
	"github.com/splax/launchpad/internal/metrics"
	"github.com/splax/launchpad/internal/retry"
	"github.com/splax/launchpad/internal/service/bluegreen"
	"github.com/splax/launchpad/internal/service/build"
	"github.com/splax/launchpad/internal/service/domains"
)

// execute runs detection through promotion for one queued deployment.
func (o *Orchestrator) execute(ctx context.Context, j *job) error {
	dep := j.dep
	log := o.logger.With("deployment_id", dep.ID, "project_id", dep.ProjectID)
	started := time.Now()

	contents, err := framework.Inspect(j.archive)
	if err != nil {
		return o.fail(ctx, dep, StageDetect, nil, fmt.Errorf("%w: %v", ErrInvalidArchive, err))
	}
	spec, err := framework.Detect(contents)
	if err != nil {
		return o.fail(ctx, dep, StageDetect, nil, err)
	}
	dep.Framework = string(spec.Variant)
	o.note(ctx, dep.ID, string(StageDetect), "info", "detected framework "+dep.Framework)

	if err := framework.Validate(spec, contents); err != nil {
		return o.fail(ctx, dep, StageValidate, nil, err)
	}

	manifest := contents.Manifest
	if manifest == nil {
		manifest = &framework.Manifest{}
	}
	if strings.TrimSpace(j.opts.Strategy) == "" && manifest.Strategy != "" {
		dep.Strategy = domain.ParseStrategy(manifest.Strategy, dep.Strategy)
	}
	strategy, ok := o.deps.Strategies[dep.Strategy]
	if !ok {
		return o.fail(ctx, dep, StageValidate, nil, &framework.ValidationError{Variant: spec.Variant, Problems: []string{fmt.Sprintf("strategy %q is not available", dep.Strategy)}})
	}
	env := make(map[string]string, len(manifest.Env)+len(j.opts.Env))
	maps.Copy(env, manifest.Env)
	maps.Copy(env, j.opts.Env)
	dep.Env = env

	dep.Status = domain.StatusBuilding
	o.persist(ctx, dep)
	defer func() {
		if err := o.deps.Builder.Release(dep.ID); err != nil {
			log.Warn("release build workspace failed", "error", err)
		}
	}()
	result, err := o.deps.Builder.Build(ctx, build.Request{
		DeploymentID: dep.ID,
		Archive:      j.archive,
		Framework:    spec,
		Env:          env,
		BuildCommand: dep.BuildCommand,
		Production:   true,
	}, func(stage build.Stage, line string) {
		o.note(ctx, dep.ID, string(stage), "info", line)
	})
	if err != nil {
		return o.fail(ctx, dep, StageBuild, nil, err)
	}
	dep.BuildTime = result.BuildTime
	dep.CacheKey = result.CacheKey
	if result.CacheHit {
		o.note(ctx, dep.ID, string(StageBuild), "info", "reused cached build output")
	}
	o.persist(ctx, dep)

	cut, err := strategy.Deploy(ctx, bluegreen.Request{
		Deployment:  dep,
		Build:       result,
		Framework:   spec,
		NodeVersion: dep.RuntimeVersion,
		OnOutput:    o.deps.Logs.Writer(ctx, dep.ID, string(StageContainer), "info"),
	})
	if err != nil {
		return o.fail(ctx, dep, StageContainer, nil, err)
	}

	host, err := o.deps.Domains.Provision(ctx, dep.ProjectID, dep.ID)
	if err != nil {
		return o.fail(ctx, dep, StageDomain, cut, err)
	}
	dep.URL = host.URL
	o.persist(ctx, dep)

	if err := o.configureEdge(ctx, dep.ProjectID, spec, manifest); err != nil {
		return o.fail(ctx, dep, StageEdge, cut, err)
	}

	if err := o.verify(ctx, cut.Green, spec, host); err != nil {
		return o.fail(ctx, dep, StageVerify, cut, err)
	}

	previous, err := o.promote(ctx, dep)
	if err != nil {
		return o.fail(ctx, dep, StagePromote, cut, err)
	}
	o.supersede(ctx, dep.ProjectID, dep.ID, previous)

	metrics.DeploymentFinished(string(dep.Strategy), "succeeded")
	o.note(ctx, dep.ID, string(StagePromote), "info", fmt.Sprintf("deployment live at %s", dep.URL))
	log.Info("deployment promoted", "url", dep.URL, "previous_deployment_id", previous, "duration", time.Since(started))
	return nil
}

// fail marks the deployment FAILED, records cause in its log sequence and
// reverts the cutover when traffic may have moved. Detection, validation and
// build errors are returned unwrapped so callers can match their types.
func (o *Orchestrator) fail(ctx context.Context, dep *domain.Deployment, stage Stage, cut *bluegreen.Cutover, cause error) error {
	ctx = context.WithoutCancel(ctx)
	log := o.logger.With("deployment_id", dep.ID, "project_id", dep.ProjectID, "stage", stage)
	if cut != nil {
		cause = cut.Revert(ctx, cause)
	} else if stage == StageContainer {
		if err := o.deps.Containers.Cleanup(ctx, dep.ID); err != nil {
			log.Warn("cleanup after failure incomplete", "error", err)
		}
	}

	dep.Status = domain.StatusFailed
	dep.Error = cause.Error()
	o.persist(ctx, dep)
	var buildErr *build.BuildError
	if errors.As(cause, &buildErr) {
		for _, line := range buildErr.Logs {
			o.note(ctx, dep.ID, string(buildErr.Stage), "error", line)
		}
	}
	o.note(ctx, dep.ID, string(stage), "error", cause.Error())
	metrics.DeploymentFinished(string(dep.Strategy), "failed")
	log.Warn("deployment failed", "error", cause)

	switch stage {
	case StageQueue, StageDetect, StageValidate, StageBuild:
		return cause
	default:
		return &DeployError{Stage: stage, DeploymentID: dep.ID, Err: cause}
	}
}

func (o *Orchestrator) persist(ctx context.Context, dep *domain.Deployment) {
	if err := o.deps.Store.UpdateDeployment(context.WithoutCancel(ctx), dep); err != nil {
		o.logger.Warn("persist deployment failed", "deployment_id", dep.ID, "error", err)
	}
}

// configureEdge applies cache rules and WAF rules, preferring the project's
// launchpad.yaml over framework defaults.
func (o *Orchestrator) configureEdge(ctx context.Context, projectID string, spec framework.Spec, manifest *framework.Manifest) error {
	if o.deps.CDN != nil {
		rules := spec.CacheRules
		if len(manifest.CDN) > 0 {
			rules = manifest.CDN
		}
		if err := o.deps.CDN.Configure(ctx, projectID, rules); err != nil {
			return fmt.Errorf("configure cdn: %w", err)
		}
	}
	if o.deps.WAF != nil {
		rules := framework.DefaultWAFRules()
		if len(manifest.WAF) > 0 {
			rules = manifest.WAF
		}
		limit := framework.DefaultRateLimit()
		if manifest.RateLimit != nil {
			limit = *manifest.RateLimit
		}
		if err := o.deps.WAF.ApplyRules(ctx, projectID, rules, limit); err != nil {
			return fmt.Errorf("apply waf rules: %w", err)
		}
	}
	return nil
}

// verify requests the liveness path from the new container with the
// provisioned hostname, a fixed number of times with a fixed delay.
func (o *Orchestrator) verify(ctx context.Context, green domain.Environment, spec framework.Spec, host domains.Domain) error {
	addr := green.Address
	if state, err := o.deps.Containers.Inspect(ctx, green.ContainerID); err == nil {
		addr = o.deps.Containers.ProbeAddress(state)
	}
	if addr == "" {
		return errors.New("new environment has no reachable address")
	}
	url := "http://" + addr + spec.LivenessPath
	return retry.Do(ctx, retry.Policy{Interval: o.cfg.VerifyDelay, Attempts: o.cfg.VerifyAttempts}, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return retry.Permanent(err)
		}
		req.Host = host.Hostname
		req.Header.Set("User-Agent", "launchpad-verify")
		resp, err := o.client.Do(req)
		if err != nil {
			return fmt.Errorf("verify %s: %w", host.URL, err)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		if !spec.Health.Allowed(resp.StatusCode) {
			return fmt.Errorf("verify %s: unexpected status %d", host.URL, resp.StatusCode)
		}
		return nil
	})
}

// promote swaps the production pointer under the project lock. It returns
// the deployment that was production before.
func (o *Orchestrator) promote(ctx context.Context, dep *domain.Deployment) (string, error) {
	lockCtx, cancel := context.WithTimeout(ctx, o.cfg.LockTimeout)
	defer cancel()
	unlock, err := o.deps.Locker.Lock(lockCtx, "project:"+dep.ProjectID, o.cfg.LockTTL)
	if err != nil {
		return "", fmt.Errorf("lock project: %w", err)
	}
	defer unlock()

	project, err := o.deps.Store.GetProject(ctx, dep.ProjectID)
	if err != nil {
		return "", fmt.Errorf("load project: %w", err)
	}
	previous := project.ProductionDeploymentID
	if err := o.deps.Store.SetProductionDeployment(ctx, dep.ProjectID, previous, dep.ID); err != nil {
		return "", fmt.Errorf("set production deployment: %w", err)
	}
	return previous, nil
}

// supersede stamps the replaced deployment and schedules teardown of every
// other DEPLOYED deployment of the project that is not already pending.
func (o *Orchestrator) supersede(ctx context.Context, projectID, current, previous string) {
	ctx = context.WithoutCancel(ctx)
	log := o.logger.With("project_id", projectID)
	deployments, err := o.deps.Store.ListDeploymentsByProject(ctx, projectID, 0)
	if err != nil {
		log.Warn("list deployments for teardown failed", "error", err)
		return
	}
	pending := o.deps.Containers.PendingCleanups()
	now := time.Now().UTC()
	for i := range deployments {
		d := &deployments[i]
		if d.ID == current || d.Status != domain.StatusDeployed || d.TornDownAt != nil {
			continue
		}
		if d.SupersededAt == nil {
			d.SupersededAt = &now
			o.persist(ctx, d)
		}
		if slices.Contains(pending, d.ID) {
			continue
		}
		o.scheduleTeardown(projectID, d.ID)
		if d.ID != previous {
			log.Info("stale deployment scheduled for teardown", "deployment_id", d.ID)
		}
	}
}

func (o *Orchestrator) scheduleTeardown(projectID, deploymentID string) {
	o.deps.Containers.ScheduleCleanup(deploymentID, o.cfg.RetentionWindow, func(err error) {
		if o.deps.Retirer != nil {
			o.deps.Retirer.Retired(context.Background(), projectID, deploymentID, err)
		}
	})
}
