// Package bluegreen stands a new deployment up next to the one serving
// production and cuts traffic over only once the new one proves healthy.
package bluegreen

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/splax/launchpad/internal/docker"
	"github.com/splax/launchpad/internal/domain"
	"github.com/splax/launchpad/internal/framework"
	"github.com/splax/launchpad/internal/repository"
	"github.com/splax/launchpad/internal/retry"
	"github.com/splax/launchpad/internal/service/container"
)

// Containers is the container manager surface the deployer drives.
type Containers interface {
	Deploy(ctx context.Context, req container.Request, onOutput func(string)) (container.Result, error)
	WaitReady(ctx context.Context, containerID string) error
	Inspect(ctx context.Context, containerID string) (docker.ContainerState, error)
	ProbeAddress(state docker.ContainerState) string
	Cleanup(ctx context.Context, deploymentID string) error
	ScheduleCleanup(deploymentID string, delay time.Duration, onDone func(error))
	CancelCleanup(deploymentID string) bool
}

// HealthChecker produces the health verdict that gates a cutover.
type HealthChecker interface {
	WaitForHealthy(ctx context.Context, containerID string, timeout time.Duration) bool
}

// Router assigns weighted traffic to a project's deployments.
type Router interface {
	Route(ctx context.Context, projectID string, backends []domain.Backend) error
	Current(projectID string) []domain.Backend
}

// Records is the slice of the record store the deployer reads and writes.
type Records interface {
	GetProject(ctx context.Context, projectID string) (*domain.Project, error)
	GetDeployment(ctx context.Context, id string) (*domain.Deployment, error)
	UpdateDeployment(ctx context.Context, deployment *domain.Deployment) error
}

// Config bounds the deployer's waits.
type Config struct {
	RetentionWindow time.Duration
	HealthTimeout   time.Duration
	WarmupAttempts  int
	WarmupInterval  time.Duration
	WarmupTimeout   time.Duration
}

// Request describes the deployment to stand up.
type Request struct {
	Deployment  *domain.Deployment
	Build       domain.BuildResult
	Framework   framework.Spec
	NodeVersion string
	OnOutput    func(string)
}

// Deployer runs blue/green cutovers.
type Deployer struct {
	containers Containers
	health     HealthChecker
	router     Router
	records    Records
	cfg        Config
	logger     *slog.Logger
	client     *http.Client

	teardown []func(deploymentID string)
}

// New constructs a Deployer.
func New(containers Containers, health HealthChecker, router Router, records Records, cfg Config, logger *slog.Logger) *Deployer {
	if cfg.RetentionWindow <= 0 {
		cfg.RetentionWindow = 5 * time.Minute
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = 2 * time.Minute
	}
	if cfg.WarmupAttempts <= 0 {
		cfg.WarmupAttempts = 5
	}
	if cfg.WarmupInterval <= 0 {
		cfg.WarmupInterval = time.Second
	}
	if cfg.WarmupTimeout <= 0 {
		cfg.WarmupTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Deployer{
		containers: containers,
		health:     health,
		router:     router,
		records:    records,
		cfg:        cfg,
		logger:     logger.With("component", "bluegreen"),
		client:     &http.Client{Timeout: cfg.WarmupTimeout},
	}
}

// OnTeardown registers fn to run after a deployment's environment is torn
// down, either on failure or when it retires. Register before deploying.
func (d *Deployer) OnTeardown(fn func(deploymentID string)) {
	d.teardown = append(d.teardown, fn)
}

func (d *Deployer) tornDown(deploymentID string) {
	for _, fn := range d.teardown {
		fn(deploymentID)
	}
}

// RetentionWindow is how long a superseded environment stays allocated.
func (d *Deployer) RetentionWindow() time.Duration { return d.cfg.RetentionWindow }

// Deploy stands green up, routes all traffic to it and schedules blue's
// teardown after the retention window. On failure production traffic is left
// on blue, the deployment is marked FAILED and green is torn down.
func (d *Deployer) Deploy(ctx context.Context, req Request) (*Cutover, error) {
	cut, err := d.Prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := cut.Finalize(ctx); err != nil {
		return nil, err
	}
	return cut, nil
}

// Prepare resolves blue, stands green up and warms it without moving any
// traffic. A failure marks the deployment FAILED and removes green.
func (d *Deployer) Prepare(ctx context.Context, req Request) (*Cutover, error) {
	dep := req.Deployment
	if dep == nil {
		return nil, errors.New("deployment is required")
	}
	log := d.logger.With("deployment_id", dep.ID, "project_id", dep.ProjectID)

	blue, err := d.resolveBlue(ctx, dep.ProjectID)
	if err != nil {
		return nil, d.fail(ctx, dep, nil, fmt.Errorf("resolve production environment: %w", err))
	}
	cut := &Cutover{
		deployer:   d,
		deployment: dep,
		Blue:       blue,
		Green:      domain.Environment{Name: domain.EnvironmentGreen, DeploymentID: dep.ID, Status: domain.EnvironmentCreating},
		previous:   d.router.Current(dep.ProjectID),
	}
	if blue.None() {
		log.Info("first deployment for project, no blue environment")
	} else {
		log.Info("blue environment resolved", "blue_deployment_id", blue.DeploymentID)
	}

	result, err := d.containers.Deploy(ctx, container.Request{
		DeploymentID: dep.ID,
		ProjectID:    dep.ProjectID,
		BuildPath:    req.Build.OutputPath,
		Framework:    req.Framework,
		Env:          req.Build.Env,
		BuildCommand: dep.BuildCommand,
		NodeVersion:  req.NodeVersion,
	}, req.OnOutput)
	if err != nil {
		return nil, d.fail(ctx, dep, nil, fmt.Errorf("create green environment: %w", err))
	}
	cut.Green.ContainerID = result.ContainerID
	cut.Green.NetworkID = result.NetworkID
	cut.Green.ImageID = result.ImageID
	cut.Green.Address = result.Address
	dep.ContainerID = result.ContainerID
	dep.NetworkID = result.NetworkID
	dep.ImageID = result.ImageID
	dep.Port = req.Framework.Port
	if err := d.records.UpdateDeployment(ctx, dep); err != nil {
		log.Warn("persist container ids failed", "error", err)
	}

	if err := d.warm(ctx, cut.Green, req.Framework); err != nil {
		return nil, d.fail(ctx, dep, cut, fmt.Errorf("warm green environment: %w", err))
	}
	if !d.health.WaitForHealthy(ctx, cut.Green.ContainerID, d.cfg.HealthTimeout) {
		return nil, d.fail(ctx, dep, cut, fmt.Errorf("green environment failed health verification within %s", d.cfg.HealthTimeout))
	}
	cut.Green.Status = domain.EnvironmentRunning
	log.Info("green environment ready", "container_id", cut.Green.ContainerID, "address", cut.Green.Address)
	return cut, nil
}

func (d *Deployer) resolveBlue(ctx context.Context, projectID string) (domain.Environment, error) {
	blue := domain.Environment{Name: domain.EnvironmentBlue}
	project, err := d.records.GetProject(ctx, projectID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return blue, nil
		}
		return blue, err
	}
	if project.ProductionDeploymentID == "" {
		return blue, nil
	}
	current, err := d.records.GetDeployment(ctx, project.ProductionDeploymentID)
	if err != nil {
		return blue, err
	}
	blue.DeploymentID = current.ID
	blue.ContainerID = current.ContainerID
	blue.NetworkID = current.NetworkID
	blue.ImageID = current.ImageID
	blue.Status = domain.EnvironmentRunning
	for _, b := range d.router.Current(projectID) {
		if b.DeploymentID == current.ID {
			blue.Address = b.Address
		}
	}
	if blue.Address == "" && blue.ContainerID != "" {
		state, err := d.containers.Inspect(ctx, blue.ContainerID)
		if err != nil {
			d.logger.Warn("blue container not inspectable", "deployment_id", current.ID, "error", err)
			blue.Status = domain.EnvironmentFailed
		} else {
			blue.Address = state.Address
		}
	}
	return blue, nil
}

// warm waits for readiness and requires a 2xx from the root and liveness
// paths. Connection errors are retried; any non-2xx answer fails at once.
func (d *Deployer) warm(ctx context.Context, env domain.Environment, spec framework.Spec) error {
	if err := d.containers.WaitReady(ctx, env.ContainerID); err != nil {
		return err
	}
	state, err := d.containers.Inspect(ctx, env.ContainerID)
	if err != nil {
		return err
	}
	addr := d.containers.ProbeAddress(state)
	if addr == "" {
		return errors.New("green container has no reachable address")
	}
	paths := []string{"/"}
	if spec.LivenessPath != "" && spec.LivenessPath != "/" {
		paths = append(paths, spec.LivenessPath)
	}
	for _, path := range paths {
		err := retry.Do(ctx, retry.Policy{Interval: d.cfg.WarmupInterval, Attempts: d.cfg.WarmupAttempts}, func(ctx context.Context) error {
			return d.warmRequest(ctx, addr, path)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (d *Deployer) warmRequest(ctx context.Context, addr, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+path, nil)
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("User-Agent", "launchpad-warmup")
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("warm-up GET %s: %w", path, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return retry.Permanent(fmt.Errorf("warm-up GET %s returned %d", path, resp.StatusCode))
	}
	return nil
}

// fail marks the deployment FAILED, restores blue's routing when a cutover
// had started and tears green down immediately.
func (d *Deployer) fail(ctx context.Context, dep *domain.Deployment, cut *Cutover, cause error) error {
	ctx = context.WithoutCancel(ctx)
	log := d.logger.With("deployment_id", dep.ID, "project_id", dep.ProjectID)
	if cut != nil {
		cut.restoreTraffic(ctx)
	}
	if err := d.containers.Cleanup(ctx, dep.ID); err != nil {
		log.Warn("green teardown incomplete", "error", err)
	}
	d.tornDown(dep.ID)
	dep.Status = domain.StatusFailed
	dep.Error = cause.Error()
	if err := d.records.UpdateDeployment(ctx, dep); err != nil {
		log.Warn("persist failed status", "error", err)
	}
	log.Warn("blue/green deployment failed", "error", cause)
	return cause
}

// retire schedules teardown of a superseded deployment and records when it
// happened.
func (d *Deployer) retire(projectID, deploymentID string) {
	d.containers.ScheduleCleanup(deploymentID, d.cfg.RetentionWindow, func(err error) {
		d.Retired(context.Background(), projectID, deploymentID, err)
	})
}

// Retired records a finished teardown: the deployment is stamped TornDownAt
// and dropped from the project's preview routing.
func (d *Deployer) Retired(ctx context.Context, projectID, deploymentID string, cleanupErr error) {
	log := d.logger.With("deployment_id", deploymentID, "project_id", projectID)
	if cleanupErr != nil {
		log.Warn("retired environment teardown incomplete", "error", cleanupErr)
	}
	d.tornDown(deploymentID)
	current := d.router.Current(projectID)
	kept := slices.DeleteFunc(slices.Clone(current), func(b domain.Backend) bool {
		return b.DeploymentID == deploymentID && b.Weight == 0
	})
	if len(kept) != len(current) {
		if err := d.router.Route(ctx, projectID, kept); err != nil {
			log.Warn("drop retired backend failed", "error", err)
		}
	}
	dep, err := d.records.GetDeployment(ctx, deploymentID)
	if err != nil {
		log.Warn("load retired deployment failed", "error", err)
		return
	}
	now := time.Now().UTC()
	dep.TornDownAt = &now
	if dep.SupersededAt == nil {
		dep.SupersededAt = &now
	}
	if err := d.records.UpdateDeployment(ctx, dep); err != nil {
		log.Warn("persist teardown failed", "error", err)
		return
	}
	log.Info("retired environment torn down")
}

// Cutover tracks one blue/green transition so it can be shifted, committed
// or reverted.
type Cutover struct {
	Blue  domain.Environment
	Green domain.Environment

	deployer   *Deployer
	deployment *domain.Deployment
	previous   []domain.Backend

	mu        sync.Mutex
	weight    int
	committed bool
	retiring  bool
	reverted  bool
}

// Deployment returns the record the cutover promotes.
func (c *Cutover) Deployment() *domain.Deployment { return c.deployment }

// Weight is the share of traffic green currently receives.
func (c *Cutover) Weight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.weight
}

// Shift routes weight percent of the project's traffic to green and the rest
// to blue. Without a blue environment green takes all traffic regardless of
// weight. At 100 blue stays registered with weight zero.
func (c *Cutover) Shift(ctx context.Context, weight int) error {
	if weight < 0 || weight > 100 {
		return fmt.Errorf("traffic weight %d out of range", weight)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reverted {
		return errors.New("cutover already reverted")
	}
	projectID := c.deployment.ProjectID
	green := domain.Backend{DeploymentID: c.Green.DeploymentID, ContainerID: c.Green.ContainerID, Address: c.Green.Address, Weight: weight}
	var backends []domain.Backend
	if c.Blue.None() || c.Blue.Address == "" {
		green.Weight = 100
		backends = []domain.Backend{green}
	} else {
		blue := domain.Backend{DeploymentID: c.Blue.DeploymentID, ContainerID: c.Blue.ContainerID, Address: c.Blue.Address, Weight: 100 - weight}
		backends = []domain.Backend{blue, green}
	}
	if err := c.deployer.router.Route(ctx, projectID, backends); err != nil {
		return fmt.Errorf("route %d%% to green: %w", weight, err)
	}
	c.weight = weight
	c.deployer.logger.Info("traffic shifted", "deployment_id", c.Green.DeploymentID, "project_id", projectID, "weight", weight)
	return nil
}

// Commit routes all traffic to green and marks the deployment DEPLOYED.
func (c *Cutover) Commit(ctx context.Context) error {
	if c.Weight() != 100 {
		if err := c.Shift(ctx, 100); err != nil {
			return c.Revert(ctx, err)
		}
	}
	c.mu.Lock()
	c.committed = true
	c.mu.Unlock()

	dep := c.deployment
	dep.Status = domain.StatusDeployed
	dep.Error = ""
	if err := c.deployer.records.UpdateDeployment(ctx, dep); err != nil {
		return c.Revert(ctx, fmt.Errorf("persist deployed status: %w", err))
	}
	return nil
}

// Retire schedules blue's teardown after the retention window. Blue stays
// allocated, and revertible, until then.
func (c *Cutover) Retire() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Blue.None() || c.retiring || c.reverted {
		return
	}
	c.retiring = true
	c.deployer.retire(c.deployment.ProjectID, c.Blue.DeploymentID)
}

// Finalize commits the cutover and retires blue.
func (c *Cutover) Finalize(ctx context.Context) error {
	if err := c.Commit(ctx); err != nil {
		return err
	}
	c.Retire()
	return nil
}

// Revert puts traffic back where it was before the cutover, keeps blue
// allocated, tears green down and marks the deployment FAILED with cause.
// It returns cause so callers can propagate it.
func (c *Cutover) Revert(ctx context.Context, cause error) error {
	if cause == nil {
		cause = errors.New("cutover reverted")
	}
	c.mu.Lock()
	if c.reverted {
		c.mu.Unlock()
		return cause
	}
	c.reverted = true
	retiring := c.retiring
	c.mu.Unlock()

	if retiring && !c.deployer.containers.CancelCleanup(c.Blue.DeploymentID) {
		c.deployer.logger.Warn("blue teardown already ran, revert target may be gone", "blue_deployment_id", c.Blue.DeploymentID)
	}
	return c.deployer.fail(ctx, c.deployment, c, cause)
}

// restoreTraffic re-applies the routing captured before the cutover.
func (c *Cutover) restoreTraffic(ctx context.Context) {
	projectID := c.deployment.ProjectID
	backends := slices.DeleteFunc(slices.Clone(c.previous), func(b domain.Backend) bool {
		return b.DeploymentID == c.Green.DeploymentID
	})
	backends = normalize(backends)
	if slices.Equal(backends, c.deployer.router.Current(projectID)) {
		return
	}
	if err := c.deployer.router.Route(ctx, projectID, backends); err != nil {
		c.deployer.logger.Error("restore blue routing failed", "project_id", projectID, "error", err)
		return
	}
	c.mu.Lock()
	c.weight = 0
	c.mu.Unlock()
	c.deployer.logger.Info("traffic restored", "project_id", projectID, "backends", describe(backends))
}

// normalize gives the whole share to the heaviest backend when entries were
// dropped from a previous assignment.
func normalize(backends []domain.Backend) []domain.Backend {
	if len(backends) == 0 {
		return nil
	}
	total, heaviest := 0, 0
	for i, b := range backends {
		total += b.Weight
		if b.Weight > backends[heaviest].Weight {
			heaviest = i
		}
	}
	if total != 100 {
		backends[heaviest].Weight += 100 - total
	}
	return backends
}

func describe(backends []domain.Backend) string {
	parts := make([]string, 0, len(backends))
	for _, b := range backends {
		parts = append(parts, fmt.Sprintf("%s=%d", b.DeploymentID, b.Weight))
	}
	return strings.Join(parts, ",")
}
