// Package orchestrator drives a deployment from uploaded archive to promoted
// production traffic target, one deployment at a time per project.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/splax/launchpad/internal/docker"
	"github.com/splax/launchpad/internal/domain"
	"github.com/splax/launchpad/internal/lock"
	"github.com/splax/launchpad/internal/repository"
	"github.com/splax/launchpad/internal/service/artifact"
	"github.com/splax/launchpad/internal/service/bluegreen"
	"github.com/splax/launchpad/internal/service/build"
	"github.com/splax/launchpad/internal/service/domains"
)

// Builder runs the build pipeline.
type Builder interface {
	Build(ctx context.Context, req build.Request, onLog build.LogFunc) (domain.BuildResult, error)
	Release(deploymentID string) error
}

// Strategy stands a deployment up and cuts traffic over to it.
type Strategy interface {
	Deploy(ctx context.Context, req bluegreen.Request) (*bluegreen.Cutover, error)
}

// Containers is the container lifecycle the orchestrator touches directly.
type Containers interface {
	Inspect(ctx context.Context, containerID string) (docker.ContainerState, error)
	ProbeAddress(state docker.ContainerState) string
	Cleanup(ctx context.Context, deploymentID string) error
	ScheduleCleanup(deploymentID string, delay time.Duration, onDone func(error))
	CancelCleanup(deploymentID string) bool
	PendingCleanups() []string
}

// Router assigns weighted backends to a project.
type Router interface {
	Route(ctx context.Context, projectID string, backends []domain.Backend) error
	Current(projectID string) []domain.Backend
}

// CDN configures edge caching for a project.
type CDN interface {
	Configure(ctx context.Context, projectID string, rules []domain.CacheRule) error
}

// WAF configures request filtering for a project.
type WAF interface {
	ApplyRules(ctx context.Context, projectID string, rules []domain.WAFRule, limit domain.RateLimit) error
}

// Domains provisions hostnames for deployments.
type Domains interface {
	Provision(ctx context.Context, projectID, deploymentID string) (domains.Domain, error)
}

// Retirer records a finished teardown of a superseded deployment.
type Retirer interface {
	Retired(ctx context.Context, projectID, deploymentID string, cleanupErr error)
}

// Logs appends to a deployment's log sequence.
type Logs interface {
	Append(ctx context.Context, deploymentID string, entry domain.LogEntry) error
	Writer(ctx context.Context, deploymentID, stage, level string) func(string)
}

// Deps are the collaborators the orchestrator drives.
type Deps struct {
	Store      repository.Store
	Artifacts  artifact.Store
	Builder    Builder
	Strategies map[domain.Strategy]Strategy
	Containers Containers
	Router     Router
	CDN        CDN
	WAF        WAF
	Domains    Domains
	Retirer    Retirer
	Locker     lock.Locker
	Logs       Logs
}

// Config tunes the orchestrator.
type Config struct {
	DefaultStrategy domain.Strategy
	RetentionWindow time.Duration
	RollbackWindow  time.Duration
	VerifyAttempts  int
	VerifyDelay     time.Duration
	VerifyTimeout   time.Duration
	LockTTL         time.Duration
	LockTimeout     time.Duration
	MaxArchiveBytes int64
}

// Options carry caller-provided deployment metadata.
type Options struct {
	Strategy       string
	Version        string
	Commit         string
	Branch         string
	BuildCommand   string
	RuntimeVersion string
	Env            map[string]string
}

// Result is returned by a successful deployment.
type Result struct {
	DeploymentID string
	URL          string
	Status       domain.DeploymentStatus
}

type job struct {
	dep     *domain.Deployment
	archive []byte
	opts    Options
	done    chan error
}

// Orchestrator serialises deployments per project and runs independent
// projects in parallel.
type Orchestrator struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger
	client *http.Client

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	queues map[string][]*job
	closed bool
	wg     sync.WaitGroup
}

// New constructs an Orchestrator. A nil Locker falls back to an in-process
// lock and nil Logs append straight to the store without streaming.
func New(deps Deps, cfg Config, logger *slog.Logger) (*Orchestrator, error) {
	if deps.Store == nil || deps.Artifacts == nil || deps.Builder == nil || deps.Containers == nil || deps.Router == nil || deps.Domains == nil {
		return nil, errors.New("orchestrator: store, artifacts, builder, containers, router and domains are required")
	}
	if len(deps.Strategies) == 0 {
		return nil, errors.New("orchestrator: at least one strategy is required")
	}
	if cfg.DefaultStrategy == "" {
		cfg.DefaultStrategy = domain.StrategyRolling
	}
	if _, ok := deps.Strategies[cfg.DefaultStrategy]; !ok {
		return nil, fmt.Errorf("orchestrator: default strategy %q is not configured", cfg.DefaultStrategy)
	}
	if cfg.VerifyAttempts <= 0 {
		cfg.VerifyAttempts = 5
	}
	if cfg.VerifyDelay <= 0 {
		cfg.VerifyDelay = 2 * time.Second
	}
	if cfg.VerifyTimeout <= 0 {
		cfg.VerifyTimeout = 5 * time.Second
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = time.Minute
	}
	if deps.Locker == nil {
		deps.Locker = lock.NewMemory()
	}
	if deps.Logs == nil {
		deps.Logs = storeLogs{store: deps.Store}
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		deps:   deps,
		cfg:    cfg,
		logger: logger.With("component", "orchestrator"),
		client: &http.Client{
			Timeout: cfg.VerifyTimeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		ctx:    ctx,
		cancel: cancel,
		queues: make(map[string][]*job),
	}, nil
}

// Submit records a QUEUED deployment, stores its archive and enqueues it
// behind any deployment already running for the project.
func (o *Orchestrator) Submit(ctx context.Context, projectID string, archive []byte, opts Options) (*domain.Deployment, error) {
	j, err := o.submit(ctx, projectID, archive, opts)
	if err != nil {
		return nil, err
	}
	return o.deps.Store.GetDeployment(ctx, j.dep.ID)
}

// Deploy submits the archive and waits for the outcome. When ctx ends first
// the deployment keeps running and ctx.Err() is returned with its id.
func (o *Orchestrator) Deploy(ctx context.Context, projectID string, archive []byte, opts Options) (Result, error) {
	j, err := o.submit(ctx, projectID, archive, opts)
	if err != nil {
		return Result{}, err
	}
	select {
	case err := <-j.done:
		res := Result{DeploymentID: j.dep.ID}
		if dep, getErr := o.deps.Store.GetDeployment(context.WithoutCancel(ctx), j.dep.ID); getErr == nil {
			res.URL = dep.URL
			res.Status = dep.Status
		}
		return res, err
	case <-ctx.Done():
		return Result{DeploymentID: j.dep.ID, Status: domain.StatusQueued}, ctx.Err()
	}
}

// Status returns the current record of a deployment.
func (o *Orchestrator) Status(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	return o.deps.Store.GetDeployment(ctx, deploymentID)
}

// Deployments lists a project's deployments, newest first.
func (o *Orchestrator) Deployments(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error) {
	return o.deps.Store.ListDeploymentsByProject(ctx, projectID, limit)
}

// Close stops accepting work, cancels running deployments and waits for the
// workers to drain.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.cancel()
	o.wg.Wait()
}

func (o *Orchestrator) submit(ctx context.Context, projectID string, archive []byte, opts Options) (*job, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, errors.New("project id is required")
	}
	if len(archive) == 0 {
		return nil, errors.New("archive is empty")
	}
	if o.cfg.MaxArchiveBytes > 0 && int64(len(archive)) > o.cfg.MaxArchiveBytes {
		return nil, fmt.Errorf("archive exceeds %d bytes", o.cfg.MaxArchiveBytes)
	}
	if o.isClosed() {
		return nil, ErrClosed
	}
	if _, err := o.deps.Store.EnsureProject(ctx, projectID); err != nil {
		return nil, fmt.Errorf("ensure project: %w", err)
	}

	now := time.Now().UTC()
	dep := &domain.Deployment{
		ID:             uuid.NewString(),
		ProjectID:      projectID,
		Version:        opts.Version,
		Commit:         opts.Commit,
		Branch:         opts.Branch,
		BuildCommand:   opts.BuildCommand,
		RuntimeVersion: opts.RuntimeVersion,
		Strategy:       domain.ParseStrategy(opts.Strategy, o.cfg.DefaultStrategy),
		Status:         domain.StatusQueued,
		Env:            opts.Env,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := o.deps.Store.CreateDeployment(ctx, dep); err != nil {
		return nil, fmt.Errorf("create deployment: %w", err)
	}
	log := o.logger.With("deployment_id", dep.ID, "project_id", projectID)

	ref, err := o.deps.Artifacts.Store(ctx, projectID, archive)
	if err != nil {
		return nil, o.fail(ctx, dep, StageQueue, nil, fmt.Errorf("store archive: %w", err))
	}
	dep.ArtifactRef = ref.String()
	if err := o.deps.Store.UpdateDeployment(ctx, dep); err != nil {
		log.Warn("persist artifact reference failed", "error", err)
	}

	o.note(ctx, dep.ID, string(StageQueue), "info", fmt.Sprintf("deployment queued (strategy %s, artifact %s)", dep.Strategy, ref.Key))
	log.Info("deployment queued", "strategy", dep.Strategy, "artifact", ref.Key)

	// The worker owns dep from here on.
	j := &job{dep: dep, archive: archive, opts: opts, done: make(chan error, 1)}
	if err := o.enqueue(j); err != nil {
		return nil, o.fail(ctx, dep, StageQueue, nil, err)
	}
	return j, nil
}

func (o *Orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

func (o *Orchestrator) enqueue(j *job) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	projectID := j.dep.ProjectID
	pending, running := o.queues[projectID]
	o.queues[projectID] = append(pending, j)
	if !running {
		o.wg.Add(1)
		go o.work(projectID)
	}
	return nil
}

// work drains one project's queue. The queue entry stays in the map while a
// worker owns it.
func (o *Orchestrator) work(projectID string) {
	defer o.wg.Done()
	for {
		o.mu.Lock()
		pending := o.queues[projectID]
		if len(pending) == 0 {
			delete(o.queues, projectID)
			o.mu.Unlock()
			return
		}
		j := pending[0]
		pending[0] = nil
		o.queues[projectID] = pending[1:]
		o.mu.Unlock()

		j.done <- o.execute(o.ctx, j)
		close(j.done)
	}
}

// note appends a line to the deployment's log sequence.
func (o *Orchestrator) note(ctx context.Context, deploymentID, stage, level, message string) {
	entry := domain.LogEntry{Level: level, Stage: stage, Message: message}
	if err := o.deps.Logs.Append(context.WithoutCancel(ctx), deploymentID, entry); err != nil {
		o.logger.Warn("append deployment log failed", "deployment_id", deploymentID, "error", err)
	}
}

type storeLogs struct {
	store repository.DeploymentRepository
}

func (l storeLogs) Append(ctx context.Context, deploymentID string, entry domain.LogEntry) error {
	if entry.Time.IsZero() {
		entry.Time = time.Now().UTC()
	}
	return l.store.AppendDeploymentLog(ctx, deploymentID, entry)
}

func (l storeLogs) Writer(ctx context.Context, deploymentID, stage, level string) func(string) {
	return func(line string) {
		if strings.TrimSpace(line) != "" {
			_ = l.Append(ctx, deploymentID, domain.LogEntry{Level: level, Stage: stage, Message: line})
		}
	}
}
