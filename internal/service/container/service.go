// Package container realises a build as a running, resource-bounded container
// on its own bridge network and owns its teardown.
package container

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/splax/launchpad/internal/docker"
	"github.com/splax/launchpad/internal/framework"
	"github.com/splax/launchpad/internal/retry"
)

// Runtime is the subset of the container engine the manager drives.
type Runtime interface {
	BuildImage(ctx context.Context, spec docker.BuildSpec, onOutput docker.BuildOutputCallback) (string, error)
	RemoveImage(ctx context.Context, ref string) error
	CreateNetwork(ctx context.Context, name string, labels map[string]string) (string, error)
	RemoveNetwork(ctx context.Context, id string) error
	ConnectNetwork(ctx context.Context, networkID, containerID string, aliases []string) error
	DisconnectNetwork(ctx context.Context, networkID, containerID string) error
	CreateContainer(ctx context.Context, spec docker.ContainerSpec) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string, timeout time.Duration) error
	RemoveContainer(ctx context.Context, nameOrID string) error
	InspectContainer(ctx context.Context, id string) (docker.ContainerState, error)
	ContainerStats(ctx context.Context, id string) (docker.ResourceUsage, error)
	ContainerLogs(ctx context.Context, id string, tail int, onLine func(stream, line string)) error
}

// Config bounds every container the manager creates.
type Config struct {
	Registry         string
	SharedNetwork    string
	AttachContainers []string
	MemoryMB         int
	CPUPercent       int
	ReadyTimeout     time.Duration
	StopTimeout      time.Duration
	ProbePublished   bool
}

const cpuPeriod = 100000

// Request describes the container to realise.
type Request struct {
	DeploymentID string
	ProjectID    string
	BuildPath    string
	Framework    framework.Spec
	Env          map[string]string
	BuildCommand string
	NodeVersion  string
}

// Result identifies the created resources.
type Result struct {
	ContainerID string
	NetworkID   string
	ImageID     string
	Address     string
}

// Manager creates and tears down deployment containers.
type Manager struct {
	runtime Runtime
	cfg     Config
	logger  *slog.Logger

	locks sync.Map

	mu       sync.Mutex
	cleanups map[string]*time.Timer
}

// New constructs a Manager.
func New(runtime Runtime, cfg Config, logger *slog.Logger) *Manager {
	if cfg.MemoryMB <= 0 {
		cfg.MemoryMB = 512
	}
	if cfg.CPUPercent <= 0 {
		cfg.CPUPercent = 50
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = time.Minute
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 10 * time.Second
	}
	if strings.TrimSpace(cfg.Registry) == "" {
		cfg.Registry = "launchpad"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{runtime: runtime, cfg: cfg, logger: logger, cleanups: map[string]*time.Timer{}}
}

// ContainerName is the engine name of a deployment's container.
func ContainerName(deploymentID string) string { return "lp-" + deploymentID }

// NetworkName is the engine name of a deployment's bridge network.
func NetworkName(deploymentID string) string { return "lp-net-" + deploymentID }

// ImageRef is the image tag of a deployment.
func (m *Manager) ImageRef(deploymentID string) string {
	return strings.TrimSuffix(m.cfg.Registry, "/") + "/" + strings.ToLower(deploymentID) + ":latest"
}

func (m *Manager) lock(deploymentID string) func() {
	v, _ := m.locks.LoadOrStore(deploymentID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Deploy builds the image, creates the network and starts the container. A
// failure part way through removes whatever was created.
func (m *Manager) Deploy(ctx context.Context, req Request, onOutput func(string)) (Result, error) {
	if strings.TrimSpace(req.DeploymentID) == "" {
		return Result{}, errors.New("deployment id is required")
	}
	if strings.TrimSpace(req.BuildPath) == "" {
		return Result{}, errors.New("build path is required")
	}
	unlock := m.lock(req.DeploymentID)
	defer unlock()
	m.CancelCleanup(req.DeploymentID)

	log := m.logger.With("deployment_id", req.DeploymentID, "project_id", req.ProjectID)
	spec := req.Framework
	port := spec.Port
	if port == 0 {
		port = framework.DefaultPort
	}

	envKeys := make([]string, 0, len(req.Env))
	buildArgs := make(map[string]*string, len(req.Env))
	for k, v := range req.Env {
		envKeys = append(envKeys, k)
		buildArgs[k] = &v
	}
	sort.Strings(envKeys)
	labels := map[string]string{
		docker.LabelManaged:    "true",
		docker.LabelDeployment: req.DeploymentID,
		docker.LabelProject:    req.ProjectID,
		docker.LabelFramework:  string(spec.Variant),
		docker.LabelPort:       strconv.Itoa(port),
	}

	dockerfile := spec.Dockerfile(framework.ImageOptions{
		PackageManager: framework.DetectPackageManager(req.BuildPath),
		NodeVersion:    req.NodeVersion,
		BuildCommand:   req.BuildCommand,
		EnvKeys:        envKeys,
	})
	imageRef := m.ImageRef(req.DeploymentID)
	imageID, err := m.runtime.BuildImage(ctx, docker.BuildSpec{
		Dir:        req.BuildPath,
		Dockerfile: dockerfile,
		Tag:        imageRef,
		BuildArgs:  buildArgs,
		Labels:     labels,
	}, onOutput)
	if err != nil {
		return Result{}, fmt.Errorf("build image: %w", err)
	}
	log.Info("image built", "image", imageRef, "image_id", imageID)

	result := Result{ImageID: imageID}
	networkName := NetworkName(req.DeploymentID)
	networkID, err := m.runtime.CreateNetwork(ctx, networkName, labels)
	if err != nil {
		log.Warn("network create failed, using shared network", "network", m.cfg.SharedNetwork, "error", err)
		networkName = m.cfg.SharedNetwork
	} else {
		result.NetworkID = networkID
	}
	labels[docker.LabelNetwork] = networkName

	rollback := func(cause error) (Result, error) {
		m.cleanupResources(context.WithoutCancel(ctx), req.DeploymentID, log)
		return Result{}, cause
	}

	name := ContainerName(req.DeploymentID)
	if err := m.runtime.RemoveContainer(ctx, name); err != nil {
		return rollback(fmt.Errorf("remove stale container: %w", err))
	}
	env := make([]string, 0, len(envKeys)+1)
	for _, k := range envKeys {
		env = append(env, k+"="+req.Env[k])
	}
	env = append(env, "PORT="+strconv.Itoa(port))

	containerID, err := m.runtime.CreateContainer(ctx, docker.ContainerSpec{
		Name:        name,
		Image:       imageRef,
		Env:         env,
		Labels:      labels,
		Port:        port,
		Network:     networkName,
		Aliases:     []string{name},
		MemoryBytes: int64(m.cfg.MemoryMB) * 1024 * 1024,
		CPUQuota:    int64(m.cfg.CPUPercent) * cpuPeriod / 100,
		CPUPeriod:   cpuPeriod,
		PublishPort: m.cfg.ProbePublished,
		Health: &docker.HealthProbe{
			Test:        spec.ProbeCommand(),
			Interval:    10 * time.Second,
			Timeout:     5 * time.Second,
			StartPeriod: 20 * time.Second,
			Retries:     3,
		},
	})
	if err != nil {
		return rollback(fmt.Errorf("create container: %w", err))
	}
	result.ContainerID = containerID

	if result.NetworkID != "" {
		for _, sidecar := range m.cfg.AttachContainers {
			if err := m.runtime.ConnectNetwork(ctx, result.NetworkID, sidecar, nil); err != nil {
				log.Warn("attach sidecar to deployment network failed", "container", sidecar, "error", err)
			}
		}
	}

	if err := m.runtime.StartContainer(ctx, containerID); err != nil {
		return rollback(fmt.Errorf("start container: %w", err))
	}
	state, err := m.runtime.InspectContainer(ctx, containerID)
	if err != nil {
		return rollback(fmt.Errorf("inspect container: %w", err))
	}
	result.Address = state.Address
	log.Info("container started", "container_id", containerID, "network", networkName, "address", state.Address)
	return result, nil
}

// Inspect returns the runtime state of a container.
func (m *Manager) Inspect(ctx context.Context, containerID string) (docker.ContainerState, error) {
	return m.runtime.InspectContainer(ctx, containerID)
}

// Stats samples resource usage of a container.
func (m *Manager) Stats(ctx context.Context, containerID string) (docker.ResourceUsage, error) {
	return m.runtime.ContainerStats(ctx, containerID)
}

// ProbeAddress is the address launchpad itself uses to reach a container.
func (m *Manager) ProbeAddress(state docker.ContainerState) string {
	if m.cfg.ProbePublished && state.PublishedAddress != "" {
		return state.PublishedAddress
	}
	return state.Address
}

// CheckHealth reports the runtime's own health status for a container.
func (m *Manager) CheckHealth(ctx context.Context, containerID string) (string, error) {
	state, err := m.runtime.InspectContainer(ctx, containerID)
	if err != nil {
		return "", err
	}
	if !state.Running {
		return "stopped", nil
	}
	return state.Health, nil
}

// WaitReady blocks until the container runs and its runtime probe is not
// failing, or the ready timeout elapses.
func (m *Manager) WaitReady(ctx context.Context, containerID string) error {
	var last docker.ContainerState
	ready, err := retry.Poll(ctx, retry.Policy{Interval: 500 * time.Millisecond, Timeout: m.cfg.ReadyTimeout}, func(ctx context.Context) (bool, error) {
		state, err := m.runtime.InspectContainer(ctx, containerID)
		if err != nil {
			if errors.Is(err, docker.ErrNotFound) {
				return false, retry.Permanent(err)
			}
			return false, err
		}
		last = state
		return state.Running && (state.Health == docker.HealthNone || state.Health == docker.HealthHealthy), nil
	})
	if err != nil {
		return fmt.Errorf("wait for container %s: %w", containerID, err)
	}
	if !ready {
		err := fmt.Errorf("container %s not ready within %s (status %s, health %s)", containerID, m.cfg.ReadyTimeout, last.Status, last.Health)
		if tail := m.outputTail(ctx, containerID); len(tail) > 0 {
			err = fmt.Errorf("%w; last output: %s", err, strings.Join(tail, " | "))
		}
		return err
	}
	return nil
}

const diagnosticLines = 20

// outputTail returns the last lines a container wrote, for failure reports.
func (m *Manager) outputTail(ctx context.Context, containerID string) []string {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	var lines []string
	err := m.runtime.ContainerLogs(ctx, containerID, diagnosticLines, func(stream, line string) {
		lines = append(lines, line)
	})
	if err != nil {
		m.logger.Warn("container output unavailable", "container_id", containerID, "error", err)
		return nil
	}
	if len(lines) > diagnosticLines {
		lines = lines[len(lines)-diagnosticLines:]
	}
	return lines
}

// Cleanup stops and removes a deployment's container, network and image.
// Failures are logged and returned joined; callers must not treat them as
// deployment failures.
func (m *Manager) Cleanup(ctx context.Context, deploymentID string) error {
	if strings.TrimSpace(deploymentID) == "" {
		return nil
	}
	unlock := m.lock(deploymentID)
	defer unlock()
	m.CancelCleanup(deploymentID)
	return m.cleanupResources(ctx, deploymentID, m.logger.With("deployment_id", deploymentID))
}

func (m *Manager) cleanupResources(ctx context.Context, deploymentID string, log *slog.Logger) error {
	var errs []error
	name := ContainerName(deploymentID)
	network := NetworkName(deploymentID)

	if err := m.runtime.StopContainer(ctx, name, m.cfg.StopTimeout); err != nil {
		errs = append(errs, err)
	}
	if err := m.runtime.RemoveContainer(ctx, name); err != nil {
		errs = append(errs, err)
	}
	for _, sidecar := range m.cfg.AttachContainers {
		if err := m.runtime.DisconnectNetwork(ctx, network, sidecar); err != nil {
			errs = append(errs, err)
		}
	}
	if err := m.runtime.RemoveNetwork(ctx, network); err != nil {
		errs = append(errs, err)
	}
	if err := m.runtime.RemoveImage(ctx, m.ImageRef(deploymentID)); err != nil {
		errs = append(errs, err)
	}
	err := errors.Join(errs...)
	if err != nil {
		log.Warn("cleanup incomplete", "error", err)
	} else {
		log.Info("deployment resources removed")
	}
	return err
}

// ScheduleCleanup tears the deployment down after delay unless cancelled.
// onDone, when set, runs after the cleanup attempt.
func (m *Manager) ScheduleCleanup(deploymentID string, delay time.Duration, onDone func(error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.cleanups[deploymentID]; ok {
		existing.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		if m.cleanups[deploymentID] != timer {
			m.mu.Unlock()
			return
		}
		delete(m.cleanups, deploymentID)
		m.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		err := m.Cleanup(ctx, deploymentID)
		if onDone != nil {
			onDone(err)
		}
	})
	m.cleanups[deploymentID] = timer
	m.logger.Info("cleanup scheduled", "deployment_id", deploymentID, "after", delay)
}

// CancelCleanup stops a pending scheduled cleanup. It reports whether one was pending.
func (m *Manager) CancelCleanup(deploymentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	timer, ok := m.cleanups[deploymentID]
	if !ok {
		return false
	}
	delete(m.cleanups, deploymentID)
	return timer.Stop()
}

// PendingCleanups lists deployments with a scheduled teardown.
func (m *Manager) PendingCleanups() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.cleanups))
	for id := range m.cleanups {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Close cancels every pending scheduled cleanup.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, timer := range m.cleanups {
		timer.Stop()
		delete(m.cleanups, id)
	}
}
