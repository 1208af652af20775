// Package fake provides an in-memory container engine for tests.
package fake

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/splax/launchpad/internal/docker"
)

type container struct {
	id      string
	spec    docker.ContainerSpec
	running bool
	removed bool
}

// Runtime records every call and serves deterministic state.
type Runtime struct {
	mu sync.Mutex

	containers map[string]*container
	networks   map[string]string
	images     map[string]bool
	connected  map[string][]string
	seq        int

	// Addresses maps deployment ids to the address reported by inspect.
	Addresses map[string]string
	// DefaultAddress is reported for deployments without an entry in Addresses.
	DefaultAddress string
	// Health maps deployment ids to the runtime probe status. Defaults to healthy.
	Health map[string]string
	// Usage maps deployment ids to stats samples.
	Usage map[string]docker.ResourceUsage
	// Output maps deployment ids to the lines their containers wrote.
	Output map[string][]string

	FailNetwork error
	FailBuild   error
	FailStart   error

	Created []docker.ContainerSpec
	Built   []docker.BuildSpec
	Removed []string
}

// NewRuntime returns an empty fake engine.
func NewRuntime() *Runtime {
	return &Runtime{
		containers: map[string]*container{},
		networks:   map[string]string{},
		images:     map[string]bool{},
		connected:  map[string][]string{},
		Addresses:  map[string]string{},
		Health:     map[string]string{},
		Usage:      map[string]docker.ResourceUsage{},
		Output:     map[string][]string{},
	}
}

func (r *Runtime) nextID(prefix string) string {
	r.seq++
	return fmt.Sprintf("%s-%d", prefix, r.seq)
}

func (r *Runtime) lookup(nameOrID string) *container {
	if c, ok := r.containers[nameOrID]; ok {
		return c
	}
	for _, c := range r.containers {
		if c.id == nameOrID {
			return c
		}
	}
	return nil
}

func (r *Runtime) BuildImage(_ context.Context, spec docker.BuildSpec, onOutput docker.BuildOutputCallback) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailBuild != nil {
		return "", r.FailBuild
	}
	r.Built = append(r.Built, spec)
	r.images[spec.Tag] = true
	if onOutput != nil {
		onOutput("Successfully tagged " + spec.Tag)
	}
	return "sha256:" + r.nextID("img"), nil
}

func (r *Runtime) RemoveImage(_ context.Context, ref string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.images, ref)
	return nil
}

func (r *Runtime) CreateNetwork(_ context.Context, name string, _ map[string]string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailNetwork != nil {
		return "", r.FailNetwork
	}
	id := r.nextID("net")
	r.networks[name] = id
	return id, nil
}

func (r *Runtime) RemoveNetwork(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, nid := range r.networks {
		if name == id || nid == id {
			delete(r.networks, name)
		}
	}
	return nil
}

func (r *Runtime) networkID(nameOrID string) string {
	if id, ok := r.networks[nameOrID]; ok {
		return id
	}
	return nameOrID
}

func (r *Runtime) ConnectNetwork(_ context.Context, networkID, containerID string, _ []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	networkID = r.networkID(networkID)
	r.connected[networkID] = append(r.connected[networkID], containerID)
	return nil
}

func (r *Runtime) DisconnectNetwork(_ context.Context, networkID, containerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	networkID = r.networkID(networkID)
	list := r.connected[networkID]
	for i, id := range list {
		if id == containerID {
			r.connected[networkID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	return nil
}

func (r *Runtime) CreateContainer(_ context.Context, spec docker.ContainerSpec) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if spec.MemoryBytes <= 0 || spec.CPUQuota <= 0 {
		return "", fmt.Errorf("container %s must have memory and cpu limits", spec.Name)
	}
	if c, ok := r.containers[spec.Name]; ok && !c.removed {
		return "", fmt.Errorf("container name %s already in use", spec.Name)
	}
	c := &container{id: r.nextID("ctr"), spec: spec}
	r.containers[spec.Name] = c
	r.Created = append(r.Created, spec)
	return c.id, nil
}

func (r *Runtime) StartContainer(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailStart != nil {
		return r.FailStart
	}
	c := r.lookup(id)
	if c == nil || c.removed {
		return fmt.Errorf("container %s: %w", id, docker.ErrNotFound)
	}
	c.running = true
	return nil
}

func (r *Runtime) StopContainer(_ context.Context, id string, _ time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c := r.lookup(id); c != nil {
		c.running = false
	}
	return nil
}

func (r *Runtime) RemoveContainer(_ context.Context, nameOrID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.lookup(nameOrID)
	if c == nil || c.removed {
		return nil
	}
	c.running = false
	c.removed = true
	delete(r.containers, c.spec.Name)
	r.Removed = append(r.Removed, c.spec.Name)
	return nil
}

func (r *Runtime) InspectContainer(_ context.Context, id string) (docker.ContainerState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.lookup(id)
	if c == nil || c.removed {
		return docker.ContainerState{}, fmt.Errorf("container %s: %w", id, docker.ErrNotFound)
	}
	deploymentID := c.spec.Labels[docker.LabelDeployment]
	health := docker.HealthHealthy
	if h, ok := r.Health[deploymentID]; ok {
		health = h
	}
	addr := r.Addresses[deploymentID]
	if addr == "" {
		addr = r.DefaultAddress
	}
	if addr == "" {
		addr = fmt.Sprintf("10.0.0.%d:%d", r.seq, c.spec.Port)
	}
	return docker.ContainerState{
		ID:            c.id,
		Name:          c.spec.Name,
		Running:       c.running,
		Status:        map[bool]string{true: "running", false: "created"}[c.running],
		Health:        health,
		Labels:        c.spec.Labels,
		Address:       addr,
		MemoryLimit:   c.spec.MemoryBytes,
		CPUQuota:      c.spec.CPUQuota,
		RestartPolicy: "always",
	}, nil
}

func (r *Runtime) ContainerStats(_ context.Context, id string) (docker.ResourceUsage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.lookup(id)
	if c == nil || c.removed {
		return docker.ResourceUsage{}, fmt.Errorf("container %s: %w", id, docker.ErrNotFound)
	}
	return r.Usage[c.spec.Labels[docker.LabelDeployment]], nil
}

func (r *Runtime) ContainerLogs(_ context.Context, id string, tail int, onLine func(stream, line string)) error {
	r.mu.Lock()
	c := r.lookup(id)
	if c == nil || c.removed {
		r.mu.Unlock()
		return fmt.Errorf("container %s: %w", id, docker.ErrNotFound)
	}
	lines := r.Output[c.spec.Labels[docker.LabelDeployment]]
	r.mu.Unlock()
	if tail > 0 && len(lines) > tail {
		lines = lines[len(lines)-tail:]
	}
	for _, line := range lines {
		onLine("stdout", line)
	}
	return nil
}

// SetUsage replaces the stats sample for a deployment.
func (r *Runtime) SetUsage(deploymentID string, usage docker.ResourceUsage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Usage[deploymentID] = usage
}

// SetHealth replaces the runtime probe status for a deployment.
func (r *Runtime) SetHealth(deploymentID, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Health[deploymentID] = status
}

// SetAddress replaces the address reported for a deployment.
func (r *Runtime) SetAddress(deploymentID, addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Addresses[deploymentID] = addr
}

// Running lists the names of running containers.
func (r *Runtime) Running() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for name, c := range r.containers {
		if c.running && !c.removed {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// HasNetwork reports whether a network with name exists.
func (r *Runtime) HasNetwork(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.networks[name]
	return ok
}

// HasImage reports whether an image tag exists.
func (r *Runtime) HasImage(tag string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.images[tag]
}

// Connected lists containers attached to a network id.
func (r *Runtime) Connected(networkID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.connected[networkID]...)
}
