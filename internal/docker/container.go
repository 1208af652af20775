package docker

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/go-connections/nat"
)

// Labels stamped on every launchpad container.
const (
	LabelManaged    = "launchpad.managed"
	LabelDeployment = "launchpad.deployment"
	LabelProject    = "launchpad.project"
	LabelFramework  = "launchpad.framework"
	LabelPort       = "launchpad.port"
	LabelNetwork    = "launchpad.network"
)

// Runtime health states reported by the engine.
const (
	HealthNone      = types.NoHealthcheck
	HealthStarting  = types.Starting
	HealthHealthy   = types.Healthy
	HealthUnhealthy = types.Unhealthy
)

// HealthProbe configures the engine-native health check.
type HealthProbe struct {
	Test        []string
	Interval    time.Duration
	Timeout     time.Duration
	StartPeriod time.Duration
	Retries     int
}

// ContainerSpec describes a container to create.
type ContainerSpec struct {
	Name        string
	Image       string
	Cmd         []string
	Env         []string
	Labels      map[string]string
	Port        int
	Network     string
	Aliases     []string
	MemoryBytes int64
	CPUQuota    int64
	CPUPeriod   int64
	Health      *HealthProbe
	PublishPort bool
}

// ContainerState is the subset of inspect data launchpad relies on.
type ContainerState struct {
	ID               string
	Name             string
	Running          bool
	Status           string
	Health           string
	RestartCount     int
	Labels           map[string]string
	Networks         map[string]string
	Address          string
	PublishedAddress string
	MemoryLimit      int64
	CPUQuota         int64
	RestartPolicy    string
	StartedAt        time.Time
}

// CreateContainer creates a container, refusing to run one without resource ceilings.
func (c *Client) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return "", fmt.Errorf("container name cannot be empty")
	}
	if strings.TrimSpace(spec.Image) == "" {
		return "", fmt.Errorf("image name cannot be empty")
	}
	if spec.MemoryBytes <= 0 || spec.CPUQuota <= 0 {
		return "", fmt.Errorf("container %s must have memory and cpu limits", spec.Name)
	}
	port := nat.Port(fmt.Sprintf("%d/tcp", spec.Port))
	config := &container.Config{
		Image:        spec.Image,
		Cmd:          spec.Cmd,
		Env:          spec.Env,
		Labels:       spec.Labels,
		ExposedPorts: nat.PortSet{port: struct{}{}},
	}
	if spec.Health != nil {
		config.Healthcheck = &container.HealthConfig{
			Test:        spec.Health.Test,
			Interval:    spec.Health.Interval,
			Timeout:     spec.Health.Timeout,
			StartPeriod: spec.Health.StartPeriod,
			Retries:     spec.Health.Retries,
		}
	}

	hostCfg := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyAlways},
		Resources: container.Resources{
			Memory:     spec.MemoryBytes,
			MemorySwap: spec.MemoryBytes,
			CPUQuota:   spec.CPUQuota,
			CPUPeriod:  spec.CPUPeriod,
		},
	}
	if spec.PublishPort {
		hostCfg.PortBindings = nat.PortMap{port: []nat.PortBinding{{HostIP: "127.0.0.1"}}}
	}
	var netCfg *network.NetworkingConfig
	if spec.Network != "" {
		hostCfg.NetworkMode = container.NetworkMode(spec.Network)
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				spec.Network: {Aliases: spec.Aliases},
			},
		}
	}

	created, err := c.inner.ContainerCreate(ctx, config, hostCfg, netCfg, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("container create: %w", err)
	}
	return created.ID, nil
}

// StartContainer starts a created container.
func (c *Client) StartContainer(ctx context.Context, id string) error {
	if err := c.inner.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("container start: %w", err)
	}
	return nil
}

// StopContainer stops a container, treating a missing container as stopped.
func (c *Client) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	if err := c.inner.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs}); err != nil {
		return ignoreNotFound("container stop", err)
	}
	return nil
}

// RemoveContainer removes an existing container if it exists.
func (c *Client) RemoveContainer(ctx context.Context, nameOrID string) error {
	if strings.TrimSpace(nameOrID) == "" {
		return fmt.Errorf("container name cannot be empty")
	}
	if err := c.inner.ContainerRemove(ctx, nameOrID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		return ignoreNotFound("remove container", err)
	}
	return nil
}

// InspectContainer returns the container state.
func (c *Client) InspectContainer(ctx context.Context, id string) (ContainerState, error) {
	inspect, err := c.inner.ContainerInspect(ctx, id)
	if err != nil {
		return ContainerState{}, wrapNotFound("container", id, "container inspect", err)
	}
	return stateFromInspect(inspect), nil
}

func stateFromInspect(inspect types.ContainerJSON) ContainerState {
	state := ContainerState{
		ID:       inspect.ID,
		Name:     strings.TrimPrefix(inspect.Name, "/"),
		Health:   HealthNone,
		Networks: map[string]string{},
	}
	if inspect.ContainerJSONBase != nil {
		state.RestartCount = inspect.RestartCount
		if inspect.State != nil {
			state.Running = inspect.State.Running
			state.Status = inspect.State.Status
			if inspect.State.Health != nil && inspect.State.Health.Status != "" {
				state.Health = inspect.State.Health.Status
			}
			if started, err := time.Parse(time.RFC3339Nano, inspect.State.StartedAt); err == nil {
				state.StartedAt = started
			}
		}
		if inspect.HostConfig != nil {
			state.MemoryLimit = inspect.HostConfig.Memory
			state.CPUQuota = inspect.HostConfig.CPUQuota
			state.RestartPolicy = string(inspect.HostConfig.RestartPolicy.Name)
		}
	}
	if inspect.Config != nil {
		state.Labels = inspect.Config.Labels
	}
	port := ""
	if state.Labels != nil {
		port = state.Labels[LabelPort]
	}
	if inspect.NetworkSettings != nil {
		for name, endpoint := range inspect.NetworkSettings.Networks {
			if endpoint != nil && endpoint.IPAddress != "" {
				state.Networks[name] = endpoint.IPAddress
			}
		}
		if port != "" {
			state.PublishedAddress = publishedAddress(inspect.NetworkSettings.Ports, port)
		}
	}
	if port != "" {
		ip := ""
		if preferred := state.Labels[LabelNetwork]; preferred != "" {
			ip = state.Networks[preferred]
		}
		if ip == "" {
			for _, candidate := range state.Networks {
				ip = candidate
				break
			}
		}
		if ip != "" {
			state.Address = net.JoinHostPort(ip, port)
		}
	}
	return state
}

func publishedAddress(ports nat.PortMap, port string) string {
	if _, err := strconv.Atoi(port); err != nil {
		return ""
	}
	for _, binding := range ports[nat.Port(port+"/tcp")] {
		if strings.TrimSpace(binding.HostPort) == "" {
			continue
		}
		host := binding.HostIP
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "127.0.0.1"
		}
		return net.JoinHostPort(host, binding.HostPort)
	}
	return ""
}
