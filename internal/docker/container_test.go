package docker

import (
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/go-connections/nat"
)

func TestStateFromInspect(t *testing.T) {
	inspect := types.ContainerJSON{
		ContainerJSONBase: &types.ContainerJSONBase{
			ID:   "abc",
			Name: "/lp-dep-1",
			State: &types.ContainerState{
				Running: true,
				Status:  "running",
				Health:  &types.Health{Status: types.Healthy},
			},
			HostConfig: &container.HostConfig{
				RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyAlways},
				Resources:     container.Resources{Memory: 512 << 20, CPUQuota: 50000},
			},
		},
		Config: &container.Config{Labels: map[string]string{
			LabelPort:    "3000",
			LabelNetwork: "lp-net-dep-1",
		}},
		NetworkSettings: &types.NetworkSettings{
			NetworkSettingsBase: types.NetworkSettingsBase{
				Ports: nat.PortMap{"3000/tcp": []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: "49153"}}},
			},
			Networks: map[string]*network.EndpointSettings{
				"bridge":       {IPAddress: "172.17.0.5"},
				"lp-net-dep-1": {IPAddress: "172.30.0.2"},
			},
		},
	}

	state := stateFromInspect(inspect)
	if state.Name != "lp-dep-1" || !state.Running || state.Health != HealthHealthy {
		t.Fatalf("unexpected state %+v", state)
	}
	if state.Address != "172.30.0.2:3000" {
		t.Fatalf("expected deployment network address, got %q", state.Address)
	}
	if state.PublishedAddress != "127.0.0.1:49153" {
		t.Fatalf("expected published loopback address, got %q", state.PublishedAddress)
	}
	if state.MemoryLimit == 0 || state.CPUQuota == 0 || state.RestartPolicy != "always" {
		t.Fatalf("expected limits and restart policy, got %+v", state)
	}
}

func TestStateFromInspectWithoutHealthcheck(t *testing.T) {
	state := stateFromInspect(types.ContainerJSON{
		ContainerJSONBase: &types.ContainerJSONBase{State: &types.ContainerState{Running: true}},
	})
	if state.Health != HealthNone {
		t.Fatalf("expected none health without a probe, got %q", state.Health)
	}
}
