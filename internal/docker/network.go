package docker

import (
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
)

// CreateNetwork creates a bridge network and returns its id.
func (c *Client) CreateNetwork(ctx context.Context, name string, labels map[string]string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("network name cannot be empty")
	}
	resp, err := c.inner.NetworkCreate(ctx, name, network.CreateOptions{
		Driver: "bridge",
		Labels: labels,
	})
	if err != nil {
		return "", fmt.Errorf("network create: %w", err)
	}
	return resp.ID, nil
}

// RemoveNetwork removes a network, ignoring networks that are already gone.
func (c *Client) RemoveNetwork(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return nil
	}
	return ignoreNotFound("network remove", c.inner.NetworkRemove(ctx, id))
}

// ConnectNetwork attaches a container to a network.
func (c *Client) ConnectNetwork(ctx context.Context, networkID, containerID string, aliases []string) error {
	err := c.inner.NetworkConnect(ctx, networkID, containerID, &network.EndpointSettings{Aliases: aliases})
	if err != nil && !strings.Contains(strings.ToLower(err.Error()), "already exists") {
		return fmt.Errorf("network connect %s: %w", containerID, err)
	}
	return nil
}

// DisconnectNetwork detaches a container from a network.
func (c *Client) DisconnectNetwork(ctx context.Context, networkID, containerID string) error {
	if err := c.inner.NetworkDisconnect(ctx, networkID, containerID, true); err != nil {
		if client.IsErrNotFound(err) || strings.Contains(strings.ToLower(err.Error()), "is not connected") {
			return nil
		}
		return fmt.Errorf("network disconnect %s: %w", containerID, err)
	}
	return nil
}
