package docker

import (
	"context"
	"errors"
	"fmt"

	"github.com/docker/docker/client"
)

// Client is the launchpad view of a Docker daemon: image builds, container
// lifecycle, networks, stats and logs.
type Client struct {
	inner *client.Client
}

// New connects to host, or to the daemon named by DOCKER_HOST when host is empty.
func New(host string) (*Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Client{inner: inner}, nil
}

// Ping fails unless the daemon answers and runs linux containers.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.inner == nil {
		return errors.New("docker client not initialized")
	}
	ping, err := c.inner.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	if ping.OSType != "" && ping.OSType != "linux" {
		return fmt.Errorf("docker daemon runs %s containers, linux required", ping.OSType)
	}
	return nil
}

// ServerVersion reports the daemon and negotiated API versions.
func (c *Client) ServerVersion(ctx context.Context) (daemon, api string, err error) {
	v, err := c.inner.ServerVersion(ctx)
	if err != nil {
		return "", "", fmt.Errorf("docker version: %w", err)
	}
	return v.Version, c.inner.ClientVersion(), nil
}

// Kill sends signal to a container. The edge proxy reloads on SIGHUP.
func (c *Client) Kill(ctx context.Context, container, signal string) error {
	if err := c.inner.ContainerKill(ctx, container, signal); err != nil {
		return wrapNotFound("container", container, "signal container "+container, err)
	}
	return nil
}

// Close releases the daemon connection.
func (c *Client) Close() error {
	if c == nil || c.inner == nil {
		return nil
	}
	return c.inner.Close()
}
