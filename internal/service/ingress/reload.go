package ingress

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/splax/launchpad/internal/docker"
)

// Reloader asks the edge proxy to pick up new configuration.
type Reloader interface {
	Reload(ctx context.Context) error
}

// Signaler delivers a signal to a named container.
type Signaler interface {
	Kill(ctx context.Context, container, signal string) error
}

// dockerReloader triggers nginx reloads by signalling its container.
type dockerReloader struct {
	signaler  Signaler
	container string
}

// NewDockerReloader reloads nginx running in container by sending it SIGHUP.
func NewDockerReloader(signaler Signaler, container string) (Reloader, error) {
	container = strings.TrimSpace(container)
	if container == "" {
		return nil, fmt.Errorf("container name required")
	}
	if signaler == nil {
		return nil, fmt.Errorf("docker client required")
	}
	return &dockerReloader{signaler: signaler, container: container}, nil
}

func (r *dockerReloader) Reload(ctx context.Context) error {
	if err := r.signaler.Kill(ctx, r.container, "HUP"); err != nil {
		if errors.Is(err, docker.ErrNotFound) {
			return fmt.Errorf("nginx container %s not found", r.container)
		}
		return err
	}
	return nil
}

// commandReloader runs a local command such as "nginx -s reload".
type commandReloader struct {
	argv []string
}

// NewCommandReloader reloads nginx by running command.
func NewCommandReloader(command string) (Reloader, error) {
	argv := strings.Fields(command)
	if len(argv) == 0 {
		return nil, fmt.Errorf("reload command required")
	}
	return &commandReloader{argv: argv}, nil
}

func (r *commandReloader) Reload(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, r.argv[0], r.argv[1:]...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w: %s", strings.Join(r.argv, " "), err, strings.TrimSpace(out.String()))
	}
	return nil
}
