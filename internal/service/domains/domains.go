// Package domains assigns hostnames to deployments and projects under the
// configured suffix.
package domains

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

const shortIDLength = 12

// Domain is the public address assigned to a deployment.
type Domain struct {
	Hostname        string `json:"hostname"`
	URL             string `json:"url"`
	ProjectHostname string `json:"project_hostname"`
	ProjectURL      string `json:"project_url"`
}

// Provisioner hands out deterministic hostnames. Provisioning the same
// deployment twice returns the same Domain.
type Provisioner struct {
	suffix string
	scheme string
	logger *slog.Logger

	mu       sync.Mutex
	assigned map[string]Domain
}

// New constructs a Provisioner. suffix is appended to every label, with or
// without its leading dot.
func New(suffix, scheme string, logger *slog.Logger) *Provisioner {
	if strings.TrimSpace(scheme) == "" {
		scheme = "http"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Provisioner{suffix: normalizeSuffix(suffix), scheme: scheme, logger: logger, assigned: map[string]Domain{}}
}

// Provision returns the domain of a deployment of projectID.
func (p *Provisioner) Provision(ctx context.Context, projectID, deploymentID string) (Domain, error) {
	if err := ctx.Err(); err != nil {
		return Domain{}, err
	}
	if strings.TrimSpace(deploymentID) == "" {
		return Domain{}, errors.New("deployment id is required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if d, ok := p.assigned[deploymentID]; ok {
		return d, nil
	}
	host := DeploymentHost(deploymentID, p.suffix)
	projectHost := ProjectHost(projectID, p.suffix)
	if host == "" || projectHost == "" {
		return Domain{}, fmt.Errorf("cannot derive hostname for deployment %q of project %q", deploymentID, projectID)
	}
	d := Domain{
		Hostname:        host,
		URL:             fmt.Sprintf("%s://%s", p.scheme, host),
		ProjectHostname: projectHost,
		ProjectURL:      fmt.Sprintf("%s://%s", p.scheme, projectHost),
	}
	p.assigned[deploymentID] = d
	p.logger.Info("domain provisioned", "deployment_id", deploymentID, "hostname", host)
	return d, nil
}

// Release forgets a torn down deployment's assignment.
func (p *Provisioner) Release(deploymentID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.assigned, deploymentID)
}

// Suffix returns the normalised domain suffix.
func (p *Provisioner) Suffix() string { return p.suffix }

// DeploymentHost is the preview hostname of a deployment.
func DeploymentHost(deploymentID, suffix string) string {
	label := Label(deploymentID)
	if len(label) > shortIDLength {
		label = strings.TrimRight(label[:shortIDLength], "-")
	}
	if label == "" {
		return ""
	}
	return label + normalizeSuffix(suffix)
}

// ProjectHost is the production hostname of a project.
func ProjectHost(projectID, suffix string) string {
	label := Label(projectID)
	if label == "" {
		return ""
	}
	return label + normalizeSuffix(suffix)
}

// Label lowercases value and reduces it to a valid DNS label.
func Label(value string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(value) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		case !lastDash:
			b.WriteByte('-')
			lastDash = true
		}
	}
	label := strings.TrimRight(b.String(), "-")
	if len(label) > 63 {
		label = strings.TrimRight(label[:63], "-")
	}
	return label
}

func normalizeSuffix(suffix string) string {
	suffix = strings.ToLower(strings.TrimSpace(suffix))
	if suffix == "" {
		return ".localhost"
	}
	if !strings.HasPrefix(suffix, ".") {
		suffix = "." + suffix
	}
	return suffix
}
