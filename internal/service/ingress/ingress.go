// Package ingress configures the edge proxy in front of deployments: weighted
// traffic routing, edge caching and firewall rules, all rendered into one
// nginx site per project.
package ingress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/splax/launchpad/internal/domain"
	"github.com/splax/launchpad/internal/metrics"
	"github.com/splax/launchpad/internal/service/domains"
)

type site struct {
	backends  []domain.Backend
	cache     []domain.CacheRule
	waf       []domain.WAFRule
	rateLimit *domain.RateLimit
}

func (s site) clone() site {
	out := site{
		backends: slices.Clone(s.backends),
		cache:    slices.Clone(s.cache),
		waf:      slices.Clone(s.waf),
	}
	if s.rateLimit != nil {
		limit := *s.rateLimit
		out.rateLimit = &limit
	}
	return out
}

// Config controls hostnames and cache storage of rendered sites.
type Config struct {
	DomainSuffix string
	CacheDir     string
}

// Edge implements the traffic router, CDN configurator and WAF configurator
// on top of a SiteWriter. Without a writer it only keeps state in memory.
type Edge struct {
	writer SiteWriter
	cfg    Config
	logger *slog.Logger

	mu    sync.Mutex
	sites map[string]site
}

// New constructs an Edge. writer may be nil.
func New(writer SiteWriter, cfg Config, logger *slog.Logger) *Edge {
	if cfg.CacheDir == "" {
		cfg.CacheDir = "/var/cache/nginx/launchpad"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Edge{writer: writer, cfg: cfg, logger: logger.With("component", "ingress"), sites: map[string]site{}}
}

// Route replaces the weighted backends of a project. Weights are percentages
// and must add up to 100 unless backends is empty. Zero-weight backends stay
// reachable on their preview hostnames only.
func (e *Edge) Route(ctx context.Context, projectID string, backends []domain.Backend) error {
	if err := validateBackends(backends); err != nil {
		return err
	}
	var previous []domain.Backend
	err := e.update(ctx, projectID, func(s *site) {
		previous = s.backends
		s.backends = slices.Clone(backends)
	})
	if err != nil {
		return err
	}
	for _, b := range previous {
		if !slices.ContainsFunc(backends, func(n domain.Backend) bool { return n.DeploymentID == b.DeploymentID }) {
			metrics.ForgetTraffic(projectID, b.DeploymentID)
		}
	}
	for _, b := range backends {
		metrics.TrafficWeight(projectID, b.DeploymentID, b.Weight)
	}
	e.logger.Info("traffic routed", "project_id", projectID, "backends", describe(backends))
	return nil
}

// Current returns the backends a project routes to.
func (e *Edge) Current(projectID string) []domain.Backend {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.sites[projectID].backends)
}

// Configure replaces the ordered edge cache rules of a project.
func (e *Edge) Configure(ctx context.Context, projectID string, rules []domain.CacheRule) error {
	for _, r := range rules {
		if !strings.HasPrefix(r.PathPattern, "/") {
			return fmt.Errorf("cache rule path %q must start with /", r.PathPattern)
		}
		if r.TTL < 0 {
			return fmt.Errorf("cache rule %s has negative ttl", r.PathPattern)
		}
	}
	return e.update(ctx, projectID, func(s *site) { s.cache = slices.Clone(rules) })
}

// ApplyRules replaces the firewall rules and rate limit of a project.
func (e *Edge) ApplyRules(ctx context.Context, projectID string, rules []domain.WAFRule, limit domain.RateLimit) error {
	for _, r := range rules {
		if !strings.HasPrefix(r.PathPattern, "/") {
			return fmt.Errorf("waf rule %s path %q must start with /", r.Name, r.PathPattern)
		}
		if r.Action != domain.WAFDeny && r.Action != domain.WAFAllow {
			return fmt.Errorf("waf rule %s has unknown action %q", r.Name, r.Action)
		}
	}
	if limit.RequestsPerSecond < 0 || limit.Burst < 0 {
		return errors.New("rate limit must not be negative")
	}
	return e.update(ctx, projectID, func(s *site) {
		s.waf = slices.Clone(rules)
		s.rateLimit = &limit
	})
}

// Forget drops a project's site entirely.
func (e *Edge) Forget(ctx context.Context, projectID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.writer != nil {
		if err := e.writer.Remove(ctx, projectID); err != nil {
			return err
		}
	}
	for _, b := range e.sites[projectID].backends {
		metrics.ForgetTraffic(projectID, b.DeploymentID)
	}
	delete(e.sites, projectID)
	return nil
}

// Render returns the site file a project currently maps to.
func (e *Edge) Render(projectID string) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.render(projectID, e.sites[projectID])
}

func (e *Edge) update(ctx context.Context, projectID string, mutate func(*site)) error {
	if strings.TrimSpace(projectID) == "" {
		return errors.New("project id is required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	next := e.sites[projectID].clone()
	mutate(&next)
	if e.writer != nil {
		content, err := e.render(projectID, next)
		if err != nil {
			return err
		}
		if err := e.writer.Write(ctx, projectID, content); err != nil {
			return fmt.Errorf("apply edge config for %s: %w", projectID, err)
		}
	}
	e.sites[projectID] = next
	return nil
}

func (e *Edge) render(projectID string, s site) ([]byte, error) {
	host := domains.ProjectHost(projectID, e.cfg.DomainSuffix)
	return render(projectID, host, e.cfg.CacheDir, s, func(deploymentID string) string {
		return domains.DeploymentHost(deploymentID, e.cfg.DomainSuffix)
	})
}

func validateBackends(backends []domain.Backend) error {
	if len(backends) == 0 {
		return nil
	}
	total := 0
	seen := map[string]bool{}
	for _, b := range backends {
		if b.DeploymentID == "" {
			return errors.New("backend deployment id is required")
		}
		if seen[b.DeploymentID] {
			return fmt.Errorf("backend %s listed twice", b.DeploymentID)
		}
		seen[b.DeploymentID] = true
		if b.Weight < 0 || b.Weight > 100 {
			return fmt.Errorf("backend %s weight %d out of range", b.DeploymentID, b.Weight)
		}
		if b.Weight > 0 && b.Address == "" {
			return fmt.Errorf("backend %s has no address", b.DeploymentID)
		}
		total += b.Weight
	}
	if total != 100 {
		return fmt.Errorf("backend weights add up to %d, want 100", total)
	}
	return nil
}

func describe(backends []domain.Backend) string {
	parts := make([]string, 0, len(backends))
	for _, b := range backends {
		parts = append(parts, fmt.Sprintf("%s=%d", b.DeploymentID, b.Weight))
	}
	return strings.Join(parts, ",")
}
