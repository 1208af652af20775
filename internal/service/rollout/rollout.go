// Package rollout moves production traffic to a new deployment in fixed
// increments, gating every increment and a monitoring window on live metrics.
package rollout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/splax/launchpad/internal/domain"
	"github.com/splax/launchpad/internal/metrics"
	"github.com/splax/launchpad/internal/retry"
	"github.com/splax/launchpad/internal/service/bluegreen"
)

// DefaultSteps are the traffic percentages applied in order.
var DefaultSteps = []int{10, 25, 50, 75, 100}

// Stages run in this order; a failed stage skips every later one.
var Stages = []domain.StageName{
	domain.StagePreWarm,
	domain.StageTrafficShift,
	domain.StageHealthCheck,
	domain.StageRollbackReady,
}

// Preparer stands the new environment up next to production.
type Preparer interface {
	Prepare(ctx context.Context, req bluegreen.Request) (*bluegreen.Cutover, error)
}

// MetricsSource samples live traffic metrics of an environment.
type MetricsSource interface {
	Sample(ctx context.Context, env domain.Environment) (domain.TrafficMetrics, error)
}

// Records persists stage progress.
type Records interface {
	UpdateDeployment(ctx context.Context, deployment *domain.Deployment) error
}

// Thresholds are the limits every sample must stay within.
type Thresholds struct {
	MaxErrorRate  float64
	MaxP95        time.Duration
	MaxCPUPercent float64
}

// BreachError reports a sample outside the thresholds.
type BreachError struct {
	Metric string
	Value  string
	Limit  string
	Weight int
}

func (e *BreachError) Error() string {
	return fmt.Sprintf("%s %s exceeds limit %s at %d%% traffic", e.Metric, e.Value, e.Limit, e.Weight)
}

// Check returns a *BreachError for the first metric over its limit.
func (t Thresholds) Check(m domain.TrafficMetrics, weight int) error {
	if m.ErrorRate > t.MaxErrorRate {
		return &BreachError{Metric: "error rate", Value: fmt.Sprintf("%.1f%%", m.ErrorRate*100), Limit: fmt.Sprintf("%.1f%%", t.MaxErrorRate*100), Weight: weight}
	}
	if m.P95 > t.MaxP95 {
		return &BreachError{Metric: "p95 latency", Value: m.P95.String(), Limit: t.MaxP95.String(), Weight: weight}
	}
	if m.CPUPercent > t.MaxCPUPercent {
		return &BreachError{Metric: "cpu", Value: fmt.Sprintf("%.1f%%", m.CPUPercent), Limit: fmt.Sprintf("%.1f%%", t.MaxCPUPercent), Weight: weight}
	}
	return nil
}

// Config shapes the rollout.
type Config struct {
	Steps           []int
	StepPause       time.Duration
	MonitorDuration time.Duration
	MonitorInterval time.Duration
	Thresholds      Thresholds
}

// Deployer runs staged rollouts.
type Deployer struct {
	preparer Preparer
	metrics  MetricsSource
	records  Records
	cfg      Config
	logger   *slog.Logger
}

// New constructs a Deployer. Steps must increase strictly and end at 100.
func New(preparer Preparer, source MetricsSource, records Records, cfg Config, logger *slog.Logger) (*Deployer, error) {
	if len(cfg.Steps) == 0 {
		cfg.Steps = slices.Clone(DefaultSteps)
	}
	for i, step := range cfg.Steps {
		if step <= 0 || step > 100 || (i > 0 && step <= cfg.Steps[i-1]) {
			return nil, fmt.Errorf("traffic steps must increase strictly within 1..100, got %v", cfg.Steps)
		}
	}
	if cfg.Steps[len(cfg.Steps)-1] != 100 {
		return nil, fmt.Errorf("traffic steps must end at 100, got %v", cfg.Steps)
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = 30 * time.Second
	}
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = Thresholds{MaxErrorRate: 0.10, MaxP95: 500 * time.Millisecond, MaxCPUPercent: 80}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Deployer{preparer: preparer, metrics: source, records: records, cfg: cfg, logger: logger.With("component", "rollout")}, nil
}

type run struct {
	d     *Deployer
	dep   *domain.Deployment
	log   *slog.Logger
	index int
	start time.Time
}

// Deploy runs the four stages. Any failure reverts the most recent traffic
// assignment, leaves the deployment FAILED and records every later stage as
// skipped.
func (d *Deployer) Deploy(ctx context.Context, req bluegreen.Request) (*bluegreen.Cutover, error) {
	dep := req.Deployment
	if dep == nil {
		return nil, errors.New("deployment is required")
	}
	r := &run{d: d, dep: dep, log: d.logger.With("deployment_id", dep.ID, "project_id", dep.ProjectID), index: -1}
	dep.Stages = nil

	r.begin(ctx)
	cut, err := d.preparer.Prepare(ctx, req)
	if err != nil {
		return nil, r.fail(ctx, nil, err)
	}
	r.succeed(ctx)

	r.begin(ctx)
	for _, step := range d.cfg.Steps {
		if err := cut.Shift(ctx, step); err != nil {
			return nil, r.fail(ctx, cut, err)
		}
		r.stage().Steps = append(r.stage().Steps, step)
		r.persist(ctx)
		if err := retry.Sleep(ctx, d.cfg.StepPause); err != nil {
			return nil, r.fail(ctx, cut, fmt.Errorf("pause after %d%%: %w", step, err))
		}
		if err := d.sample(ctx, cut, step); err != nil {
			return nil, r.fail(ctx, cut, err)
		}
	}
	r.succeed(ctx)

	r.begin(ctx)
	if err := d.monitor(ctx, cut); err != nil {
		return nil, r.fail(ctx, cut, err)
	}
	if err := cut.Commit(ctx); err != nil {
		return nil, r.fail(ctx, nil, err)
	}
	r.succeed(ctx)

	r.begin(ctx)
	cut.Retire()
	r.succeed(ctx)
	return cut, nil
}

func (d *Deployer) sample(ctx context.Context, cut *bluegreen.Cutover, weight int) error {
	m, err := d.metrics.Sample(ctx, cut.Green)
	if err != nil {
		return fmt.Errorf("sample metrics at %d%%: %w", weight, err)
	}
	d.logger.Info("rollout sample",
		"deployment_id", cut.Green.DeploymentID,
		"weight", weight,
		"requests", m.Requests,
		"error_rate", m.ErrorRate,
		"p95", m.P95,
		"cpu", m.CPUPercent,
	)
	return d.cfg.Thresholds.Check(m, weight)
}

// monitor keeps sampling at full traffic until the monitoring window closes.
func (d *Deployer) monitor(ctx context.Context, cut *bluegreen.Cutover) error {
	deadline := time.Now().Add(d.cfg.MonitorDuration)
	for time.Now().Before(deadline) {
		wait := min(d.cfg.MonitorInterval, time.Until(deadline))
		if err := retry.Sleep(ctx, wait); err != nil {
			return fmt.Errorf("monitoring window: %w", err)
		}
		if err := d.sample(ctx, cut, cut.Weight()); err != nil {
			return fmt.Errorf("late failure: %w", err)
		}
	}
	return nil
}

func (r *run) stage() *domain.DeploymentStage {
	return &r.dep.Stages[r.index]
}

func (r *run) begin(ctx context.Context) {
	r.index++
	r.start = time.Now()
	r.dep.Stages = append(r.dep.Stages, domain.DeploymentStage{
		Name:      Stages[r.index],
		Status:    domain.StageRunning,
		StartedAt: r.start.UTC(),
	})
	r.log.Info("rollout stage started", "stage", Stages[r.index])
	r.persist(ctx)
}

func (r *run) succeed(ctx context.Context) {
	r.end(domain.StageSucceeded, "")
	r.persist(ctx)
}

// fail closes the running stage, reverts traffic through cut when given and
// marks every remaining stage skipped.
func (r *run) fail(ctx context.Context, cut *bluegreen.Cutover, cause error) error {
	r.end(domain.StageFailed, cause.Error())
	now := time.Now().UTC()
	for _, name := range Stages[r.index+1:] {
		r.dep.Stages = append(r.dep.Stages, domain.DeploymentStage{Name: name, Status: domain.StageSkipped, StartedAt: now, EndedAt: &now})
	}
	r.log.Warn("rollout aborted", "stage", Stages[r.index], "error", cause)
	if cut != nil {
		cause = cut.Revert(ctx, cause)
	}
	r.persist(context.WithoutCancel(ctx))
	return cause
}

func (r *run) end(status domain.StageStatus, message string) {
	now := time.Now().UTC()
	st := r.stage()
	st.Status = status
	st.EndedAt = &now
	st.Error = message
	metrics.StageFinished(string(st.Name), string(status), now.Sub(r.start))
}

func (r *run) persist(ctx context.Context) {
	if err := r.d.records.UpdateDeployment(ctx, r.dep); err != nil {
		r.log.Warn("persist rollout stages failed", "error", err)
	}
}
