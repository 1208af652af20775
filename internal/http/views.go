package httpx

import (
	"slices"
	"strings"
	"time"

	"github.com/splax/launchpad/internal/domain"
)

// deploymentView is the wire shape of a deployment. Env values are never
// returned, only their keys.
type deploymentView struct {
	ID              string                   `json:"id"`
	ProjectID       string                   `json:"project_id"`
	Framework       string                   `json:"framework,omitempty"`
	Version         string                   `json:"version,omitempty"`
	Commit          string                   `json:"commit,omitempty"`
	Branch          string                   `json:"branch,omitempty"`
	Strategy        string                   `json:"strategy"`
	Status          string                   `json:"status"`
	URL             string                   `json:"url,omitempty"`
	ContainerID     string                   `json:"container_id,omitempty"`
	ImageID         string                   `json:"image_id,omitempty"`
	Port            int                      `json:"port,omitempty"`
	ArtifactRef     string                   `json:"artifact_ref,omitempty"`
	CacheKey        string                   `json:"cache_key,omitempty"`
	BuildTimeMS     int64                    `json:"build_time_ms"`
	EnvKeys         []string                 `json:"env_keys,omitempty"`
	LogCount        int                      `json:"log_count"`
	LastHealth      *domain.HealthSnapshot   `json:"last_health,omitempty"`
	HealthCheckedAt *time.Time               `json:"health_checked_at,omitempty"`
	Stages          []domain.DeploymentStage `json:"stages,omitempty"`
	Error           string                   `json:"error,omitempty"`
	SupersededAt    *time.Time               `json:"superseded_at,omitempty"`
	TornDownAt      *time.Time               `json:"torn_down_at,omitempty"`
	CreatedAt       time.Time                `json:"created_at"`
	UpdatedAt       time.Time                `json:"updated_at"`
}

func newDeploymentView(d *domain.Deployment) deploymentView {
	keys := make([]string, 0, len(d.Env))
	for k := range d.Env {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return deploymentView{
		ID:              d.ID,
		ProjectID:       d.ProjectID,
		Framework:       d.Framework,
		Version:         d.Version,
		Commit:          d.Commit,
		Branch:          d.Branch,
		Strategy:        string(d.Strategy),
		Status:          string(d.Status),
		URL:             d.URL,
		ContainerID:     d.ContainerID,
		ImageID:         d.ImageID,
		Port:            d.Port,
		ArtifactRef:     d.ArtifactRef,
		CacheKey:        d.CacheKey,
		BuildTimeMS:     d.BuildTime.Milliseconds(),
		EnvKeys:         keys,
		LogCount:        len(d.BuildLogs),
		LastHealth:      d.LastHealth,
		HealthCheckedAt: d.HealthCheckedAt,
		Stages:          d.Stages,
		Error:           d.Error,
		SupersededAt:    d.SupersededAt,
		TornDownAt:      d.TornDownAt,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
	}
}

type healthCheckView struct {
	ID               int64                   `json:"id"`
	DeploymentID     string                  `json:"deployment_id"`
	ContainerID      string                  `json:"container_id"`
	Healthy          bool                    `json:"healthy"`
	Endpoints        []domain.EndpointResult `json:"endpoints"`
	Attempts         int                     `json:"attempts"`
	RuntimeStatus    string                  `json:"runtime_status"`
	RuntimeHealthy   bool                    `json:"runtime_healthy"`
	CPUPercent       float64                 `json:"cpu_percent"`
	MemoryPercent    float64                 `json:"memory_percent"`
	ResourcesHealthy bool                    `json:"resources_healthy"`
	Error            string                  `json:"error,omitempty"`
	CheckedAt        time.Time               `json:"checked_at"`
	DurationMS       int64                   `json:"duration_ms"`
}

func newHealthCheckView(r domain.HealthCheckRecord) healthCheckView {
	return healthCheckView{
		ID:               r.ID,
		DeploymentID:     r.DeploymentID,
		ContainerID:      r.ContainerID,
		Healthy:          r.Healthy,
		Endpoints:        r.Endpoints,
		Attempts:         r.Attempts,
		RuntimeStatus:    r.RuntimeStatus,
		RuntimeHealthy:   r.RuntimeHealthy,
		CPUPercent:       r.CPUPercent,
		MemoryPercent:    r.MemoryPercent,
		ResourcesHealthy: r.ResourcesHealthy,
		Error:            r.Error,
		CheckedAt:        r.CheckedAt,
		DurationMS:       r.Duration.Milliseconds(),
	}
}

// runtimeEventPayload is what instrumented containers post to /runtime/events.
type runtimeEventPayload struct {
	ProjectID    string   `json:"project_id"`
	DeploymentID string   `json:"deployment_id"`
	Source       string   `json:"source"`
	Level        string   `json:"level"`
	Method       string   `json:"method"`
	Path         string   `json:"path"`
	StatusCode   *int     `json:"status_code"`
	LatencyMS    *float64 `json:"latency_ms"`
	OccurredAt   string   `json:"occurred_at"`
}

func (p runtimeEventPayload) event() (domain.RuntimeEvent, error) {
	event := domain.RuntimeEvent{
		ProjectID:    strings.TrimSpace(p.ProjectID),
		DeploymentID: strings.TrimSpace(p.DeploymentID),
		Source:       strings.TrimSpace(p.Source),
		Level:        strings.TrimSpace(p.Level),
		Method:       strings.ToUpper(strings.TrimSpace(p.Method)),
		Path:         strings.TrimSpace(p.Path),
		StatusCode:   p.StatusCode,
		LatencyMS:    p.LatencyMS,
	}
	if p.OccurredAt != "" {
		ts, err := time.Parse(time.RFC3339Nano, p.OccurredAt)
		if err != nil {
			return domain.RuntimeEvent{}, err
		}
		event.OccurredAt = ts.UTC()
	}
	return event, nil
}
