package domain

import "time"

// HealthCheckRecord persists one health verdict and its raw sub-results.
type HealthCheckRecord struct {
	ID               int64
	DeploymentID     string
	ContainerID      string
	Healthy          bool
	Endpoints        []EndpointResult
	Attempts         int
	RuntimeStatus    string
	RuntimeHealthy   bool
	CPUPercent       float64
	MemoryPercent    float64
	ResourcesHealthy bool
	Error            string
	CheckedAt        time.Time
	Duration         time.Duration
}

// EndpointsHealthy reports whether the endpoint probes passed.
func (r HealthCheckRecord) EndpointsHealthy() bool {
	if len(r.Endpoints) == 0 {
		return false
	}
	for _, e := range r.Endpoints {
		if !e.OK {
			return false
		}
	}
	return true
}

// Snapshot condenses the record for the deployment row.
func (r HealthCheckRecord) Snapshot() *HealthSnapshot {
	return &HealthSnapshot{
		Healthy:          r.Healthy,
		RuntimeStatus:    r.RuntimeStatus,
		EndpointsHealthy: r.EndpointsHealthy(),
		ResourcesHealthy: r.ResourcesHealthy,
		CPUPercent:       r.CPUPercent,
		MemoryPercent:    r.MemoryPercent,
		Error:            r.Error,
	}
}

// EndpointResult is the outcome of the last probe of one path.
type EndpointResult struct {
	Path       string        `json:"path"`
	StatusCode int           `json:"status_code"`
	Latency    time.Duration `json:"latency"`
	OK         bool          `json:"ok"`
	Error      string        `json:"error,omitempty"`
}
