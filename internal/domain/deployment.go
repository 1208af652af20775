package domain

import "time"

// DeploymentStatus is the lifecycle state of a Deployment.
type DeploymentStatus string

const (
	StatusQueued   DeploymentStatus = "QUEUED"
	StatusBuilding DeploymentStatus = "BUILDING"
	StatusDeployed DeploymentStatus = "DEPLOYED"
	StatusFailed   DeploymentStatus = "FAILED"
)

// Terminal reports whether no further transitions are expected.
func (s DeploymentStatus) Terminal() bool {
	return s == StatusDeployed || s == StatusFailed
}

// Strategy selects how a new build is cut over to production.
type Strategy string

const (
	StrategyBlueGreen Strategy = "bluegreen"
	StrategyRolling   Strategy = "rolling"
)

// ParseStrategy normalises user input, falling back to def.
func ParseStrategy(value string, def Strategy) Strategy {
	switch Strategy(value) {
	case StrategyBlueGreen, StrategyRolling:
		return Strategy(value)
	default:
		return def
	}
}

// Deployment represents one build-and-run attempt for a project.
type Deployment struct {
	ID              string
	ProjectID       string
	Framework       string
	Version         string
	Commit          string
	Branch          string
	BuildCommand    string
	RuntimeVersion  string
	Strategy        Strategy
	Status          DeploymentStatus
	ContainerID     string
	NetworkID       string
	ImageID         string
	Port            int
	URL             string
	ArtifactRef     string
	CacheKey        string
	BuildTime       time.Duration
	BuildLogs       []LogEntry
	Env             map[string]string
	LastHealth      *HealthSnapshot
	HealthCheckedAt *time.Time
	Stages          []DeploymentStage
	Error           string
	SupersededAt    *time.Time
	TornDownAt      *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// LogEntry is one line in a deployment's append-only log sequence.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Stage   string    `json:"stage,omitempty"`
	Message string    `json:"message"`
}

// HealthSnapshot is the last health verdict copied onto the deployment record.
type HealthSnapshot struct {
	Healthy          bool    `json:"healthy"`
	RuntimeStatus    string  `json:"runtime_status"`
	EndpointsHealthy bool    `json:"endpoints_healthy"`
	ResourcesHealthy bool    `json:"resources_healthy"`
	CPUPercent       float64 `json:"cpu_percent"`
	MemoryPercent    float64 `json:"memory_percent"`
	Error            string  `json:"error,omitempty"`
}

// BuildResult is produced by the build pipeline and consumed by the container manager.
type BuildResult struct {
	OutputPath string
	BuildTime  time.Duration
	Env        map[string]string
	CacheKey   string
	CacheHit   bool
}

// Project owns the production pointer.
type Project struct {
	ID                     string
	Name                   string
	ProductionDeploymentID string
	PreviousDeploymentID   string
	CreatedAt              time.Time
	UpdatedAt              time.Time
}
