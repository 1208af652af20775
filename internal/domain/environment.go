package domain

import "time"

// EnvironmentName labels the two sides of a cutover.
type EnvironmentName string

const (
	EnvironmentBlue  EnvironmentName = "blue"
	EnvironmentGreen EnvironmentName = "green"
)

// EnvironmentStatus is the transient state of an Environment.
type EnvironmentStatus string

const (
	EnvironmentCreating  EnvironmentStatus = "CREATING"
	EnvironmentRunning   EnvironmentStatus = "RUNNING"
	EnvironmentFailed    EnvironmentStatus = "FAILED"
	EnvironmentDestroyed EnvironmentStatus = "DESTROYED"
)

// Environment pairs a running container with the deployment it serves.
// An Environment with an empty DeploymentID is the "none" placeholder used
// for a project's first deployment.
type Environment struct {
	Name         EnvironmentName
	DeploymentID string
	ContainerID  string
	NetworkID    string
	ImageID      string
	Address      string
	Status       EnvironmentStatus
}

// None reports whether the environment is the empty placeholder.
func (e Environment) None() bool {
	return e.DeploymentID == ""
}

// StageName identifies a staged rollout phase.
type StageName string

const (
	StagePreWarm       StageName = "pre-warm"
	StageTrafficShift  StageName = "traffic-shift"
	StageHealthCheck   StageName = "health-check"
	StageRollbackReady StageName = "rollback-ready"
)

// StageStatus is the state of one rollout stage.
type StageStatus string

const (
	StageRunning   StageStatus = "running"
	StageSucceeded StageStatus = "succeeded"
	StageFailed    StageStatus = "failed"
	StageSkipped   StageStatus = "skipped"
)

// DeploymentStage reports progress of a staged rollout.
type DeploymentStage struct {
	Name      StageName   `json:"name"`
	Status    StageStatus `json:"status"`
	StartedAt time.Time   `json:"started_at"`
	EndedAt   *time.Time  `json:"ended_at,omitempty"`
	Error     string      `json:"error,omitempty"`
	// Steps lists the traffic percentages applied, in order.
	Steps []int `json:"steps,omitempty"`
}

// Backend is one weighted upstream for a project's traffic.
type Backend struct {
	DeploymentID string `json:"deployment_id"`
	ContainerID  string `json:"container_id"`
	Address      string `json:"address"`
	Weight       int    `json:"weight"`
}

// TrafficMetrics is a point-in-time view of an environment under load.
type TrafficMetrics struct {
	Requests   int64
	Errors     int64
	ErrorRate  float64
	P95        time.Duration
	CPUPercent float64
}
