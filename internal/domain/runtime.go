package domain

import "time"

// RuntimeEvent captures one observed request against a deployment.
type RuntimeEvent struct {
	ProjectID    string
	DeploymentID string
	Source       string
	Level        string
	Method       string
	Path         string
	StatusCode   *int
	LatencyMS    *float64
	OccurredAt   time.Time
}

// RuntimeMetricRollup stores aggregated latency and error statistics for a window.
type RuntimeMetricRollup struct {
	DeploymentID string
	WindowStart  time.Time
	WindowEnd    time.Time
	Count        int64
	ErrorCount   int64
	P50MS        *float64
	P95MS        *float64
	P99MS        *float64
	MaxMS        *float64
	AvgMS        *float64
}
