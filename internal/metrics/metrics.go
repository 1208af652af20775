// Package metrics holds the prometheus collectors for the deployment engine.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var stageBuckets = []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1200}

var (
	once sync.Once

	deployOutcomes *prometheus.CounterVec
	stageDuration  *prometheus.HistogramVec
	cacheLookups   *prometheus.CounterVec
	healthVerdicts *prometheus.CounterVec
	trafficWeight  *prometheus.GaugeVec
)

func initCollectors() {
	once.Do(func() {
		deployOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "launchpad",
			Subsystem: "engine",
			Name:      "deployments_total",
			Help:      "Deployment outcomes by strategy",
		}, []string{"strategy", "outcome"})

		stageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "launchpad",
			Subsystem: "engine",
			Name:      "stage_duration_seconds",
			Help:      "Duration of deployment pipeline stages",
			Buckets:   stageBuckets,
		}, []string{"stage", "status"})

		cacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "launchpad",
			Subsystem: "build",
			Name:      "cache_lookups_total",
			Help:      "Build cache lookups by result",
		}, []string{"result"})

		healthVerdicts = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "launchpad",
			Subsystem: "health",
			Name:      "verdicts_total",
			Help:      "Health verdicts by outcome",
		}, []string{"healthy"})

		trafficWeight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "launchpad",
			Subsystem: "ingress",
			Name:      "traffic_weight_percent",
			Help:      "Share of project traffic routed to a deployment",
		}, []string{"project", "deployment"})

		deployOutcomes = register(deployOutcomes).(*prometheus.CounterVec)
		stageDuration = register(stageDuration).(*prometheus.HistogramVec)
		cacheLookups = register(cacheLookups).(*prometheus.CounterVec)
		healthVerdicts = register(healthVerdicts).(*prometheus.CounterVec)
		trafficWeight = register(trafficWeight).(*prometheus.GaugeVec)
	})
}

func register(collector prometheus.Collector) prometheus.Collector {
	if err := prometheus.Register(collector); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return already.ExistingCollector
		}
	}
	return collector
}

// DeploymentFinished counts a deployment outcome.
func DeploymentFinished(strategy, outcome string) {
	initCollectors()
	deployOutcomes.With(prometheus.Labels{"strategy": strategy, "outcome": outcome}).Inc()
}

// StageFinished observes how long a pipeline stage ran.
func StageFinished(stage, status string, d time.Duration) {
	initCollectors()
	stageDuration.With(prometheus.Labels{"stage": stage, "status": status}).Observe(d.Seconds())
}

// CacheLookup counts a build cache hit or miss.
func CacheLookup(hit bool) {
	initCollectors()
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookups.With(prometheus.Labels{"result": result}).Inc()
}

// HealthVerdict counts a health verdict.
func HealthVerdict(healthy bool) {
	initCollectors()
	healthVerdicts.With(prometheus.Labels{"healthy": strconv.FormatBool(healthy)}).Inc()
}

// TrafficWeight records the weight routed to a deployment.
func TrafficWeight(projectID, deploymentID string, weight int) {
	initCollectors()
	trafficWeight.With(prometheus.Labels{"project": projectID, "deployment": deploymentID}).Set(float64(weight))
}

// ForgetTraffic removes the weight series for a torn down deployment.
func ForgetTraffic(projectID, deploymentID string) {
	initCollectors()
	trafficWeight.Delete(prometheus.Labels{"project": projectID, "deployment": deploymentID})
}
