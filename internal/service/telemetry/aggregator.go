package telemetry

import (
	"math"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/splax/launchpad/internal/domain"
)

type bucketKey struct {
	deploymentID string
	start        time.Time
}

type rollupBucket struct {
	count        int64
	errorCount   int64
	latencies    []float64
	latencyCount int64
	latencySum   float64
	latencyMax   float64
	hasLatency   bool
}

type rollupAggregator struct {
	mu         sync.Mutex
	span       time.Duration
	maxSamples int
	buckets    map[bucketKey]*rollupBucket
	random     *rand.Rand
}

const defaultRollupSamples = 512

func newRollupAggregator(span time.Duration, maxSamples int, seed int64) *rollupAggregator {
	if span <= 0 {
		span = 10 * time.Second
	}
	if maxSamples <= 0 {
		maxSamples = defaultRollupSamples
	}
	return &rollupAggregator{
		span:       span,
		maxSamples: maxSamples,
		buckets:    make(map[bucketKey]*rollupBucket),
		random:     rand.New(rand.NewSource(seed)),
	}
}

func (a *rollupAggregator) add(event domain.RuntimeEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := bucketKey{deploymentID: event.DeploymentID, start: event.OccurredAt.Truncate(a.span)}
	bucket := a.buckets[key]
	if bucket == nil {
		bucket = &rollupBucket{}
		a.buckets[key] = bucket
	}
	bucket.observe(event, a.maxSamples, a.random)
}

func (b *rollupBucket) observe(event domain.RuntimeEvent, maxSamples int, random *rand.Rand) {
	b.count++
	if isRuntimeError(event) {
		b.errorCount++
	}
	if event.LatencyMS != nil {
		b.addLatency(*event.LatencyMS, maxSamples, random)
	}
}

func (b *rollupBucket) addLatency(lat float64, maxSamples int, random *rand.Rand) {
	b.latencyCount++
	b.latencySum += lat
	if !b.hasLatency || lat > b.latencyMax {
		b.latencyMax = lat
		b.hasLatency = true
	}
	if len(b.latencies) < maxSamples {
		b.latencies = append(b.latencies, lat)
	} else if maxSamples > 0 {
		b.latencies[random.Intn(maxSamples)] = lat
	}
}

func (b *rollupBucket) merge(other *rollupBucket) {
	b.count += other.count
	b.errorCount += other.errorCount
	b.latencyCount += other.latencyCount
	b.latencySum += other.latencySum
	if other.hasLatency && (!b.hasLatency || other.latencyMax > b.latencyMax) {
		b.latencyMax = other.latencyMax
		b.hasLatency = true
	}
	b.latencies = append(b.latencies, other.latencies...)
}

// window merges every bucket of deploymentID that starts at or after since.
func (a *rollupAggregator) window(deploymentID string, since time.Time) domain.RuntimeMetricRollup {
	a.mu.Lock()
	defer a.mu.Unlock()

	from := since.Truncate(a.span)
	merged := &rollupBucket{}
	end := from
	for key, bucket := range a.buckets {
		if key.deploymentID != deploymentID || key.start.Before(from) {
			continue
		}
		merged.merge(bucket)
		if bucketEnd := key.start.Add(a.span); bucketEnd.After(end) {
			end = bucketEnd
		}
	}
	return merged.toRollup(deploymentID, from, end)
}

// rollups returns one rollup per bucket of deploymentID, oldest first.
func (a *rollupAggregator) rollups(deploymentID string) []domain.RuntimeMetricRollup {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]domain.RuntimeMetricRollup, 0)
	for key, bucket := range a.buckets {
		if key.deploymentID != deploymentID {
			continue
		}
		out = append(out, bucket.toRollup(deploymentID, key.start, key.start.Add(a.span)))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WindowStart.Before(out[j].WindowStart) })
	return out
}

// pruneBefore drops buckets that ended before cutoff and reports how many went.
func (a *rollupAggregator) pruneBefore(cutoff time.Time) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	dropped := 0
	for key := range a.buckets {
		if key.start.Add(a.span).After(cutoff) {
			continue
		}
		delete(a.buckets, key)
		dropped++
	}
	return dropped
}

func (a *rollupAggregator) forget(deploymentID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for key := range a.buckets {
		if key.deploymentID == deploymentID {
			delete(a.buckets, key)
		}
	}
}

func (b *rollupBucket) toRollup(deploymentID string, start, end time.Time) domain.RuntimeMetricRollup {
	r := domain.RuntimeMetricRollup{
		DeploymentID: deploymentID,
		WindowStart:  start,
		WindowEnd:    end,
		Count:        b.count,
		ErrorCount:   b.errorCount,
	}
	if b.latencyCount > 0 {
		avg := b.latencySum / float64(b.latencyCount)
		r.AvgMS = &avg
	}
	if b.hasLatency {
		max := b.latencyMax
		r.MaxMS = &max
	}
	if len(b.latencies) > 0 {
		sorted := append([]float64(nil), b.latencies...)
		sort.Float64s(sorted)
		p50 := percentile(sorted, 0.50)
		p95 := percentile(sorted, 0.95)
		p99 := percentile(sorted, 0.99)
		r.P50MS = &p50
		r.P95MS = &p95
		r.P99MS = &p99
	}
	return r
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if p <= 0 {
		return values[0]
	}
	if p >= 1 {
		return values[len(values)-1]
	}
	pos := p * float64(len(values)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return values[lower]
	}
	weight := pos - float64(lower)
	return values[lower]*(1-weight) + values[upper]*weight
}

func isRuntimeError(event domain.RuntimeEvent) bool {
	if strings.EqualFold(event.Level, "error") || strings.EqualFold(event.Level, "fatal") {
		return true
	}
	if event.StatusCode != nil && *event.StatusCode >= 500 {
		return true
	}
	return false
}
