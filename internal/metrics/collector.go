// Package metrics provides a Prometheus-compatible metrics collector for the
// orchestrator: queue depth/throughput, account health, breaker state, pool
// and worker utilization, and upload duration.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "orchestrator"

// Collector holds every metric the orchestrator exposes. Unlike the source
// package it came from, it is constructed per-instance and injected rather
// than reached for through a package-level global, per the no-singletons
// design note.
type Collector struct {
	registry *prometheus.Registry

	JobsSubmitted   prometheus.Counter
	JobsCompleted   prometheus.Counter
	JobsFailed      prometheus.Counter
	JobsCancelled   prometheus.Counter
	QueueDepth      *prometheus.GaugeVec // label: lane (ready|delayed|dead)
	UploadDuration  prometheus.Histogram
	WorkerUtil      prometheus.Gauge
	PoolSessions    *prometheus.GaugeVec // label: state (idle|busy|error)
	AccountHealth   prometheus.Histogram
	BreakerState    *prometheus.GaugeVec // label: resource; value 0/1/2 = closed/half_open/open
	RecoveryActions *prometheus.CounterVec

	mu          sync.RWMutex
	submitted   int64
	completed   int64
	failed      int64
	throughput  *rateCalculator
	startedAt   time.Time
}

// rateCalculator is a sliding-window rate estimator, the same shape as the
// source package's hit-rate calculator, repurposed for upload throughput.
type rateCalculator struct {
	mu     sync.Mutex
	events []time.Time
	window time.Duration
}

func newRateCalculator(window time.Duration) *rateCalculator {
	return &rateCalculator{window: window}
}

func (r *rateCalculator) record() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, time.Now())
}

func (r *rateCalculator) rate() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := time.Now().Add(-r.window)
	idx := 0
	for i, t := range r.events {
		if t.After(cutoff) {
			idx = i
			break
		}
		idx = i + 1
	}
	r.events = r.events[idx:]
	return float64(len(r.events)) * (60.0 / r.window.Seconds())
}

// New creates a Collector registered against a fresh registry.
func New() *Collector {
	c := &Collector{
		registry:   prometheus.NewRegistry(),
		throughput: newRateCalculator(time.Minute),
		startedAt:  time.Now(),
	}

	c.JobsSubmitted = prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "jobs_submitted_total", Help: "Total jobs submitted."})
	c.JobsCompleted = prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "jobs_completed_total", Help: "Total jobs completed successfully."})
	c.JobsFailed = prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "jobs_failed_total", Help: "Total jobs terminal-failed."})
	c.JobsCancelled = prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "jobs_cancelled_total", Help: "Total jobs cancelled."})
	c.QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Name: "queue_depth", Help: "Current jobs per queue lane."}, []string{"lane"})
	c.UploadDuration = prometheus.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "upload_duration_seconds", Help: "Upload attempt duration.", Buckets: prometheus.ExponentialBuckets(1, 2, 12)})
	c.WorkerUtil = prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "worker_utilization", Help: "Fraction of workers currently busy (0-1)."})
	c.PoolSessions = prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Name: "pool_sessions", Help: "Browser sessions by state."}, []string{"state"})
	c.AccountHealth = prometheus.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "account_health_score", Help: "Distribution of account health scores.", Buckets: []float64{0, 10, 25, 50, 75, 90, 100}})
	c.BreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Name: "breaker_state", Help: "Circuit breaker state per resource (0=closed,1=half_open,2=open)."}, []string{"resource"})
	c.RecoveryActions = prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "recovery_actions_total", Help: "Recovery actions taken, by error class."}, []string{"class"})

	c.registry.MustRegister(
		c.JobsSubmitted, c.JobsCompleted, c.JobsFailed, c.JobsCancelled,
		c.QueueDepth, c.UploadDuration, c.WorkerUtil, c.PoolSessions,
		c.AccountHealth, c.BreakerState, c.RecoveryActions,
	)

	return c
}

// RecordSubmitted tracks a newly submitted job.
func (c *Collector) RecordSubmitted() {
	c.JobsSubmitted.Inc()
	c.mu.Lock()
	c.submitted++
	c.mu.Unlock()
}

// RecordCompleted tracks a successful terminal job outcome.
func (c *Collector) RecordCompleted(d time.Duration) {
	c.JobsCompleted.Inc()
	c.UploadDuration.Observe(d.Seconds())
	c.throughput.record()
	c.mu.Lock()
	c.completed++
	c.mu.Unlock()
}

// RecordFailed tracks a terminal failure.
func (c *Collector) RecordFailed(d time.Duration) {
	c.JobsFailed.Inc()
	c.UploadDuration.Observe(d.Seconds())
	c.mu.Lock()
	c.failed++
	c.mu.Unlock()
}

// RecordCancelled tracks a cancellation.
func (c *Collector) RecordCancelled() { c.JobsCancelled.Inc() }

// SetQueueDepth sets the current depth for a queue lane.
func (c *Collector) SetQueueDepth(lane string, depth int64) {
	c.QueueDepth.WithLabelValues(lane).Set(float64(depth))
}

// SetPoolSessions sets the current session count for a pool state.
func (c *Collector) SetPoolSessions(state string, count int) {
	c.PoolSessions.WithLabelValues(state).Set(float64(count))
}

// SetWorkerUtilization sets the busy-worker fraction.
func (c *Collector) SetWorkerUtilization(fraction float64) { c.WorkerUtil.Set(fraction) }

// ObserveAccountHealth feeds a single account's health score into the distribution.
func (c *Collector) ObserveAccountHealth(score int) { c.AccountHealth.Observe(float64(score)) }

// BreakerStateValue maps a breaker state name to the metric's numeric encoding.
func BreakerStateValue(state string) float64 {
	switch state {
	case "half_open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}

// SetBreakerState records a resource's current breaker state.
func (c *Collector) SetBreakerState(resource, state string) {
	c.BreakerState.WithLabelValues(resource).Set(BreakerStateValue(state))
}

// RecordRecoveryAction tracks a recovery-engine dispatch by error class.
func (c *Collector) RecordRecoveryAction(class string) {
	c.RecoveryActions.WithLabelValues(class).Inc()
}

// Snapshot is a point-in-time JSON-serializable view, for operator tooling
// that would rather poll one endpoint than scrape Prometheus text format.
type Snapshot struct {
	Timestamp        time.Time `json:"timestamp"`
	Submitted        int64     `json:"submitted"`
	Completed        int64     `json:"completed"`
	Failed           int64     `json:"failed"`
	ThroughputPerMin float64   `json:"throughput_per_min"`
	UptimeSeconds    float64   `json:"uptime_seconds"`
}

// GetSnapshot returns the current snapshot.
func (c *Collector) GetSnapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Snapshot{
		Timestamp:        time.Now(),
		Submitted:        c.submitted,
		Completed:        c.completed,
		Failed:           c.failed,
		ThroughputPerMin: c.throughput.rate(),
		UptimeSeconds:    time.Since(c.startedAt).Seconds(),
	}
}

// Handler returns the Prometheus scrape endpoint for this collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// JSONHandler returns the JSON snapshot endpoint.
func (c *Collector) JSONHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(c.GetSnapshot())
	}
}
