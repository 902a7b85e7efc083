// Package metrics defines the MGF Prometheus collectors. Exposition is the
// embedding service's job; this package only owns the registry and the
// instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var registry = prometheus.NewRegistry()

// Registry returns the registry holding every MGF collector.
func Registry() *prometheus.Registry { return registry }

var cacheOpsCounter = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
	Name: "mgf_cache_ops_total",
	Help: "counter of cache operations by flow, tier (l1/l2) and outcome (hit/miss/set/delete)",
}, []string{"flow", "tier", "outcome"})

var staleServedCounter = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
	Name: "mgf_cache_stale_served_total",
	Help: "counter of stale copies served while the compute lock was held elsewhere",
}, []string{"flow"})

var lockTimeoutCounter = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
	Name: "mgf_cache_lock_timeout_total",
	Help: "counter of get-or-compute calls that gave up waiting for the fleet lock",
}, []string{"flow"})

var coalescedCounter = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
	Name: "mgf_cache_coalesced_total",
	Help: "counter of callers that joined an in-flight computation instead of starting one",
}, []string{"flow"})

var invalidatedCounter = promauto.With(registry).NewCounter(prometheus.CounterOpts{
	Name: "mgf_cache_invalidated_keys_total",
	Help: "counter of keys deleted by engine tag invalidation",
})

var jobsCounter = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
	Name: "mgf_jobs_total",
	Help: "counter of executed jobs by operation type and outcome code (ok or fault code)",
}, []string{"op", "code"})

var jobSeconds = promauto.With(registry).NewHistogramVec(prometheus.HistogramOpts{
	Name:    "mgf_job_wall_seconds",
	Help:    "wall clock seconds per job",
	Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
}, []string{"op"})

var jobPeakRSS = promauto.With(registry).NewHistogramVec(prometheus.HistogramOpts{
	Name:    "mgf_job_peak_rss_mb",
	Help:    "peak resident set size per job in MB",
	Buckets: prometheus.ExponentialBuckets(16, 2, 10),
}, []string{"op"})

var retryCounter = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
	Name: "mgf_job_retries_total",
	Help: "counter of job retries by fault code",
}, []string{"code"})

var breakerGauge = promauto.With(registry).NewGauge(prometheus.GaugeOpts{
	Name: "mgf_breaker_state",
	Help: "circuit breaker state: 0 closed, 1 open, 2 half-open",
})

var batchItemsCounter = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
	Name: "mgf_batch_items_total",
	Help: "counter of batch items by outcome (ok/failed/skipped)",
}, []string{"outcome"})

var queueCounter = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
	Name: "mgf_queue_messages_total",
	Help: "counter of queue messages by queue and direction (published/consumed)",
}, []string{"queue", "direction"})

var scheduledRunsCounter = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
	Name: "mgf_scheduled_runs_total",
	Help: "counter of scheduled job fires by job and status (ok/error/missed)",
}, []string{"job", "status"})

var tenantActiveGauge = promauto.With(registry).NewGaugeVec(prometheus.GaugeOpts{
	Name: "mgf_tenant_active_jobs",
	Help: "jobs currently executing per tenant",
}, []string{"tenant"})

// CacheOp records one cache operation.
func CacheOp(flow, tier, outcome string) {
	cacheOpsCounter.WithLabelValues(flow, tier, outcome).Inc()
}

// StaleServed records a stale copy returned under lock contention.
func StaleServed(flow string) { staleServedCounter.WithLabelValues(flow).Inc() }

// LockTimeout records a get-or-compute that hit the lock wait budget.
func LockTimeout(flow string) { lockTimeoutCounter.WithLabelValues(flow).Inc() }

// Coalesced records a caller that shared an in-flight computation.
func Coalesced(flow string) { coalescedCounter.WithLabelValues(flow).Inc() }

// Invalidated adds to the invalidated key counter.
func Invalidated(n int) { invalidatedCounter.Add(float64(n)) }

// JobDone records one finished job. code is "ok" on success.
func JobDone(op, code string, wallSeconds, peakRSSMB float64) {
	jobsCounter.WithLabelValues(op, code).Inc()
	jobSeconds.WithLabelValues(op).Observe(wallSeconds)
	if peakRSSMB > 0 {
		jobPeakRSS.WithLabelValues(op).Observe(peakRSSMB)
	}
}

// JobRetry records one retry attempt tagged with the fault code.
func JobRetry(code string) { retryCounter.WithLabelValues(code).Inc() }

// BreakerState publishes the breaker state gauge.
func BreakerState(state int) { breakerGauge.Set(float64(state)) }

// BatchItem records one batch item outcome.
func BatchItem(outcome string) { batchItemsCounter.WithLabelValues(outcome).Inc() }

// QueueMessage records a publish or consume.
func QueueMessage(queue, direction string) {
	queueCounter.WithLabelValues(queue, direction).Inc()
}

// ScheduledRun records one scheduler fire outcome.
func ScheduledRun(job, status string) {
	scheduledRunsCounter.WithLabelValues(job, status).Inc()
}

// TenantActive publishes the per-tenant running job count.
func TenantActive(tenant string, n int) {
	tenantActiveGauge.WithLabelValues(tenant).Set(float64(n))
}
