// Package metrics exposes engine and job-queue observability data as a
// namespaced collector of Prometheus gauges, counters, and histograms,
// scraped by an external monitoring stack.
//
// # Invariants
//
//   - TicksTotal counts every committed TickMutation, success-labelled by
//     whether Engine.commit's CommitTick call returned an error.
//   - FiberSuspensions is cardinality-bounded by procstore.WaitKind, not by
//     instance or fiber id.
package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors wraps the Prometheus collectors for one runtime process.
type Collectors struct {
	registry *prometheus.Registry

	ticksTotal        *prometheus.CounterVec
	tickDuration      prometheus.Histogram
	fiberSuspensions  *prometheus.CounterVec
	jobsEmittedTotal  *prometheus.CounterVec
	jobQueueDepth     *prometheus.GaugeVec
	dedupeConflicts   prometheus.Counter
	incidentsTotal    *prometheus.CounterVec
	joinReleasesTotal prometheus.Counter
	uptime            prometheus.GaugeFunc
}

var defaultBuckets = []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000}

var (
	active    atomic.Pointer[Collectors]
	startTime = time.Now()
)

// Init builds the collector set under namespace and registers it as the
// active instance Record* helpers report into. Re-calling Init replaces
// the active instance.
func Init(namespace string, buckets []float64) *Collectors {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	c := &Collectors{
		registry: registry,
		ticksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "ticks_total", Help: "Total committed instance ticks by outcome.",
		}, []string{"outcome"}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "tick_duration_milliseconds", Help: "Duration of a committed tick.", Buckets: buckets,
		}),
		fiberSuspensions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "fiber_suspensions_total", Help: "Fiber suspensions by wait kind.",
		}, []string{"wait_kind"}),
		jobsEmittedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_emitted_total", Help: "Jobs enqueued by task type.",
		}, []string{"task_type"}),
		jobQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "job_queue_depth", Help: "Observed queue depth by task type.",
		}, []string{"task_type"}),
		dedupeConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "dedupe_conflicts_total", Help: "Job-completion dedupe conflicts detected.",
		}),
		incidentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "incidents_total", Help: "Incidents raised by severity.",
		}, []string{"severity"}),
		joinReleasesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "join_releases_total", Help: "Gateway joins released (barrier satisfied).",
		}),
	}
	c.uptime = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: "uptime_seconds", Help: "Time since the metrics subsystem started.",
	}, func() float64 { return time.Since(startTime).Seconds() })

	registry.MustRegister(
		c.ticksTotal, c.tickDuration, c.fiberSuspensions, c.jobsEmittedTotal,
		c.jobQueueDepth, c.dedupeConflicts, c.incidentsTotal, c.joinReleasesTotal, c.uptime,
	)
	active.Store(c)
	return c
}

func get() *Collectors { return active.Load() }

// RecordTick records one committed tick's outcome and duration.
func RecordTick(success bool, durationMs int64) {
	c := get()
	if c == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "error"
	}
	c.ticksTotal.WithLabelValues(outcome).Inc()
	c.tickDuration.Observe(float64(durationMs))
}

// RecordFiberSuspension records a fiber suspending on waitKind (e.g. "job",
// "timer", "correlation", "join").
func RecordFiberSuspension(waitKind string) {
	if c := get(); c != nil {
		c.fiberSuspensions.WithLabelValues(waitKind).Inc()
	}
}

// RecordJobEmitted records a ServiceTask job dispatch.
func RecordJobEmitted(taskType string) {
	if c := get(); c != nil {
		c.jobsEmittedTotal.WithLabelValues(taskType).Inc()
	}
}

// SetJobQueueDepth reports the last observed queue depth for taskType.
func SetJobQueueDepth(taskType string, depth int) {
	if c := get(); c != nil {
		c.jobQueueDepth.WithLabelValues(taskType).Set(float64(depth))
	}
}

// RecordDedupeConflict records a completion dedupe conflict.
func RecordDedupeConflict() {
	if c := get(); c != nil {
		c.dedupeConflicts.Inc()
	}
}

// RecordIncident records an incident by severity ("retriable" or "fatal").
func RecordIncident(severity string) {
	if c := get(); c != nil {
		c.incidentsTotal.WithLabelValues(severity).Inc()
	}
}

// RecordJoinReleased records a gateway join barrier being satisfied.
func RecordJoinReleased() {
	if c := get(); c != nil {
		c.joinReleasesTotal.Inc()
	}
}

// Handler returns an HTTP handler for Prometheus scraping. Before Init is
// called it serves 503 rather than panicking on a nil registry.
func Handler() http.Handler {
	c := get()
	if c == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry returns the active Prometheus registry, or nil before Init.
func Registry() *prometheus.Registry {
	c := get()
	if c == nil {
		return nil
	}
	return c.registry
}
