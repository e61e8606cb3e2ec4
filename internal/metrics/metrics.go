// ============================================================================
// framejobs Metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Collect runtime metrics of the job runner, the asset cache and the
//          command batching queue and expose them to Prometheus.
//
// Metric families:
//
//   1. Counters (monotonic):
//      - framejobs_frames_total: frames run
//      - framejobs_jobs_admitted_total: jobs moved from intake into the run queue
//      - framejobs_job_steps_total: step calls
//      - framejobs_job_skips_total: steps that answered Skip
//      - framejobs_jobs_succeeded_total / framejobs_jobs_failed_total
//      - framejobs_jobs_cancelled_total: jobs torn down after Cancel
//      - framejobs_frames_over_budget_total: frames whose budget was spent by the
//        guaranteed minimum alone
//
//   2. Histograms:
//      - framejobs_frame_steps: steps per frame
//      - framejobs_frame_job_seconds: time spent in the runner per frame
//
//   3. Gauges:
//      - framejobs_jobs_running, framejobs_results_unclaimed
//      - framejobs_cache_entries, framejobs_cache_loads_in_flight
//      - framejobs_command_buffers_pending
//
// Example queries:
//
//   # steps per second
//   rate(framejobs_job_steps_total[1m])
//
//   # share of frames that could only afford the guaranteed minimum
//   rate(framejobs_frames_over_budget_total[5m]) / rate(framejobs_frames_total[5m])
//
// ============================================================================

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ChuLiYu/frame-jobs/pkg/types"
)

const namespace = "framejobs"

// Collector implements the runner observer and exposes Prometheus metrics
type Collector struct {
	// frame counters
	frames     prometheus.Counter
	overBudget prometheus.Counter

	// job counters
	jobsAdmitted  prometheus.Counter
	jobSteps      prometheus.Counter
	jobSkips      prometheus.Counter
	jobsSucceeded prometheus.Counter
	jobsFailed    prometheus.Counter
	jobsCancelled prometheus.Counter

	// per-frame distributions
	frameSteps   prometheus.Histogram
	frameJobTime prometheus.Histogram

	// state gauges
	jobsRunning    prometheus.Gauge
	resultsPending prometheus.Gauge
	cacheEntries   prometheus.Gauge
	cacheLoading   prometheus.Gauge
	buffersPending prometheus.Gauge
}

// NewCollector creates the collector and registers it with reg. A nil reg uses the
// default Prometheus registerer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
	}

	c := &Collector{
		frames:        counter("frames_total", "Total number of frames run"),
		overBudget:    counter("frames_over_budget_total", "Frames whose budget was exhausted by the guaranteed minimum"),
		jobsAdmitted:  counter("jobs_admitted_total", "Total number of jobs admitted into the run queue"),
		jobSteps:      counter("job_steps_total", "Total number of job steps executed"),
		jobSkips:      counter("job_skips_total", "Total number of steps that answered Skip"),
		jobsSucceeded: counter("jobs_succeeded_total", "Total number of jobs finished with Success"),
		jobsFailed:    counter("jobs_failed_total", "Total number of jobs finished with Error"),
		jobsCancelled: counter("jobs_cancelled_total", "Total number of jobs torn down after cancellation"),
		frameSteps: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "frame_steps",
			Help:      "Job steps executed per frame",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 250, 1000},
		}),
		frameJobTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "frame_job_seconds",
			Help:      "Time spent running jobs per frame in seconds",
			Buckets:   []float64{0.0005, 0.001, 0.002, 0.005, 0.008, 0.011, 0.015, 0.02, 0.05},
		}),
		jobsRunning:    gauge("jobs_running", "Jobs admitted and not finished"),
		resultsPending: gauge("results_unclaimed", "Finished results waiting for a claim"),
		cacheEntries:   gauge("cache_entries", "Entries in the asset cache, resolvable or not"),
		cacheLoading:   gauge("cache_loads_in_flight", "Asset loads currently in flight"),
		buffersPending: gauge("command_buffers_pending", "Command buffers waiting to be applied"),
	}

	reg.MustRegister(
		c.frames,
		c.overBudget,
		c.jobsAdmitted,
		c.jobSteps,
		c.jobSkips,
		c.jobsSucceeded,
		c.jobsFailed,
		c.jobsCancelled,
		c.frameSteps,
		c.frameJobTime,
		c.jobsRunning,
		c.resultsPending,
		c.cacheEntries,
		c.cacheLoading,
		c.buffersPending,
	)

	return c
}

// ObserveFrame records one runner frame
func (c *Collector) ObserveFrame(stats types.FrameStats) {
	c.frames.Inc()
	if stats.OverBudget {
		c.overBudget.Inc()
	}
	c.jobsAdmitted.Add(float64(stats.Admitted))
	c.jobSteps.Add(float64(stats.Steps))
	c.jobSkips.Add(float64(stats.Skipped))
	c.jobsSucceeded.Add(float64(stats.Succeeded))
	c.jobsFailed.Add(float64(stats.Failed))
	c.jobsCancelled.Add(float64(stats.Cancelled))

	c.frameSteps.Observe(float64(stats.Steps))
	c.frameJobTime.Observe(stats.JobTime.Seconds())

	c.jobsRunning.Set(float64(stats.Running))
	c.resultsPending.Set(float64(stats.Unclaimed))
}

// UpdateCacheStats sets the asset cache gauges
func (c *Collector) UpdateCacheStats(entries, loading int) {
	c.cacheEntries.Set(float64(entries))
	c.cacheLoading.Set(float64(loading))
}

// SetPendingBuffers sets the command buffer gauge
func (c *Collector) SetPendingBuffers(n int) {
	c.buffersPending.Set(float64(n))
}
