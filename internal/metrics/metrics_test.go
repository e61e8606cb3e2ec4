package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/frame-jobs/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// gathered returns the value of a single-series counter, gauge or the sample count
// of a histogram
func gathered(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()

	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		require.Len(t, mf.GetMetric(), 1)
		m := mf.GetMetric()[0]
		switch {
		case m.GetCounter() != nil:
			return m.GetCounter().GetValue()
		case m.GetGauge() != nil:
			return m.GetGauge().GetValue()
		case m.GetHistogram() != nil:
			return float64(m.GetHistogram().GetSampleCount())
		}
	}
	t.Fatalf("metric %s not gathered", name)
	return 0
}

// ============================================================================
// Tests
// ============================================================================

func TestNewCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := NewCollector(reg)

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.frames, "frames counter should be initialized")
	assert.NotNil(t, collector.frameSteps, "frameSteps histogram should be initialized")
	assert.NotNil(t, collector.buffersPending, "buffersPending gauge should be initialized")
}

func TestNewCollector_DefaultRegisterer(t *testing.T) {
	// Reset Prometheus registry to avoid duplicate registration
	prometheus.DefaultRegisterer = prometheus.NewRegistry()

	assert.NotPanics(t, func() { NewCollector(nil) })
}

func TestCollectorIsolation(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NotNil(t, NewCollector(reg))

	// a process should have only one collector per registry
	assert.Panics(t, func() { NewCollector(reg) })

	// a separate registry is fine
	assert.NotPanics(t, func() { NewCollector(prometheus.NewRegistry()) })
}

func TestObserveFrame(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := NewCollector(reg)

	frames := []types.FrameStats{
		{Frame: 1, Admitted: 4, Steps: 15, Succeeded: 1, Running: 3, Unclaimed: 1, JobTime: 3 * time.Millisecond},
		{Frame: 2, Steps: 5, Skipped: 2, Failed: 1, Cancelled: 1, Running: 1, OverBudget: true},
	}
	for _, f := range frames {
		collector.ObserveFrame(f)
	}

	tests := []struct {
		name string
		want float64
	}{
		{"framejobs_frames_total", 2},
		{"framejobs_frames_over_budget_total", 1},
		{"framejobs_jobs_admitted_total", 4},
		{"framejobs_job_steps_total", 20},
		{"framejobs_job_skips_total", 2},
		{"framejobs_jobs_succeeded_total", 1},
		{"framejobs_jobs_failed_total", 1},
		{"framejobs_jobs_cancelled_total", 1},
		{"framejobs_frame_steps", 2},
		{"framejobs_frame_job_seconds", 2},
		{"framejobs_jobs_running", 1},
		{"framejobs_results_unclaimed", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, gathered(t, reg, tt.name))
		})
	}
}

func TestUpdateGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := NewCollector(reg)

	collector.UpdateCacheStats(12, 3)
	collector.SetPendingBuffers(7)

	assert.Equal(t, float64(12), gathered(t, reg, "framejobs_cache_entries"))
	assert.Equal(t, float64(3), gathered(t, reg, "framejobs_cache_loads_in_flight"))
	assert.Equal(t, float64(7), gathered(t, reg, "framejobs_command_buffers_pending"))
}

func TestConcurrentMetricUpdates(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := NewCollector(reg)

	// the diagnostics server scrapes while the frame loop records
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			collector.ObserveFrame(types.FrameStats{Steps: 1})
			collector.UpdateCacheStats(1, 0)
		}()
	}
	wg.Wait()

	assert.Equal(t, float64(50), gathered(t, reg, "framejobs_job_steps_total"))
}
