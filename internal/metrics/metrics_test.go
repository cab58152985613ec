package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestDeviceMetrics(t *testing.T) {
	t.Run("CommandBuffersCommitted", func(t *testing.T) {
		before := testutil.ToFloat64(CommandBuffersCommitted.WithLabelValues("test"))
		CommandBuffersCommitted.WithLabelValues("test").Inc()
		CommandBuffersCommitted.WithLabelValues("test").Inc()
		assert.Equal(t, before+2, testutil.ToFloat64(CommandBuffersCommitted.WithLabelValues("test")))
	})

	t.Run("CommandBufferDuration", func(t *testing.T) {
		assert.NotPanics(t, func() {
			CommandBufferDuration.WithLabelValues("test").Observe(0.5)
			CommandBufferDuration.WithLabelValues("test").Observe(12.25)
		})
	})

	t.Run("DeviceMemoryAllocatedBytes", func(t *testing.T) {
		DeviceMemoryAllocatedBytes.WithLabelValues("test").Set(1 << 20)
		assert.Equal(t, float64(1<<20), testutil.ToFloat64(DeviceMemoryAllocatedBytes.WithLabelValues("test")))
	})

	t.Run("MatmulGFLOPS", func(t *testing.T) {
		MatmulGFLOPS.Set(42.5)
		assert.Equal(t, 42.5, testutil.ToFloat64(MatmulGFLOPS))
	})
}

func TestGraphMetrics(t *testing.T) {
	before := testutil.ToFloat64(GraphRuns.WithLabelValues("forward", "ok"))
	GraphRuns.WithLabelValues("forward", "ok").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(GraphRuns.WithLabelValues("forward", "ok")))

	assert.NotPanics(t, func() {
		GraphRunDuration.WithLabelValues("backward").Observe(3)
	})
}

func TestMetricsRegistration(t *testing.T) {
	collectors := []prometheus.Collector{
		CommandBuffersCommitted,
		CommandBuffersCompleted,
		CommandBufferDuration,
		KernelsExecuted,
		MatmulEncodes,
		MatmulGFLOPS,
		DeviceMemoryAllocatedBytes,
		GraphRuns,
		GraphRunDuration,
	}

	for _, c := range collectors {
		// Registering again must report a duplicate, which proves promauto registered it.
		err := prometheus.Register(c)
		var already prometheus.AlreadyRegisteredError
		assert.ErrorAs(t, err, &already)
	}
}

func BenchmarkMetricsObservation(b *testing.B) {
	b.Run("ObserveDuration", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			CommandBufferDuration.WithLabelValues("cpu").Observe(float64(i % 1000))
		}
	})

	b.Run("IncCounter", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			KernelsExecuted.WithLabelValues("cpu", "gemm").Inc()
		}
	})
}
