package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Command buffer metrics
	CommandBuffersCommitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mps_command_buffers_committed_total",
		Help: "The total number of committed command buffers",
	}, []string{"backend"})

	CommandBuffersCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mps_command_buffers_completed_total",
		Help: "The total number of command buffers that finished executing, by status",
	}, []string{"backend", "status"})

	CommandBufferDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mps_command_buffer_duration_ms",
		Help:    "Time from commit to completion of a command buffer in milliseconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 20), // 10µs to ~5s
	}, []string{"backend"})

	KernelsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mps_kernels_executed_total",
		Help: "The total number of kernels executed on a device, by kernel",
	}, []string{"backend", "kernel"})

	// Matrix multiplication metrics
	MatmulEncodes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mps_matmul_encodes_total",
		Help: "The total number of matrix multiplications encoded into command buffers",
	}, []string{"backend"})

	MatmulGFLOPS = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mps_matmul_last_gflops",
		Help: "Performance of the last executed matrix multiplication in GFLOPS",
	})

	// Device memory metrics
	DeviceMemoryAllocatedBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mps_device_memory_allocated_bytes",
		Help: "Device memory currently allocated to buffers in bytes",
	}, []string{"backend"})

	// Graph executor metrics
	GraphRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mps_graph_runs_total",
		Help: "The total number of graph executions, by mode and result",
	}, []string{"mode", "result"})

	GraphRunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mps_graph_run_duration_ms",
		Help:    "Duration of graph executions in milliseconds",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 18),
	}, []string{"mode"})
)
