package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Device Metrics
	KernelLaunches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "device_kernel_launches_total",
		Help: "The total number of kernel launches by kernel name",
	}, []string{"kernel"})

	BlocksExecuted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "device_blocks_executed_total",
		Help: "The total number of device blocks run to completion",
	})

	MemcpyBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "device_memcpy_bytes_total",
		Help: "Bytes copied by direction (h2d, d2h, d2d)",
	}, []string{"direction"})

	DeviceMemoryBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "device_memory_allocated_bytes",
		Help: "Device memory currently allocated in bytes",
	})

	KernelCompilations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "device_kernel_compilations_total",
		Help: "Kernel compilations by outcome (built, cached, failed)",
	}, []string{"outcome"})

	// Radix Sort Metrics
	SortsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "radix_sorts_total",
		Help: "Total number of sorts by path (multi_pass, single_pass, noop)",
	}, []string{"path"})

	SortPasses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "radix_sort_passes_total",
		Help: "Total number of digit passes executed",
	})

	SortDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "radix_sort_duration_ms",
		Help:    "Host-observed duration of a sort call in milliseconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 20), // 10us to ~5s
	})

	SortKeysGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "radix_sort_last_n_keys",
		Help: "Number of keys in the most recent sort",
	})
)
