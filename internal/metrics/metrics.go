package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PoolBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "strata_pool_bytes",
		Help: "Bytes held by arrays registered in a pool",
	}, []string{"pool", "device"})

	PoolArrays = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "strata_pool_arrays",
		Help: "Number of arrays registered in a pool",
	}, []string{"pool"})

	PoolRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strata_pool_budget_rejections_total",
		Help: "Allocations refused because they would exceed the pool budget",
	}, []string{"pool"})

	DeviceTransferBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strata_device_transfer_bytes_total",
		Help: "Bytes copied between devices",
	}, []string{"direction"})

	DeviceHeapBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "strata_device_heap_bytes",
		Help: "Bytes currently allocated on a device heap",
	}, []string{"heap"})

	TensorsLoaded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strata_tensors_loaded_total",
		Help: "Tensors decoded and registered, by on-disk scheme",
	}, []string{"scheme"})

	LoadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "strata_model_load_duration_seconds",
		Help:    "Wall time of complete model loads",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	})

	LoadFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strata_model_load_failures_total",
		Help: "Model loads aborted, by error kind",
	}, []string{"kind"})

	KVCacheStoredBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "strata_kvcache_stored_bytes",
		Help: "Quantized bytes held by live KV cache sequences",
	})

	KVCompressionRatio = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "strata_kvcache_compression_ratio",
		Help:    "Compression ratio of KV caches observed when a sequence closes",
		Buckets: []float64{1, 1.5, 2, 2.5, 3, 3.25, 3.5, 3.75, 4},
	})
)

func RecordPool(name, device string, bytes int64, arrays int) {
	PoolBytes.WithLabelValues(name, device).Set(float64(bytes))
	PoolArrays.WithLabelValues(name).Set(float64(arrays))
}

// ForgetPoolDevice drops the bytes series of a pool that left device.
func ForgetPoolDevice(name, device string) {
	PoolBytes.DeleteLabelValues(name, device)
}

func RecordPoolRejection(name string) {
	PoolRejections.WithLabelValues(name).Inc()
}

func RecordTransfer(from, to string, bytes int64) {
	DeviceTransferBytes.WithLabelValues(from + "_to_" + to).Add(float64(bytes))
}

func RecordHeap(name string, bytes int64) {
	DeviceHeapBytes.WithLabelValues(name).Set(float64(bytes))
}

func RecordTensorLoaded(scheme string) {
	TensorsLoaded.WithLabelValues(scheme).Inc()
}

func RecordLoad(duration time.Duration) {
	LoadDuration.Observe(duration.Seconds())
}

func RecordLoadFailure(kind string) {
	LoadFailures.WithLabelValues(kind).Inc()
}

// RecordKVStored adjusts the live KV byte gauge by delta.
func RecordKVStored(delta int64) {
	KVCacheStoredBytes.Add(float64(delta))
}

func RecordKVCompression(ratio float64) {
	KVCompressionRatio.Observe(ratio)
}
