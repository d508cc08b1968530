package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// 快照写入指标
	snapshotSaveTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricemesh_snapshot_save_total",
			Help: "Total number of broker snapshot writes",
		},
		[]string{"broker", "result"}, // result: written, skipped, failed
	)

	// 差异检测指标
	detectionTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricemesh_detection_total",
			Help: "Total number of accepted delay detections",
		},
		[]string{"broker", "symbol", "direction", "delay_type"},
	)

	scanDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pricemesh_scan_duration_seconds",
			Help:    "Full symbol scan duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
		},
	)

	scanSymbols = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pricemesh_scan_symbols",
			Help: "Number of symbols covered by the last scan",
		},
	)

	scanDetections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pricemesh_scan_detections",
			Help: "Number of detections produced by the last scan",
		},
	)

	// 重置编排指标
	resetAttemptTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricemesh_reset_attempt_total",
			Help: "Total number of broker reset attempts",
		},
		[]string{"broker", "outcome"}, // outcome: success, timeout, stuck, skipped
	)

	resetWaitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pricemesh_reset_wait_seconds",
			Help:    "Time spent waiting for a broker reset to complete",
			Buckets: []float64{1, 5, 10, 30, 60, 90, 120},
		},
		[]string{"broker"},
	)

	// 系统资源指标
	cpuUsagePercent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pricemesh_cpu_usage_percent",
			Help: "Process host CPU usage percent",
		},
	)

	memoryUsagePercent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pricemesh_memory_usage_percent",
			Help: "Host memory usage percent",
		},
	)
)

// RecordSnapshotSave 记录快照写入结果
func RecordSnapshotSave(broker, result string) {
	snapshotSaveTotal.WithLabelValues(broker, result).Inc()
}

// RecordDetection 记录一次被接受的差异检测
func RecordDetection(broker, symbol, direction, delayType string) {
	detectionTotal.WithLabelValues(broker, symbol, direction, delayType).Inc()
}

// ObserveScan 记录一轮扫描的耗时与规模
func ObserveScan(d time.Duration, symbols, detections int) {
	scanDuration.Observe(d.Seconds())
	scanSymbols.Set(float64(symbols))
	scanDetections.Set(float64(detections))
}

// RecordResetAttempt 记录一次重置尝试的结果
func RecordResetAttempt(broker, outcome string) {
	resetAttemptTotal.WithLabelValues(broker, outcome).Inc()
}

// ObserveResetWait 记录等待终端重置完成的耗时
func ObserveResetWait(broker string, d time.Duration) {
	resetWaitDuration.WithLabelValues(broker).Observe(d.Seconds())
}
