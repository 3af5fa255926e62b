// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// 操作指标
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	resumeConflicts   prometheus.Counter

	// 检查点指标
	checkpointSaves        *prometheus.CounterVec
	checkpointSaveDuration prometheus.Histogram
	checkpointStateBytes   prometheus.Histogram

	// 门限指标
	gateResults *prometheus.CounterVec

	// Worker 指标
	workersRegistered prometheus.Gauge

	logger *zap.Logger
}

// NewCollector 创建指标收集器。reg 为 nil 时使用默认注册表。
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.operationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Total number of operation terminal transitions",
		},
		[]string{"type", "status"},
	)

	c.operationDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Wall-clock duration of completed operations",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
		},
		[]string{"type"},
	)

	c.resumeConflicts = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resume_conflicts_total",
			Help:      "Number of resume attempts that lost the race or hit a non-resumable status",
		},
	)

	c.checkpointSaves = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_saves_total",
			Help:      "Total checkpoint saves by type",
		},
		[]string{"checkpoint_type"},
	)

	c.checkpointSaveDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "checkpoint_save_duration_seconds",
			Help:      "Checkpoint save duration",
			Buckets:   prometheus.DefBuckets,
		},
	)

	c.checkpointStateBytes = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "checkpoint_state_bytes",
			Help:      "Serialized checkpoint state size",
			Buckets:   prometheus.ExponentialBuckets(256, 4, 10),
		},
	)

	c.gateResults = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_results_total",
			Help:      "Quality gate evaluations by gate and outcome",
		},
		[]string{"gate", "passed"},
	)

	c.workersRegistered = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_registered",
			Help:      "Number of currently registered workers",
		},
	)

	return c
}

// RecordOperation 记录一次操作终态转换
func (c *Collector) RecordOperation(opType, status string, duration time.Duration) {
	c.operationsTotal.WithLabelValues(opType, status).Inc()
	if duration > 0 {
		c.operationDuration.WithLabelValues(opType).Observe(duration.Seconds())
	}
}

// RecordResumeConflict 记录一次恢复冲突
func (c *Collector) RecordResumeConflict() {
	c.resumeConflicts.Inc()
}

// RecordCheckpointSave 记录一次检查点保存
func (c *Collector) RecordCheckpointSave(checkpointType string, duration time.Duration, stateBytes int64) {
	c.checkpointSaves.WithLabelValues(checkpointType).Inc()
	c.checkpointSaveDuration.Observe(duration.Seconds())
	c.checkpointStateBytes.Observe(float64(stateBytes))
}

// RecordGate 记录一次门限评估
func (c *Collector) RecordGate(gate string, passed bool) {
	label := "false"
	if passed {
		label = "true"
	}
	c.gateResults.WithLabelValues(gate, label).Inc()
}

// SetWorkersRegistered 更新注册 Worker 数
func (c *Collector) SetWorkersRegistered(n int) {
	c.workersRegistered.Set(float64(n))
}
