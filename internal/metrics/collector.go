package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector owns the Prometheus instruments of the training core.
type Collector struct {
	// step metrics
	stepsTotal   *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec

	// exchange metrics
	commMessages *prometheus.CounterVec
	commBytes    *prometheus.CounterVec

	// gradient-exchange protocol metrics
	zeroGradReplies prometheus.Counter
	skippedBindings *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector creates a collector registering on reg (nil uses the default
// registerer).
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

	c.stepsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Total number of executed training/eval steps",
		},
		[]string{"mode", "task"},
	)

	c.stepDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Step execution duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"mode", "task"},
	)

	c.commMessages = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "comm_messages_total",
			Help:      "Total number of cross-party messages",
		},
		[]string{"direction"},
	)

	c.commBytes = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "comm_bytes_total",
			Help:      "Total cross-party payload bytes",
		},
		[]string{"direction"},
	)

	c.zeroGradReplies = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "zero_grad_replies_total",
			Help:      "Gradient replies sent as zero fill because the received value influenced no loss source",
		},
	)

	c.skippedBindings = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skipped_bindings_total",
			Help:      "Optimizer bindings skipped due to gradient structure errors",
		},
		[]string{"task"},
	)

	return c
}

// ObserveStep records one executed step.
func (c *Collector) ObserveStep(mode, task string, d time.Duration) {
	if c == nil {
		return
	}
	c.stepsTotal.WithLabelValues(mode, task).Inc()
	c.stepDuration.WithLabelValues(mode, task).Observe(d.Seconds())
}

// RecordMessage records one cross-party message of the given payload size.
func (c *Collector) RecordMessage(direction string, bytes int) {
	if c == nil {
		return
	}
	c.commMessages.WithLabelValues(direction).Inc()
	c.commBytes.WithLabelValues(direction).Add(float64(bytes))
}

// RecordZeroGradReply records one zero-filled gradient reply.
func (c *Collector) RecordZeroGradReply() {
	if c == nil {
		return
	}
	c.zeroGradReplies.Inc()
}

// RecordSkippedBinding records one binding skipped during minimize.
func (c *Collector) RecordSkippedBinding(task string) {
	if c == nil {
		return
	}
	c.skippedBindings.WithLabelValues(task).Inc()
}
