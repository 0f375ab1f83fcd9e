package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	PipelineErrorTypeDeadlineExceeded = "deadline_exceeded"
	PipelineErrorTypeDB               = "db"
	PipelineErrorTypeUnknown          = "unknown"
)

// PipelineMetrics captures usage aggregation worker health signals.
type PipelineMetrics struct {
	flushRuns     prometheus.Counter
	flushDuration prometheus.Observer
	flushErrors   *prometheus.CounterVec
	eventsFolded  prometheus.Counter
	eventsDropped prometheus.Counter
	queueDepth    prometheus.Gauge
}

var (
	pipelineMetricsOnce sync.Once
	pipelineMetrics     *PipelineMetrics
)

// Pipeline returns the singleton usage pipeline metrics registry.
func Pipeline() *PipelineMetrics {
	return PipelineWithConfig(Config{})
}

// PipelineWithConfig returns the singleton pipeline metrics registry using config labels.
func PipelineWithConfig(cfg Config) *PipelineMetrics {
	pipelineMetricsOnce.Do(func() {
		pipelineMetrics = newPipelineMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return pipelineMetrics
}

// ResetPipelineMetricsForTest resets the pipeline metrics singleton for tests.
func ResetPipelineMetricsForTest() {
	pipelineMetricsOnce = sync.Once{}
	pipelineMetrics = nil
}

func newPipelineMetrics(registerer prometheus.Registerer, cfg Config) *PipelineMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "apigate"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	flushRuns := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "apigate_usage_flush_runs_total",
		Help:        "Usage aggregate flush cycles.",
		ConstLabels: constLabels,
	})
	flushDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "apigate_usage_flush_duration_seconds",
		Help:        "Usage aggregate flush latency.",
		Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		ConstLabels: constLabels,
	})
	flushErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "apigate_usage_flush_errors_total",
		Help:        "Usage aggregate flush errors by low-cardinality type.",
		ConstLabels: constLabels,
	}, []string{"error_type"})
	eventsFolded := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "apigate_usage_events_folded_total",
		Help:        "Usage events folded into day aggregates.",
		ConstLabels: constLabels,
	})
	eventsDropped := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "apigate_usage_events_dropped_total",
		Help:        "Usage events dropped under queue backpressure.",
		ConstLabels: constLabels,
	})
	queueDepth := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "apigate_usage_queue_depth",
		Help:        "Usage events waiting in the recorder queue.",
		ConstLabels: constLabels,
	})

	registerer.MustRegister(
		flushRuns,
		flushDuration,
		flushErrors,
		eventsFolded,
		eventsDropped,
		queueDepth,
	)

	return &PipelineMetrics{
		flushRuns:     flushRuns,
		flushDuration: flushDuration,
		flushErrors:   flushErrors,
		eventsFolded:  eventsFolded,
		eventsDropped: eventsDropped,
		queueDepth:    queueDepth,
	}
}

// IncFlushRun increments the flush cycle counter.
func (m *PipelineMetrics) IncFlushRun() {
	if m == nil || m.flushRuns == nil {
		return
	}
	m.flushRuns.Inc()
}

// ObserveFlushDuration records flush latency in seconds.
func (m *PipelineMetrics) ObserveFlushDuration(duration time.Duration) {
	if m == nil || m.flushDuration == nil {
		return
	}
	m.flushDuration.Observe(duration.Seconds())
}

// IncFlushError increments the flush error counter with classification.
func (m *PipelineMetrics) IncFlushError(err error) {
	if m == nil || m.flushErrors == nil || err == nil {
		return
	}
	m.flushErrors.WithLabelValues(classifyPipelineError(err)).Inc()
}

// AddEventsFolded increments the folded event counter by count.
func (m *PipelineMetrics) AddEventsFolded(count int) {
	if m == nil || m.eventsFolded == nil || count <= 0 {
		return
	}
	m.eventsFolded.Add(float64(count))
}

// AddEventsDropped increments the dropped event counter by count.
func (m *PipelineMetrics) AddEventsDropped(count int64) {
	if m == nil || m.eventsDropped == nil || count <= 0 {
		return
	}
	m.eventsDropped.Add(float64(count))
}

// SetQueueDepth records the current recorder queue depth.
func (m *PipelineMetrics) SetQueueDepth(depth int) {
	if m == nil || m.queueDepth == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}

func classifyPipelineError(err error) string {
	if err == nil {
		return PipelineErrorTypeUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return PipelineErrorTypeDeadlineExceeded
	}
	if isDBError(err) {
		return PipelineErrorTypeDB
	}
	return PipelineErrorTypeUnknown
}

func isDBError(err error) bool {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false
	}
	return errors.Is(err, gorm.ErrInvalidDB) ||
		errors.Is(err, gorm.ErrInvalidTransaction) ||
		errors.Is(err, gorm.ErrInvalidData) ||
		errors.Is(err, gorm.ErrMissingWhereClause) ||
		errors.Is(err, gorm.ErrDuplicatedKey)
}
