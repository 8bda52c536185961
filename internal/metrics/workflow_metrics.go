package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// WorkflowMetrics содержит метрики воркфлоу обработки заказов и очереди.
// Методы безопасно вызывать на nil, тогда метрики не пишутся.
type WorkflowMetrics struct {
	// Счётчики запусков
	executionsStarted   prometheus.Counter
	executionsCompleted prometheus.Counter
	executionsFailed    *prometheus.CounterVec

	// Гистограммы времени выполнения
	executionDuration prometheus.Histogram
	stepDuration      *prometheus.HistogramVec

	stepRetries  *prometheus.CounterVec
	deadLettered *prometheus.CounterVec
	batchSize    prometheus.Histogram

	// Gauge для активных запусков
	activeExecutions prometheus.Gauge
}

// NewWorkflowMetrics регистрирует метрики в глобальном реестре Prometheus.
func NewWorkflowMetrics() *WorkflowMetrics {
	return NewWorkflowMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewWorkflowMetricsWithRegisterer регистрирует метрики в переданном реестре.
func NewWorkflowMetricsWithRegisterer(registerer prometheus.Registerer) *WorkflowMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &WorkflowMetrics{
		executionsStarted: register(registerer, "orderflow_executions_started_total", prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orderflow_executions_started_total",
			Help: "Total number of workflow executions started",
		})),
		executionsCompleted: register(registerer, "orderflow_executions_completed_total", prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orderflow_executions_completed_total",
			Help: "Total number of workflow executions that reached Complete",
		})),
		executionsFailed: register(registerer, "orderflow_executions_failed_total", prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orderflow_executions_failed_total",
			Help: "Total number of workflow executions that reached Failed, by reason",
		}, []string{"reason"})),
		executionDuration: register(registerer, "orderflow_execution_duration_seconds", prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "orderflow_execution_duration_seconds",
			Help:    "Duration of workflow executions in seconds",
			Buckets: prometheus.DefBuckets,
		})),
		stepDuration: register(registerer, "orderflow_step_duration_seconds", prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "orderflow_step_duration_seconds",
			Help:    "Duration of individual workflow steps in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"step"})),
		stepRetries: register(registerer, "orderflow_step_retries_total", prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orderflow_step_retries_total",
			Help: "Total number of adapter call retries, by step",
		}, []string{"step"})),
		deadLettered: register(registerer, "orderflow_dead_lettered_total", prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orderflow_dead_lettered_total",
			Help: "Total number of submissions moved to the dead-letter path, by transport",
		}, []string{"transport"})),
		batchSize: register(registerer, "orderflow_batch_size", prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "orderflow_batch_size",
			Help:    "Number of deliveries handled per batch",
			Buckets: []float64{1, 2, 3, 5, 8, 10, 20, 50},
		})),
		activeExecutions: register(registerer, "orderflow_active_executions", prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orderflow_active_executions",
			Help: "Number of currently running workflow executions",
		})),
	}
}

// register регистрирует коллектор и при повторной регистрации возвращает уже существующий.
func register[T prometheus.Collector](registerer prometheus.Registerer, name string, collector T) T {
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(T)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", name))
			}
			return existing
		}
		panic(fmt.Sprintf("register collector %q: %v", name, err))
	}
	return collector
}

// RecordExecutionStarted увеличивает счётчик запусков и число активных.
func (m *WorkflowMetrics) RecordExecutionStarted() {
	if m == nil {
		return
	}
	m.executionsStarted.Inc()
	m.activeExecutions.Inc()
}

// RecordExecutionFinished фиксирует итог запуска и уменьшает число активных.
// Пустая причина означает успешное завершение.
func (m *WorkflowMetrics) RecordExecutionFinished(reason string, duration time.Duration) {
	if m == nil {
		return
	}
	m.activeExecutions.Dec()
	m.executionDuration.Observe(duration.Seconds())
	if reason == "" {
		m.executionsCompleted.Inc()
		return
	}
	m.executionsFailed.WithLabelValues(reason).Inc()
}

// RecordStepDuration записывает время выполнения шага.
func (m *WorkflowMetrics) RecordStepDuration(step string, duration time.Duration) {
	if m == nil {
		return
	}
	m.stepDuration.WithLabelValues(step).Observe(duration.Seconds())
}

// RecordStepRetry увеличивает счётчик повторов вызова адаптера.
func (m *WorkflowMetrics) RecordStepRetry(step string) {
	if m == nil {
		return
	}
	m.stepRetries.WithLabelValues(step).Inc()
}

// RecordDeadLettered увеличивает счётчик сообщений, ушедших в DLQ.
func (m *WorkflowMetrics) RecordDeadLettered(transport string) {
	if m == nil {
		return
	}
	m.deadLettered.WithLabelValues(transport).Inc()
}

// RecordBatch записывает размер обработанной пачки.
func (m *WorkflowMetrics) RecordBatch(size int) {
	if m == nil {
		return
	}
	m.batchSize.Observe(float64(size))
}
