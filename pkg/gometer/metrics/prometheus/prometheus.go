package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/gometer/pkg/gometer"
)

// Metrics implements gometer.Metrics using Prometheus.
type Metrics struct {
	rateLimitDecisionsTotal *prometheus.CounterVec
	quotaChecksTotal        *prometheus.CounterVec
	consumptionAmount       *prometheus.HistogramVec
	creditOpsTotal          *prometheus.CounterVec
	creditOpsAmount         *prometheus.HistogramVec
	retryAttemptsTotal      *prometheus.CounterVec
	batchRunsTotal          prometheus.Counter
	batchItemsTotal         *prometheus.CounterVec
	batchDuration           prometheus.Histogram
	storeOpsDuration        *prometheus.HistogramVec
	storeOpsErrors          *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		rateLimitDecisionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_decisions_total",
			Help:      "Total number of sliding-window decisions.",
		}, []string{"allowed"}),

		quotaChecksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_checks_total",
			Help:      "Total number of quota admission checks.",
		}, []string{"period", "allowed"}),

		consumptionAmount: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "quota_consumption_amount",
			Help:      "Distribution of committed quota consumption amounts.",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000},
		}, []string{}),

		creditOpsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credit_operations_total",
			Help:      "Total number of credit ledger mutations.",
		}, []string{"kind"}),

		creditOpsAmount: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "credit_operation_amount",
			Help:      "Distribution of credit ledger mutation amounts.",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000},
		}, []string{"kind"}),

		retryAttemptsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_attempts_total",
			Help:      "Total number of generation attempts by outcome.",
		}, []string{"success"}),

		batchRunsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_runs_total",
			Help:      "Total number of completed batch runs.",
		}),

		batchItemsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_items_total",
			Help:      "Total number of batch items by outcome.",
		}, []string{"outcome"}),

		batchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_run_duration_seconds",
			Help:      "Duration of batch runs.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),

		storeOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_operation_duration_seconds",
			Help:      "Latency of snapshot store operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storeOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_operation_errors_total",
			Help:      "Total number of snapshot store operation errors.",
		}, []string{"operation"}),
	}
}

func (m *Metrics) RecordRateLimitDecision(_ string, allowed bool) {
	m.rateLimitDecisionsTotal.WithLabelValues(strconv.FormatBool(allowed)).Inc()
}

func (m *Metrics) RecordQuotaCheck(_ string, period gometer.PeriodType, allowed bool) {
	m.quotaChecksTotal.WithLabelValues(string(period), strconv.FormatBool(allowed)).Inc()
}

func (m *Metrics) RecordConsumption(_ string, amount int) {
	m.consumptionAmount.WithLabelValues().Observe(float64(amount))
}

func (m *Metrics) RecordCreditOperation(kind gometer.TransactionKind, amount int) {
	m.creditOpsTotal.WithLabelValues(string(kind)).Inc()
	m.creditOpsAmount.WithLabelValues(string(kind)).Observe(float64(amount))
}

func (m *Metrics) RecordRetryAttempt(_ int, success bool) {
	m.retryAttemptsTotal.WithLabelValues(strconv.FormatBool(success)).Inc()
}

func (m *Metrics) RecordBatchRun(total, succeeded, failed int, elapsed time.Duration) {
	m.batchRunsTotal.Inc()
	m.batchItemsTotal.WithLabelValues("success").Add(float64(succeeded))
	m.batchItemsTotal.WithLabelValues("failure").Add(float64(failed))
	m.batchDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) RecordStoreOperation(operation string, duration time.Duration, err error) {
	m.storeOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storeOpsErrors.WithLabelValues(operation).Inc()
	}
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
