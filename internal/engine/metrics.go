package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Traffic: команды по результату (ok, not_found, conflict, invalid, error)
	Commands *prometheus.CounterVec

	// Исходы исполнения одобренных действий (executed, failed, skipped)
	Executions *prometheus.CounterVec

	// Latency: вызов сервиса-владельца
	ExecutionDuration *prometheus.HistogramVec

	// Доставка outbox на шину (sent, failed, dead)
	OutboxPublished *prometheus.CounterVec

	// Saturation: состояние Circuit Breaker (0 - ок, 1 - выбило)
	CircuitBreakerState *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		Commands: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_commands_total",
			Help: "Total number of workflow commands by result.",
		}, []string{"command", "result"}),

		Executions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_executions_total",
			Help: "Outcomes of approved action executions.",
		}, []string{"request_type", "outcome"}),

		ExecutionDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "approvals_execution_duration_seconds",
			Help:    "Histogram of owning service call latencies.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"request_type"}),

		OutboxPublished: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_outbox_published_total",
			Help: "Outbox messages handed to the event bus by result.",
		}, []string{"result"}),

		CircuitBreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "approvals_circuit_breaker_state",
			Help: "Current state of the circuit breaker (0=closed, 1=open).",
		}, []string{"service"}),
	}
}

// BreakerState подходит для executor.Options.OnBreakerState.
func (m *Metrics) BreakerState(service string, open bool) {
	v := 0.0
	if open {
		v = 1
	}
	m.CircuitBreakerState.WithLabelValues(service).Set(v)
}
