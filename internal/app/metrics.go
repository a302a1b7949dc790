package app

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rewear/exchange-service/internal/domain"
)

// Metrics records engine and HTTP observations.
type Metrics interface {
	ObserveOperation(op string, err error, took time.Duration)
	ExchangeCompleted(kind domain.SwapType)
	SwapsSuperseded(n int)
	OutboxDispatched(published, failed int)
	ObserveRequest(took time.Duration, status int, route string)
}

// NoopMetrics discards every observation.
type NoopMetrics struct{}

func (NoopMetrics) ObserveOperation(string, error, time.Duration) {}
func (NoopMetrics) ExchangeCompleted(domain.SwapType)             {}
func (NoopMetrics) SwapsSuperseded(int)                           {}
func (NoopMetrics) OutboxDispatched(int, int)                     {}
func (NoopMetrics) ObserveRequest(time.Duration, int, string)     {}

// PrometheusMetrics exports the observations as Prometheus collectors.
type PrometheusMetrics struct {
	operations      *prometheus.CounterVec
	operationTime   *prometheus.HistogramVec
	exchanges       *prometheus.CounterVec
	superseded      prometheus.Counter
	outbox          *prometheus.CounterVec
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// NewPrometheusMetrics registers the collectors on reg.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	m := &PrometheusMetrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rewear",
			Subsystem: "exchange",
			Name:      "operations_total",
			Help:      "Engine operations by outcome kind.",
		}, []string{"operation", "result"}),
		operationTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "rewear",
			Subsystem: "exchange",
			Name:      "operation_duration_seconds",
			Help:      "Engine operation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		exchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rewear",
			Subsystem: "exchange",
			Name:      "completed_total",
			Help:      "Completed swaps and redemptions.",
		}, []string{"type"}),
		superseded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rewear",
			Subsystem: "exchange",
			Name:      "superseded_requests_total",
			Help:      "Pending requests rejected because their item left circulation.",
		}),
		outbox: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rewear",
			Subsystem: "outbox",
			Name:      "events_total",
			Help:      "Outbox events relayed to the broker.",
		}, []string{"result"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rewear",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status.",
		}, []string{"route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "rewear",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
	reg.MustRegister(m.operations, m.operationTime, m.exchanges, m.superseded, m.outbox, m.requests, m.requestDuration)
	return m
}

func (m *PrometheusMetrics) ObserveOperation(op string, err error, took time.Duration) {
	result := "ok"
	if err != nil {
		result = domain.ErrorKind(err)
	}
	m.operations.WithLabelValues(op, result).Inc()
	m.operationTime.WithLabelValues(op).Observe(took.Seconds())
}

func (m *PrometheusMetrics) ExchangeCompleted(kind domain.SwapType) {
	m.exchanges.WithLabelValues(string(kind)).Inc()
}

func (m *PrometheusMetrics) SwapsSuperseded(n int) {
	if n > 0 {
		m.superseded.Add(float64(n))
	}
}

func (m *PrometheusMetrics) OutboxDispatched(published, failed int) {
	if published > 0 {
		m.outbox.WithLabelValues("published").Add(float64(published))
	}
	if failed > 0 {
		m.outbox.WithLabelValues("failed").Add(float64(failed))
	}
}

func (m *PrometheusMetrics) ObserveRequest(took time.Duration, status int, route string) {
	m.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(route).Observe(took.Seconds())
}
