package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder records lifecycle metrics. Implemented by Metrics and NoopMetrics.
type Recorder interface {
	RecordAuthorizationCreated(success bool)
	RecordSignatureVerification(result string)
	RecordSettlement(method, result string, duration time.Duration)
	RecordFacilitatorFallback()
	RecordExpired(count int)
	RecordSecurityEvent(kind string)
}

// Ensure Metrics implements Recorder interface at compile time
var _ Recorder = (*Metrics)(nil)

// Metrics holds all Prometheus metrics for the service
type Metrics struct {
	// Authorization lifecycle
	AuthorizationsCreatedTotal *prometheus.CounterVec
	SignatureVerificationTotal *prometheus.CounterVec
	SettlementsTotal           *prometheus.CounterVec
	SettlementDuration         *prometheus.HistogramVec
	FacilitatorFallbackTotal   prometheus.Counter
	AuthorizationsExpiredTotal prometheus.Counter
	SecurityEventsTotal        *prometheus.CounterVec

	// HTTP Request Metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
}

var (
	defaultMetrics *Metrics
	once           sync.Once
)

// Init returns Prometheus-backed metrics when enabled, NoopMetrics otherwise.
// Prometheus collectors are registered once per process.
func Init(enabled bool) Recorder {
	if !enabled {
		return NewNoopMetrics()
	}

	once.Do(func() {
		defaultMetrics = initMetrics()
	})
	return defaultMetrics
}

func initMetrics() *Metrics {
	return &Metrics{
		AuthorizationsCreatedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "x402_authorizations_created_total",
				Help: "Total number of authorizations generated",
			},
			[]string{"result"}, // success, error
		),
		SignatureVerificationTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "x402_signature_verifications_total",
				Help: "Total number of signature submissions by outcome",
			},
			[]string{"result"},
		),
		SettlementsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "x402_settlements_total",
				Help: "Total number of settlement attempts",
			},
			[]string{"method", "result"},
		),
		SettlementDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "x402_settlement_duration_seconds",
				Help:    "Time spent in settlement provider calls",
				Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"method"},
		),
		FacilitatorFallbackTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "x402_facilitator_fallback_total",
				Help: "Settlements that fell back from the facilitator to the relayer",
			},
		),
		AuthorizationsExpiredTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "x402_authorizations_expired_total",
				Help: "Authorizations moved to expired",
			},
		),
		SecurityEventsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "x402_security_events_total",
				Help: "Signature mismatches and nonce replays",
			},
			[]string{"kind"},
		),
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Current number of HTTP requests being processed",
			},
		),
	}
}

func (m *Metrics) RecordAuthorizationCreated(success bool) {
	result := resultSuccess
	if !success {
		result = resultError
	}
	m.AuthorizationsCreatedTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordSignatureVerification(result string) {
	m.SignatureVerificationTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordSettlement(method, result string, duration time.Duration) {
	m.SettlementsTotal.WithLabelValues(method, result).Inc()
	m.SettlementDuration.WithLabelValues(method).Observe(duration.Seconds())
}

func (m *Metrics) RecordFacilitatorFallback() {
	m.FacilitatorFallbackTotal.Inc()
}

func (m *Metrics) RecordExpired(count int) {
	if count > 0 {
		m.AuthorizationsExpiredTotal.Add(float64(count))
	}
}

func (m *Metrics) RecordSecurityEvent(kind string) {
	m.SecurityEventsTotal.WithLabelValues(kind).Inc()
}
