// Package observability wires the Prometheus registry, the HTTP middleware
// and the domain counters incremented by the requisition and payment
// services.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for the application.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	requisitionsSubmitted *prometheus.CounterVec
	requisitionsApproved  prometheus.Counter
	requisitionsRejected  prometheus.Counter
	chainEscalations      prometheus.Counter
	paymentsExecuted      prometheus.Counter
	paymentsFailed        *prometheus.CounterVec
	otpIssued             prometheus.Counter
}

// NewMetrics initializes the registry and all series.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pettycash_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pettycash_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})

	submitted := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pettycash_requisitions_submitted_total",
		Help: "Requisitions submitted, by origin type.",
	}, []string{"origin"})
	approved := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pettycash_requisitions_approved_total",
		Help: "Requisitions that reached full approval.",
	})
	rejected := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pettycash_requisitions_rejected_total",
		Help: "Requisitions rejected at any position.",
	})
	escalations := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pettycash_chain_escalations_total",
		Help: "Approval positions auto-escalated for lack of candidates.",
	})
	executed := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pettycash_payments_executed_total",
		Help: "Payments executed successfully.",
	})
	failed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pettycash_payments_failed_total",
		Help: "Payment execution attempts rolled back, by reason.",
	}, []string{"reason"})
	otp := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pettycash_otp_issued_total",
		Help: "One-time codes issued for payment execution.",
	})

	registry.MustRegister(requests, duration, submitted, approved, rejected,
		escalations, executed, failed, otp)
	return &Metrics{
		registry:              registry,
		handler:               promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:         requests,
		requestDuration:       duration,
		requisitionsSubmitted: submitted,
		requisitionsApproved:  approved,
		requisitionsRejected:  rejected,
		chainEscalations:      escalations,
		paymentsExecuted:      executed,
		paymentsFailed:        failed,
		otpIssued:             otp,
	}
}

// RequisitionSubmitted increments the submission counter.
func (m *Metrics) RequisitionSubmitted(origin string) {
	if m != nil {
		m.requisitionsSubmitted.WithLabelValues(origin).Inc()
	}
}

// RequisitionApproved increments the full-approval counter.
func (m *Metrics) RequisitionApproved() {
	if m != nil {
		m.requisitionsApproved.Inc()
	}
}

// RequisitionRejected increments the rejection counter.
func (m *Metrics) RequisitionRejected() {
	if m != nil {
		m.requisitionsRejected.Inc()
	}
}

// ChainEscalated increments the auto-escalation counter.
func (m *Metrics) ChainEscalated() {
	if m != nil {
		m.chainEscalations.Inc()
	}
}

// PaymentExecuted increments the successful execution counter.
func (m *Metrics) PaymentExecuted() {
	if m != nil {
		m.paymentsExecuted.Inc()
	}
}

// PaymentFailed increments the failure counter for a reason.
func (m *Metrics) PaymentFailed(reason string) {
	if m != nil {
		m.paymentsFailed.WithLabelValues(reason).Inc()
	}
}

// OTPIssued increments the issued-code counter.
func (m *Metrics) OTPIssued() {
	if m != nil {
		m.otpIssued.Inc()
	}
}

// Handler returns the http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records request metrics for every HTTP request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Registerer exposes the registry for custom series.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
