package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stepline_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stepline_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	enrollmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stepline_enrollments_total",
			Help: "Total enrollment requests by source and result",
		},
		[]string{"source", "result"},
	)

	deliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stepline_deliveries_total",
			Help: "Total delivery attempts by outcome",
		},
		[]string{"outcome"},
	)

	inviteRedemptionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stepline_invite_redemptions_total",
			Help: "Total invite code redemptions by result",
		},
		[]string{"result"},
	)

	tickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stepline_engine_tick_duration_seconds",
			Help:    "Scheduler plus executor tick latency",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	webhookEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stepline_webhook_events_total",
			Help: "Total platform webhook events by type and result",
		},
		[]string{"type", "result"},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stepline_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
		[]string{"key"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordEnrollment records an enrollment request result
func RecordEnrollment(source, result string) {
	enrollmentsTotal.WithLabelValues(source, result).Inc()
}

// RecordDelivery records a delivery attempt outcome
func RecordDelivery(outcome string) {
	deliveriesTotal.WithLabelValues(outcome).Inc()
}

// RecordInviteRedemption records an invite redemption result
func RecordInviteRedemption(result string) {
	inviteRedemptionsTotal.WithLabelValues(result).Inc()
}

// ObserveTick records one engine tick's latency
func ObserveTick(duration time.Duration) {
	tickDuration.Observe(duration.Seconds())
}

// RecordWebhookEvent records a platform webhook event
func RecordWebhookEvent(eventType, result string) {
	webhookEventsTotal.WithLabelValues(eventType, result).Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(key string) {
	rateLimitRejections.WithLabelValues(key).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
