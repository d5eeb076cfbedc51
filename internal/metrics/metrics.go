package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hrpulse_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hrpulse_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	connectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hrpulse_connections_active",
			Help: "Live hub connections in the registry",
		},
	)

	connectionEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hrpulse_connection_events_total",
			Help: "Connection lifecycle events (connected, disconnected, rejected, evicted)",
		},
		[]string{"event"},
	)

	notificationsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hrpulse_notifications_dispatched_total",
			Help: "Notifications handed to the transport by dispatch kind",
		},
		[]string{"kind"},
	)

	sendFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hrpulse_send_failures_total",
			Help: "Transport writes that failed by dispatch kind",
		},
		[]string{"kind"},
	)

	deliveryTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hrpulse_delivery_transitions_total",
			Help: "Delivery status transitions by resulting state",
		},
		[]string{"state"},
	)

	heartbeatsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hrpulse_heartbeats_sent_total",
			Help: "Heartbeats issued by the health monitor",
		},
	)

	heartbeatsMissed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hrpulse_heartbeats_missed_total",
			Help: "Heartbeats that were not answered within the response window",
		},
	)

	recoveryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hrpulse_recovery_attempts_total",
			Help: "Connection recovery attempts by trigger",
		},
		[]string{"trigger"},
	)

	offlineQueue = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hrpulse_offline_queue_total",
			Help: "Offline queue operations (enqueued, flushed, evicted)",
		},
		[]string{"op"},
	)

	hubRPCs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hrpulse_hub_rpc_total",
			Help: "Hub RPC calls by method and result",
		},
		[]string{"method", "result"},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hrpulse_idempotency_hits_total",
			Help: "Requests or queue messages skipped as duplicates",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hrpulse_rate_limit_rejections_total",
			Help: "Requests rejected by the rate limiter by key kind (client, ip)",
		},
		[]string{"kind"},
	)

	sqsMessagesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hrpulse_sqs_messages_in_flight",
			Help: "Current bridge messages being processed from SQS",
		},
	)

	escalations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hrpulse_escalations_total",
			Help: "Critical notifications published for offline users by result",
		},
		[]string{"result"},
	)

	circuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hrpulse_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"name"},
	)
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func SetActiveConnections(count int) {
	connectionsActive.Set(float64(count))
}

// RecordConnectionEvent: connected, disconnected, rejected or evicted.
func RecordConnectionEvent(event string) {
	connectionEvents.WithLabelValues(event).Inc()
}

func RecordDispatch(kind string) {
	notificationsDispatched.WithLabelValues(kind).Inc()
}

func RecordSendFailure(kind string) {
	sendFailures.WithLabelValues(kind).Inc()
}

func RecordDeliveryTransition(state string) {
	deliveryTransitions.WithLabelValues(state).Inc()
}

func RecordHeartbeatSent() {
	heartbeatsSent.Inc()
}

func RecordHeartbeatMissed() {
	heartbeatsMissed.Inc()
}

// trigger is "monitor" or "manual".
func RecordRecoveryAttempt(trigger string) {
	recoveryAttempts.WithLabelValues(trigger).Inc()
}

func RecordOfflineEnqueued() {
	offlineQueue.WithLabelValues("enqueued").Inc()
}

func RecordOfflineFlushed(count int) {
	offlineQueue.WithLabelValues("flushed").Add(float64(count))
}

func RecordOfflineEvicted(count int) {
	offlineQueue.WithLabelValues("evicted").Add(float64(count))
}

func RecordRPC(method, result string) {
	hubRPCs.WithLabelValues(method, result).Inc()
}

func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection labels by the part of key before the first colon,
// never the full key.
func RecordRateLimitRejection(key string) {
	kind, _, found := strings.Cut(key, ":")
	if !found {
		kind = "other"
	}
	rateLimitRejections.WithLabelValues(kind).Inc()
}

func SetSQSMessagesInFlight(count int) {
	sqsMessagesInFlight.Set(float64(count))
}

func RecordEscalation(result string) {
	escalations.WithLabelValues(result).Inc()
}

func SetCircuitState(name string, state int) {
	circuitState.WithLabelValues(name).Set(float64(state))
}

// Middleware records request count and latency. Paths are labelled with the
// chi route pattern so /v1/deliveries/{id} stays one series.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		path := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		RecordRequest(r.Method, path, status, time.Since(start))
	})
}
