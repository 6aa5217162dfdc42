package metrics

import (
	"context"
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
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calcore_http_requests_total",
		Help: "Requests served, by method and chi route pattern.",
	}, []string{"method", "route"})

	httpErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calcore_http_errors_total",
		Help: "Requests answered with a 5xx status.",
	}, []string{"method", "route", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "calcore_http_request_duration_seconds",
		Help:    "Request latency, by method, route and status.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	dbLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "calcore_db_latency_seconds",
		Help:    "Repository call latency, by operation and the route that issued it.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "route"})

	propagationProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calcore_propagation_messages_total",
		Help: "Propagation messages handled, by consumer and outcome.",
	}, []string{"consumer", "outcome"})

	propagationQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "calcore_propagation_queue_depth",
		Help: "Messages waiting in each propagation shard.",
	}, []string{"shard"})

	schedulingMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calcore_scheduling_messages_total",
		Help: "iTIP messages delivered to inboxes, by method.",
	}, []string{"method"})

	brokerPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calcore_broker_published_total",
		Help: "Broker messages published, by topic and outcome.",
	}, []string{"topic", "outcome"})
)

// Middleware records request metrics labelled by the matched chi route pattern.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			// The pattern is only complete once chi has routed the request.
			route := routePattern(r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			method := r.Method
			duration := time.Since(start).Seconds()
			statusCode := strconv.Itoa(status)

			httpRequestsTotal.WithLabelValues(method, route).Inc()
			httpRequestDuration.WithLabelValues(method, route, statusCode).Observe(duration)
			if status >= http.StatusInternalServerError {
				httpErrorsTotal.WithLabelValues(method, route, statusCode).Inc()
			}
		})
	}
}

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveDBLatency records a repository call. Calls outside a request are
// labelled "unknown".
func ObserveDBLatency(ctx context.Context, operation string, start time.Time) {
	route := routeFromContext(ctx)
	dbLatency.WithLabelValues(operation, route).Observe(time.Since(start).Seconds())
}

// PropagationHandled counts one consumer outcome: "ok", "retry", "failed" or "duplicate".
func PropagationHandled(consumer, outcome string) {
	propagationProcessed.WithLabelValues(consumer, outcome).Inc()
}

// SetQueueDepth publishes the backlog of a propagation shard.
func SetQueueDepth(shard int, depth int) {
	propagationQueueDepth.WithLabelValues(strconv.Itoa(shard)).Set(float64(depth))
}

// SchedulingDelivered counts an inbox delivery.
func SchedulingDelivered(method string) {
	schedulingMessages.WithLabelValues(strings.ToUpper(method)).Inc()
}

// BrokerPublished counts a publish attempt.
func BrokerPublished(topic string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	brokerPublished.WithLabelValues(topic, outcome).Inc()
}

func routeFromContext(ctx context.Context) string {
	if rctx := chi.RouteContext(ctx); rctx != nil {
		if pattern := strings.TrimSpace(rctx.RoutePattern()); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := strings.TrimSpace(rctx.RoutePattern()); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}
