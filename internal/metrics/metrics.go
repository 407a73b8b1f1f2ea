// Package metrics holds the Prometheus collectors of the API service: gateway
// counters and the HTTP instrumentation middleware. Collectors register with
// the default registry and are served by Handler on /metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	activeConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "skillsync_ws_active_connections",
		Help: "Open realtime connections.",
	})

	messagesPersisted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "skillsync_messages_persisted_total",
		Help: "Messages appended to the chat store, by entry point.",
	}, []string{"source"})

	duplicatesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "skillsync_messages_duplicates_dropped_total",
		Help: "Sends absorbed by the dedup window.",
	})

	sendErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "skillsync_send_errors_total",
		Help: "Error events returned to senders, by reason.",
	}, []string{"reason"})

	broadcastFanout = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "skillsync_broadcast_fanout",
		Help:    "Connections reached per room broadcast.",
		Buckets: []float64{0, 1, 2, 5, 10, 50, 100, 500, 1000, 5000},
	})

	httpReqs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	// status is left out to keep histogram cardinality down
	httpLat = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// Message sources.
const (
	SourceSocket = "ws"
	SourceREST   = "rest"
)

func init() {
	prometheus.MustRegister(
		activeConnections, messagesPersisted, duplicatesDropped,
		sendErrors, broadcastFanout, httpReqs, httpLat,
	)
}

func ConnectionOpened() { activeConnections.Inc() }
func ConnectionClosed() { activeConnections.Dec() }

func MessagePersisted(source string) { messagesPersisted.WithLabelValues(source).Inc() }

func DuplicateDropped() { duplicatesDropped.Inc() }

func SendError(reason string) { sendErrors.WithLabelValues(reason).Inc() }

func Broadcast(recipients int) { broadcastFanout.Observe(float64(recipients)) }

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HTTP counts requests and their latency. The path label is the chi route
// pattern; requests that matched no route share one "unmatched" label.
func HTTP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				path = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		httpReqs.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		httpLat.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// ConnectionsReset zeroes the gauge after the hub dropped every connection at once.
func ConnectionsReset() { activeConnections.Set(0) }
