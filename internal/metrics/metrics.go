// Package metrics exposes Prometheus instrumentation for the collaboration
// service: HTTP middleware plus counters and gauges fed by the session layer.
package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nookplot",
		Subsystem: "collab",
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests received",
	}, []string{"method", "path", "status"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "nookplot",
		Subsystem: "collab",
		Name:      "http_request_duration_seconds",
		Help:      "Duration of HTTP requests in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	activeRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "nookplot",
		Subsystem: "collab",
		Name:      "active_rooms",
		Help:      "Number of live rooms in the registry",
	})

	activeConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "nookplot",
		Subsystem: "collab",
		Name:      "active_connections",
		Help:      "Number of attached websocket connections",
	})

	documentUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "nookplot",
		Subsystem: "collab",
		Name:      "document_updates_total",
		Help:      "Document updates merged and relayed",
	})

	awarenessUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "nookplot",
		Subsystem: "collab",
		Name:      "awareness_updates_total",
		Help:      "Awareness payloads relayed",
	})

	flushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nookplot",
		Subsystem: "collab",
		Name:      "document_flushes_total",
		Help:      "Document persistence attempts by outcome",
	}, []string{"status"})

	rejectedConnections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nookplot",
		Subsystem: "collab",
		Name:      "rejected_connections_total",
		Help:      "Websocket connections rejected at establishment",
	}, []string{"reason"})
)

func RoomOpened() { activeRooms.Inc() }
func RoomClosed() { activeRooms.Dec() }

func ConnOpened() { activeConnections.Inc() }
func ConnClosed() { activeConnections.Dec() }

func UpdateMerged() { documentUpdates.Inc() }

func AwarenessRelayed() { awarenessUpdates.Inc() }

func FlushSucceeded() { flushes.WithLabelValues("success").Inc() }
func FlushFailed()    { flushes.WithLabelValues("failure").Inc() }

func ConnRejected(reason string) { rejectedConnections.WithLabelValues(reason).Inc() }

type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := r.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("collab metrics: underlying ResponseWriter does not support hijacking")
}

// Middleware records request metrics with Prometheus labels.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(rec, r)

		labels := prometheus.Labels{
			"method": r.Method,
			"path":   r.URL.Path,
			"status": strconv.Itoa(rec.status),
		}
		httpRequests.With(labels).Inc()
		httpLatency.With(labels).Observe(time.Since(start).Seconds())
	})
}

// Handler exposes the default Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
