package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type HTTPServerMetrics struct {
	registry *prometheus.Registry

	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	requestInFlight prometheus.Gauge
	rejectedTotal   *prometheus.CounterVec

	chatRequestsTotal  *prometheus.CounterVec
	chatFailuresTotal  *prometheus.CounterVec
	chatFallbacksTotal *prometheus.CounterVec
	chatRetrieved      *prometheus.HistogramVec
	chatDuration       *prometheus.HistogramVec
	jobSubmittedTotal  *prometheus.CounterVec
}

func NewHTTPServerMetrics(service string) *HTTPServerMetrics {
	registry := prometheus.NewRegistry()

	requestTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ragdesk",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests processed.",
		},
		[]string{"service", "method", "path", "status"},
	)
	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ragdesk",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)
	requestInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ragdesk",
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Number of in-flight HTTP requests.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	rejectedTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ragdesk",
			Subsystem: "http",
			Name:      "rejected_total",
			Help:      "Requests rejected by traffic control.",
		},
		[]string{"service", "reason"},
	)
	chatRequestsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ragdesk",
			Subsystem: "chat",
			Name:      "requests_total",
			Help:      "Total answered chat requests by provider.",
		},
		[]string{"service", "provider"},
	)
	chatFailuresTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ragdesk",
			Subsystem: "chat",
			Name:      "failures_total",
			Help:      "Total chat requests that produced no answer.",
		},
		[]string{"service", "reason"},
	)
	chatFallbacksTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ragdesk",
			Subsystem: "chat",
			Name:      "fallbacks_total",
			Help:      "Provider attempts that failed before an answer was produced.",
		},
		[]string{"service"},
	)
	chatRetrieved := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ragdesk",
			Subsystem: "chat",
			Name:      "retrieved_chunks",
			Help:      "Distribution of context chunks per answered chat request.",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 13, 21},
		},
		[]string{"service"},
	)
	chatDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ragdesk",
			Subsystem: "chat",
			Name:      "duration_seconds",
			Help:      "Chat orchestration duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service"},
	)
	jobSubmittedTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ragdesk",
			Subsystem: "jobs",
			Name:      "submitted_total",
			Help:      "Total jobs accepted for asynchronous execution.",
		},
		[]string{"service", "kind"},
	)

	registry.MustRegister(
		requestTotal,
		requestDuration,
		requestInFlight,
		rejectedTotal,
		chatRequestsTotal,
		chatFailuresTotal,
		chatFallbacksTotal,
		chatRetrieved,
		chatDuration,
		jobSubmittedTotal,
	)

	return &HTTPServerMetrics{
		registry:           registry,
		requestTotal:       requestTotal,
		requestDuration:    requestDuration,
		requestInFlight:    requestInFlight,
		rejectedTotal:      rejectedTotal,
		chatRequestsTotal:  chatRequestsTotal,
		chatFailuresTotal:  chatFailuresTotal,
		chatFallbacksTotal: chatFallbacksTotal,
		chatRetrieved:      chatRetrieved,
		chatDuration:       chatDuration,
		jobSubmittedTotal:  jobSubmittedTotal,
	}
}

func (m *HTTPServerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *HTTPServerMetrics) Middleware(service string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		path := normalizePath(r.URL.Path)
		recorder := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		m.requestInFlight.Inc()
		defer m.requestInFlight.Dec()

		next.ServeHTTP(recorder, r)

		m.requestTotal.WithLabelValues(
			service,
			r.Method,
			path,
			strconv.Itoa(recorder.statusCode),
		).Inc()
		m.requestDuration.WithLabelValues(service, r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// normalizePath collapses id segments so label cardinality stays bounded.
func normalizePath(path string) string {
	switch {
	case strings.HasPrefix(path, "/documents/upload/status/"):
		return "/documents/upload/status/{task_id}"
	case strings.HasPrefix(path, "/documents/delete/status/"):
		return "/documents/delete/status/{task_id}"
	case strings.HasPrefix(path, "/company/delete/status/"):
		return "/company/delete/status/{task_id}"
	case path == "/documents/delete/all":
		return path
	case strings.HasPrefix(path, "/documents/delete/"):
		return "/documents/delete/{document_id}"
	default:
		return path
	}
}

func (m *HTTPServerMetrics) RecordRejected(service, reason string) {
	m.rejectedTotal.WithLabelValues(service, reason).Inc()
}

func (m *HTTPServerMetrics) RecordChatAnswer(service, provider string, fallbacks, sourceCount int, duration time.Duration) {
	if provider == "" {
		provider = "unknown"
	}
	m.chatRequestsTotal.WithLabelValues(service, provider).Inc()
	if fallbacks > 0 {
		m.chatFallbacksTotal.WithLabelValues(service).Add(float64(fallbacks))
	}
	m.chatRetrieved.WithLabelValues(service).Observe(float64(sourceCount))
	m.chatDuration.WithLabelValues(service).Observe(duration.Seconds())
}

func (m *HTTPServerMetrics) RecordChatFailure(service, reason string, duration time.Duration) {
	if reason == "" {
		reason = "unknown"
	}
	m.chatFailuresTotal.WithLabelValues(service, reason).Inc()
	m.chatDuration.WithLabelValues(service).Observe(duration.Seconds())
}

func (m *HTTPServerMetrics) RecordJobSubmitted(service, kind string) {
	m.jobSubmittedTotal.WithLabelValues(service, kind).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusRecorder) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusRecorder) Flush() {
	flusher, ok := w.ResponseWriter.(http.Flusher)
	if ok {
		flusher.Flush()
	}
}

func (w *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not implement http.Hijacker")
	}
	return hijacker.Hijack()
}
