package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry aggregates the Prometheus collectors used across ingest
// authorization, stream lifecycle, and transcoding orchestration.
type Registry struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	publishAttempts   *prometheus.CounterVec
	streamStatus      *prometheus.CounterVec
	transcodeJobs     *prometheus.CounterVec
	activeJobs        prometheus.Gauge
	playlistsWritten  prometheus.Counter
	notifyPublishErrs prometheus.Counter
}

// NewRegistry creates and registers all collectors on a fresh registry so
// tests can run in parallel without duplicate registration panics.
func NewRegistry() *Registry {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "novacast_http_requests_total",
		Help: "Total number of HTTP requests received",
	}, []string{"method", "path", "status"})
	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "novacast_http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
	publishAttempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "novacast_publish_attempts_total",
		Help: "Publish authorization attempts by result",
	}, []string{"result"})
	streamStatus := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "novacast_stream_status_events_total",
		Help: "Stream status transitions observed by the gatekeeper",
	}, []string{"status"})
	transcodeJobs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "novacast_transcode_jobs_total",
		Help: "Transcode job transitions by resulting status",
	}, []string{"status"})
	activeJobs := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "novacast_transcode_active_jobs",
		Help: "Number of encode processes currently tracked by the registry",
	})
	playlistsWritten := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "novacast_master_playlists_written_total",
		Help: "Master playlist regenerations written to disk",
	})
	notifyPublishErrs := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "novacast_notify_publish_errors_total",
		Help: "Status notification publishes that failed",
	})

	registry.MustRegister(
		requestsTotal,
		requestDuration,
		publishAttempts,
		streamStatus,
		transcodeJobs,
		activeJobs,
		playlistsWritten,
		notifyPublishErrs,
	)

	return &Registry{
		registry:          registry,
		requestsTotal:     requestsTotal,
		requestDuration:   requestDuration,
		publishAttempts:   publishAttempts,
		streamStatus:      streamStatus,
		transcodeJobs:     transcodeJobs,
		activeJobs:        activeJobs,
		playlistsWritten:  playlistsWritten,
		notifyPublishErrs: notifyPublishErrs,
	}
}

// Handler exposes the registry in the Prometheus text format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// ObservePublishAttempt records an authorization outcome: "accepted" or
// "rejected".
func (r *Registry) ObservePublishAttempt(result string) {
	if r == nil {
		return
	}
	r.publishAttempts.WithLabelValues(result).Inc()
}

// ObserveStreamStatus records a session status transition.
func (r *Registry) ObserveStreamStatus(status string) {
	if r == nil {
		return
	}
	r.streamStatus.WithLabelValues(status).Inc()
}

// ObserveJobTransition records a transcode job reaching the given status.
func (r *Registry) ObserveJobTransition(status string) {
	if r == nil {
		return
	}
	r.transcodeJobs.WithLabelValues(status).Inc()
}

// SetActiveJobs updates the registry gauge of live encode processes.
func (r *Registry) SetActiveJobs(n int) {
	if r == nil {
		return
	}
	r.activeJobs.Set(float64(n))
}

// ObservePlaylistWritten counts one master playlist regeneration.
func (r *Registry) ObservePlaylistWritten() {
	if r == nil {
		return
	}
	r.playlistsWritten.Inc()
}

// ObserveNotifyError counts one failed notification publish.
func (r *Registry) ObserveNotifyError() {
	if r == nil {
		return
	}
	r.notifyPublishErrs.Inc()
}

// Middleware instruments an HTTP handler with request count and latency.
func (r *Registry) Middleware(next http.Handler) http.Handler {
	if r == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		recorder := NewResponseRecorder(w)
		start := time.Now()
		next.ServeHTTP(recorder, req)
		duration := time.Since(start)
		r.requestsTotal.WithLabelValues(req.Method, req.URL.Path, strconv.Itoa(recorder.Status())).Inc()
		r.requestDuration.WithLabelValues(req.Method, req.URL.Path).Observe(duration.Seconds())
	})
}

// ResponseRecorder captures the status code written by downstream handlers.
type ResponseRecorder struct {
	http.ResponseWriter
	status int
}

// NewResponseRecorder wraps w, defaulting the status to 200 until WriteHeader
// is called.
func NewResponseRecorder(w http.ResponseWriter) *ResponseRecorder {
	return &ResponseRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (r *ResponseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Status returns the recorded status code.
func (r *ResponseRecorder) Status() int {
	return r.status
}
