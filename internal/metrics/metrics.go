package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Tier buckets a task priority for the queue_depth gauge.
func Tier(priority int) string {
	switch {
	case priority >= 90:
		return "high"
	case priority >= 50:
		return "medium"
	default:
		return "low"
	}
}

// Registry holds the process metrics on a private prometheus registry.
type Registry struct {
	reg *prometheus.Registry

	DownloadsSuccess *prometheus.CounterVec
	DownloadsFailure *prometheus.CounterVec
	TaskRetries      *prometheus.CounterVec
	Errors           *prometheus.CounterVec
	Alerts           *prometheus.CounterVec
	BytesDownloaded  prometheus.Counter
	QueueDepthTotal  prometheus.Gauge
	QueueDepth       *prometheus.GaugeVec
	TaskDuration     *prometheus.HistogramVec
	QueueWait        prometheus.Histogram
}

// New builds a registry. withRuntime adds the Go and process collectors.
func New(withRuntime bool) *Registry {
	reg := prometheus.NewRegistry()
	if withRuntime {
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	f := promauto.With(reg)

	return &Registry{
		reg: reg,
		DownloadsSuccess: f.NewCounterVec(prometheus.CounterOpts{
			Name: "downloads_success_total",
			Help: "Downloads finished successfully.",
		}, []string{"kind"}),
		DownloadsFailure: f.NewCounterVec(prometheus.CounterOpts{
			Name: "downloads_failure_total",
			Help: "Downloads that failed terminally.",
		}, []string{"kind"}),
		TaskRetries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "task_retries_total",
			Help: "Retries scheduled, by the attempt number that failed.",
		}, []string{"attempt"}),
		Errors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "errors_total",
			Help: "Errors by category.",
		}, []string{"category"}),
		Alerts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "alerts_total",
			Help: "Operator alerts sent.",
		}, []string{"type", "severity"}),
		BytesDownloaded: f.NewCounter(prometheus.CounterOpts{
			Name: "downloaded_bytes_total",
			Help: "Bytes produced by successful downloads.",
		}),
		QueueDepthTotal: f.NewGauge(prometheus.GaugeOpts{
			Name: "queue_depth_total",
			Help: "Admitted tasks not yet finished.",
		}),
		QueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Admitted tasks not yet finished, by priority tier.",
		}, []string{"priority_tier"}),
		TaskDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "task_duration_seconds",
			Help:    "Duration of a single execution attempt.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"kind", "outcome"}),
		QueueWait: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "queue_wait_seconds",
			Help:    "Time between admission and first execution.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Handler serves the registry in the prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// TaskQueued accounts an admitted task in the depth gauges.
func (r *Registry) TaskQueued(priority int) {
	r.QueueDepthTotal.Inc()
	r.QueueDepth.WithLabelValues(Tier(priority)).Inc()
}

// TaskDone removes a finished task from the depth gauges.
func (r *Registry) TaskDone(priority int) {
	r.QueueDepthTotal.Dec()
	r.QueueDepth.WithLabelValues(Tier(priority)).Dec()
}

func (r *Registry) DownloadSucceeded(kind string, bytes int64) {
	r.DownloadsSuccess.WithLabelValues(kind).Inc()
	if bytes > 0 {
		r.BytesDownloaded.Add(float64(bytes))
	}
}

func (r *Registry) DownloadFailed(kind, category string) {
	r.DownloadsFailure.WithLabelValues(kind).Inc()
	r.Error(category)
}

func (r *Registry) Error(category string) {
	if category == "" {
		category = "other"
	}
	r.Errors.WithLabelValues(category).Inc()
}

// ObserveRetry implements retry.Observer.
func (r *Registry) ObserveRetry(attempt int) {
	r.TaskRetries.WithLabelValues(strconv.Itoa(attempt)).Inc()
}

func (r *Registry) ObserveAttempt(kind, outcome string, d time.Duration) {
	r.TaskDuration.WithLabelValues(kind, outcome).Observe(d.Seconds())
}

func (r *Registry) ObserveQueueWait(d time.Duration) { r.QueueWait.Observe(d.Seconds()) }

func (r *Registry) AlertSent(alertType, severity string) {
	r.Alerts.WithLabelValues(alertType, severity).Inc()
}

func (r *Registry) DownloadsSucceeded() float64 { return Sum(r.DownloadsSuccess) }
func (r *Registry) DownloadsFailed() float64    { return Sum(r.DownloadsFailure) }
func (r *Registry) Retries() float64            { return Sum(r.TaskRetries) }
func (r *Registry) QueueDepthValue() float64    { return Sum(r.QueueDepthTotal) }
func (r *Registry) Downloaded() float64         { return Sum(r.BytesDownloaded) }
