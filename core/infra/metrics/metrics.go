package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Queue captures counters and gauges for job lifecycle events.
type Queue interface {
	IncJobsEnqueued(model string)
	IncJobsCompleted(model, outcome string)
	ObserveJobDuration(model, outcome string, durationSeconds float64)
	SetActiveJobs(count float64)
}

// Proxy captures request metrics for the HTTP-facing proxy.
type Proxy interface {
	ObserveRequest(route, status string, durationSeconds float64)
}

// NoopQueue implements Queue without emitting anything.
type NoopQueue struct{}

func (NoopQueue) IncJobsEnqueued(string)                     {}
func (NoopQueue) IncJobsCompleted(string, string)            {}
func (NoopQueue) ObserveJobDuration(string, string, float64) {}
func (NoopQueue) SetActiveJobs(float64)                      {}

// Prom implements Queue backed by Prometheus counters, a gauge, and a
// histogram.
type Prom struct {
	jobsEnqueued  *prometheus.CounterVec
	jobsCompleted *prometheus.CounterVec
	activeJobs    prometheus.Gauge
	jobDuration   *prometheus.HistogramVec
	once          sync.Once
}

// NewProm constructs a Prom under the given namespace and registers its
// collectors with the default Prometheus registry.
func NewProm(namespace string) *Prom {
	p := &Prom{
		jobsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_enqueued_total",
			Help:      "Jobs enqueued by model",
		}, []string{"model"}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_completed_total",
			Help:      "Jobs reaching a terminal outcome by model and outcome",
		}, []string{"model", "outcome"}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_jobs",
			Help:      "Jobs currently registered in the active-jobs set",
		}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Seconds from enqueue to terminal event, by model and outcome",
			Buckets:   prometheus.DefBuckets,
		}, []string{"model", "outcome"}),
	}
	p.register()
	return p
}

func (p *Prom) register() {
	p.once.Do(func() {
		prometheus.MustRegister(p.jobsEnqueued, p.jobsCompleted, p.activeJobs, p.jobDuration)
	})
}

func (p *Prom) IncJobsEnqueued(model string) {
	p.jobsEnqueued.WithLabelValues(model).Inc()
}

func (p *Prom) IncJobsCompleted(model, outcome string) {
	p.jobsCompleted.WithLabelValues(model, outcome).Inc()
}

func (p *Prom) ObserveJobDuration(model, outcome string, durationSeconds float64) {
	p.jobDuration.WithLabelValues(model, outcome).Observe(durationSeconds)
}

func (p *Prom) SetActiveJobs(count float64) {
	p.activeJobs.Set(count)
}

// Handler returns an HTTP handler serving Prometheus's text exposition
// format at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

type proxyProm struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	once     sync.Once
}

// NewProxyProm constructs a Proxy backed by a request counter and a latency
// histogram, both labeled by route.
func NewProxyProm(namespace string) Proxy {
	p := &proxyProm{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_requests_total",
			Help:      "Proxy HTTP requests by route and status",
		}, []string{"route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "proxy_request_duration_seconds",
			Help:      "Proxy HTTP request latency by route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
	p.once.Do(func() {
		prometheus.MustRegister(p.requests, p.latency)
	})
	return p
}

func (p *proxyProm) ObserveRequest(route, status string, durationSeconds float64) {
	p.requests.WithLabelValues(route, status).Inc()
	p.latency.WithLabelValues(route).Observe(durationSeconds)
}
