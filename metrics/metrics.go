package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels for bgremover_requests_total.
const (
	OutcomeSuccess     = "success"
	OutcomeInvalid     = "invalid"
	OutcomeUnavailable = "unavailable"
	OutcomeError       = "error"
	OutcomeRateLimited = "rate_limited"
)

// Metrics holds all Prometheus metrics for the service
type Metrics struct {
	registry *prometheus.Registry

	Requests         *prometheus.CounterVec
	ProcessingTime   prometheus.Histogram
	InferenceTime    prometheus.Histogram
	InferenceFlight  prometheus.Gauge
	ModelLoaded      prometheus.Gauge
	CacheHits        prometheus.Counter
	CacheMisses      prometheus.Counter
	BackendProbeFail prometheus.Counter
}

// New creates all metrics on a private registry together with the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bgremover_requests_total",
			Help: "Background removal requests by outcome",
		}, []string{"outcome"}),
		ProcessingTime: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "bgremover_processing_seconds",
			Help:    "End-to-end processing time of successful background removals",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}),
		InferenceTime: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "bgremover_inference_seconds",
			Help:    "Time spent waiting on the inference backend",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}),
		InferenceFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "bgremover_inference_in_flight",
			Help: "Inference calls currently running against the backend",
		}),
		ModelLoaded: f.NewGauge(prometheus.GaugeOpts{
			Name: "bgremover_model_loaded",
			Help: "1 when the segmentation model is warmed up and reachable",
		}),
		CacheHits: f.NewCounter(prometheus.CounterOpts{
			Name: "bgremover_cache_hits_total",
			Help: "Results served from the result cache",
		}),
		CacheMisses: f.NewCounter(prometheus.CounterOpts{
			Name: "bgremover_cache_misses_total",
			Help: "Result cache lookups that required inference",
		}),
		BackendProbeFail: f.NewCounter(prometheus.CounterOpts{
			Name: "bgremover_backend_probe_failures_total",
			Help: "Failed liveness probes against the inference backend",
		}),
	}
}

func (m *Metrics) ObserveRequest(outcome string) {
	m.Requests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetModelLoaded(loaded bool) {
	if loaded {
		m.ModelLoaded.Set(1)
		return
	}
	m.ModelLoaded.Set(0)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
