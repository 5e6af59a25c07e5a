// Package metrics exports engine bookkeeping to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors registered on one registry. Engines share
// them through per-model Recorders.
type Metrics struct {
	queueSize        *prometheus.GaugeVec
	latency          *prometheus.HistogramVec
	requests         *prometheus.CounterVec
	tokens           *prometheus.CounterVec
	generationLength *prometheus.HistogramVec
	compilation      *prometheus.HistogramVec
	warnings         *prometheus.CounterVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		queueSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "streamdecode_queue_size",
			Help: "Requests currently inside Generate",
		}, []string{"model"}),

		latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "streamdecode_inference_latency_seconds",
			Help:    "Wall time per request stage",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 30.0},
		}, []string{"model", "stage"}),

		requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "streamdecode_requests_total",
			Help: "Generate calls by final status",
		}, []string{"model", "status"}),

		tokens: f.NewCounterVec(prometheus.CounterOpts{
			Name: "streamdecode_tokens_generated_total",
			Help: "Token slots produced across all rows",
		}, []string{"model"}),

		generationLength: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "streamdecode_generation_length",
			Help:    "Decode steps taken by completed requests",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"model"}),

		compilation: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "streamdecode_compilation_seconds",
			Help:    "Plan build time per shape",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 60, 300},
		}, []string{"model", "result"}),

		warnings: f.NewCounterVec(prometheus.CounterOpts{
			Name: "streamdecode_input_warnings_total",
			Help: "Requests that needed derived inputs",
		}, []string{"model", "kind"}),
	}
}

// For returns a Recorder labelled with model.
func (m *Metrics) For(model string) *Recorder {
	return &Recorder{m: m, model: model}
}

// Handler serves the registry in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Recorder implements inference.Recorder for one model.
type Recorder struct {
	m     *Metrics
	model string
}

func (r *Recorder) InFlight(delta int) {
	r.m.queueSize.WithLabelValues(r.model).Add(float64(delta))
}

func (r *Recorder) ObserveStage(stage string, d time.Duration) {
	r.m.latency.WithLabelValues(r.model, stage).Observe(d.Seconds())
}

func (r *Recorder) Request(status string) {
	r.m.requests.WithLabelValues(r.model, status).Inc()
}

func (r *Recorder) Tokens(n int) {
	r.m.tokens.WithLabelValues(r.model).Add(float64(n))
}

func (r *Recorder) GenerationLength(n int) {
	r.m.generationLength.WithLabelValues(r.model).Observe(float64(n))
}

func (r *Recorder) Build(d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.m.compilation.WithLabelValues(r.model, result).Observe(d.Seconds())
}

func (r *Recorder) Warning(kind string) {
	r.m.warnings.WithLabelValues(r.model, kind).Inc()
}
