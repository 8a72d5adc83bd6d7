// Package metrics provides Prometheus metrics instrumentation for saccharum.
//
// It exposes operational metrics about the analysis pipeline, including the
// duration of each stage (preprocess, inference), per-model outcome counts,
// the distribution of predicted classes and error tracking. All metrics are
// exposed via the /metrics HTTP endpoint for Prometheus scraping.
//
// Metrics exposed:
//   - saccharum_analyses_total: Counter of analyses by model and status
//   - saccharum_preprocess_seconds: Histogram of image preprocessing duration
//   - saccharum_inference_seconds: Histogram of model inference duration by model
//   - saccharum_predicted_class_total: Counter of predictions by model and class
//   - saccharum_models_loaded: Gauge of resident models
//   - saccharum_errors_total: Counter of errors by component and reason
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the server.
type Metrics struct {
	AnalysesTotal       *prometheus.CounterVec
	PreprocessSeconds   prometheus.Histogram
	InferenceSeconds    *prometheus.HistogramVec
	PredictedClassTotal *prometheus.CounterVec
	ModelsLoaded        prometheus.Gauge
	ErrorsTotal         *prometheus.CounterVec
}

// New creates all metrics and registers them with reg.
// A nil reg registers with the default Prometheus registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		AnalysesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "saccharum_analyses_total",
			Help: "Total number of image analyses by model and status",
		}, []string{"model", "status"}),

		PreprocessSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "saccharum_preprocess_seconds",
			Help:    "Time spent decoding and tensorizing images",
			Buckets: prometheus.DefBuckets,
		}),

		InferenceSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "saccharum_inference_seconds",
			Help:    "Time spent running model inference",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"model"}),

		PredictedClassTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "saccharum_predicted_class_total",
			Help: "Total number of predictions by model and top class",
		}, []string{"model", "class"}),

		ModelsLoaded: factory.NewGauge(prometheus.GaugeOpts{
			Name: "saccharum_models_loaded",
			Help: "Number of models currently resident",
		}),

		ErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "saccharum_errors_total",
			Help: "Total number of errors by component and reason",
		}, []string{"component", "reason"}),
	}
}

// RecordAnalysis counts a finished analysis.
func (m *Metrics) RecordAnalysis(model, status string) {
	m.AnalysesTotal.WithLabelValues(model, status).Inc()
}

// RecordPreprocess records the time spent preprocessing.
func (m *Metrics) RecordPreprocess(seconds float64) {
	m.PreprocessSeconds.Observe(seconds)
}

// RecordInference records the time spent in inference for model.
func (m *Metrics) RecordInference(model string, seconds float64) {
	m.InferenceSeconds.WithLabelValues(model).Observe(seconds)
}

// RecordClass counts a predicted class.
func (m *Metrics) RecordClass(model, class string) {
	m.PredictedClassTotal.WithLabelValues(model, class).Inc()
}

// SetModelsLoaded sets the resident model count.
func (m *Metrics) SetModelsLoaded(n int) {
	m.ModelsLoaded.Set(float64(n))
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(component, reason string) {
	m.ErrorsTotal.WithLabelValues(component, reason).Inc()
}
