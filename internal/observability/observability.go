// Package observability builds the process logger and the Prometheus metrics.
package observability

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jbndrf/Tabtin-sub001/internal/common"
	"github.com/jbndrf/Tabtin-sub001/internal/entity"
)

// NewLogger creates a structured logger: JSON when format is "json", text otherwise.
func NewLogger(cfg common.LogConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Metrics holds every collector on its own registry.
type Metrics struct {
	reg *prometheus.Registry

	JobsEnqueued   *prometheus.CounterVec
	Attempts       *prometheus.CounterVec
	AttemptSeconds *prometheus.HistogramVec
	Extractions    *prometheus.CounterVec
	Tokens         *prometheus.CounterVec
	Workers        prometheus.Gauge
	WorkerStarts   prometheus.Counter
	EventsDropped  prometheus.Counter
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		JobsEnqueued: f.NewCounterVec(prometheus.CounterOpts{
			Name: "extractor_jobs_enqueued_total",
			Help: "Jobs added to the queue.",
		}, []string{"type"}),
		Attempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "extractor_attempts_total",
			Help: "Batch and redo attempts by outcome.",
		}, []string{"type", "status"}),
		AttemptSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "extractor_attempt_duration_seconds",
			Help:    "Duration of batch and redo attempts, model call included.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}, []string{"type"}),
		Extractions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "extractor_values_extracted_total",
			Help: "Column values written to rows.",
		}, []string{"type"}),
		Tokens: f.NewCounterVec(prometheus.CounterOpts{
			Name: "extractor_model_tokens_total",
			Help: "Tokens reported by the model endpoint.",
		}, []string{"model"}),
		Workers: f.NewGauge(prometheus.GaugeOpts{
			Name: "extractor_executors_running",
			Help: "Tenant executors currently running.",
		}),
		WorkerStarts: f.NewCounter(prometheus.CounterOpts{
			Name: "extractor_executor_starts_total",
			Help: "Tenant executors started.",
		}),
		EventsDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "extractor_events_dropped_total",
			Help: "Batch events dropped because the dispatcher queue was full.",
		}),
	}
}

// Registry exposes the registry so callers can add their own collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Record turns a processing metric into counter and histogram updates. It
// satisfies the executor's metrics sink and never fails.
func (m *Metrics) Record(_ context.Context, pm *entity.ProcessingMetric) error {
	jt := string(pm.JobType)
	m.Attempts.WithLabelValues(jt, pm.Status).Inc()
	if !pm.EndTime.IsZero() && !pm.StartTime.IsZero() {
		m.AttemptSeconds.WithLabelValues(jt).Observe(pm.EndTime.Sub(pm.StartTime).Seconds())
	}
	if pm.ExtractionCount != nil {
		m.Extractions.WithLabelValues(jt).Add(float64(*pm.ExtractionCount))
	}
	if pm.TokensUsed != nil && *pm.TokensUsed > 0 {
		model := pm.ModelUsed
		if model == "" {
			model = "unknown"
		}
		m.Tokens.WithLabelValues(model).Add(float64(*pm.TokensUsed))
	}
	return nil
}
