package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service collectors on a private registry. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	registry     *prometheus.Registry
	conversions  *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	active       prometheus.Gauge
	filesRemoved *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		conversions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spotmp3",
			Name:      "conversions_total",
			Help:      "Finished conversions by outcome and platform.",
		}, []string{"outcome", "platform"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "spotmp3",
			Name:      "conversion_duration_seconds",
			Help:      "Time from request to file ready or failure.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"outcome"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "spotmp3",
			Name:      "conversions_active",
			Help:      "Conversions currently in progress.",
		}),
		filesRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spotmp3",
			Name:      "temp_files_removed_total",
			Help:      "Temp files deleted, by reason.",
		}, []string{"reason"}),
	}
	m.registry.MustRegister(
		m.conversions,
		m.duration,
		m.active,
		m.filesRemoved,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) conversionStarted() {
	if m == nil {
		return
	}
	m.active.Inc()
}

func (m *Metrics) conversionFinished(outcome string, platform Platform, took time.Duration) {
	if m == nil {
		return
	}
	m.active.Dec()
	m.conversions.WithLabelValues(outcome, string(platform)).Inc()
	m.duration.WithLabelValues(outcome).Observe(took.Seconds())
}

// FileRemoved matches the FileReaper OnRemove hook.
func (m *Metrics) FileRemoved(reason string) {
	if m == nil {
		return
	}
	m.filesRemoved.WithLabelValues(reason).Inc()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.converter.Stats()
	health := HealthStatus{
		Status:               "healthy",
		ActiveConversions:    stats.Active,
		CompletedConversions: stats.Completed,
		FailedConversions:    stats.Failed,
		ProgressBackend:      s.tracker.Backend(),
		TempDir:              s.tempDir,
		Uptime:               time.Since(s.started).Round(time.Second).String(),
	}
	writeJSON(w, http.StatusOK, health)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
