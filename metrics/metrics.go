// Package metrics exposes rotation and second factor counters over Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder holds the service collectors. A nil *Recorder is valid and records nothing.
type Recorder struct {
	rotationAttempts  *prometheus.CounterVec
	rotationDuration  prometheus.Histogram
	rotationInFlight  prometheus.Gauge
	totpVerifications *prometheus.CounterVec
	backupsSaved      prometheus.Counter
}

// NewRecorder registers the collectors under namespace with reg.
func NewRecorder(namespace string, reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)

	return &Recorder{
		rotationAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rotation_attempts_total",
			Help:      "Rotation attempts by outcome (success or failure reason).",
		}, []string{"outcome"}),
		rotationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rotation_duration_seconds",
			Help:      "Wall time of rotation attempts that passed the in-flight guard.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		rotationInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rotation_in_progress",
			Help:      "1 while a rotation holds the key slot.",
		}),
		totpVerifications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "totp_verifications_total",
			Help:      "Second factor verifications by result.",
		}, []string{"result"}),
		backupsSaved: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backups_saved_total",
			Help:      "Encrypted key backups written.",
		}),
	}
}

// RotationStarted marks a rotation as in flight. The returned function must be
// called exactly once with the outcome label.
func (r *Recorder) RotationStarted() func(outcome string) {
	if r == nil {
		return func(string) {}
	}
	start := time.Now()
	r.rotationInFlight.Set(1)
	return func(outcome string) {
		r.rotationInFlight.Set(0)
		r.rotationDuration.Observe(time.Since(start).Seconds())
		r.rotationAttempts.WithLabelValues(outcome).Inc()
	}
}

// RotationRejected counts an attempt that never acquired the key slot.
func (r *Recorder) RotationRejected(outcome string) {
	if r == nil {
		return
	}
	r.rotationAttempts.WithLabelValues(outcome).Inc()
}

func (r *Recorder) TOTPVerified(ok bool) {
	if r == nil {
		return
	}
	result := "rejected"
	if ok {
		result = "accepted"
	}
	r.totpVerifications.WithLabelValues(result).Inc()
}

func (r *Recorder) BackupSaved() {
	if r == nil {
		return
	}
	r.backupsSaved.Inc()
}

// MetricsServer serves /metrics for a private registry.
type MetricsServer struct {
	registry *prometheus.Registry
	recorder *Recorder
	srv      *http.Server
}

// New creates a metrics server listening on addr. The registry also carries the
// standard process and Go runtime collectors.
func New(namespace, addr string) (*MetricsServer, error) {
	if addr == "" {
		return nil, errors.New("metrics address is empty")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	registry.MustRegister(collectors.NewGoCollector())

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.InstrumentMetricHandler(
		registry,
		promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	return &MetricsServer{
		registry: registry,
		recorder: NewRecorder(namespace, registry),
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, nil
}

// Recorder returns the collectors registered with this server.
func (m *MetricsServer) Recorder() *Recorder {
	return m.recorder
}

// Registry returns the underlying registry.
func (m *MetricsServer) Registry() *prometheus.Registry {
	return m.registry
}

func (m *MetricsServer) ListenAndServe() error {
	return m.srv.ListenAndServe()
}

func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}
