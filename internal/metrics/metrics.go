// Package metrics exposes the monitor's counters in Prometheus format.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/g960059/devhook/internal/model"
)

const namespace = "devhook"

type Metrics struct {
	registry *prometheus.Registry

	ticks            prometheus.Counter
	providerFailures prometheus.Counter
	transitions      *prometheus.CounterVec
	actions          *prometheus.CounterVec
	knownDevices     prometheus.Gauge
	degraded         prometheus.Gauge
	tickDuration     prometheus.Histogram
	notifyDropped    prometheus.Counter
}

// New registers all collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "ticks_total",
			Help: "Poll ticks completed.",
		}),
		providerFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "provider_failures_total",
			Help: "Device enumerations that failed.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "transitions_total",
			Help: "Device transitions detected, by kind.",
		}, []string{"kind"}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "actions_total",
			Help: "Action attempts, by action kind and outcome.",
		}, []string{"action", "outcome"}),
		knownDevices: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "known_devices",
			Help: "Devices in the last successful snapshot.",
		}),
		degraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "degraded",
			Help: "1 while device polling is degraded.",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "tick_duration_seconds",
			Help:    "Wall time of one poll tick including dispatch.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		notifyDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "notifications_dropped_total",
			Help: "Notifications dropped because a queue was full.",
		}),
	}
	m.registry.MustRegister(
		m.ticks, m.providerFailures, m.transitions, m.actions,
		m.knownDevices, m.degraded, m.tickDuration, m.notifyDropped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) TickCompleted(d time.Duration, known int) {
	m.ticks.Inc()
	m.tickDuration.Observe(d.Seconds())
	m.knownDevices.Set(float64(known))
}

func (m *Metrics) ProviderFailed() {
	m.providerFailures.Inc()
}

func (m *Metrics) Transition(kind model.TransitionKind) {
	m.transitions.WithLabelValues(string(kind)).Inc()
}

// Action counts one attempt. Types outside the known set share the
// "unrecognized" label so user input cannot grow the series count.
func (m *Metrics) Action(kind string, outcome model.ActionOutcome) {
	label := kind
	if !model.ActionKind(kind).Valid() {
		label = "unrecognized"
	}
	m.actions.WithLabelValues(label, string(outcome)).Inc()
}

func (m *Metrics) Health(h model.Health) {
	if h == model.HealthDegraded {
		m.degraded.Set(1)
		return
	}
	m.degraded.Set(0)
}

func (m *Metrics) NotificationDropped() {
	m.notifyDropped.Inc()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen metrics: %w", err)
	}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve metrics: %w", err)
		}
		return nil
	}
}
