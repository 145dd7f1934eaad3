package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/devfleet/pkg/orchestrator"
)

var _ orchestrator.Observer = (*Metrics)(nil)

// Metrics provides Prometheus metrics for the orchestration core. It
// implements orchestrator.Observer; install it with orchestrator.WithObserver.
type Metrics struct {
	config MetricsConfig

	retries          prometheus.Counter
	timeouts         prometheus.Counter
	cacheLookups     *prometheus.CounterVec
	dispatchItems    *prometheus.CounterVec
	dispatchDuration prometheus.Histogram
	cleanupPaths     *prometheus.CounterVec
	devices          *prometheus.GaugeVec
	policyDenials    prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
// A disabled configuration yields a collector whose methods do nothing.
func NewMetrics(cfg MetricsConfig) *Metrics {
	if !cfg.Enabled {
		return &Metrics{config: cfg}
	}

	namespace := cfg.Namespace
	buckets := cfg.DurationBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Total number of retried attempts",
		}),
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timeouts_total",
			Help:      "Total number of operations abandoned on timeout",
		}),
		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "Total number of cache lookups",
			},
			[]string{"cache", "result"},
		),
		dispatchItems: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_items_total",
				Help:      "Total number of fan-out items by outcome",
			},
			[]string{"status"},
		),
		dispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Wall time of fan-out calls in seconds",
			Buckets:   buckets,
		}),
		cleanupPaths: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cleanup_paths_total",
				Help:      "Total number of device temp paths cleaned up",
			},
			[]string{"status"},
		),
		devices: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "devices",
				Help:      "Number of known devices by status",
			},
			[]string{"status"},
		),
		policyDenials: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_denials_total",
			Help:      "Total number of commands refused by policy",
		}),
	}

	registry.MustRegister(
		m.retries,
		m.timeouts,
		m.cacheLookups,
		m.dispatchItems,
		m.dispatchDuration,
		m.cleanupPaths,
		m.devices,
		m.policyDenials,
	)

	return m
}

// Enabled reports whether the collector records anything.
func (m *Metrics) Enabled() bool {
	return m.registry != nil
}

// ObserveRetry counts a retried attempt.
func (m *Metrics) ObserveRetry(_ uint, _ uint, _ time.Duration, _ error) {
	if m.retries == nil {
		return
	}
	m.retries.Inc()
}

// ObserveTimeout counts an abandoned operation.
func (m *Metrics) ObserveTimeout(time.Duration) {
	if m.timeouts == nil {
		return
	}
	m.timeouts.Inc()
}

// ObserveCacheLookup counts a cache hit or miss.
func (m *Metrics) ObserveCacheLookup(cache string, hit bool) {
	if m.cacheLookups == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(cache, result).Inc()
}

// ObserveDispatch records a completed fan-out.
func (m *Metrics) ObserveDispatch(total, failed int, elapsed time.Duration) {
	if m.dispatchItems == nil {
		return
	}
	m.dispatchItems.WithLabelValues("succeeded").Add(float64(total - failed))
	m.dispatchItems.WithLabelValues("failed").Add(float64(failed))
	m.dispatchDuration.Observe(elapsed.Seconds())
}

// ObserveCleanup records the outcome of a scope cleanup.
func (m *Metrics) ObserveCleanup(_ orchestrator.DeviceID, removed, failed int) {
	if m.cleanupPaths == nil {
		return
	}
	m.cleanupPaths.WithLabelValues("removed").Add(float64(removed))
	m.cleanupPaths.WithLabelValues("failed").Add(float64(failed))
}

// SetDeviceCounts replaces the device gauge with counts keyed by status.
func (m *Metrics) SetDeviceCounts(counts map[string]int) {
	if m.devices == nil {
		return
	}
	m.devices.Reset()
	for status, n := range counts {
		m.devices.WithLabelValues(status).Set(float64(n))
	}
}

// ObservePolicyDenial counts a command refused by policy.
func (m *Metrics) ObservePolicyDenial() {
	if m.policyDenials == nil {
		return
	}
	m.policyDenials.Inc()
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartServer serves the metrics endpoint until ctx is done. It returns nil
// immediately when metrics are disabled.
func (m *Metrics) StartServer(ctx context.Context) error {
	if !m.Enabled() {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("address", server.Addr).Str("path", path).Msg("metrics server listening")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
