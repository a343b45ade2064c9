package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics provides Prometheus metrics for the orchestrator.
type Metrics struct {
	config MetricsConfig

	// Execution metrics
	executionsStarted  *prometheus.CounterVec
	executionsFinished *prometheus.CounterVec
	executionDuration  *prometheus.HistogramVec
	waveTransitions    *prometheus.CounterVec

	// Provider metrics
	providerCalls    *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec

	// Admission metrics
	startRejections *prometheus.CounterVec
	lockConflicts   prometheus.Counter
	quotaRejections *prometheus.CounterVec

	// Dispatcher metrics
	tickDuration   prometheus.Histogram
	tickExecutions prometheus.Gauge
	tickFailures   prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Every recorder is a no-op on a zero Metrics.
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		executionsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_started_total",
				Help:      "Total number of executions started",
			},
			[]string{"type"},
		),
		executionsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_finished_total",
				Help:      "Total number of executions that reached a terminal status",
			},
			[]string{"type", "status"},
		),
		executionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "execution_duration_seconds",
				Help:      "Wall time from execution start to terminal status",
				Buckets:   prometheus.ExponentialBuckets(30, 2, 12),
			},
			[]string{"type", "status"},
		),
		waveTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "wave_transitions_total",
				Help:      "Total number of wave status transitions",
			},
			[]string{"to"},
		),
		providerCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_calls_total",
				Help:      "Total number of recovery provider calls",
			},
			[]string{"operation", "outcome"},
		),
		providerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_call_duration_seconds",
				Help:      "Duration of recovery provider calls in seconds",
				Buckets:   buckets,
			},
			[]string{"operation"},
		),
		startRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "start_rejections_total",
				Help:      "Total number of refused start requests by error code",
			},
			[]string{"code"},
		),
		lockConflicts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lock_conflicts_total",
				Help:      "Total number of starts refused because a server was in use",
			},
		),
		quotaRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "quota_rejections_total",
				Help:      "Total number of starts refused by a quota rule",
			},
			[]string{"rule"},
		),
		tickDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "dispatcher_tick_duration_seconds",
				Help:      "Duration of dispatcher ticks in seconds",
				Buckets:   buckets,
			},
		),
		tickExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "dispatcher_tick_executions",
				Help:      "Active executions visited by the last dispatcher tick",
			},
		),
		tickFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatcher_execution_errors_total",
				Help:      "Total number of per-execution errors during dispatcher ticks",
			},
		),
	}

	registry.MustRegister(
		m.executionsStarted,
		m.executionsFinished,
		m.executionDuration,
		m.waveTransitions,
		m.providerCalls,
		m.providerDuration,
		m.startRejections,
		m.lockConflicts,
		m.quotaRejections,
		m.tickDuration,
		m.tickExecutions,
		m.tickFailures,
	)

	return m, nil
}

// Execution Metrics

// RecordExecutionStarted increments the started counter.
func (m *Metrics) RecordExecutionStarted(execType string) {
	if m.executionsStarted == nil {
		return
	}
	m.executionsStarted.WithLabelValues(execType).Inc()
}

// RecordExecutionFinished records a terminal execution with its duration.
func (m *Metrics) RecordExecutionFinished(execType, status string, duration time.Duration) {
	if m.executionsFinished == nil {
		return
	}
	m.executionsFinished.WithLabelValues(execType, status).Inc()
	m.executionDuration.WithLabelValues(execType, status).Observe(duration.Seconds())
}

// RecordWaveTransition counts a wave entering a status.
func (m *Metrics) RecordWaveTransition(to string) {
	if m.waveTransitions == nil {
		return
	}
	m.waveTransitions.WithLabelValues(to).Inc()
}

// Provider Metrics

// RecordProviderCall records a provider call with its outcome and duration.
func (m *Metrics) RecordProviderCall(operation, outcome string, duration time.Duration) {
	if m.providerCalls == nil {
		return
	}
	m.providerCalls.WithLabelValues(operation, outcome).Inc()
	m.providerDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// Admission Metrics

// RecordStartRejected counts a refused start by error code.
func (m *Metrics) RecordStartRejected(code string) {
	if m.startRejections == nil {
		return
	}
	m.startRejections.WithLabelValues(code).Inc()
}

// RecordLockConflict counts a start refused by the conflict registry.
func (m *Metrics) RecordLockConflict() {
	if m.lockConflicts == nil {
		return
	}
	m.lockConflicts.Inc()
}

// RecordQuotaRejection counts a start refused by a quota rule.
func (m *Metrics) RecordQuotaRejection(rule string) {
	if m.quotaRejections == nil {
		return
	}
	m.quotaRejections.WithLabelValues(rule).Inc()
}

// Dispatcher Metrics

// RecordTick records one dispatcher tick.
func (m *Metrics) RecordTick(executions, failed int, duration time.Duration) {
	if m.tickDuration == nil {
		return
	}
	m.tickDuration.Observe(duration.Seconds())
	m.tickExecutions.Set(float64(executions))
	m.tickFailures.Add(float64(failed))
}

// Registry returns the metrics registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
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

// Serve exposes the metrics endpoint until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context) error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Metrics server shutdown")
		}
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
