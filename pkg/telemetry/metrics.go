package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for deploy runs and remote calls.
// All Record methods are safe on a nil or disabled instance.
type Metrics struct {
	config MetricsConfig

	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	runsRejected  *prometheus.CounterVec

	stageTransitions *prometheus.CounterVec
	pollAttempts     *prometheus.HistogramVec
	reconcileErrors  *prometheus.CounterVec

	remoteCalls    *prometheus.CounterVec
	remoteDuration *prometheus.HistogramVec
	remoteErrors   *prometheus.CounterVec

	policyDecisions *prometheus.CounterVec

	activeRuns prometheus.Gauge

	registry *prometheus.Registry
	server   *http.Server
}

// NewMetrics registers the fnforge collectors on a private registry, so
// several instances (one per test server) never collide.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}
	ns := cfg.Namespace
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: name, Help: help}, labels)
	}
	histogram := func(name, help string, b []float64, labels ...string) *prometheus.HistogramVec {
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: ns, Name: name, Help: help, Buckets: b}, labels)
	}

	m := &Metrics{
		config:   cfg,
		registry: prometheus.NewRegistry(),

		runsStarted:   counter("deploy_runs_started_total", "Deploy and resume runs started.", "kind"),
		runsCompleted: counter("deploy_runs_completed_total", "Runs finished, by outcome.", "kind", "outcome"),
		runDuration:   histogram("deploy_run_duration_seconds", "Wall time of a run from request to terminal state.", buckets, "kind", "outcome"),
		runsRejected:  counter("deploy_runs_rejected_total", "Deploy requests refused before a run started.", "reason"),

		stageTransitions: counter("deploy_stage_transitions_total", "Orchestrator state entries.", "stage"),
		pollAttempts: histogram("build_poll_attempts", "Task status polls needed per build.",
			[]float64{1, 2, 5, 10, 20, 40, 60, 90, 120}, "phase"),
		reconcileErrors: counter("record_reconciliation_failures_total", "Function record status writes that failed.", "status"),

		remoteCalls:    counter("remote_calls_total", "Calls to the build, cluster and record services.", "service", "operation"),
		remoteDuration: histogram("remote_call_duration_seconds", "Latency of remote service calls.", buckets, "service", "operation"),
		remoteErrors:   counter("remote_errors_total", "Remote service calls that returned an error.", "service", "operation"),

		policyDecisions: counter("policy_decisions_total", "Admission decisions, by result.", "decision"),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "active_deploy_runs",
			Help:      "Runs currently in flight.",
		}),
	}

	m.registry.MustRegister(
		m.runsStarted, m.runsCompleted, m.runDuration, m.runsRejected,
		m.stageTransitions, m.pollAttempts, m.reconcileErrors,
		m.remoteCalls, m.remoteDuration, m.remoteErrors,
		m.policyDecisions, m.activeRuns,
	)
	return m, nil
}

// Run Metrics

// RecordRunStarted increments the counter for started runs.
func (m *Metrics) RecordRunStarted(kind string) {
	if m == nil || m.runsStarted == nil {
		return
	}
	m.runsStarted.WithLabelValues(kind).Inc()
	m.activeRuns.Inc()
}

// RecordRunCompleted records a finished run with its outcome and duration.
func (m *Metrics) RecordRunCompleted(kind, outcome string, duration time.Duration) {
	if m == nil || m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(kind, outcome).Inc()
	m.runDuration.WithLabelValues(kind, outcome).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// RecordRunRejected records a request that never started a run.
func (m *Metrics) RecordRunRejected(reason string) {
	if m == nil || m.runsRejected == nil {
		return
	}
	m.runsRejected.WithLabelValues(reason).Inc()
}

// Orchestration Metrics

// RecordStageTransition records a state machine transition.
func (m *Metrics) RecordStageTransition(stage string) {
	if m == nil || m.stageTransitions == nil {
		return
	}
	m.stageTransitions.WithLabelValues(stage).Inc()
}

// RecordPollAttempts records how many polls a build needed and the phase it ended in.
func (m *Metrics) RecordPollAttempts(phase string, attempts int) {
	if m == nil || m.pollAttempts == nil {
		return
	}
	m.pollAttempts.WithLabelValues(phase).Observe(float64(attempts))
}

// RecordReconciliationFailure records a failed status write.
func (m *Metrics) RecordReconciliationFailure(status string) {
	if m == nil || m.reconcileErrors == nil {
		return
	}
	m.reconcileErrors.WithLabelValues(status).Inc()
}

// Remote Service Metrics

// RecordRemoteCall records a remote call with its duration and failure, if any.
func (m *Metrics) RecordRemoteCall(service, operation string, duration time.Duration, err error) {
	if m == nil || m.remoteCalls == nil {
		return
	}
	m.remoteCalls.WithLabelValues(service, operation).Inc()
	m.remoteDuration.WithLabelValues(service, operation).Observe(duration.Seconds())
	if err != nil {
		m.remoteErrors.WithLabelValues(service, operation).Inc()
	}
}

// Policy Metrics

// RecordPolicyDecision records an admission decision (allow, deny, error).
func (m *Metrics) RecordPolicyDecision(decision string) {
	if m == nil || m.policyDecisions == nil {
		return
	}
	m.policyDecisions.WithLabelValues(decision).Inc()
}

// Registry returns the underlying registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts a dedicated HTTP server for metrics when a listen
// address is configured.
func (m *Metrics) StartMetricsServer(logger *Logger) error {
	if m == nil || !m.config.Enabled || m.config.ListenAddress == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	m.server = &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("metrics server stopped")
		}
	}()

	return nil
}

// Shutdown stops the dedicated metrics server, if running.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
