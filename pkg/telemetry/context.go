package telemetry

import (
	"context"
	"errors"
	"time"
)

// Telemetry bundles the observability components handed to the
// orchestrator, the API server and the remote clients.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

// NewTelemetry validates cfg and builds every component from it.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	t := &Telemetry{Config: cfg}
	var err error
	if t.Logger, err = NewLogger(cfg.Logging); err != nil {
		return nil, err
	}
	if t.Tracer, err = NewTracer(cfg); err != nil {
		return nil, err
	}
	if t.Metrics, err = NewMetrics(cfg.Metrics); err != nil {
		return nil, err
	}
	if t.Events, err = NewEventPublisher(cfg.Events); err != nil {
		return nil, err
	}
	return t, nil
}

// NewNopTelemetry logs nothing and has no tracer, metrics or events; every
// component tolerates being nil.
func NewNopTelemetry() *Telemetry {
	return &Telemetry{Logger: NewNopLogger(), Config: DefaultConfig()}
}

// WithContext stores the telemetry logger in ctx.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	return t.Logger.WithContext(ctx)
}

// Shutdown drains events first so their subscribers still see them, then
// stops the metrics listener and flushes spans.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.Events.Shutdown(ctx),
		t.Metrics.Shutdown(ctx),
		t.Tracer.Shutdown(ctx),
	)
}

// StartMetricsServer starts the dedicated metrics listener when
// metrics.listen_address is set.
func (t *Telemetry) StartMetricsServer() error {
	return t.Metrics.StartMetricsServer(t.Logger)
}

// RecordRemoteOperation runs fn inside a span and records its latency and
// outcome against service and operation. tel may be nil.
func RecordRemoteOperation(ctx context.Context, tel *Telemetry, service, operation string, fn func(ctx context.Context) error) error {
	if tel == nil {
		return fn(ctx)
	}

	spanCtx, span := tel.Tracer.StartSpan(ctx, "remote."+service+"."+operation,
		AttrRemoteService.String(service),
		AttrRemoteOp.String(operation),
	)
	defer span.End()

	start := time.Now()
	err := fn(spanCtx)
	elapsed := time.Since(start)
	tel.Metrics.RecordRemoteCall(service, operation, elapsed, err)

	if err == nil {
		RecordSuccess(span)
		return nil
	}
	RecordError(span, err)
	tel.Logger.WithError(err).WithFields(map[string]interface{}{
		"service":   service,
		"operation": operation,
		"elapsed":   elapsed.String(),
	}).Debug("remote call failed")
	return err
}
