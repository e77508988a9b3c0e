// Package telemetry provides logging, tracing, metrics and event fan-out for
// the deployment service.
//
// # Overview
//
// Four components are bundled by Telemetry:
//
//   - Logger: structured zerolog logging with run, function and task fields
//   - Tracer: an OpenTelemetry span per deploy run, with progress steps as
//     span events, and one per remote call
//   - Metrics: Prometheus counters and histograms for run outcomes, poll
//     attempts, remote call latency and reconciliation failures
//   - EventPublisher: ordered, buffered fan-out of deploy events to
//     subscribers such as the websocket hub
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	logger := tel.Logger.NewComponentLogger("orchestrator")
//	logger.WithFunctionID("fn-1").Info("deploy requested")
//
// Tracer, Metrics and EventPublisher tolerate a nil receiver. NewNopTelemetry
// leaves them nil for tests and one-shot CLI commands.
//
// # Remote Calls
//
// RecordRemoteOperation wraps a call to the build, deploy or record service
// with a span, a latency histogram, an error counter and a debug log line:
//
//	err := telemetry.RecordRemoteOperation(ctx, tel, "build", "task_status", func(ctx context.Context) error {
//	    return client.do(ctx, req)
//	})
package telemetry
