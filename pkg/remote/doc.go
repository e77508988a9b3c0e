// Package remote provides HTTP clients for the services the orchestrator
// depends on: the build service, the deployment service and the function
// record service.
//
// Non-2xx answers are returned as *StatusError. Trace context is injected
// into every request with the global OpenTelemetry propagator.
package remote
