// Package telemetry wraps OpenTelemetry SDK initialization, giving the
// orchestrator a centrally configured TracerProvider. When telemetry is
// disabled, it uses a noop implementation and connects to no external
// service.
package telemetry
