// Package telemetry provides structured logging, distributed tracing, and
// Prometheus metrics for the Intentd engine.
//
// Logging is built on zerolog with field helpers for the engine's domain
// (intent, plan, step). Tracing is OpenTelemetry with a stdout exporter for
// development and a no-op provider when disabled. Metrics use a private
// Prometheus registry exposed over HTTP by the daemon's run command.
package telemetry
