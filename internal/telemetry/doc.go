// Package telemetry wires OpenTelemetry tracing and metrics for reviewd.
//
// Providers are registered globally so every service picks them up through
// otel.Tracer and otel.Meter. Exporter failures degrade to no-op providers
// instead of failing startup; a review daemon that cannot reach its
// collector still reviews code.
package telemetry
