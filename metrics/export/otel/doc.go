// Package otel exports engine counters and latency histograms through an
// OpenTelemetry Meter.
//
// [NewOTelExporter] registers one Int64ObservableCounter per engine counter.
// Each latency histogram becomes a <name>_bucket gauge with one observation
// per le bound and a <name>_count counter. A single callback reads
// [dwayauth.Engine.MetricsSnapshot] on each collection cycle.
//
// # What this package must NOT do
//
//   - Own the MeterProvider. Callers supply the Meter.
//   - Mutate engine state.
package otel
