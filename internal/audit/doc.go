// Package audit implements async event dispatching for security-relevant
// operations.
//
// # Components
//
//   - [Sink]: event consumers (no-op, fan-out, channel, JSON writer, slog,
//     OpenTelemetry logs).
//   - [Dispatcher]: buffered async relay. Non-critical events may be dropped
//     on a full buffer; critical ones wait.
//   - [Event]: audit record with severity, user, session, IP and metadata.
//     [Redact] scrubs codes and tokens from metadata before delivery.
//
// # Architecture boundaries
//
// This package owns event buffering and sink delivery. It does NOT decide
// which events to emit; the engine does.
//
// # What this package must NOT do
//
//   - Filter or suppress events based on business logic.
//   - Import dwayauth or any sibling internal package.
//   - Perform network I/O beyond what a caller-supplied Sink does.
package audit
