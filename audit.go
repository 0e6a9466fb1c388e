package dwayauth

import (
	"io"
	"log/slog"

	internalaudit "github.com/johnnydxm/dwayauth/internal/audit"
	otellog "go.opentelemetry.io/otel/log"
)

// AuditEvent is a structured audit record emitted by the engine.
type AuditEvent = internalaudit.Event

// AuditSink receives [AuditEvent] values from the engine's audit dispatcher.
type AuditSink = internalaudit.Sink

// NoOpSink is an [AuditSink] that silently discards all events.
type NoOpSink = internalaudit.NoOpSink

// MultiSink delivers each event to several sinks.
type MultiSink = internalaudit.MultiSink

// ChannelSink is a buffered channel-based [AuditSink].
type ChannelSink = internalaudit.ChannelSink

// JSONWriterSink writes one JSON object per event to an [io.Writer].
type JSONWriterSink = internalaudit.JSONWriterSink

// SlogSink logs events through a [slog.Logger].
type SlogSink = internalaudit.SlogSink

// OTelLogSink emits events as OpenTelemetry log records.
type OTelLogSink = internalaudit.OTelLogSink

// NewChannelSink creates a [ChannelSink] with the given buffer capacity.
func NewChannelSink(buffer int) *ChannelSink {
	return internalaudit.NewChannelSink(buffer)
}

// NewJSONWriterSink creates a [JSONWriterSink] that writes to w.
func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return internalaudit.NewJSONWriterSink(w)
}

// NewSlogSink creates a [SlogSink]; nil uses slog.Default().
func NewSlogSink(logger *slog.Logger) *SlogSink {
	return internalaudit.NewSlogSink(logger)
}

// NewOTelLogSink creates an [OTelLogSink] over provider.
func NewOTelLogSink(provider otellog.LoggerProvider) *OTelLogSink {
	return internalaudit.NewOTelLogSink(provider)
}
