package audit

import (
	"context"

	otellog "go.opentelemetry.io/otel/log"
)

// OTelLogSink emits events as OpenTelemetry log records.
type OTelLogSink struct {
	logger otellog.Logger
}

// NewOTelLogSink creates a sink that logs through provider under the
// "dwayauth/audit" instrumentation scope.
func NewOTelLogSink(provider otellog.LoggerProvider) *OTelLogSink {
	return &OTelLogSink{logger: provider.Logger("dwayauth/audit")}
}

func (s *OTelLogSink) Emit(ctx context.Context, event Event) {
	var r otellog.Record
	r.SetTimestamp(event.Timestamp)
	r.SetObservedTimestamp(event.Timestamp)
	switch event.Level() {
	case SeverityCritical:
		r.SetSeverity(otellog.SeverityError)
		r.SetSeverityText("ERROR")
	case SeverityWarning:
		r.SetSeverity(otellog.SeverityWarn)
		r.SetSeverityText("WARN")
	default:
		r.SetSeverity(otellog.SeverityInfo)
		r.SetSeverityText("INFO")
	}
	r.SetBody(otellog.StringValue(event.EventType))
	r.AddAttributes(
		otellog.String("event.type", event.EventType),
		otellog.Bool("success", event.Success),
	)
	for _, kv := range [][2]string{
		{"user.id", event.UserID},
		{"session.id", event.SessionID},
		{"client.address", event.IP},
		{"user_agent.original", event.UserAgent},
		{"error", event.Error},
	} {
		if kv[1] != "" {
			r.AddAttributes(otellog.String(kv[0], kv[1]))
		}
	}
	for k, v := range event.Metadata {
		r.AddAttributes(otellog.String("dwayauth."+k, v))
	}
	s.logger.Emit(ctx, r)
}
