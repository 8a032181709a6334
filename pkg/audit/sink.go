package audit

import (
	"context"

	"github.com/raw-labs/mxcp/pkg/logger"
)

// Sink receives audit events. Implementations must not block the request
// path; slow backends should buffer internally.
type Sink interface {
	Emit(ctx context.Context, event *Event)
}

// LoggerSink writes events to the process logger as structured records.
type LoggerSink struct {
	// Warn escalates tamper events to warn level.
	Warn bool
}

// NewLoggerSink returns a Sink backed by the process logger.
func NewLoggerSink() *LoggerSink {
	return &LoggerSink{Warn: true}
}

// Emit implements Sink.
func (s *LoggerSink) Emit(_ context.Context, event *Event) {
	fields := []any{
		"audit_id", event.Metadata.AuditID,
		"type", event.Type,
		"outcome", event.Outcome,
		"component", event.Component,
		"source", event.Source.Value,
	}
	for k, v := range event.Subjects {
		fields = append(fields, k, v)
	}
	if s.Warn && event.Type == EventTypeTamper {
		logger.Warnw("audit", fields...)
		return
	}
	logger.Infow("audit", fields...)
}

// NopSink discards events. Used when auditing is disabled.
type NopSink struct{}

// Emit implements Sink.
func (NopSink) Emit(context.Context, *Event) {}
