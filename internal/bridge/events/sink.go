package events

import (
	"log/slog"
)

// Sink receives every broadcast. Publish is called synchronously by the
// state store and must not block or call back into it.
type Sink interface {
	Publish(event Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

// Publish calls f.
func (f SinkFunc) Publish(event Event) { f(event) }

// NoopSink discards all events.
type NoopSink struct{}

func (NoopSink) Publish(Event) {}

// LoggingSink logs events at debug level. Useful for development.
type LoggingSink struct {
	logger *slog.Logger
}

// NewLoggingSink creates a sink that logs events.
func NewLoggingSink(logger *slog.Logger) *LoggingSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingSink{logger: logger}
}

func (s *LoggingSink) Publish(event Event) {
	if event.Type == TypeLog {
		return
	}
	s.logger.Debug("[Events] Broadcast", "type", event.Type, "id", event.ID)
}

// MultiSink fans out to several sinks. A sink that panics is logged and
// skipped; the others still receive the event.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink creates a sink that sends to all provided sinks.
func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

func (m *MultiSink) Publish(event Event) {
	for _, s := range m.sinks {
		publishSafe(s, event)
	}
}

func publishSafe(s Sink, event Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("[Events] Sink failed", "type", event.Type, "panic", r)
		}
	}()
	s.Publish(event)
}
