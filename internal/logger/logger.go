package logger

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
)

// Hook receives every record that passes the level filter, after it has
// been written to the outputs.
type Hook interface {
	Write(level slog.Level, message string)
}

// HookFunc adapts a plain function to Hook.
type HookFunc func(level slog.Level, message string)

// Write calls f.
func (f HookFunc) Write(level slog.Level, message string) { f(level, message) }

var (
	globalLevel  = slog.LevelInfo
	hooks        []levelHook
	nextHookID   uint64
	handlerMutex sync.RWMutex
)

// SetLevel sets the global log level
func SetLevel(levelStr string) {
	level := ParseLevel(levelStr)
	handlerMutex.Lock()
	defer handlerMutex.Unlock()
	globalLevel = level
}

// GetLevel returns the current log level as a string
func GetLevel() string {
	handlerMutex.RLock()
	defer handlerMutex.RUnlock()

	switch globalLevel {
	case slog.LevelDebug:
		return "debug"
	case slog.LevelWarn:
		return "warn"
	case slog.LevelError:
		return "error"
	default:
		return "info"
	}
}

// ParseLevel parses a string to an slog level. Unknown values map to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// AddHook registers a hook that sees formatted records at or above
// minLevel. Calling the returned func unregisters it.
func AddHook(minLevel slog.Level, hook Hook) (remove func()) {
	handlerMutex.Lock()
	defer handlerMutex.Unlock()
	nextHookID++
	id := nextHookID
	hooks = append(hooks, levelHook{id: id, min: minLevel, next: hook})

	return func() {
		handlerMutex.Lock()
		defer handlerMutex.Unlock()
		// Handlers iterate a snapshot of the slice, so never edit it in place.
		hooks = slices.DeleteFunc(slices.Clone(hooks), func(h levelHook) bool { return h.id == id })
	}
}

type levelHook struct {
	id   uint64
	min  slog.Level
	next Hook
}

func (h levelHook) Write(level slog.Level, message string) {
	if level >= h.min {
		h.next.Write(level, message)
	}
}

// customHandler writes "[15:04:05] [LEVEL] msg k=v" lines to every output.
type customHandler struct {
	outs  []io.Writer
	attrs []slog.Attr
	mu    *sync.Mutex
}

// Handle implements slog.Handler
func (h *customHandler) Handle(ctx context.Context, record slog.Record) error {
	handlerMutex.RLock()
	if record.Level < globalLevel {
		handlerMutex.RUnlock()
		return nil
	}
	active := hooks
	handlerMutex.RUnlock()

	message := Format(record, h.attrs)

	h.mu.Lock()
	line := "[" + record.Time.Format("15:04:05") + "] [" + strings.ToUpper(record.Level.String()) + "] " + message + "\n"
	for _, out := range h.outs {
		if out != nil {
			_, _ = out.Write([]byte(line))
		}
	}
	h.mu.Unlock()

	// Hooks run outside the output lock so they may log themselves.
	for _, hook := range active {
		hook.Write(record.Level, message)
	}
	return nil
}

// WithAttrs implements slog.Handler
func (h *customHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &customHandler{outs: h.outs, attrs: merged, mu: h.mu}
}

// WithGroup implements slog.Handler
func (h *customHandler) WithGroup(name string) slog.Handler {
	return h
}

// Enabled implements slog.Handler
func (h *customHandler) Enabled(ctx context.Context, level slog.Level) bool {
	handlerMutex.RLock()
	defer handlerMutex.RUnlock()
	return level >= globalLevel
}

// Format renders the message and attributes of a record as "msg k=v k=v".
func Format(record slog.Record, extra []slog.Attr) string {
	var b strings.Builder
	b.WriteString(record.Message)
	write := func(a slog.Attr) bool {
		if a.Key == "" {
			return true
		}
		b.WriteByte(' ')
		b.WriteString(a.Key)
		b.WriteByte('=')
		b.WriteString(a.Value.String())
		return true
	}
	for _, a := range extra {
		write(a)
	}
	record.Attrs(write)
	return b.String()
}

// NewHandler returns the bridge's text handler writing to outputs.
func NewHandler(outputs ...io.Writer) slog.Handler {
	return &customHandler{outs: outputs, mu: &sync.Mutex{}}
}

// InitLogger initializes the global logger with one or more output writers
func InitLogger(outputs ...io.Writer) {
	slog.SetDefault(slog.New(NewHandler(outputs...)))
}
