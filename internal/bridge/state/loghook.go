package state

import (
	"context"
	"log/slog"
	"strings"
)

// LogHook mirrors process log records into the store's diagnostic ring.
// Records are queued and written by Run, because log calls can happen
// while the store lock is held.
type LogHook struct {
	store  *Store
	source string
	ch     chan hookRecord
}

type hookRecord struct {
	level   slog.Level
	message string
}

// NewLogHook creates a hook with room for buffer pending records. Records
// beyond that are discarded.
func NewLogHook(store *Store, source string, buffer int) *LogHook {
	if buffer <= 0 {
		buffer = 256
	}
	return &LogHook{
		store:  store,
		source: source,
		ch:     make(chan hookRecord, buffer),
	}
}

// Write implements logger.Hook.
func (h *LogHook) Write(level slog.Level, message string) {
	select {
	case h.ch <- hookRecord{level: level, message: message}:
	default:
	}
}

// Run drains queued records until ctx is done.
func (h *LogHook) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-h.ch:
			h.store.AddLog(strings.ToLower(r.level.String()), h.source, r.message)
		}
	}
}
