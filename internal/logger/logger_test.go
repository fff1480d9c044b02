package logger

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{" INFO ", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.in), "ParseLevel(%q)", tt.in)
	}
}

func TestHandlerFormatsAndFilters(t *testing.T) {
	defer SetLevel(GetLevel())
	SetLevel("info")

	var buf bytes.Buffer
	log := slog.New(NewHandler(&buf))

	log.Debug("hidden")
	log.Info("[Connection] Connected", "addr", "baresip:4444")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	require.True(t, strings.HasSuffix(out, "\n"))
	assert.Contains(t, out, "[INFO] [Connection] Connected addr=baresip:4444")
}

func TestHandlerWithAttrs(t *testing.T) {
	defer SetLevel(GetLevel())
	SetLevel("debug")

	var buf bytes.Buffer
	log := slog.New(NewHandler(&buf)).With("component", "store")
	log.Debug("applied", "n", 3)

	assert.Contains(t, buf.String(), "applied component=store n=3")
}

func TestHooks(t *testing.T) {
	defer SetLevel(GetLevel())
	SetLevel("debug")

	var got, other []string
	remove := AddHook(slog.LevelWarn, HookFunc(func(level slog.Level, message string) {
		got = append(got, message)
	}))
	removeOther := AddHook(slog.LevelError, HookFunc(func(level slog.Level, message string) {
		other = append(other, message)
	}))
	defer removeOther()

	log := slog.New(NewHandler())
	log.Info("ignored")
	log.Warn("socket closed", "err", "EOF")

	require.Len(t, got, 1)
	assert.Equal(t, "socket closed err=EOF", got[0])
	assert.Empty(t, other)

	remove()
	remove()
	log.Error("dial failed")
	assert.Len(t, got, 1, "removed hook sees nothing")
	assert.Equal(t, []string{"dial failed"}, other)
}
