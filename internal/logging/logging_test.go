package logging

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerWithWriter_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("info", "text", &buf)

	logger.Info("session closed", KeySessionID, "abc123")

	output := buf.String()
	assert.Contains(t, output, "session closed")
	assert.Contains(t, output, "session_id=abc123")
}

func TestNewLoggerWithWriter_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("info", "json", &buf)

	logger.Info("session closed", KeySessionID, "abc123")

	output := buf.String()
	assert.Contains(t, output, `"msg":"session closed"`)
	assert.Contains(t, output, `"session_id":"abc123"`)
}

func TestNewLoggerWithWriter_LevelFiltering(t *testing.T) {
	tests := []struct {
		name         string
		configLevel  string
		logLevel     slog.Level
		shouldAppear bool
	}{
		{"debug at debug level", "debug", slog.LevelDebug, true},
		{"debug at info level", "info", slog.LevelDebug, false},
		{"info at info level", "info", slog.LevelInfo, true},
		{"warn at info level", "info", slog.LevelWarn, true},
		{"info at warn level", "warn", slog.LevelInfo, false},
		{"error at error level", "error", slog.LevelError, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLoggerWithWriter(tc.configLevel, "text", &buf)

			logger.Log(nil, tc.logLevel, "test message")

			assert.Equal(t, tc.shouldAppear, buf.Len() > 0)
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"DEBUG":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"unknown": slog.LevelInfo,
		"":        slog.LevelInfo,
	}

	for input, want := range tests {
		assert.Equal(t, want, parseLevel(input), "parseLevel(%q)", input)
	}
}

func TestNopLogger(t *testing.T) {
	logger := NopLogger()
	require.NotNil(t, logger)
	logger.Info("discarded")
	logger.Error("discarded too")
}

func TestNewLogger_DefaultsToStderr(t *testing.T) {
	logger := NewLogger("info", "text")
	require.NotNil(t, logger)
}

func TestLoggerWithAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("info", "text", &buf)

	logger.Info("session started",
		KeySessionID, "sess-1",
		KeyRemoteAddr, "192.168.1.1:4433",
		KeyDestination, "example.com:443",
	)

	output := buf.String()
	assert.Contains(t, output, "session_id=sess-1")
	assert.Contains(t, output, "remote_addr=192.168.1.1:4433")
	assert.Contains(t, output, "destination=example.com:443")
}
