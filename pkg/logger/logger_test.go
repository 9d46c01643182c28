package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	prev := Get()
	Set(slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { Set(prev) })
	return buf
}

func TestLogLevels(t *testing.T) {
	tests := []struct {
		name    string
		logFunc func()
		level   string
		message string
	}{
		{"debugf", func() { Debugf("debug %s", "msg") }, "DEBUG", "debug msg"},
		{"infof", func() { Infof("info %s", "msg") }, "INFO", "info msg"},
		{"warnf", func() { Warnf("warn %s", "msg") }, "WARN", "warn msg"},
		{"errorf", func() { Errorf("error %s", "msg") }, "ERROR", "error msg"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := captureLogs(t)
			tt.logFunc()

			var entry map[string]any
			require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
			assert.Equal(t, tt.level, entry["level"])
			assert.Equal(t, tt.message, entry["msg"])
		})
	}
}

func TestStructuredKeyValues(t *testing.T) {
	buf := captureLogs(t)
	Infow("session attached", "endpoint", "dev", "transport", "sse")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "session attached", entry["msg"])
	assert.Equal(t, "dev", entry["endpoint"])
	assert.Equal(t, "sse", entry["transport"])
}
