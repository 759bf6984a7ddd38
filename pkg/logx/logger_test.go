package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerLevels(t *testing.T) {
	tests := []struct {
		level    string
		expected LogLevel
	}{
		{"debug", DebugLevel},
		{"info", InfoLevel},
		{"warn", WarnLevel},
		{"warning", WarnLevel},
		{"error", ErrorLevel},
		{"invalid", InfoLevel}, // should default to info
	}

	for _, test := range tests {
		t.Run(test.level, func(t *testing.T) {
			assert.Equal(t, test.expected, parseLevel(test.level))
		})
	}
}

func TestLevelString(t *testing.T) {
	tests := []struct {
		level    LogLevel
		expected string
	}{
		{DebugLevel, "debug"},
		{InfoLevel, "info"},
		{WarnLevel, "warn"},
		{ErrorLevel, "error"},
	}

	for _, test := range tests {
		assert.Equal(t, test.expected, levelString(test.level))
	}
}

func TestLoggerOutputIsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter("debug", &buf)

	logger.Info("sample admitted", "category", "4G", "distance", 12.5)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "sample admitted", entry["msg"])
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "4G", entry["category"])
	assert.Equal(t, 12.5, entry["distance"])
	assert.Contains(t, entry, "ts")
}

func TestLoggerFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter("warn", &buf)

	logger.Debug("hidden")
	logger.Info("hidden")
	assert.Zero(t, buf.Len())

	logger.Warn("shown")
	assert.True(t, strings.Contains(buf.String(), "shown"))
}

func TestLoggerErrorsAndMaps(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter("info", &buf).With("component", "recorder")

	logger.Error("insert failed", "error", errors.New("disk full"), "dangling")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "disk full", entry["error"])
	assert.Equal(t, "recorder", entry["component"])
	assert.Equal(t, "(MISSING)", entry["dangling"])

	buf.Reset()
	logger.Info("map style", map[string]interface{}{"port": 9101})
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, float64(9101), entry["port"])
}
