package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel(" error "))
	assert.Equal(t, slog.LevelInfo, ParseLevel("chatty"))
}

func TestNewLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(Config{Level: "info", Output: &buf})

	logger.Debug("hidden")
	logger.Info("transaction flushed", "causal_id", "T1", "reason", "grace")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "transaction flushed", entry["msg"])
	assert.Equal(t, "T1", entry["causal_id"])
	assert.Equal(t, "polis-flow", entry["service"])
}

func TestNewLogger_Pretty(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(Config{Level: "debug", Pretty: true, Output: &buf})
	logger.Debug("record received", "record_id", "r1")

	assert.Contains(t, buf.String(), "msg=\"record received\"")
	assert.Contains(t, buf.String(), "record_id=r1")
}
