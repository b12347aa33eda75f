package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bitespeed-identity/internal/config"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, parseLevel(in), "level %q", in)
	}
}

func TestBuild_JSON(t *testing.T) {
	var buf bytes.Buffer
	log := build(config.LogConfig{Level: "info", Format: "json"}, &buf)

	log.Debug("hidden")
	log.Info("contact created", slog.Int64("contact_id", 7))

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "contact created", record["msg"])
	assert.Equal(t, float64(7), record["contact_id"])
}

func TestBuild_Text(t *testing.T) {
	var buf bytes.Buffer
	log := build(config.LogConfig{Level: "debug", Format: "text"}, &buf)

	log.Debug("resolving")

	assert.Contains(t, buf.String(), "msg=resolving")
	assert.Contains(t, buf.String(), "source=")
}
