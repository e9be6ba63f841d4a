package debug

import (
	"bytes"
	"encoding/json"
	"log/slog"
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
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}

func TestNewLogger_JSON(t *testing.T) {
	Disable()
	var buf bytes.Buffer
	logger := NewLogger(&buf, "info", "json")

	logger.Debug("hidden")
	logger.Info("room joined", "room", "lobby")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "room joined", entry["msg"])
	assert.Equal(t, "lobby", entry["room"])
}

func TestNewLogger_DebugOverride(t *testing.T) {
	Enable()
	defer Disable()

	var buf bytes.Buffer
	logger := NewLogger(&buf, "error", "text")
	logger.Debug("frame")

	assert.Contains(t, buf.String(), "frame")
}

func TestPrintf_Disabled(t *testing.T) {
	Disable()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(NewLogger(&buf, "debug", "text"))
	defer slog.SetDefault(prev)

	Printf("socket %s", "abc")
	assert.Empty(t, buf.String())

	Enable()
	defer Disable()
	Printf("socket %s", "abc")
	assert.Contains(t, buf.String(), "socket abc")
}
