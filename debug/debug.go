package debug

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
)

var enabled atomic.Bool

func init() {
	debugEnv, exists := os.LookupEnv("SOCKET_GO_DEBUG")
	if exists {
		if val, err := strconv.ParseBool(debugEnv); err == nil {
			enabled.Store(val)
		}
	}
}

// Printf traces wire-level activity. It is a no-op unless SOCKET_GO_DEBUG
// is set or Enable was called.
func Printf(format string, v ...interface{}) {
	if enabled.Load() {
		slog.Debug(fmt.Sprintf(format, v...), "trace", true)
	}
}

func Enable() {
	enabled.Store(true)
}

func Disable() {
	enabled.Store(false)
}

func Enabled() bool {
	return enabled.Load()
}

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

// NewLogger builds a text or json slog logger writing to w.
func NewLogger(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	if enabled.Load() {
		opts.Level = slog.LevelDebug
	}

	var h slog.Handler
	if strings.EqualFold(format, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}

// Setup installs a stdout logger as the slog default and returns it.
func Setup(level, format string) *slog.Logger {
	logger := NewLogger(os.Stdout, level, format)
	slog.SetDefault(logger)
	return logger
}
