package internal

import (
	"io"
	"log/slog"
	"strings"
	"time"
)

// NewLogger builds the process logger. Development gets text output, every
// other environment JSON for the log shipper. level is any name slog accepts
// ("debug", "WARN", "info+2"); anything else means info.
func NewLogger(w io.Writer, env string, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl <= slog.LevelDebug,
	}

	var h slog.Handler = slog.NewTextHandler(w, opts)
	if env != "development" {
		opts.ReplaceAttr = readableDurations
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(h).With(slog.String("service", "csvmeter"))
}

// readableDurations writes durations as "1m30s" instead of nanoseconds.
func readableDurations(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindDuration {
		return slog.String(a.Key, a.Value.Duration().Round(time.Millisecond).String())
	}
	return a
}
