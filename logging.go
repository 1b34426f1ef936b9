package main

import (
	"io"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/lmittmann/tint"
)

// newLogger returns the run logger. Config validation has already checked
// format and level.
func newLogger(w io.Writer, cfg LogConfig) *slog.Logger {
	level, err := parseLogLevel(cfg.Level)
	if err != nil {
		level = slog.LevelInfo
	}

	var h slog.Handler
	switch cfg.Format {
	case "json":
		h = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	default:
		h = tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: time.TimeOnly,
		})
	}
	return slog.New(h)
}

func tableAttr(t Table) slog.Attr {
	return slog.String("table", t.SourceName)
}

func bytesAttr(n int64) slog.Attr {
	return slog.String("bytes", humanize.IBytes(uint64(max(n, 0))))
}

func elapsedAttr(start time.Time) slog.Attr {
	return slog.Duration("elapsed", time.Since(start).Round(time.Millisecond))
}
