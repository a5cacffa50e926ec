package logging

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/presencegw/presencegw/internal/config"
)

// Setup configures the global slog logger from cfg. When ring is non-nil every
// record is also captured there for the admin log endpoint.
// Returns the lumberjack logger (if file logging) so it can be closed on shutdown.
func Setup(cfg config.LoggingConfig, ring *Ring) *lumberjack.Logger {
	var w io.Writer = os.Stdout
	var lj *lumberjack.Logger

	if cfg.File != "" {
		lj = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		w = lj
	}

	slog.SetDefault(slog.New(NewHandler(w, cfg.Level, cfg.Format, ring)))
	return lj
}

// NewHandler builds the JSON or text handler at the given level, teed into
// ring when one is provided.
func NewHandler(w io.Writer, level, format string, ring *Ring) slog.Handler {
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	switch format {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}
	if ring != nil {
		handler = NewTeeHandler(handler, ring)
	}
	return handler
}

// ParseLevel maps a config level name to a slog level. Unknown names map to info.
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
