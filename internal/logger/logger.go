// Package logger provides structured logging setup for Troupe.
package logger

import (
	"log/slog"
	"os"
	"strings"

	"github.com/troupehq/troupe/internal/config"
)

// Closer flushes and stops the logging pipeline.
type Closer interface {
	Close()
}

// nopCloser is a no-op Closer for synchronous mode.
type nopCloser struct{}

func (nopCloser) Close() {}

// New creates a *slog.Logger from the given Logging config. Output is
// JSON to stdout with a "service" attribute on every record; the request
// ID is added whenever the logging context carries one. With cfg.Async
// set, records pass through a buffered worker and the returned Closer
// drains it on shutdown. In synchronous mode the Closer is a no-op.
func New(cfg config.Logging) (*slog.Logger, Closer) {
	level := parseLevel(cfg.Level)

	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})

	closer := Closer(nopCloser{})
	if cfg.Async {
		size := cfg.AsyncBuffer
		if size <= 0 {
			size = 1024
		}
		async := NewAsyncHandler(handler, size, 1)
		handler = async
		closer = async
	}

	return slog.New(contextHandler{handler}).With("service", cfg.Service), closer
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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
