package config

import (
	"log/slog"
	"os"
)

// NewLogger builds the process logger. Debug lowers the level; the
// logtoerr flag forces the text handler onto stderr even when a JSON
// sink would otherwise be configured.
func NewLogger(cfg *Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}

	var h slog.Handler
	if cfg.LogToErr {
		h = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		h = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}

	logger := slog.New(h)
	slog.SetDefault(logger)
	return logger
}
