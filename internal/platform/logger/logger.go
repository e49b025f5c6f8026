package logger

import (
	"log/slog"
	"os"
)

// New returns a structured stdout logger. Level defaults to info;
// STUDYGATE_LOG_LEVEL=debug turns on request-level detail.
func New() *slog.Logger {
	level := slog.LevelInfo
	if os.Getenv("STUDYGATE_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}
