// Package logging sets up the process-wide structured logger: a
// log/slog text handler writing to stdout and, optionally, a rotating
// log file.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

// New builds a slog.Logger that writes to stdout and, if file is non-empty,
// also to a rotating file. rotation is "daily", "hourly", or "" (treated
// as "daily"). addSource includes the calling file:line in
// each record; callers typically set this only when stdout is an
// interactive terminal, since it clutters piped/redirected output.
func New(level, file, rotation string, addSource bool) (*slog.Logger, error) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info", "":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		return nil, fmt.Errorf("unrecognized logging.level %q", level)
	}

	writers := []io.Writer{os.Stdout}
	if file != "" {
		rw, err := newRotatingWriter(file, rotation)
		if err != nil {
			return nil, fmt.Errorf("open log file %s: %w", file, err)
		}
		writers = append(writers, rw)
	}

	handler := slog.NewTextHandler(io.MultiWriter(writers...), &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: addSource,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.String("time", a.Value.Time().Format("2006-01-02T15:04:05Z07:00"))
			}
			return a
		},
	})

	return slog.New(handler), nil
}
