package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// FileLogger writes JSON log lines to path. Used when the TUI owns the
// terminal and stderr is not available for logging.
func FileLogger(path, level string) (zerolog.Logger, io.Closer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return zerolog.Nop(), nil, err
	}
	logger := zerolog.New(f).Level(parseLevel(level)).With().Timestamp().Logger()
	return logger, f, nil
}

// ConsoleLogger writes human-readable lines to stderr for one-shot commands.
func ConsoleLogger(level string) zerolog.Logger {
	w := zerolog.ConsoleWriter{Out: os.Stderr}
	return zerolog.New(w).Level(parseLevel(level)).With().Timestamp().Logger()
}

func parseLevel(level string) zerolog.Level {
	l, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.InfoLevel
	}
	return l
}
