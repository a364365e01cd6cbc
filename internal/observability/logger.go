package observability

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger builds the process logger and installs it as the zerolog
// global. Format "console" is human readable; anything else is JSON.
func InitLogger(app, level, format string) (zerolog.Logger, error) {
	logger, err := NewLogger(os.Stdout, app, level, format)
	if err != nil {
		return zerolog.Logger{}, err
	}
	log.Logger = logger
	return logger, nil
}

func NewLogger(w io.Writer, app, level, format string) (zerolog.Logger, error) {
	lvl, err := parseLevel(level)
	if err != nil {
		return zerolog.Logger{}, err
	}
	if strings.EqualFold(strings.TrimSpace(format), "console") {
		w = zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.RFC3339,
		}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Str("app", app).Logger(), nil
}

func parseLevel(raw string) (zerolog.Level, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return zerolog.InfoLevel, nil
	}
	lvl, err := zerolog.ParseLevel(raw)
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("log level %q: %w", raw, err)
	}
	return lvl, nil
}
