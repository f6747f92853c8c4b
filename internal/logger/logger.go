package logger

import (
	"fmt"
	"io"

	"github.com/rs/zerolog"
)

// New returns a timestamped JSON logger writing to w at the given level.
func New(w io.Writer, level string) (zerolog.Logger, error) {
	logger := zerolog.New(w).With().Timestamp().Logger()

	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return logger, fmt.Errorf("failed to parse log level %q: %w", level, err)
	}
	return logger.Level(lvl), nil
}
