// Package logging builds the logrus loggers used by the admit commands.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	admiterrors "github.com/vnykmshr/admit/pkg/common/errors"
	"github.com/vnykmshr/admit/pkg/common/validation"
)

// Supported output formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Config describes a logger.
type Config struct {
	Level  string
	Format string
	Output io.Writer
}

// DefaultConfig logs text at info level to stderr.
func DefaultConfig() Config {
	return Config{
		Level:  "info",
		Format: FormatText,
		Output: os.Stderr,
	}
}

// New builds a logger from cfg. Empty fields take their defaults.
func New(cfg Config) (*logrus.Logger, error) {
	def := DefaultConfig()
	if cfg.Level == "" {
		cfg.Level = def.Level
	}
	if cfg.Format == "" {
		cfg.Format = def.Format
	}
	if cfg.Output == nil {
		cfg.Output = def.Output
	}

	level, err := logrus.ParseLevel(strings.TrimSpace(cfg.Level))
	if err != nil {
		return nil, admiterrors.NewValidationError("logging", "level", cfg.Level, "unknown level").
			WithHint("use one of trace, debug, info, warn, error")
	}
	if err := validation.ValidateOneOf("logging", "format", cfg.Format, FormatText, FormatJSON); err != nil {
		return nil, err
	}

	logger := logrus.New()
	logger.SetOutput(cfg.Output)
	logger.SetLevel(level)
	if cfg.Format == FormatJSON {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger, nil
}

// Discard returns a logger that drops everything.
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
