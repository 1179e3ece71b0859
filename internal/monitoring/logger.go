// Package monitoring - logger.go configures structured logging via
// zerolog.
//
// DESIGN: stdout belongs to the protocol, so diagnostics go to stderr
// by default or to a rotated file. Global() sets the default logger for
// the entire process.
package monitoring

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/pixelforge/image-bridge/internal/config"
)

// NewLogger builds a zerolog logger from the monitoring configuration.
func NewLogger(cfg config.MonitoringConfig) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var writer io.Writer
	switch cfg.LogOutput {
	case "stderr", "":
		writer = os.Stderr
	default:
		writer = &lumberjack.Logger{
			Filename:   cfg.LogOutput,
			MaxSize:    cfg.LogMaxSizeMB,
			MaxBackups: cfg.LogMaxBackups,
		}
	}

	if cfg.LogFormat == "console" {
		writer = zerolog.ConsoleWriter{Out: writer, TimeFormat: "15:04:05"}
	}

	return zerolog.New(writer).Level(level).With().Timestamp().Logger()
}

// Global installs the configured logger as the process-wide default.
func Global(cfg config.MonitoringConfig) {
	log.Logger = NewLogger(cfg)
}
