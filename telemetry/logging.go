// Package telemetry carries the gateway's observability plumbing: log sink
// selection, prometheus collectors and the lifecycle event bus the admin
// surfaces subscribe to.
package telemetry

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig selects where logs go. In stdio-parent mode stdout is the wire,
// so logs are forced to stderr or the file sink.
type LogConfig struct {
	// Level is a logrus level name; empty means info.
	Level string
	// File enables the rotating file sink when non-empty.
	File string
	// MaxSizeMB, MaxBackups and MaxAgeDays tune rotation.
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	// Quiet drops the stderr sink (file-only).
	Quiet bool
}

// NewLogger builds the gateway logger per config.
func NewLogger(config LogConfig) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	var sinks []io.Writer
	if !config.Quiet {
		sinks = append(sinks, os.Stderr)
	}
	if config.File != "" {
		maxSize := config.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 50
		}
		sinks = append(sinks, &lumberjack.Logger{
			Filename:   config.File,
			MaxSize:    maxSize,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAgeDays,
			Compress:   true,
		})
	}
	switch len(sinks) {
	case 0:
		logger.SetOutput(io.Discard)
	case 1:
		logger.SetOutput(sinks[0])
	default:
		logger.SetOutput(io.MultiWriter(sinks...))
	}
	return logger
}
