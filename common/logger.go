// This file extends the base logging functionality with configurable logger
// construction and context-aware logging for job and chunk processing.
package common

import (
	"time"

	"github.com/sirupsen/logrus"
)

// LogLevel represents standard logging levels
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
	LogLevelFatal LogLevel = "fatal"
)

// LoggerConfig contains configuration for creating a logger
type LoggerConfig struct {
	Level      LogLevel // Minimum log level
	Format     string   // "json" or "text"
	Service    string   // Service name for all logs
	AddCaller  bool     // Add caller information
	TimeFormat string   // Time format for logs
}

// DefaultLoggerConfig returns a logger config with sensible defaults
func DefaultLoggerConfig() LoggerConfig {
	return LoggerConfig{
		Level:      LogLevelInfo,
		Format:     "text",
		Service:    "",
		AddCaller:  false,
		TimeFormat: time.RFC3339,
	}
}

// NewLogger creates a new configured logger instance
func NewLogger(config LoggerConfig) *logrus.Logger {
	logger := logrus.New()

	switch config.Level {
	case LogLevelDebug:
		logger.SetLevel(logrus.DebugLevel)
	case LogLevelInfo:
		logger.SetLevel(logrus.InfoLevel)
	case LogLevelWarn:
		logger.SetLevel(logrus.WarnLevel)
	case LogLevelError:
		logger.SetLevel(logrus.ErrorLevel)
	case LogLevelFatal:
		logger.SetLevel(logrus.FatalLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}

	if config.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: config.TimeFormat,
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: config.TimeFormat,
			FullTimestamp:   true,
		})
	}

	logger.SetReportCaller(config.AddCaller)
	logger.SetOutput(&OutputSplitter{})

	return logger
}

// JobLogger returns an entry carrying the service-wide base fields for one job.
// Chunk workers derive their entries from it with WithField("chunk_id", ...).
func JobLogger(logger *logrus.Logger, jobID uint) *logrus.Entry {
	if logger == nil {
		logger = Logger
	}
	return logger.WithField("job_id", jobID)
}

// ChunkLogger returns an entry scoped to one chunk of one job.
func ChunkLogger(logger *logrus.Logger, jobID uint, chunkID int) *logrus.Entry {
	return JobLogger(logger, jobID).WithField("chunk_id", chunkID)
}

// TaskLogger returns an entry scoped to one broker task delivery.
func TaskLogger(logger *logrus.Logger, jobID uint, chunkID int, taskID string) *logrus.Entry {
	return ChunkLogger(logger, jobID, chunkID).WithField("task_id", taskID)
}
