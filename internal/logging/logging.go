// Package logging configures the logrus logger shared by the CLIs and the
// migrate executable.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Formats accepted by New.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// New builds a logger writing to w (stderr when nil).
func New(level, format string, w io.Writer) (*logrus.Logger, error) {
	if w == nil {
		w = os.Stderr
	}

	lvl := logrus.InfoLevel
	if level != "" {
		parsed, err := logrus.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
		lvl = parsed
	}

	logger := logrus.New()
	logger.SetOutput(w)
	logger.SetLevel(lvl)

	switch strings.ToLower(format) {
	case "", FormatText:
		logger.SetFormatter(&logrus.TextFormatter{
			DisableColors:   true,
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	case FormatJSON:
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05Z07:00"})
	default:
		return nil, fmt.Errorf("invalid log format %q: must be one of: text, json", format)
	}

	if lvl >= logrus.TraceLevel {
		logger.SetReportCaller(true)
	}
	return logger, nil
}

// Discard returns a logger that drops everything. Used by tests and by
// library callers that do not care about logs.
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// ForMigration returns an entry tagged with the migration id.
func ForMigration(logger logrus.FieldLogger, migrationID string) *logrus.Entry {
	return logger.WithField("migration", migrationID)
}
