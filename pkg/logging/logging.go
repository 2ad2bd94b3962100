// Package logging builds the logrus logger shared by the CLI and engines.
package logging

import (
	"io"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// New returns a logger writing to w. format is text or json.
func New(w io.Writer, format string, verbose bool) *log.Logger {
	logger := log.New()
	logger.SetOutput(w)
	if format == "json" {
		logger.SetFormatter(&log.JSONFormatter{})
	} else {
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	logger.SetLevel(log.InfoLevel)
	if verbose {
		logger.SetLevel(log.DebugLevel)
	}
	return logger
}

// Discard returns a logger that drops everything, for library callers and
// tests that do not care about progress output.
func Discard() *log.Logger {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return logger
}

// WithRun tags every entry with a fresh run identifier.
func WithRun(logger log.FieldLogger) *log.Entry {
	return logger.WithField("run", uuid.NewString())
}
