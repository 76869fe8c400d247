// Package diag is the single-line trace channel for file state decisions
// (stat failures, shrink resets, skips, seeks and offset updates).
package diag

import (
	"os"

	"github.com/sirupsen/logrus"
)

// EnvToggle enables the logrus backed tracer when set to "1".
const EnvToggle = "LOGSHIP_DEBUG"

const (
	EventStatFailed   = "stat failed"
	EventSizeShrink   = "size shrink"
	EventSkipNoData   = "skip no new data"
	EventSeek         = "seek"
	EventUpdateOffset = "update offset"
)

type Tracer interface {
	Trace(event string, fields logrus.Fields)
}

type nopTracer struct{}

func (nopTracer) Trace(string, logrus.Fields) {}

// Nop discards every event.
func Nop() Tracer { return nopTracer{} }

type logTracer struct {
	logger logrus.FieldLogger
}

func (l logTracer) Trace(event string, fields logrus.Fields) {
	l.logger.WithFields(fields).Info("[trace] " + event)
}

// NewLogTracer writes each event as one log line.
func NewLogTracer(logger logrus.FieldLogger) Tracer {
	return logTracer{logger: logger}
}

// FromEnv returns a tracer on the standard logger when EnvToggle is "1" and a
// no-op tracer otherwise.
func FromEnv() Tracer {
	if os.Getenv(EnvToggle) != "1" {
		return Nop()
	}
	return NewLogTracer(logrus.StandardLogger())
}
