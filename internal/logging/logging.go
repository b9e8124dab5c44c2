// Package logging provides the shared structured-logging handle used
// throughout the post-master. Components take a *Logger explicitly through
// their constructors rather than reaching for a package-level global, so
// that two independent Post-Master instances in the same process never
// fight over shared log state (see DESIGN.md, "Global singletons").
package logging

import (
	"github.com/sirupsen/logrus"
)

// Logger is the handle every component logs through.
type Logger = logrus.Logger

// New builds a Logger with sane defaults for library use: text output,
// info level, no forced coloring (callers embedding this in a larger
// program decide that).
func New() *Logger {
	l := logrus.New()
	l.SetLevel(logrus.InfoLevel)
	return l
}

// Nop returns a Logger that discards everything, for tests and callers
// that don't want post-master diagnostics.
func Nop() *Logger {
	l := logrus.New()
	l.SetOutput(discard{})
	return l
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// WithHost returns a log entry tagged with the host-id a component is
// acting on, the way a production client ties every log line to the
// connection it concerns.
func WithHost(l *Logger, hostID string) *logrus.Entry {
	return l.WithField("host", hostID)
}
