// Package logging wraps logrus the way the fleet's downstream services
// expect: one constructor per deployment shape (stdout text for a
// developer laptop, JSON to stdout for a container), and components take
// a *Logger as a collaborator rather than reaching for a package-global.
package logging

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger wraps *logrus.Logger so call sites read naturally
// (log.WithField(...).Info(...)) without importing logrus directly.
type Logger struct {
	*logrus.Logger
}

// Config controls level/format/output for a Logger.
type Config struct {
	Level  string // trace|debug|info|warn|error
	Format string // "json" or "text"
}

// New builds a Logger from Config, defaulting to info/text.
func New(cfg Config) *Logger {
	l := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	l.SetOutput(os.Stdout)

	return &Logger{Logger: l}
}

// Named returns a child logger that tags every entry with a component
// field, the way each Kiln subsystem (queue, scheduler, watcher, ...)
// identifies itself in a shared log stream.
func (l *Logger) Named(component string) *logrus.Entry {
	return l.WithField("component", component)
}
