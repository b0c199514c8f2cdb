// Package logging gives every component of the bridge the same logrus
// configuration so a session's log lines can be correlated.
package logging

import (
	"io"

	"github.com/sirupsen/logrus"
)

// New returns a logger that writes to w at the given level. Passing a
// nil w falls back to logrus's default (stderr).
func New(w io.Writer, level logrus.Level) *logrus.Logger {
	log := logrus.New()
	log.SetLevel(level)
	if w != nil {
		log.SetOutput(w)
	}
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	return log
}

// ParseLevel maps the CLI's loglevel strings onto logrus levels. Unknown
// names fall back to InfoLevel.
func ParseLevel(name string) logrus.Level {
	switch name {
	case "none":
		return logrus.PanicLevel
	case "error", "err":
		return logrus.ErrorLevel
	case "warning", "warn":
		return logrus.WarnLevel
	case "calls":
		return logrus.DebugLevel
	case "instrs", "trace":
		return logrus.TraceLevel
	default:
		return logrus.InfoLevel
	}
}
