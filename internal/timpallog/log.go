// Package timpallog centralizes logging setup.
//
// The teacher tags every line by hand ("CONSENSUS_ENGINE: ...",
// "SIMNET [%s]: ..."); we keep the same idea but carry the subsystem as a
// structured logrus field instead of a string prefix, per
// SPEC_FULL.md's ambient-stack section.
package timpallog

import (
	"os"

	"github.com/sirupsen/logrus"
)

var base = newBase()

func newBase() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// SetLevel adjusts the base logger's verbosity.
func SetLevel(level logrus.Level) {
	base.SetLevel(level)
}

// For returns a component-scoped logger, e.g. timpallog.For("ledger").
func For(component string) *logrus.Entry {
	return base.WithField("component", component)
}
