// Package logging tags the daemon's operational output with the project
// id and the emitting component, so lines from every per-project daemon
// instance can be told apart when they share a terminal or log file.
package logging

import (
	"io"
	"log"
	"os"

	"github.com/dgraph-io/badger/v4"
)

// New returns a logger whose lines carry the project id and a component
// tag, e.g. "2026/08/01 10:00:00 [ab12cd34ef56] server: listening".
func New(projectID, component string) *log.Logger {
	return NewWithWriter(os.Stderr, projectID, component)
}

// NewWithWriter is New with an explicit destination, used by tests.
func NewWithWriter(w io.Writer, projectID, component string) *log.Logger {
	return log.New(w, "["+projectID+"] "+component+": ", log.LstdFlags|log.Lmsgprefix)
}

// NewBadger adapts a tagged logger to BadgerDB's logging interface.
// Info and debug output is dropped — badger is chatty at those levels —
// while errors and warnings surface with the project tag.
func NewBadger(projectID, component string) badger.Logger {
	return badgerLogger{l: New(projectID, component)}
}

type badgerLogger struct {
	l *log.Logger
}

func (b badgerLogger) Errorf(format string, args ...interface{}) {
	b.l.Printf("ERROR "+format, args...)
}

func (b badgerLogger) Warningf(format string, args ...interface{}) {
	b.l.Printf("WARN "+format, args...)
}

func (b badgerLogger) Infof(string, ...interface{})  {}
func (b badgerLogger) Debugf(string, ...interface{}) {}
