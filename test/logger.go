// Package test holds helpers shared by the flowtunnel tests.
package test

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// NewLogger returns a logger that is silent unless TEST_LOGS is set. 1 logs at info, 2 at debug, 3 at trace.
func NewLogger() *logrus.Logger {
	l := logrus.New()

	v := os.Getenv("TEST_LOGS")
	if v == "" {
		l.SetOutput(io.Discard)
		return l
	}

	switch v {
	case "2":
		l.SetLevel(logrus.DebugLevel)
	case "3":
		l.SetLevel(logrus.TraceLevel)
	default:
		l.SetLevel(logrus.InfoLevel)
	}

	return l
}

// LogCapture records every entry a logger fires, regardless of where its output goes.
type LogCapture struct {
	lock    sync.Mutex
	entries []*logrus.Entry
}

// NewCaptureLogger is NewLogger with a LogCapture attached. The level is lowered to debug so nothing is filtered
// before the hook sees it.
func NewCaptureLogger() (*logrus.Logger, *LogCapture) {
	l := NewLogger()
	if l.GetLevel() < logrus.DebugLevel {
		l.SetLevel(logrus.DebugLevel)
	}

	lc := &LogCapture{}
	l.AddHook(lc)
	return l, lc
}

func (lc *LogCapture) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (lc *LogCapture) Fire(e *logrus.Entry) error {
	lc.lock.Lock()
	lc.entries = append(lc.entries, e)
	lc.lock.Unlock()
	return nil
}

// Messages returns the messages logged at level, in order
func (lc *LogCapture) Messages(level logrus.Level) []string {
	lc.lock.Lock()
	defer lc.lock.Unlock()

	var out []string
	for _, e := range lc.entries {
		if e.Level == level {
			out = append(out, e.Message)
		}
	}
	return out
}

// Find returns the first entry with the message, or nil
func (lc *LogCapture) Find(msg string) *logrus.Entry {
	lc.lock.Lock()
	defer lc.lock.Unlock()

	for _, e := range lc.entries {
		if e.Message == msg {
			return e
		}
	}
	return nil
}
