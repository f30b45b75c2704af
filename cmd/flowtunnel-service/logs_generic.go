//go:build !windows

package main

import (
	"os"

	"github.com/sirupsen/logrus"
)

// HookLogger writes to stdout, which the init system captures
func HookLogger(l *logrus.Logger) {
	l.SetOutput(os.Stdout)
}
