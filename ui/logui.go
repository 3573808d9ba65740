// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package ui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/log"
)

type logSpinner struct {
	started time.Time
}

// Start implements the ui.Spinner interface.
// Because a log-based UI cannot support an animated spinner, this is used only to report spinner completion.
func (l *logSpinner) Start(format string, args ...any) {
	l.started = time.Now()
	log.Infof(format, args...)
}

// Stop implements the ui.Spinner interface.
// Because a log-based UI cannot support an animated spinner, this is used to report how long the spinner operation took to complete.
func (l *logSpinner) Stop(err error) {
	if err != nil {
		log.Warnf("-> failed %s %v", time.Since(l.started), err)
		return
	}
	log.Infof("-> done %s", time.Since(l.started))
}

// Done finishes the spinner with message.
func (l *logSpinner) Done(format string, args ...any) {
	log.Infof("-> %s %s", fmt.Sprintf(format, args...), time.Since(l.started))
}

// LogUI is a structured-log-based UI, used whenever stdout is not a
// terminal (CI, a pipe, a redirected log file): no spinner animation
// or line-replacement, just one log line per event.
type LogUI struct{}

// NewSpinner returns an implementation of ui.Spinner that logs
// start/stop instead of animating.
func (LogUI) NewSpinner() Spinner {
	return &logSpinner{}
}

// PrintLines logs each non-empty message as its own info line: a
// log-based UI has no "current line" to replace.
func (LogUI) PrintLines(msgs ...string) {
	log.Helper()
	for _, msg := range msgs {
		if msg == "" || msg == "\n" {
			continue
		}
		log.Info(StripANSIEscapeCodes(msg))
	}
}

// Infof reports to stdout, stripping ansi escape sequence.
func (LogUI) Infof(format string, args ...any) {
	log.Helper()
	log.Info(StripANSIEscapeCodes(fmt.Sprintf(format, args...)))
}

// Warningf reports to stderr, stripping ansi escape sequence.
func (LogUI) Warningf(format string, args ...any) {
	log.Helper()
	log.Warn(StripANSIEscapeCodes(fmt.Sprintf(format, args...)))
}

// Errorf reports to stderr, stripping ansi escape sequence.
func (LogUI) Errorf(format string, args ...any) {
	log.Helper()
	log.Error(StripANSIEscapeCodes(fmt.Sprintf(format, args...)))
}
