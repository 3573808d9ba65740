// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package clog provides context-aware logging for the build coordinator.
// It stashes a trace id, a span id, and arbitrary labels into a Logger
// carried on the context, so every log line emitted while processing a
// given cell, rule, or remote RPC automatically carries that context.
package clog

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
)

type contextKeyType int

var contextKey contextKeyType

// Severity is a log severity, independent of the backing logger.
type Severity int

// Severities, ordered least to most severe.
const (
	Info Severity = iota
	Warning
	Error
	Fatal
)

// Entry is one log record with coordinator-specific context attached.
type Entry struct {
	Timestamp time.Time
	Severity  Severity
	Payload   string
	Trace     string
	SpanID    string
	Labels    map[string]string
}

// defaultFormatter renders only the payload, dropping context.
var defaultFormatter = func(e Entry) string { return e.Payload }

// New creates a new root Logger backed by the default charmbracelet logger.
func New(ctx context.Context) *Logger {
	return &Logger{
		Formatter: defaultFormatter,
		backend:   log.Default(),
	}
}

// NewContext sets the given logger on the context.
func NewContext(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, contextKey, logger)
}

// NewSpan derives a sub-logger carrying trace/spanID/labels and stores it
// on the returned context.
func NewSpan(ctx context.Context, trace, spanID string, labels map[string]string) context.Context {
	logger := FromContext(ctx)
	return NewContext(ctx, logger.Span(trace, spanID, labels))
}

// FromContext returns the logger stored in ctx, or a fresh root logger if
// none was set.
func FromContext(ctx context.Context) *Logger {
	logger, ok := ctx.Value(contextKey).(*Logger)
	if !ok || logger == nil {
		return New(ctx)
	}
	return logger
}

// Logger carries the trace, spanID, and labels of a context, and formats
// entries through Formatter before handing them to the backend logger.
type Logger struct {
	// Formatter renders an Entry to a string. Defaults to the bare payload.
	Formatter func(e Entry) string

	trace  string
	spanID string
	labels map[string]string

	backend *log.Logger
}

// Span returns a sub logger scoped to the given trace span.
func (l *Logger) Span(trace, spanID string, labels map[string]string) *Logger {
	if l == nil {
		l = New(context.Background())
	}
	return &Logger{
		Formatter: l.Formatter,
		trace:     trace,
		spanID:    spanID,
		labels:    labels,
		backend:   l.backend,
	}
}

func (l *Logger) log(e Entry) {
	if l == nil {
		return
	}
	msg := l.Formatter(e)
	fields := make([]any, 0, 2*(len(e.Labels)+2))
	if e.Trace != "" {
		fields = append(fields, "trace", e.Trace)
	}
	if e.SpanID != "" {
		fields = append(fields, "span", e.SpanID)
	}
	for k, v := range e.Labels {
		fields = append(fields, k, v)
	}
	backend := l.backend
	if backend == nil {
		backend = log.Default()
	}
	switch e.Severity {
	case Info:
		backend.Info(msg, fields...)
	case Warning:
		backend.Warn(msg, fields...)
	case Error:
		backend.Error(msg, fields...)
	case Fatal:
		backend.Fatal(msg, fields...)
	}
}

// Entry builds an Entry for the given severity and payload.
func (l *Logger) Entry(severity Severity, payload string) Entry {
	var trace, spanID string
	var labels map[string]string
	if l != nil {
		trace, spanID, labels = l.trace, l.spanID, l.labels
	}
	return Entry{
		Timestamp: time.Now(),
		Severity:  severity,
		Payload:   payload,
		Trace:     trace,
		SpanID:    spanID,
		Labels:    labels,
	}
}

// Info logs at info level in the manner of fmt.Print.
func (l *Logger) Info(args ...any) { l.log(l.Entry(Info, fmt.Sprint(args...))) }

// Infof logs at info level in the manner of fmt.Printf.
func (l *Logger) Infof(format string, args ...any) { l.log(l.Entry(Info, fmt.Sprintf(format, args...))) }

// Infof logs at info level on the logger stored in ctx.
func Infof(ctx context.Context, format string, args ...any) {
	FromContext(ctx).Infof(format, args...)
}

// Warning logs at warning level in the manner of fmt.Print.
func (l *Logger) Warning(args ...any) { l.log(l.Entry(Warning, fmt.Sprint(args...))) }

// Warningf logs at warning level in the manner of fmt.Printf.
func (l *Logger) Warningf(format string, args ...any) {
	l.log(l.Entry(Warning, fmt.Sprintf(format, args...)))
}

// Warningf logs at warning level on the logger stored in ctx.
func Warningf(ctx context.Context, format string, args ...any) {
	FromContext(ctx).Warningf(format, args...)
}

// Error logs at error level in the manner of fmt.Print.
func (l *Logger) Error(args ...any) { l.log(l.Entry(Error, fmt.Sprint(args...))) }

// Errorf logs at error level in the manner of fmt.Printf.
func (l *Logger) Errorf(format string, args ...any) {
	l.log(l.Entry(Error, fmt.Sprintf(format, args...)))
}

// Errorf logs at error level on the logger stored in ctx.
func Errorf(ctx context.Context, format string, args ...any) {
	FromContext(ctx).Errorf(format, args...)
}

// Fatalf logs at fatal level in the manner of fmt.Printf, then exits.
func (l *Logger) Fatalf(format string, args ...any) {
	l.log(l.Entry(Fatal, fmt.Sprintf(format, args...)))
}

// Fatalf logs at fatal level on the logger stored in ctx, then exits.
func Fatalf(ctx context.Context, format string, args ...any) {
	FromContext(ctx).Fatalf(format, args...)
}

// V reports whether verbose logging at level is enabled. The coordinator
// does not yet support per-level verbosity, so it always reports false;
// call sites are structured so that flipping this on is a one-line change.
func (l *Logger) V(level int) bool { return false }

// Close flushes any buffered log entries.
func (l *Logger) Close() {}
