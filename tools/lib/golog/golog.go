// Copyright 2024 The Aklite Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package golog is a small leveled logger over the standard log.Logger,
// with an optional context carrier so deeply nested calls can log without
// threading a handle through every signature.
package golog

import (
	"context"
	"fmt"
	"log"
	"os"
)

type loggerKey struct{}

// Logger writes leveled, prefixed lines to an underlying *log.Logger.
type Logger struct {
	out  *log.Logger
	tag  string
	verb bool
}

// New creates a Logger that writes to stderr with the given component tag.
func New(tag string) *Logger {
	return &Logger{out: log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds), tag: tag}
}

// WithVerbose returns a copy of l with debug-level output enabled.
func (l *Logger) WithVerbose(v bool) *Logger {
	c := *l
	c.verb = v
	return &c
}

func (l *Logger) Infof(format string, args ...interface{})  { l.logf("INFO", format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.logf("ERROR", format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.logf("WARN", format, args...) }

func (l *Logger) Debugf(format string, args ...interface{}) {
	if !l.verb {
		return
	}
	l.logf("DEBUG", format, args...)
}

func (l *Logger) logf(level, format string, args ...interface{}) {
	l.out.Printf("%s [%s] %s", level, l.tag, fmt.Sprintf(format, args...))
}

// WithContext attaches l to ctx, retrievable with FromContext.
func WithContext(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

// FromContext returns the Logger attached to ctx, or a default one tagged
// "aklite" if none was attached.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey{}).(*Logger); ok {
		return l
	}
	return New("aklite")
}

// Infof logs at info level using the Logger carried by ctx.
func Infof(ctx context.Context, format string, args ...interface{}) {
	FromContext(ctx).Infof(format, args...)
}

// Errorf logs at error level using the Logger carried by ctx.
func Errorf(ctx context.Context, format string, args ...interface{}) {
	FromContext(ctx).Errorf(format, args...)
}

// Warnf logs at warn level using the Logger carried by ctx.
func Warnf(ctx context.Context, format string, args ...interface{}) {
	FromContext(ctx).Warnf(format, args...)
}

// Debugf logs at debug level using the Logger carried by ctx; silent
// unless that Logger has verbose output enabled.
func Debugf(ctx context.Context, format string, args ...interface{}) {
	FromContext(ctx).Debugf(format, args...)
}
