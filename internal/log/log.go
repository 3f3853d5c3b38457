// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package log provides a leveled logging abstraction used across pe, loader
// and emulator instead of calling fmt/log directly.
package log

import (
	"fmt"
	"io"
	"log"
	"os"
)

// Level is a log severity.
type Level int

// Log levels, lowest to highest severity.
const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Logger is the minimal interface every backend must satisfy.
type Logger interface {
	Log(level Level, msg string)
}

// stdLogger writes formatted lines to an io.Writer via the standard log
// package.
type stdLogger struct {
	log *log.Logger
}

// NewStdLogger returns a Logger that writes to w.
func NewStdLogger(w io.Writer) Logger {
	return &stdLogger{log: log.New(w, "", log.LstdFlags)}
}

func (l *stdLogger) Log(level Level, msg string) {
	l.log.Printf("[%s] %s", level, msg)
}

// filter decorates a Logger, dropping records below a minimum level.
type filter struct {
	logger Logger
	level  Level
}

// Option configures a filter.
type Option func(*filter)

// FilterLevel sets the minimum level a filter lets through.
func FilterLevel(level Level) Option {
	return func(f *filter) {
		f.level = level
	}
}

// NewFilter wraps logger with the given options.
func NewFilter(logger Logger, opts ...Option) Logger {
	f := &filter{logger: logger, level: LevelDebug}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *filter) Log(level Level, msg string) {
	if level < f.level {
		return
	}
	f.logger.Log(level, msg)
}

// Helper adds printf-style convenience methods on top of a Logger.
type Helper struct {
	logger Logger
}

// NewHelper wraps logger in a Helper.
func NewHelper(logger Logger) *Helper {
	return &Helper{logger: logger}
}

// Debugf logs at debug level.
func (h *Helper) Debugf(format string, args ...interface{}) {
	h.logger.Log(LevelDebug, fmt.Sprintf(format, args...))
}

// Infof logs at info level.
func (h *Helper) Infof(format string, args ...interface{}) {
	h.logger.Log(LevelInfo, fmt.Sprintf(format, args...))
}

// Warnf logs at warn level.
func (h *Helper) Warnf(format string, args ...interface{}) {
	h.logger.Log(LevelWarn, fmt.Sprintf(format, args...))
}

// Errorf logs at error level.
func (h *Helper) Errorf(format string, args ...interface{}) {
	h.logger.Log(LevelError, fmt.Sprintf(format, args...))
}

// Default is a ready-to-use helper writing to stderr at warn level and
// above, used where no *Options carries a custom Logger.
var Default = NewHelper(NewFilter(NewStdLogger(os.Stderr), FilterLevel(LevelWarn)))
