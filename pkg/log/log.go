// Copyright The GPU USM Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"

	"k8s.io/klog/v2"
)

// Level describes the severity of a log message.
type Level int

const (
	// LevelDebug is the severity for debug messages.
	LevelDebug Level = iota
	// LevelInfo is the severity for informational messages.
	LevelInfo
	// LevelWarn is the severity for warnings.
	LevelWarn
	// LevelError is the severity for errors.
	LevelError
)

// Logger is the interface for producing log messages for/from a particular source.
type Logger interface {
	// Debug formats and emits a debug message.
	Debug(format string, args ...interface{})
	// Info formats and emits an informational message.
	Info(format string, args ...interface{})
	// Warn formats and emits a warning message.
	Warn(format string, args ...interface{})
	// Error formats and emits an error message.
	Error(format string, args ...interface{})
	// Fatal formats and emits an error message and os.Exit()'s with status 1.
	Fatal(format string, args ...interface{})
	// Panic formats and emits an error message then panics with the same.
	Panic(format string, args ...interface{})

	// Warnf is an alias for Warn.
	Warnf(format string, args ...interface{})
	// Errorf is an alias for Error.
	Errorf(format string, args ...interface{})

	// DebugBlock formats and emits a multiline debug message.
	DebugBlock(prefix string, format string, args ...interface{})
	// InfoBlock formats and emits a multiline informational message.
	InfoBlock(prefix string, format string, args ...interface{})

	// EnableDebug enables debug messages for this Logger.
	EnableDebug(bool) bool
	// DebugEnabled checks if debug messages are enabled for this Logger.
	DebugEnabled() bool

	// Source returns the source name of this Logger.
	Source() string

	// SlogHandler returns a log/slog handler emitting through this Logger.
	SlogHandler() slog.Handler
}

// logger implements Logger.
type logger struct {
	source string
}

// logging tracks the state of all loggers.
type logging struct {
	sync.RWMutex
	level   Level
	loggers map[string]logger
	dbgmap  srcmap
	debug   map[string]bool
	prefix  bool
	maxlen  int
}

var (
	// log is our singleton logging state.
	log = &logging{
		level:   DefaultLevel,
		loggers: make(map[string]logger),
		debug:   make(map[string]bool),
	}
	// deflog is the default logger.
	deflog = log.get("default")
)

// Get returns the named Logger.
func Get(source string) Logger {
	log.Lock()
	defer log.Unlock()
	return log.get(source)
}

// Default returns the default Logger.
func Default() Logger {
	return deflog
}

// EnableDebug enables debug logging for the given source.
func EnableDebug(source string) bool {
	log.Lock()
	defer log.Unlock()
	return log.setDebug(source, true)
}

// DebugEnabled returns true if debugging is enabled for the given source.
func DebugEnabled(source string) bool {
	log.RLock()
	defer log.RUnlock()
	return log.debug[source]
}

// SetLevel sets the minimum severity level for emitted messages.
func SetLevel(level Level) {
	log.Lock()
	defer log.Unlock()
	log.level = level
}

func (l *logging) get(source string) logger {
	if lg, ok := l.loggers[source]; ok {
		return lg
	}

	lg := logger{source: source}
	l.loggers[source] = lg
	if len(source) > l.maxlen {
		l.maxlen = len(source)
	}
	l.debug[source] = l.dbgmap.enabled(source)

	return lg
}

func (l *logging) setDebug(source string, state bool) bool {
	prev := l.debug[source]
	l.debug[source] = state
	return prev
}

func (l *logging) setDbgMap(m srcmap) {
	l.dbgmap = m
	for source := range l.loggers {
		l.debug[source] = m.enabled(source)
	}
}

func (l *logging) setPrefix(prefix bool) {
	l.prefix = prefix
}

func (l *logging) enabled(source string, level Level) bool {
	l.RLock()
	defer l.RUnlock()
	if level == LevelDebug {
		return l.debug[source]
	}
	return level >= l.level
}

func (l *logging) format(source, format string, args ...interface{}) string {
	msg := fmt.Sprintf(format, args...)

	l.RLock()
	defer l.RUnlock()

	if !l.prefix {
		return msg
	}
	return fmt.Sprintf("[%-*s] %s", l.maxlen, source, msg)
}

// enabled returns whether the srcmap enables debugging for the source.
func (m srcmap) enabled(source string) bool {
	if m == nil {
		return false
	}
	if state, ok := m[source]; ok {
		return state
	}
	for glob, state := range m {
		if glob == "*" {
			continue
		}
		if ok, _ := path.Match(glob, source); ok {
			return state
		}
	}
	return m["*"]
}

func (lg logger) Debug(format string, args ...interface{}) {
	if !log.enabled(lg.source, LevelDebug) {
		return
	}
	klog.InfoDepth(1, log.format(lg.source, "D: "+format, args...))
}

func (lg logger) Info(format string, args ...interface{}) {
	if !log.enabled(lg.source, LevelInfo) {
		return
	}
	klog.InfoDepth(1, log.format(lg.source, format, args...))
}

func (lg logger) Warn(format string, args ...interface{}) {
	if !log.enabled(lg.source, LevelWarn) {
		return
	}
	klog.WarningDepth(1, log.format(lg.source, format, args...))
}

func (lg logger) Error(format string, args ...interface{}) {
	klog.ErrorDepth(1, log.format(lg.source, format, args...))
}

func (lg logger) Fatal(format string, args ...interface{}) {
	klog.FatalDepth(1, log.format(lg.source, format, args...))
}

func (lg logger) Panic(format string, args ...interface{}) {
	msg := log.format(lg.source, format, args...)
	klog.ErrorDepth(1, msg)
	panic(msg)
}

func (lg logger) Warnf(format string, args ...interface{}) {
	lg.Warn(format, args...)
}

func (lg logger) Errorf(format string, args ...interface{}) {
	lg.Error(format, args...)
}

func (lg logger) DebugBlock(prefix string, format string, args ...interface{}) {
	if !lg.DebugEnabled() {
		return
	}
	for _, line := range strings.Split(fmt.Sprintf(format, args...), "\n") {
		lg.Debug("%s%s", prefix, line)
	}
}

func (lg logger) InfoBlock(prefix string, format string, args ...interface{}) {
	for _, line := range strings.Split(fmt.Sprintf(format, args...), "\n") {
		lg.Info("%s%s", prefix, line)
	}
}

func (lg logger) EnableDebug(state bool) bool {
	log.Lock()
	defer log.Unlock()
	return log.setDebug(lg.source, state)
}

func (lg logger) DebugEnabled() bool {
	return log.enabled(lg.source, LevelDebug)
}

func (lg logger) Source() string {
	return lg.source
}

// loggerError returns a package-specific formatted error.
func loggerError(format string, args ...interface{}) error {
	return fmt.Errorf("logger: "+format, args...)
}
