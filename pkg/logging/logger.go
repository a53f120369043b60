package logging

import (
	"fmt"
	"log"

	"github.com/fatih/color"
)

// Logger is the watcher's logging type. It has the novel property that it
// still functions if nil, but doesn't log anything, which lets backends hold
// an optional logger without nil-checking at every call site. It wraps the
// standard library logger, so it respects whatever flags have been set on
// the default logger (timestamps, file/line, etc). It's safe for concurrent
// use, though in practice only the watcher thread ever calls it.
type Logger struct {
	// prefix is any prefix specified for the logger.
	prefix string
	// level is the minimum level at which messages are emitted.
	level Level
}

// NewLogger creates a new root logger at the specified level.
func NewLogger(level Level) *Logger {
	return &Logger{level: level}
}

// Sublogger creates a new sublogger with the specified name, inheriting the
// parent's level.
func (l *Logger) Sublogger(name string) *Logger {
	if l == nil {
		return nil
	}
	prefix := name
	if l.prefix != "" {
		prefix = l.prefix + "." + name
	}
	return &Logger{prefix: prefix, level: l.level}
}

// output is the internal logging method.
func (l *Logger) output(calldepth int, line string) {
	if l.prefix != "" {
		line = fmt.Sprintf("[%s] %s", l.prefix, line)
	}
	log.Output(calldepth, line)
}

// enabled reports whether a message at the given level should be emitted.
func (l *Logger) enabled(level Level) bool {
	return l != nil && l.level >= level
}

// Warn logs non-fatal error information with a warning prefix and yellow
// color, but only if the logger's level is at least LevelWarn.
func (l *Logger) Warn(err error) {
	if l.enabled(LevelWarn) {
		l.output(3, color.YellowString("Warning: %v", err))
	}
}

// Error logs fatal error information with an error prefix and red color, but
// only if the logger's level is at least LevelError.
func (l *Logger) Error(err error) {
	if l.enabled(LevelError) {
		l.output(3, color.RedString("Error: %v", err))
	}
}
