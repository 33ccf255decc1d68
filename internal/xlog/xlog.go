// Package xlog is a small leveled logger threaded explicitly through
// the supervisor and event loop, replacing the global "verbose" and
// "section_name" state of the upstream C tool
// with an instance-scoped value: each forked/forked-in-process
// instance owns one *Logger.
package xlog

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/cespare/xxhash/v2"
)

// Level mirrors the five verbosity levels in the configuration surface
//: ERROR < WARN < INFO < DEBUG < TRACE.
type Level int

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
	LevelTrace
)

// ParseLevel accepts either a name ("ERROR".."TRACE", all upper case or
// all lower case; "WARNING" is an alias of "WARN") or a numeric string
// "0".."4", matching the `verbose` key.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "0", "ERROR", "error":
		return LevelError, nil
	case "1", "WARN", "warn", "WARNING", "warning":
		return LevelWarn, nil
	case "2", "INFO", "info":
		return LevelInfo, nil
	case "3", "DEBUG", "debug":
		return LevelDebug, nil
	case "4", "TRACE", "trace":
		return LevelTrace, nil
	default:
		return 0, fmt.Errorf("xlog: unrecognized verbosity %q", s)
	}
}

func (l Level) String() string {
	switch l {
	case LevelError:
		return "error"
	case LevelWarn:
		return "warn"
	case LevelInfo:
		return "info"
	case LevelDebug:
		return "debug"
	case LevelTrace:
		return "trace"
	default:
		return "unknown"
	}
}

// Logger is a leveled wrapper around the standard library's *log.Logger,
// matching the bracketed-level convention the upstream C tool (and its
// upstream C tool it was distilled from) already uses: "[level] msg".
type Logger struct {
	level   Level
	section string
	out     *log.Logger
}

// New builds a Logger for one proxy instance/section. A non-empty
// section is included in every line so multi-instance logs stay
// attributable when several instances share stdout.
func New(w io.Writer, section string, level Level) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return &Logger{
		level:   level,
		section: section,
		out:     log.New(w, "", log.LstdFlags),
	}
}

func (l *Logger) enabled(lvl Level) bool { return l != nil && lvl <= l.level }

func (l *Logger) logf(lvl Level, format string, args ...interface{}) {
	if !l.enabled(lvl) {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if l.section != "" {
		l.out.Printf("[%s] [%s] %s", lvl, l.section, msg)
		return
	}
	l.out.Printf("[%s] %s", lvl, msg)
}

func (l *Logger) Errorf(format string, args ...interface{}) { l.logf(LevelError, format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.logf(LevelWarn, format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.logf(LevelInfo, format, args...) }
func (l *Logger) Debugf(format string, args ...interface{}) { l.logf(LevelDebug, format, args...) }
func (l *Logger) Tracef(format string, args ...interface{}) { l.logf(LevelTrace, format, args...) }

// Tag computes a short, stable correlation tag for a client endpoint's
// wire-form bytes (4 bytes IPv4 + 2 bytes port), so repeated log lines
// about the same client are easy to grep even across instances whose
// printed addresses collide (e.g. behind different static bindings).
// xxhash is a fast non-cryptographic hash; nothing about tag
// collisions is security sensitive, it is purely a log aid.
func Tag(endpointBytes [6]byte) string {
	sum := xxhash.Sum64(endpointBytes[:])
	return fmt.Sprintf("%04x", uint16(sum))
}
