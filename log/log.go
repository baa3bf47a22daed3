// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package log

import (
	"fmt"
	"log/syslog"
	"os"
	"sync"
	"time"
)

// A Logger logs messages with explicit priority levels. It is implemented by
// a logging back-end as provided by New() or NewMock(). Any additions to this
// interface with format strings should be added to the govet configuration in
// .golangci.yml.
type Logger interface {
	Err(msg string)
	Errf(format string, a ...interface{})
	Warning(msg string)
	Warningf(format string, a ...interface{})
	Info(msg string)
	Infof(format string, a ...interface{})
	Debug(msg string)
	Debugf(format string, a ...interface{})
	AuditInfo(msg string)
	AuditInfof(format string, a ...interface{})
	AuditErr(msg string)
	AuditErrf(format string, a ...interface{})
}

// impl implements Logger.
type impl struct {
	w writer
}

// singleton defines the object of a Singleton pattern
type singleton struct {
	once sync.Once
	log  Logger
}

// _Singleton is the single impl entity in memory
var _Singleton singleton

// The constant used to identify audit-specific messages
const auditTag = "[AUDIT]"

// New returns a new Logger that uses the given syslog writer as a backend
// and also writes to stdout/stderr. It is safe for concurrent use.
func New(log *syslog.Writer, stdoutLogLevel int, syslogLogLevel int) (Logger, error) {
	if log == nil {
		return nil, fmt.Errorf("Attempted to use a nil System Logger")
	}
	return &impl{
		&bothWriter{
			sync.Mutex{},
			log,
			newStdoutWriter(stdoutLogLevel),
			syslogLogLevel,
		},
	}, nil
}

// StdoutLogger returns a Logger that writes solely to stdout and stderr.
// It is safe for concurrent use.
func StdoutLogger(level int) Logger {
	return &impl{newStdoutWriter(level)}
}

func newStdoutWriter(level int) *stdoutWriter {
	return &stdoutWriter{
		prefix: os.Args[0] + ": ",
		level:  level,
		stdout: os.Stdout,
		stderr: os.Stderr,
	}
}

// Set implements the singleton pattern by setting the default logger exactly
// once.
func Set(logger Logger) (err error) {
	if _Singleton.log != nil {
		err = fmt.Errorf("You may not call Set after it has already been implicitly or explicitly set")
		_Singleton.log.Warning(err.Error())
	} else {
		_Singleton.log = logger
	}
	return
}

// Get obtains the singleton Logger. If Set has not been called first, this
// method initializes with basic defaults. It panics if it cannot initialize.
func Get() Logger {
	_Singleton.once.Do(func() {
		if _Singleton.log == nil {
			_Singleton.log = StdoutLogger(int(syslog.LOG_DEBUG))
		}
	})
	return _Singleton.log
}

type writer interface {
	logAtLevel(syslog.Priority, string)
}

// bothWriter implements writer and writes to both syslog and stdout.
type bothWriter struct {
	sync.Mutex
	syslogWriter *syslog.Writer
	*stdoutWriter
	syslogLevel int
}

// stdoutWriter implements writer and writes just to stdout.
type stdoutWriter struct {
	prefix string
	level  int
	stdout *os.File
	stderr *os.File
}

// logAtLevel logs the provided message at the appropriate level, writing to
// both stdout and the syslog server.
func (w *bothWriter) logAtLevel(level syslog.Priority, msg string) {
	var err error

	// Since messages are delimited by newlines, we have to escape any internal
	// or trailing newlines before generating the message or sending it to
	// syslog.
	msg = escapeNewlines(msg)

	w.Lock()
	defer w.Unlock()

	switch syslogAllowed := int(level) <= w.syslogLevel; level {
	case syslog.LOG_ERR:
		if syslogAllowed {
			err = w.syslogWriter.Err(msg)
		}
	case syslog.LOG_WARNING:
		if syslogAllowed {
			err = w.syslogWriter.Warning(msg)
		}
	case syslog.LOG_INFO:
		if syslogAllowed {
			err = w.syslogWriter.Info(msg)
		}
	case syslog.LOG_DEBUG:
		if syslogAllowed {
			err = w.syslogWriter.Debug(msg)
		}
	default:
		err = w.syslogWriter.Err(fmt.Sprintf("%s (unknown logging level: %d)", msg, int(level)))
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write to syslog: %d %s (%s)\n", int(level), msg, err)
	}

	w.stdoutWriter.logAtLevel(level, msg)
}

// logAtLevel logs the provided message to stdout, or stderr if it is at or
// below the ERR level.
func (w *stdoutWriter) logAtLevel(level syslog.Priority, msg string) {
	if int(level) <= w.level {
		output := w.stdout
		if int(level) <= int(syslog.LOG_ERR) {
			output = w.stderr
		}

		var color string
		var reset string

		const red = "\033[31m\033[1m"
		const yellow = "\033[33m"

		if w.stdout == os.Stdout && isatty(output) {
			if level == syslog.LOG_WARNING {
				color = yellow
				reset = "\033[0m"
			} else if int(level) <= int(syslog.LOG_ERR) {
				color = red
				reset = "\033[0m"
			}
		}

		fmt.Fprintf(output, "%s%s %s%d %s%s\n",
			color,
			time.Now().Format("2006-01-02T15:04:05.999999-07:00"),
			w.prefix,
			int(level),
			escapeNewlines(msg),
			reset)
	}
}

func isatty(f *os.File) bool {
	stat, _ := f.Stat()
	return stat.Mode()&os.ModeCharDevice == os.ModeCharDevice
}

func escapeNewlines(s string) string {
	escaped := ""
	for _, r := range s {
		if r == '\n' {
			escaped += "\\n"
		} else {
			escaped += string(r)
		}
	}
	return escaped
}

func (log *impl) auditAtLevel(level syslog.Priority, msg string) {
	msg = fmt.Sprintf("%s %s", auditTag, msg)
	log.w.logAtLevel(level, msg)
}

// Err level messages are always marked with the audit tag, for special
// handling at the upstream system logger.
func (log *impl) Err(msg string) {
	log.auditAtLevel(syslog.LOG_ERR, msg)
}

// Errf level messages are always marked with the audit tag, for special
// handling at the upstream system logger.
func (log *impl) Errf(format string, a ...interface{}) {
	log.Err(fmt.Sprintf(format, a...))
}

// Warning level messages pass through normally.
func (log *impl) Warning(msg string) {
	log.w.logAtLevel(syslog.LOG_WARNING, msg)
}

// Warningf level messages pass through normally.
func (log *impl) Warningf(format string, a ...interface{}) {
	log.Warning(fmt.Sprintf(format, a...))
}

// Info level messages pass through normally.
func (log *impl) Info(msg string) {
	log.w.logAtLevel(syslog.LOG_INFO, msg)
}

// Infof level messages pass through normally.
func (log *impl) Infof(format string, a ...interface{}) {
	log.Info(fmt.Sprintf(format, a...))
}

// Debug level messages pass through normally.
func (log *impl) Debug(msg string) {
	log.w.logAtLevel(syslog.LOG_DEBUG, msg)
}

// Debugf level messages pass through normally.
func (log *impl) Debugf(format string, a ...interface{}) {
	log.Debug(fmt.Sprintf(format, a...))
}

// AuditInfo sends an INFO-severity message that is prefixed with the audit
// tag, for special handling at the upstream system logger.
func (log *impl) AuditInfo(msg string) {
	log.auditAtLevel(syslog.LOG_INFO, msg)
}

// AuditInfof sends an INFO-severity message that is prefixed with the audit
// tag, for special handling at the upstream system logger.
func (log *impl) AuditInfof(format string, a ...interface{}) {
	log.AuditInfo(fmt.Sprintf(format, a...))
}

// AuditErr can format an error for auditing; it does so at ERR level.
func (log *impl) AuditErr(msg string) {
	log.auditAtLevel(syslog.LOG_ERR, msg)
}

// AuditErrf can format an error for auditing; it does so at ERR level.
func (log *impl) AuditErrf(format string, a ...interface{}) {
	log.AuditErr(fmt.Sprintf(format, a...))
}
