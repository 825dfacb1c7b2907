// Package logger provides leveled logging for sshpod.
//
// Everything is written to stderr: when sshpod runs as a ProxyCommand its
// stdout carries the raw SSH byte stream, so no log output may ever reach it.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"
)

const (
	nocolor   = "0"
	red       = "31"
	green     = "38;5;48"
	yellow    = "33"
	gray      = "38;5;251"
	lightgray = "38;5;243"
	cyan      = "1;36"
)

const dateFormat = "2006-01-02 15:04:05"

var mutex = sync.Mutex{}

type Logger interface {
	Debug(format string, v ...any)
	Info(format string, v ...any)
	Notice(format string, v ...any)
	Warn(format string, v ...any)
	Error(format string, v ...any)
	Fatal(format string, v ...any)

	WithFields(fields ...Field) Logger
	SetLevel(level Level)
	Level() Level
}

type TextLogger struct {
	level  Level
	colors bool
	fields Fields
	writer io.Writer
	exitFn func(int)
}

// NewTextLogger returns a Logger writing to stderr.
func NewTextLogger() *TextLogger {
	return &TextLogger{
		level:  INFO,
		colors: ColorsAvailable(),
		writer: os.Stderr,
		exitFn: os.Exit,
	}
}

// ColorsAvailable reports whether stderr is a terminal that can render
// ANSI colors. Stdout is deliberately not consulted; as a ProxyCommand it
// is a pipe back to ssh.
func ColorsAvailable() bool {
	return term.IsTerminal(int(os.Stderr.Fd()))
}

// WithFields returns a copy of the logger with the fields appended.
func (l *TextLogger) WithFields(fields ...Field) Logger {
	clone := *l
	clone.fields = append(Fields{}, l.fields...)
	clone.fields.Add(fields...)
	return &clone
}

func (l *TextLogger) SetLevel(level Level) {
	l.level = level
}

func (l *TextLogger) SetColors(colors bool) {
	l.colors = colors
}

func (l *TextLogger) Level() Level {
	return l.level
}

func (l *TextLogger) Debug(format string, v ...any) {
	if l.level <= DEBUG {
		l.log(DEBUG, format, v...)
	}
}

func (l *TextLogger) Info(format string, v ...any) {
	if l.level <= INFO {
		l.log(INFO, format, v...)
	}
}

func (l *TextLogger) Notice(format string, v ...any) {
	if l.level <= NOTICE {
		l.log(NOTICE, format, v...)
	}
}

func (l *TextLogger) Warn(format string, v ...any) {
	if l.level <= WARN {
		l.log(WARN, format, v...)
	}
}

func (l *TextLogger) Error(format string, v ...any) {
	l.log(ERROR, format, v...)
}

func (l *TextLogger) Fatal(format string, v ...any) {
	l.log(FATAL, format, v...)
	l.exitFn(1)
}

func (l *TextLogger) log(level Level, format string, v ...any) {
	message := fmt.Sprintf(format, v...)
	now := time.Now().Format(dateFormat)

	suffix := ""
	if len(l.fields) > 0 {
		parts := make([]string, 0, len(l.fields))
		for _, f := range l.fields {
			parts = append(parts, f.Key()+"="+f.String())
		}
		suffix = " " + strings.Join(parts, " ")
	}

	var line string
	if l.colors {
		levelColor := green
		messageColor := nocolor

		switch level {
		case DEBUG:
			levelColor = gray
			messageColor = gray
		case NOTICE:
			levelColor = cyan
		case WARN:
			levelColor = yellow
		case ERROR, FATAL:
			levelColor = red
			messageColor = red
		}

		line = fmt.Sprintf("\x1b[%sm%s %-6s\x1b[0m \x1b[%sm%s\x1b[0m\x1b[%sm%s\x1b[0m\n",
			levelColor, now, level, messageColor, message, lightgray, suffix)
	} else {
		line = fmt.Sprintf("%s %-6s %s%s\n", now, level, message, suffix)
	}

	// One line at a time so concurrent copy loops can log safely.
	mutex.Lock()
	fmt.Fprint(l.writer, line)
	mutex.Unlock()
}

var Discard = &TextLogger{
	level:  FATAL + 1,
	writer: io.Discard,
	exitFn: func(int) {},
}
