package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"time"
)

// Logger is a leveled logger for pipeline runs.
type Logger struct {
	infoLogger  *log.Logger
	warnLogger  *log.Logger
	errorLogger *log.Logger
	debugLogger *log.Logger
	verbose     bool
}

// New creates a logger writing to w. Debug lines are only written when verbose is set.
func New(w io.Writer, verbose bool) *Logger {
	flags := log.Ldate | log.Ltime | log.LUTC
	return &Logger{
		infoLogger:  log.New(w, "INFO: ", flags),
		warnLogger:  log.New(w, "WARN: ", flags),
		errorLogger: log.New(w, "ERROR: ", flags),
		debugLogger: log.New(w, "DEBUG: ", flags),
		verbose:     verbose,
	}
}

// NewStderr creates a logger writing to standard error.
func NewStderr(verbose bool) *Logger {
	return New(os.Stderr, verbose)
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return New(io.Discard, false)
}

// OrDiscard returns l, or a discarding logger when l is nil.
func OrDiscard(l *Logger) *Logger {
	if l == nil {
		return Discard()
	}
	return l
}

func (l *Logger) Info(format string, v ...interface{}) {
	l.infoLogger.Println(fmt.Sprintf(format, v...))
}

func (l *Logger) Warn(format string, v ...interface{}) {
	l.warnLogger.Println(fmt.Sprintf(format, v...))
}

func (l *Logger) Error(format string, v ...interface{}) {
	l.errorLogger.Println(fmt.Sprintf(format, v...))
}

// Debug logs only in verbose mode.
func (l *Logger) Debug(format string, v ...interface{}) {
	if !l.verbose {
		return
	}
	l.debugLogger.Println(fmt.Sprintf(format, v...))
}

// Stage logs the completion of a pipeline stage with its duration.
func (l *Logger) Stage(runID, stage string, start time.Time) {
	l.Info("stage complete: run=%s stage=%s duration=%s", runID, stage, time.Since(start).Round(time.Millisecond))
}
