// Package logging provides the leveled logger that is passed explicitly into
// every curveslicer component. Output goes to stderr through the standard
// log package or, when a log file is configured, to a size-rotated file.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/natefinch/lumberjack"
)

// Level is the minimum severity a logger emits.
type Level uint

const (
	DebugLevel Level = iota
	InfoLevel
	WarningLevel
	ErrorLevel
	CriticalLevel
	SilentLevel
)

// Logger is the logging capability handed to components.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warningf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Criticalf(format string, args ...interface{})

	// Shutdown flushes and closes any underlying file.
	Shutdown()
}

// Config selects where log messages are written.
type Config struct {
	// Logfile is the path of a rotating log file. Empty means stderr.
	Logfile string `yaml:"logFile"`

	// MaxSize is the size in megabytes at which the log file is rotated.
	MaxSize int `yaml:"logMaxSizeMB"`

	// MaxAge is the number of days rotated files are kept.
	MaxAge int `yaml:"logMaxAgeDays"`

	// Verbose enables debug messages.
	Verbose bool `yaml:"verbose"`
}

type stdLogger struct {
	mu    sync.Mutex
	out   *log.Logger
	file  *lumberjack.Logger
	level Level
}

// New creates a logger from the given configuration.
func New(cfg Config) Logger {
	level := InfoLevel
	if cfg.Verbose {
		level = DebugLevel
	}
	if cfg.Logfile == "" {
		return NewWriter(os.Stderr, level)
	}
	l := &lumberjack.Logger{
		Filename: cfg.Logfile,
		MaxSize:  cfg.MaxSize, // megabytes
		MaxAge:   cfg.MaxAge,  // days
	}
	return &stdLogger{
		out:   log.New(l, "", log.LstdFlags),
		file:  l,
		level: level,
	}
}

// NewWriter creates a logger writing to w at the given level.
func NewWriter(w io.Writer, level Level) Logger {
	return &stdLogger{
		out:   log.New(w, "", log.LstdFlags),
		level: level,
	}
}

func (s *stdLogger) logf(level Level, tag, format string, args ...interface{}) {
	if level < s.level {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out.Print(" " + tag + " " + fmt.Sprintf(format, args...))
}

func (s *stdLogger) Debugf(format string, args ...interface{}) {
	s.logf(DebugLevel, "DEBUG", format, args...)
}

func (s *stdLogger) Infof(format string, args ...interface{}) {
	s.logf(InfoLevel, "INFO", format, args...)
}

func (s *stdLogger) Warningf(format string, args ...interface{}) {
	s.logf(WarningLevel, "WARNING", format, args...)
}

func (s *stdLogger) Errorf(format string, args ...interface{}) {
	s.logf(ErrorLevel, "ERROR", format, args...)
}

func (s *stdLogger) Criticalf(format string, args ...interface{}) {
	s.logf(CriticalLevel, "CRITICAL", format, args...)
}

func (s *stdLogger) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		s.file.Close()
		s.file = nil
	}
}

type nopLogger struct{}

// Nop returns a logger that discards everything.
func Nop() Logger { return nopLogger{} }

func (nopLogger) Debugf(string, ...interface{})    {}
func (nopLogger) Infof(string, ...interface{})     {}
func (nopLogger) Warningf(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{})    {}
func (nopLogger) Criticalf(string, ...interface{}) {}
func (nopLogger) Shutdown()                        {}

// TimeLog appends the time elapsed since its creation to every message.
type TimeLog struct {
	logger Logger
	start  time.Time
}

// NewTimeLog starts a timer on top of logger.
func NewTimeLog(logger Logger) TimeLog {
	return TimeLog{logger, time.Now()}
}

func (t TimeLog) Debugf(format string, args ...interface{}) {
	t.logger.Debugf(format+": %s", append(args, time.Since(t.start))...)
}

func (t TimeLog) Infof(format string, args ...interface{}) {
	t.logger.Infof(format+": %s", append(args, time.Since(t.start))...)
}

func (t TimeLog) Warningf(format string, args ...interface{}) {
	t.logger.Warningf(format+": %s", append(args, time.Since(t.start))...)
}

// Elapsed returns the time since the TimeLog was created.
func (t TimeLog) Elapsed() time.Duration {
	return time.Since(t.start)
}

// ProgressFunc receives progress updates for a named stage.
type ProgressFunc func(stage string, done, total int)

// NopProgress ignores progress updates.
func NopProgress(string, int, int) {}

// LogProgress reports progress through logger roughly every tenth of the work.
func LogProgress(logger Logger) ProgressFunc {
	return func(stage string, done, total int) {
		if total <= 0 {
			return
		}
		step := total / 10
		if step == 0 {
			step = 1
		}
		if done == total || done%step == 0 {
			logger.Infof("%s: %d/%d (%.0f%%)", stage, done, total, 100*float64(done)/float64(total))
		}
	}
}
