// Package logging provides leveled logging for the pipeline. Messages go to
// stdout through the standard log package unless a log file is configured,
// in which case they are written to a size-rotated file.
package logging

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/natefinch/lumberjack"
)

type ModeFlag uint

const (
	DebugMode ModeFlag = iota
	InfoMode
	WarningMode
	ErrorMode
	CriticalMode
	SilentMode
)

// Logger provides a way to log messages at different severities.
type Logger interface {
	// Debugf formats its arguments analogous to fmt.Printf and records the text
	// as a log message at Debug level.
	Debugf(format string, args ...interface{})

	// Infof is like Debugf, but at Info level.
	Infof(format string, args ...interface{})

	// Warningf is like Debugf, but at Warning level.
	Warningf(format string, args ...interface{})

	// Errorf is like Debugf, but at Error level.
	Errorf(format string, args ...interface{})

	// Criticalf is like Debugf, but at Critical level.
	Criticalf(format string, args ...interface{})

	// Shutdown makes sure logs are closed.
	Shutdown()
}

var (
	mu     sync.RWMutex
	mode   = InfoMode
	logger Logger = &stdLogger{}
)

// Config selects the log destination and rotation policy.
type Config struct {
	Logfile string `yaml:"logfile" toml:"logfile"`
	MaxSize int    `yaml:"maxSize" toml:"max_log_size"` // megabytes
	MaxAge  int    `yaml:"maxAge" toml:"max_log_age"`   // days
	Level   string `yaml:"level" toml:"level"`
}

// SetLogger installs the logger described by c. With no log file, messages
// go to the standard log output.
func (c *Config) SetLogger() error {
	if c == nil {
		return nil
	}
	if c.Level != "" {
		m, err := ParseMode(c.Level)
		if err != nil {
			return err
		}
		SetLogMode(m)
	}
	if c.Logfile == "" {
		return nil
	}
	fmt.Printf("Sending log messages to: %s\n", c.Logfile)
	l := &lumberjack.Logger{
		Filename: c.Logfile,
		MaxSize:  c.MaxSize,
		MaxAge:   c.MaxAge,
	}
	SetLogger(&stdLogger{out: l})
	return nil
}

// SetLogger replaces the package logger and returns the previous one.
func SetLogger(l Logger) Logger {
	mu.Lock()
	defer mu.Unlock()
	prev := logger
	logger = l
	return prev
}

// SetLogMode sets the severity required for a log message to be printed.
// To turn off all logging, use SilentMode.
func SetLogMode(newMode ModeFlag) {
	mu.Lock()
	mode = newMode
	mu.Unlock()
}

// ParseMode converts a level name such as "debug" or "warning" to a ModeFlag.
func ParseMode(s string) (ModeFlag, error) {
	switch strings.ToLower(s) {
	case "debug":
		return DebugMode, nil
	case "info", "":
		return InfoMode, nil
	case "warning", "warn":
		return WarningMode, nil
	case "error":
		return ErrorMode, nil
	case "critical":
		return CriticalMode, nil
	case "silent", "off":
		return SilentMode, nil
	}
	return InfoMode, fmt.Errorf("unknown log level %q", s)
}

func current(level ModeFlag) (Logger, bool) {
	mu.RLock()
	defer mu.RUnlock()
	return logger, mode <= level
}

func Debugf(format string, args ...interface{}) {
	if l, ok := current(DebugMode); ok {
		l.Debugf(format, args...)
	}
}

func Infof(format string, args ...interface{}) {
	if l, ok := current(InfoMode); ok {
		l.Infof(format, args...)
	}
}

func Warningf(format string, args ...interface{}) {
	if l, ok := current(WarningMode); ok {
		l.Warningf(format, args...)
	}
}

func Errorf(format string, args ...interface{}) {
	if l, ok := current(ErrorMode); ok {
		l.Errorf(format, args...)
	}
}

func Criticalf(format string, args ...interface{}) {
	if l, ok := current(CriticalMode); ok {
		l.Criticalf(format, args...)
	}
}

// Shutdown closes the package logger.
func Shutdown() {
	mu.RLock()
	l := logger
	mu.RUnlock()
	l.Shutdown()
}

// TimeLog adds elapsed time to logging.
//
//	tlog := logging.NewTimeLog()
//	...
//	tlog.Infof("fused %d cubes", n) // appends elapsed time since NewTimeLog()
type TimeLog struct {
	start time.Time
}

func NewTimeLog() TimeLog {
	return TimeLog{start: time.Now()}
}

// Elapsed returns the time since the TimeLog was created.
func (t TimeLog) Elapsed() time.Duration {
	return time.Since(t.start)
}

func (t TimeLog) Debugf(format string, args ...interface{}) {
	Debugf(format+": %s", append(args, time.Since(t.start))...)
}

func (t TimeLog) Infof(format string, args ...interface{}) {
	Infof(format+": %s", append(args, time.Since(t.start))...)
}

func (t TimeLog) Warningf(format string, args ...interface{}) {
	Warningf(format+": %s", append(args, time.Since(t.start))...)
}

func (t TimeLog) Errorf(format string, args ...interface{}) {
	Errorf(format+": %s", append(args, time.Since(t.start))...)
}

// --- Logger implementation ----

type stdLogger struct {
	out *lumberjack.Logger
}

func (s *stdLogger) write(level, format string, args []interface{}) {
	msg := fmt.Sprintf(format, args...)
	if !strings.HasSuffix(msg, "\n") {
		msg += "\n"
	}
	if s.out != nil {
		stamp := time.Now().Format("2006/01/02 15:04:05")
		s.out.Write([]byte(stamp + " " + level + " " + msg))
		return
	}
	log.Printf(" %s %s", level, msg)
}

func (s *stdLogger) Debugf(format string, args ...interface{}) {
	s.write("DEBUG", format, args)
}

func (s *stdLogger) Infof(format string, args ...interface{}) {
	s.write("INFO", format, args)
}

func (s *stdLogger) Warningf(format string, args ...interface{}) {
	s.write("WARNING", format, args)
}

func (s *stdLogger) Errorf(format string, args ...interface{}) {
	s.write("ERROR", format, args)
}

func (s *stdLogger) Criticalf(format string, args ...interface{}) {
	s.write("CRITICAL", format, args)
}

func (s *stdLogger) Shutdown() {
	if s.out != nil {
		s.out.Close()
	}
}
