package logging

import (
	"io"
	"log"
	"os"
	"strings"
)

// Level orders log verbosity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps a config value to a Level, defaulting to info.
func ParseLevel(v string) Level {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}

// Setup routes the standard logger to stdout and, when path is set, to a
// rotating file. The returned closer releases the file.
func Setup(path string, maxBytes int64) (io.Closer, error) {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	if strings.TrimSpace(path) == "" {
		log.SetOutput(os.Stdout)
		return discardCloser{}, nil
	}
	rot, err := NewRotatingWriter(path, maxBytes)
	if err != nil {
		return nil, err
	}
	log.SetOutput(io.MultiWriter(os.Stdout, rot))
	return rot, nil
}

// New returns a component logger writing to the standard logger's output
// with a bracketed prefix, e.g. New("ledger") logs as "[ledger] ".
func New(component string) *log.Logger {
	return log.New(log.Writer(), "["+component+"] ", log.LstdFlags|log.Lmicroseconds)
}

// Leveled drops messages below its threshold.
type Leveled struct {
	*log.Logger
	min Level
}

// NewLeveled wraps logger with threshold min.
func NewLeveled(logger *log.Logger, min Level) *Leveled {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Leveled{Logger: logger, min: min}
}

// Enabled reports whether messages at lvl are written.
func (l *Leveled) Enabled(lvl Level) bool { return l != nil && lvl >= l.min }

func (l *Leveled) Debugf(format string, args ...any) { l.logf(LevelDebug, format, args...) }
func (l *Leveled) Infof(format string, args ...any)  { l.logf(LevelInfo, format, args...) }
func (l *Leveled) Warnf(format string, args ...any)  { l.logf(LevelWarn, format, args...) }
func (l *Leveled) Errorf(format string, args ...any) { l.logf(LevelError, format, args...) }

func (l *Leveled) logf(lvl Level, format string, args ...any) {
	if !l.Enabled(lvl) {
		return
	}
	l.Printf(strings.ToUpper(lvl.String())+" "+format, args...)
}
