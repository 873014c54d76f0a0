package logger

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var zapLevels = map[LogLevel]zapcore.Level{
	LevelDebug: zapcore.DebugLevel,
	LevelInfo:  zapcore.InfoLevel,
	LevelWarn:  zapcore.WarnLevel,
	LevelError: zapcore.ErrorLevel,
}

// ParseLevel maps "debug", "info", "warn" and "error" to a LogLevel; anything
// else is LevelInfo.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// New builds a JSON logger writing to stderr. development switches to the
// human readable console encoder.
func New(level LogLevel, development bool) (*Logger, error) {
	atomic := zap.NewAtomicLevelAt(zapLevels[level])

	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = atomic
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	z, err := cfg.Build(zap.AddCallerSkip(2))
	if err != nil {
		return nil, fmt.Errorf("build zap logger: %w", err)
	}

	return &Logger{base: z.Sugar(), level: atomic}, nil
}

// FromZap wraps an existing zap logger, mostly for tests (zaptest/observer).
func FromZap(z *zap.Logger) *Logger {
	return &Logger{base: z.WithOptions(zap.AddCallerSkip(2)).Sugar(), level: zap.NewAtomicLevelAt(zapcore.DebugLevel)}
}

// Nop discards everything.
func Nop() *Logger {
	return &Logger{base: zap.NewNop().Sugar(), level: zap.NewAtomicLevel()}
}

// SetLogLevel sets the minimum log level
func (l *Logger) SetLogLevel(level LogLevel) {
	l.level.SetLevel(zapLevels[level])
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	return l.base.Sync()
}

func (l *Logger) log(level LogLevel, component, message string, args ...interface{}) {
	if l == nil || l.base == nil {
		return
	}

	msg := fmt.Sprintf(message, args...)
	s := l.base
	if component != "" {
		s = s.With("component", component)
	}

	switch level {
	case LevelDebug:
		s.Debug(msg)
	case LevelInfo:
		s.Info(msg)
	case LevelWarn:
		s.Warn(msg)
	default:
		s.Error(msg)
	}
}

// Debug logs a debug message
func (l *Logger) Debug(component, message string, args ...interface{}) {
	l.log(LevelDebug, component, message, args...)
}

// Info logs an info message
func (l *Logger) Info(component, message string, args ...interface{}) {
	l.log(LevelInfo, component, message, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(component, message string, args ...interface{}) {
	l.log(LevelWarn, component, message, args...)
}

// Error logs an error message
func (l *Logger) Error(component, message string, args ...interface{}) {
	l.log(LevelError, component, message, args...)
}

// Fatal logs an error message and exits
func (l *Logger) Fatal(component, message string, args ...interface{}) {
	l.log(LevelError, component, message, args...)
	_ = l.Sync()
	os.Exit(1)
}
