package logger

import "go.uber.org/zap"

// Logger provides component-tagged structured logging with levels.
type Logger struct {
	base  *zap.SugaredLogger
	level zap.AtomicLevel
}

// LogLevel represents the severity of a log message
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)
