package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// Logs gives tests access to the entries recorded by an observer logger.
type Logs interface {
	Len() int
	All() []observer.LoggedEntry
	TakeAll() []observer.LoggedEntry
	FilterMessage(msg string) *observer.ObservedLogs
	FilterField(field zapcore.Field) *observer.ObservedLogs
}

var _ Logs = (*observer.ObservedLogs)(nil)

// NewObserverLogger returns a logger recording in memory what NewLogger would write
// at the same level. "none" records nothing and an unknown level records everything.
func NewObserverLogger(level string) (Logger, Logs) {
	enabled := zapcore.LevelEnabler(zapcore.DebugLevel)
	switch lvl, err := parseLevel(level); {
	case level == levelNone:
		enabled = zap.LevelEnablerFunc(func(zapcore.Level) bool { return false })
	case err == nil:
		enabled = lvl
	}

	core, logs := observer.New(enabled)
	return &ZapLogger{Logger: zap.New(core)}, logs
}
