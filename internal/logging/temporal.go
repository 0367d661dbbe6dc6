package logging

import (
	"go.temporal.io/sdk/log"
	"go.uber.org/zap"
)

// TemporalLogger adapts zap to the Temporal SDK logger interface so SDK,
// workflow and activity logs share the process log pipeline.
type TemporalLogger struct {
	sugar *zap.SugaredLogger
}

var (
	_ log.Logger     = (*TemporalLogger)(nil)
	_ log.WithLogger = (*TemporalLogger)(nil)
)

// NewTemporalLogger wraps l for use in client.Options.Logger.
func NewTemporalLogger(l *Logger) *TemporalLogger {
	return &TemporalLogger{
		sugar: l.Underlying().WithOptions(zap.AddCallerSkip(1)).Named("temporal").Sugar(),
	}
}

func (t *TemporalLogger) Debug(msg string, keyvals ...interface{}) {
	t.sugar.Debugw(msg, keyvals...)
}

func (t *TemporalLogger) Info(msg string, keyvals ...interface{}) {
	t.sugar.Infow(msg, keyvals...)
}

func (t *TemporalLogger) Warn(msg string, keyvals ...interface{}) {
	t.sugar.Warnw(msg, keyvals...)
}

func (t *TemporalLogger) Error(msg string, keyvals ...interface{}) {
	t.sugar.Errorw(msg, keyvals...)
}

// With returns a logger with keyvals attached to every entry.
func (t *TemporalLogger) With(keyvals ...interface{}) log.Logger {
	return &TemporalLogger{sugar: t.sugar.With(keyvals...)}
}
