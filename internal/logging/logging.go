// Package logging wraps zap behind a small interface so the engine core
// never imports zap directly — the "logger backend ... injected through
// small interfaces" collaborator named in spec.md §1.
package logging

import "go.uber.org/zap"

// Logger is the narrow surface the engine depends on. Arguments follow
// zap's SugaredLogger convention: alternating key/value pairs after the
// message.
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

// zapLogger adapts *zap.SugaredLogger to Logger.
type zapLogger struct {
	sugar *zap.SugaredLogger
}

// NewZap builds a production zap logger (JSON encoding, info level)
// wrapped as a Logger.
func NewZap() (Logger, error) {
	z, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	return &zapLogger{sugar: z.Sugar()}, nil
}

// NewZapDevelopment builds a human-readable zap logger for local runs.
func NewZapDevelopment() (Logger, error) {
	z, err := zap.NewDevelopment()
	if err != nil {
		return nil, err
	}
	return &zapLogger{sugar: z.Sugar()}, nil
}

func (l *zapLogger) Debug(msg string, kv ...interface{}) { l.sugar.Debugw(msg, kv...) }
func (l *zapLogger) Info(msg string, kv ...interface{})  { l.sugar.Infow(msg, kv...) }
func (l *zapLogger) Warn(msg string, kv ...interface{})  { l.sugar.Warnw(msg, kv...) }
func (l *zapLogger) Error(msg string, kv ...interface{}) { l.sugar.Errorw(msg, kv...) }

// NopLogger discards everything; the zero value is ready to use. Handy
// as a Queue default and in tests that don't care about log output.
type NopLogger struct{}

func (NopLogger) Debug(string, ...interface{}) {}
func (NopLogger) Info(string, ...interface{})  {}
func (NopLogger) Warn(string, ...interface{})  {}
func (NopLogger) Error(string, ...interface{}) {}

var _ Logger = NopLogger{}
var _ Logger = (*zapLogger)(nil)
