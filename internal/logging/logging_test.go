package logging

import "testing"

func TestNopLoggerDoesNotPanic(t *testing.T) {
	var l Logger = NopLogger{}
	l.Debug("x")
	l.Info("x", "k", "v")
	l.Warn("x")
	l.Error("x", "err", "boom")
}
