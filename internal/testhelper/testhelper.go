// Package testhelper provides shared helpers for tests.
package testhelper

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"go.uber.org/goleak"
)

// Context returns a cancellable context for a test.
func Context() (context.Context, func()) {
	return context.WithCancel(context.Background())
}

// NewDiscardingLogger returns a logger that discards everything. Use
// NewCapturingLogger when a test wants to assert on log output.
func NewDiscardingLogger() *logrus.Logger {
	logger, _ := logrustest.NewNullLogger()
	return logger
}

// NewCapturingLogger returns a discarding logger together with the hook
// recording every entry logged through it.
func NewCapturingLogger() (*logrus.Logger, *logrustest.Hook) {
	return logrustest.NewNullLogger()
}

// VerifyNoGoroutines runs the test suite and fails it on leaked goroutines.
// Call from TestMain.
func VerifyNoGoroutines(m *testing.M) {
	goleak.VerifyTestMain(m)
}
