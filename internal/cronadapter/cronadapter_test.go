package cronadapter

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/minisource/taskqueue/internal/logging"
	"github.com/stretchr/testify/require"
)

func TestScheduleRunsFuncOnEverySecond(t *testing.T) {
	a := New(logging.NopLogger{})
	var calls int32
	require.NoError(t, a.Schedule("* * * * * *", func() { atomic.AddInt32(&calls, 1) }))

	a.Start()
	time.Sleep(1200 * time.Millisecond)
	a.Stop()

	require.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(1))
}

func TestScheduleRejectsInvalidSpec(t *testing.T) {
	a := New(logging.NopLogger{})
	err := a.Schedule("not a cron spec", func() {})
	require.Error(t, err)
}
