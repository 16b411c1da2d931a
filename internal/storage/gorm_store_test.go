//go:build integration
// +build integration

package storage

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/minisource/taskqueue/config"
	"github.com/stretchr/testify/require"
)

// These tests exercise GormStore against a real Postgres instance: the
// picking query relies on NOW(), INTERVAL arithmetic, and SKIP LOCKED,
// none of which a lightweight fake reproduces faithfully. Run with
// `go test -tags=integration ./internal/storage/...` against a database
// configured via the same POSTGRES_* env vars cmd/taskqueue reads.
func newTestStore(t *testing.T) *GormStore {
	t.Helper()
	cfg, err := config.Load()
	require.NoError(t, err)

	db, err := NewPostgresConnection(&cfg.Postgres)
	require.NoError(t, err)
	require.NoError(t, AutoMigrate(db))

	t.Cleanup(func() {
		db.Exec("DELETE FROM steps")
		db.Exec("DELETE FROM tasks")
		db.Exec("DELETE FROM events")
		_ = Close(db)
	})

	return NewGormStore(db, 10*time.Millisecond)
}

func TestAddTaskIsIdempotentOnIdentity(t *testing.T) {
	if os.Getenv("POSTGRES_HOST") == "" {
		t.Skip("no postgres configured")
	}
	store := newTestStore(t)
	ctx := context.Background()

	task := &Task{Queue: "q1", Job: "job1", Key: "k1", Status: TaskPending}
	res1, err := store.AddTask(ctx, task, AddTaskOptions{})
	require.NoError(t, err)
	require.True(t, res1.Inserted)

	dup := &Task{Queue: "q1", Job: "job1", Key: "k1", Status: TaskPending}
	res2, err := store.AddTask(ctx, dup, AddTaskOptions{})
	require.NoError(t, err)
	require.False(t, res2.Inserted)
	require.Equal(t, res1.Task.ID, res2.Task.ID)
}

func TestStartNextTaskPicksHighestPriorityPending(t *testing.T) {
	if os.Getenv("POSTGRES_HOST") == "" {
		t.Skip("no postgres configured")
	}
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.AddTask(ctx, &Task{Queue: "q2", Job: "j", Key: "low", Status: TaskPending, Priority: 0}, AddTaskOptions{})
	require.NoError(t, err)
	_, err = store.AddTask(ctx, &Task{Queue: "q2", Job: "j", Key: "high", Status: TaskPending, Priority: 5}, AddTaskOptions{})
	require.NoError(t, err)

	picked, err := store.StartNextTask(ctx, "q2")
	require.NoError(t, err)
	require.NotNil(t, picked)
	require.Equal(t, "high", picked.Task.Key)
	require.Equal(t, TaskRunning, picked.Task.Status)
	require.True(t, picked.HasMore)
}

func TestStartNextTaskSkipsBlockedOnStalledStep(t *testing.T) {
	if os.Getenv("POSTGRES_HOST") == "" {
		t.Skip("no postgres configured")
	}
	store := newTestStore(t)
	ctx := context.Background()

	res, err := store.AddTask(ctx, &Task{Queue: "q3", Job: "j", Key: "k", Status: TaskPending}, AddTaskOptions{})
	require.NoError(t, err)

	picked, err := store.StartNextTask(ctx, "q3")
	require.NoError(t, err)
	require.NotNil(t, picked)
	require.Equal(t, res.Task.ID, picked.Task.ID)

	sleep := time.Hour
	_, err = store.RecordStep(ctx, picked.Task.ID, StepFields{
		Step: "user/sleep#0", Status: StepStalled, NextStatus: StepPending, SleepFor: &sleep,
	})
	require.NoError(t, err)
	require.NoError(t, store.RequeueTask(ctx, picked.Task.ID))

	again, err := store.StartNextTask(ctx, "q3")
	require.NoError(t, err)
	require.Nil(t, again)
}

func TestResolveWaitingStepsMatchesEvent(t *testing.T) {
	if os.Getenv("POSTGRES_HOST") == "" {
		t.Skip("no postgres configured")
	}
	store := newTestStore(t)
	ctx := context.Background()

	res, err := store.AddTask(ctx, &Task{Queue: "q4", Job: "j", Key: "k", Status: TaskPending}, AddTaskOptions{})
	require.NoError(t, err)
	picked, err := store.StartNextTask(ctx, "q4")
	require.NoError(t, err)
	require.NotNil(t, picked)
	require.Equal(t, res.Task.ID, picked.Task.ID)

	waitFor := "order.shipped"
	filter := json.RawMessage(`{"order_id":42}`)
	_, err = store.RecordStep(ctx, picked.Task.ID, StepFields{
		Step: "user/wait#0", Status: StepWaiting, NextStatus: StepPending,
		WaitFor: &waitFor, WaitFilter: filter,
	})
	require.NoError(t, err)
	require.NoError(t, store.RequeueTask(ctx, picked.Task.ID))

	_, err = store.RecordEvent(ctx, "q4", "order.shipped", json.RawMessage(`{"order_id":1}`), nil)
	require.NoError(t, err)

	blocked, err := store.StartNextTask(ctx, "q4")
	require.NoError(t, err)
	require.Nil(t, blocked)

	_, err = store.RecordEvent(ctx, "q4", "order.shipped", json.RawMessage(`{"order_id":42,"carrier":"ups"}`), nil)
	require.NoError(t, err)

	unblocked, err := store.StartNextTask(ctx, "q4")
	require.NoError(t, err)
	require.NotNil(t, unblocked)
}

func TestResetStaleRunningRecoversOnStartup(t *testing.T) {
	if os.Getenv("POSTGRES_HOST") == "" {
		t.Skip("no postgres configured")
	}
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.AddTask(ctx, &Task{Queue: "q5", Job: "j", Key: "k", Status: TaskRunning}, AddTaskOptions{})
	require.NoError(t, err)

	n, err := store.ResetStaleRunning(ctx, "q5")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestListTasksFiltersByQueueAndJob(t *testing.T) {
	if os.Getenv("POSTGRES_HOST") == "" {
		t.Skip("no postgres configured")
	}
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.AddTask(ctx, &Task{Queue: "q6", Job: "greet", Key: "a", Status: TaskPending}, AddTaskOptions{})
	require.NoError(t, err)
	_, err = store.AddTask(ctx, &Task{Queue: "q6", Job: "other", Key: "b", Status: TaskPending}, AddTaskOptions{})
	require.NoError(t, err)
	_, err = store.AddTask(ctx, &Task{Queue: "q7", Job: "greet", Key: "c", Status: TaskPending}, AddTaskOptions{})
	require.NoError(t, err)

	tasks, err := store.ListTasks(ctx, TaskFilter{Queue: "q6", Job: "greet"})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, "a", tasks[0].Key)
}

func TestListEventsCursorsOnCreatedAt(t *testing.T) {
	if os.Getenv("POSTGRES_HOST") == "" {
		t.Skip("no postgres configured")
	}
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.RecordEvent(ctx, "q8", "job/greet/trigger", nil, nil)
	require.NoError(t, err)
	cursor := time.Now()
	_, err = store.RecordEvent(ctx, "q8", "job/greet/success", nil, nil)
	require.NoError(t, err)

	events, err := store.ListEvents(ctx, EventFilter{Queue: "q8", After: cursor})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "job/greet/success", events[0].Key)
}
