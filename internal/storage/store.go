package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned by GetTask when no row matches.
var ErrNotFound = errors.New("storage: not found")

// DebounceSpec configures AddTask's debounce behavior for one dispatch.
type DebounceSpec struct {
	ID       string
	Duration time.Duration
}

// ThrottleSpec configures AddTask's throttle behavior for one dispatch.
type ThrottleSpec struct {
	ID       string
	Duration time.Duration
}

// RateLimitSpec configures AddTask's rate-limit behavior for one dispatch.
type RateLimitSpec struct {
	ID     string
	Window time.Duration
}

// AddTaskOptions bundles the orchestration parameters resolved by the
// caller (internal/engine) for a single dispatch.
type AddTaskOptions struct {
	Debounce  *DebounceSpec
	Throttle  *ThrottleSpec
	RateLimit *RateLimitSpec
	Timeout   *time.Duration
}

// AddTaskResult reports what AddTask actually did.
type AddTaskResult struct {
	Task             *Task
	Inserted         bool
	RateLimitRetry   *time.Duration
	CancelledSibling *Task
}

// Picked is what StartNextTask hands back to the scheduler.
type Picked struct {
	Task    *Task
	Steps   []Step
	HasMore bool
}

// StepFields describes one record_step call. SleepFor/Timeout are
// relative durations at call time; the store converts them to absolute
// timestamps. WaitRetroactive true stores WaitFrom as the zero time, else
// the current time.
type StepFields struct {
	Step            string
	Status          StepStatus
	NextStatus      StepStatus
	SleepFor        *time.Duration
	Timeout         *time.Duration
	WaitFor         *string
	WaitFilter      json.RawMessage
	WaitRetroactive bool
	Data            json.RawMessage
	DiscoveredOn    int
	IncrementRuns   bool
}

// Storage is the narrow interface the rest of the core calls. The default
// backend is an embedded-grade SQL engine (Postgres, WAL-equivalent via
// serializable transactions); any backend satisfying this interface is
// acceptable.
type Storage interface {
	// GetTask returns the task for (queue, job, key), or ErrNotFound.
	GetTask(ctx context.Context, queue, job, key string) (*Task, error)

	// AddTask inserts a new task honoring debounce/throttle/rate-limit,
	// or observes an existing (queue, job, key) row idempotently.
	AddTask(ctx context.Context, task *Task, opts AddTaskOptions) (*AddTaskResult, error)

	// StartNextTask picks, in one exclusive transaction, the highest
	// priority runnable task for queue, flips it to running, and returns
	// it with its steps. Returns nil, nil if nothing is runnable.
	StartNextTask(ctx context.Context, queue string) (*Picked, error)

	// NextFutureTask returns the minimum wait until some future event
	// (task sleep, throttle wait, pending timeout, step sleep, step
	// timeout) could make a task runnable. Returns nil if there is none.
	NextFutureTask(ctx context.Context, queue string) (*time.Duration, error)

	// ResolveTask performs the terminal transition for a task.
	ResolveTask(ctx context.Context, taskID int64, status TaskStatus, data json.RawMessage) error

	// RequeueTask flips a running task back to pending after suspension.
	RequeueTask(ctx context.Context, taskID int64) error

	// RecordStep upserts on (task, step name).
	RecordStep(ctx context.Context, taskID int64, fields StepFields) (*Step, error)

	// RecordEvent appends an event row.
	RecordEvent(ctx context.Context, queue, key string, input, data json.RawMessage) (*Event, error)

	// ResetStaleRunning resets any `running` task for queue back to
	// pending; used at startup to recover from a crash (spec.md §9 open
	// question, resolved conservatively).
	ResetStaleRunning(ctx context.Context, queue string) (int64, error)
}

// TaskFilter narrows ListTasks. Zero values are "don't filter on this
// field"; After/Limit implement cursor-based pagination on updated_at.
type TaskFilter struct {
	Queue  string
	Job    string
	Status TaskStatus
	After  time.Time
	Limit  int
}

// EventFilter narrows ListEvents the same way TaskFilter narrows
// ListTasks, cursor-paginated on created_at.
type EventFilter struct {
	Queue string
	Key   string
	After time.Time
	Limit int
}

// Reader is the read-only query surface the admin API runs against. It is
// separate from Storage because nothing in the replay engine itself needs
// to list or page through rows -- only external observers do.
type Reader interface {
	// ListTasks returns tasks matching filter, ordered by updated_at asc.
	ListTasks(ctx context.Context, filter TaskFilter) ([]Task, error)

	// ListSteps returns every step recorded for taskID.
	ListSteps(ctx context.Context, taskID int64) ([]Step, error)

	// ListEvents returns events matching filter, ordered by created_at asc.
	ListEvents(ctx context.Context, filter EventFilter) ([]Event, error)
}
