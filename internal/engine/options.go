package engine

import (
	"encoding/json"
	"time"

	"github.com/minisource/taskqueue/internal/canon"
)

// OrchestrationSpec is the resolved shape of one debounce/throttle/
// rate-limit setting for a single dispatch.
type OrchestrationSpec struct {
	ID       string
	Duration time.Duration
}

// OrchestrationResolver computes an OrchestrationSpec from the dispatch
// input, covering spec.md §6's "duration | {id?, ms|duration} |
// input → (duration | object)" option syntax uniformly: a fixed spec is
// just a resolver that ignores its input.
type OrchestrationResolver func(input json.RawMessage) (*OrchestrationSpec, error)

// Fixed returns a resolver that always yields the same id/duration,
// covering the plain `duration` and `{id, duration}` option forms.
func Fixed(id string, d time.Duration) OrchestrationResolver {
	return func(json.RawMessage) (*OrchestrationSpec, error) {
		return &OrchestrationSpec{ID: id, Duration: d}, nil
	}
}

// Trigger binds a pipe to a job, with an optional transform applied to
// the pipe's event input before it becomes the job's dispatch input.
type Trigger struct {
	Pipe      string
	Transform func(json.RawMessage) (json.RawMessage, error)
}

// Options are the per-job orchestration settings. Priority, Timeout,
// Debounce, Throttle and RateLimit are resolved at Trigger time and passed
// down into Storage.AddTask; Cron and Triggers are wired by Register.
// Retry and Backoff are carried on the job but not read by the queue; step
// retries are set per call through execution.RunOptions.
type Options struct {
	Priority  int
	Retry     int
	Backoff   canon.BackoffFunc
	Timeout   *time.Duration
	Debounce  OrchestrationResolver
	Throttle  OrchestrationResolver
	RateLimit OrchestrationResolver
	Cron      string
	Triggers  []Trigger
}
