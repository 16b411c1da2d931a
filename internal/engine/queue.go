package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/minisource/taskqueue/internal/canon"
	"github.com/minisource/taskqueue/internal/execution"
	"github.com/minisource/taskqueue/internal/logging"
	"github.com/minisource/taskqueue/internal/registration"
	"github.com/minisource/taskqueue/internal/storage"
	"github.com/minisource/taskqueue/internal/validation"
)

// CronScheduler is the injectable cron driver collaborator named in §1;
// the default implementation wraps robfig/cron/v3 (internal/cronadapter).
type CronScheduler interface {
	Schedule(spec string, fn func()) error
	Start()
	Stop()
}

// Executor drives one picked task through the replay engine. The
// scheduler package owns the pick loop and calls this once per picked
// task; Queue.executeTask is the production implementation.
type Executor func(ctx context.Context, task *storage.Task, steps []storage.Step) error

// History is the injectable daily rollup recorder (internal/history.Repository
// satisfies this); it is optional and skipped entirely when nil.
type History interface {
	RecordSuccess(ctx context.Context, queue, job string, at time.Time, duration time.Duration) error
	RecordFailure(ctx context.Context, queue, job string, at time.Time) error
}

// Queue is one instance of the spec's external Queue(id, jobs, pipes,
// storage, logger, cron) surface: it owns a set of registered jobs,
// binds them to a Storage backend, and exposes Dispatch/Cancel (with
// Job.Trigger dispatching through it) for use both from job bodies and
// from outside any task (e.g. an HTTP handler dispatching a job directly).
type Queue struct {
	id        string
	store     storage.Storage
	logger    logging.Logger
	cron      CronScheduler
	backoff   canon.BackoffFunc
	history   History
	validator validation.Validator

	mu       sync.RWMutex
	jobs     map[string]registeredJob
	triggers map[string][]triggerBinding

	wg sync.WaitGroup
}

type triggerBinding struct {
	jobID     string
	transform func(json.RawMessage) (json.RawMessage, error)
}

// Option configures a Queue at construction.
type Option func(*Queue)

// WithLogger overrides the default no-op logger.
func WithLogger(l logging.Logger) Option { return func(q *Queue) { q.logger = l } }

// WithCron attaches a cron driver; jobs with Options.Cron set are
// scheduled on it once registered.
func WithCron(c CronScheduler) Option { return func(q *Queue) { q.cron = c } }

// WithDefaultBackoff stores b on the queue. Neither the queue nor the
// replay engine reads it: step retries use execution.RunOptions.Backoff,
// falling back to canon.DefaultBackoff.
func WithDefaultBackoff(b canon.BackoffFunc) Option { return func(q *Queue) { q.backoff = b } }

// WithHistory attaches a daily rollup recorder, updated when executeTask
// completes, fails or times out a task. Cancellations through Queue.Cancel
// and debounce supersession are not recorded.
func WithHistory(h History) Option { return func(q *Queue) { q.history = h } }

// WithValidator attaches an input validator; Job.Trigger runs the job's
// typed input through it before dispatch when the input is a struct
// carrying `validate` tags. Without one, input is never validated.
func WithValidator(v validation.Validator) Option { return func(q *Queue) { q.validator = v } }

// validateInput runs input through q's validator if one is attached.
func (q *Queue) validateInput(input interface{}) error {
	if q.validator == nil {
		return nil
	}
	return q.validator.Struct(input)
}

// NewQueue constructs a Queue bound to store. Register jobs with
// Register before calling Start.
func NewQueue(id string, store storage.Storage, opts ...Option) *Queue {
	q := &Queue{
		id:       id,
		store:    store,
		logger:   logging.NopLogger{},
		backoff:  canon.DefaultBackoff,
		jobs:     make(map[string]registeredJob),
		triggers: make(map[string][]triggerBinding),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Register adds job to q, wiring its Options.Triggers into the pipe
// notification index and scheduling its cron spec if any.
func Register[TIn, TOut any](q *Queue, job *Job[TIn, TOut]) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.jobs[job.ID()]; exists {
		return fmt.Errorf("engine: job %q already registered on queue %q", job.ID(), q.id)
	}
	job.queue = q
	q.jobs[job.ID()] = job

	for _, trig := range job.Options().Triggers {
		q.triggers[trig.Pipe] = append(q.triggers[trig.Pipe], triggerBinding{
			jobID: job.ID(), transform: trig.Transform,
		})
	}

	if job.Options().Cron != "" && q.cron != nil {
		jobID := job.ID()
		if err := q.cron.Schedule(job.Options().Cron, func() {
			ctx := registration.With(context.Background(), registration.Active{Queue: q.id})
			if _, err := q.triggerByID(ctx, jobID, json.RawMessage(`{}`)); err != nil {
				q.logger.Error("cron trigger failed", "job", jobID, "error", err)
			}
		}); err != nil {
			return fmt.Errorf("engine: schedule cron for job %q: %w", jobID, err)
		}
	}

	return nil
}

// Start resets any stale `running` tasks from a prior crash back to
// pending (spec.md §9's conservative recovery default), recording a
// recovery note in the event log, then starts the cron driver if one is
// attached. The scheduler loop itself is started separately by wiring
// Queue.executeTask into an internal/scheduler.Scheduler.
func (q *Queue) Start(ctx context.Context) error {
	n, err := q.store.ResetStaleRunning(ctx, q.id)
	if err != nil {
		return fmt.Errorf("engine: reset stale running tasks: %w", err)
	}
	if n > 0 {
		note, _ := json.Marshal(map[string]interface{}{"recovered": n})
		if _, err := q.store.RecordEvent(ctx, q.id, "system/recovery", nil, note); err != nil {
			q.logger.Error("record recovery event failed", "error", err)
		}
	}
	if q.cron != nil {
		q.cron.Start()
	}
	return nil
}

// Close stops accepting new cron triggers, waits for every in-flight
// executeTask call to settle, then clears every job's listeners so none
// outlive shutdown (spec.md §9's ambient-context note).
func (q *Queue) Close() error {
	if q.cron != nil {
		q.cron.Stop()
	}
	q.wg.Wait()

	q.mu.RLock()
	defer q.mu.RUnlock()
	for _, job := range q.jobs {
		job.emitter().Clear()
	}
	return nil
}

// ID returns the queue's storage identifier.
func (q *Queue) ID() string { return q.id }

func (q *Queue) job(id string) (registeredJob, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	job, ok := q.jobs[id]
	return job, ok
}

// trigger is called by Job.Trigger; it resolves orchestration options
// against input and calls Storage.AddTask, firing the "trigger" event when
// a task is inserted and the "cancel"/"settled" events for a sibling that a
// debounce supersedes. A duplicate (queue, job, key) returns the existing
// task row; no stored terminal event is re-fired for it.
func (q *Queue) trigger(job registeredJob, input json.RawMessage) (*storage.Task, error) {
	return q.triggerByID(context.Background(), job.ID(), input)
}

func (q *Queue) triggerByID(ctx context.Context, jobID string, input json.RawMessage) (*storage.Task, error) {
	job, ok := q.job(jobID)
	if !ok {
		return nil, fmt.Errorf("engine: unknown job %q", jobID)
	}
	opts := job.Options()

	key, err := canon.Key(input)
	if err != nil {
		return nil, canon.NewNonRecoverable("compute task key", err)
	}

	addOpts, err := resolveAddOptions(opts, jobID, input)
	if err != nil {
		return nil, err
	}

	task := &storage.Task{
		Queue:    q.id,
		Job:      jobID,
		Key:      key,
		Input:    input,
		Priority: opts.Priority,
	}

	result, err := q.store.AddTask(ctx, task, addOpts)
	if err != nil {
		return nil, fmt.Errorf("engine: add task: %w", err)
	}

	if result.RateLimitRetry != nil {
		return nil, &RateLimitedError{RetryAfter: *result.RateLimitRetry}
	}

	if result.Inserted {
		if _, err := q.store.RecordEvent(ctx, q.id, fmt.Sprintf("job/%s/trigger", jobID), input, nil); err != nil {
			q.logger.Error("record trigger event failed", "job", jobID, "error", err)
		}
		job.emitter().Emit("trigger", Payload{Input: input})
	}

	if result.CancelledSibling != nil {
		q.fireCancel(ctx, jobID, result.CancelledSibling, "debounce")
	}

	return result.Task, nil
}

func resolveAddOptions(opts Options, defaultID string, input json.RawMessage) (storage.AddTaskOptions, error) {
	var addOpts storage.AddTaskOptions

	if opts.Debounce != nil {
		spec, err := opts.Debounce(input)
		if err != nil {
			return addOpts, err
		}
		if spec != nil {
			id := spec.ID
			if id == "" {
				id = defaultID
			}
			addOpts.Debounce = &storage.DebounceSpec{ID: id, Duration: spec.Duration}
		}
	}
	if opts.Throttle != nil {
		spec, err := opts.Throttle(input)
		if err != nil {
			return addOpts, err
		}
		if spec != nil {
			id := spec.ID
			if id == "" {
				id = defaultID
			}
			addOpts.Throttle = &storage.ThrottleSpec{ID: id, Duration: spec.Duration}
		}
	}
	if opts.RateLimit != nil {
		spec, err := opts.RateLimit(input)
		if err != nil {
			return addOpts, err
		}
		if spec != nil {
			id := spec.ID
			if id == "" {
				id = defaultID
			}
			addOpts.RateLimit = &storage.RateLimitSpec{ID: id, Window: spec.Duration}
		}
	}
	if opts.Timeout != nil {
		addOpts.Timeout = opts.Timeout
	}

	return addOpts, nil
}

// dispatchPipe records a pipe event and triggers every job bound to it.
func (q *Queue) dispatchPipe(ctx context.Context, pipeID string, input json.RawMessage) error {
	if _, err := q.store.RecordEvent(ctx, q.id, fmt.Sprintf("pipe/%s", pipeID), input, input); err != nil {
		return fmt.Errorf("engine: record pipe event: %w", err)
	}

	q.mu.RLock()
	bindings := append([]triggerBinding(nil), q.triggers[pipeID]...)
	q.mu.RUnlock()

	for _, binding := range bindings {
		payload := input
		if binding.transform != nil {
			transformed, err := binding.transform(input)
			if err != nil {
				q.logger.Error("pipe transform failed", "pipe", pipeID, "job", binding.jobID, "error", err)
				continue
			}
			payload = transformed
		}
		if _, err := q.triggerByID(ctx, binding.jobID, payload); err != nil {
			q.logger.Error("pipe-triggered dispatch failed", "pipe", pipeID, "job", binding.jobID, "error", err)
		}
	}

	return nil
}

// Dispatch implements execution.Dispatcher: it lets a running step
// trigger a sibling job (invoke/dispatch) by id, binding the new task's
// parent_id to the calling task.
func (q *Queue) Dispatch(ctx context.Context, jobID string, input json.RawMessage, parentTaskID int64) (*storage.Task, error) {
	job, ok := q.job(jobID)
	if !ok {
		return nil, fmt.Errorf("engine: unknown job %q", jobID)
	}
	opts := job.Options()

	key, err := canon.Key(input)
	if err != nil {
		return nil, canon.NewNonRecoverable("compute task key", err)
	}
	addOpts, err := resolveAddOptions(opts, jobID, input)
	if err != nil {
		return nil, err
	}

	task := &storage.Task{
		Queue: q.id, Job: jobID, Key: key, Input: input,
		Priority: opts.Priority, ParentID: &parentTaskID,
	}
	result, err := q.store.AddTask(ctx, task, addOpts)
	if err != nil {
		return nil, err
	}
	if result.Inserted {
		if _, err := q.store.RecordEvent(ctx, q.id, fmt.Sprintf("job/%s/trigger", jobID), input, nil); err != nil {
			q.logger.Error("record trigger event failed", "job", jobID, "error", err)
		}
		job.emitter().Emit("trigger", Payload{Input: input})
	}
	return result.Task, nil
}

var _ execution.Dispatcher = (*Queue)(nil)

// Cancel resolves taskID as cancelled with an explicit reason, notifying
// its job's listeners. Intended for admin-initiated cancellation rather
// than in-band step-level Cancel (see execution.Context.Cancel for that).
func (q *Queue) Cancel(ctx context.Context, jobID string, taskID int64, reason string) error {
	job, ok := q.job(jobID)
	if !ok {
		return fmt.Errorf("engine: unknown job %q", jobID)
	}
	data, err := json.Marshal(map[string]string{"type": "explicit", "reason": reason})
	if err != nil {
		return err
	}
	if err := q.store.ResolveTask(ctx, taskID, storage.TaskCancelled, data); err != nil {
		return err
	}
	job.emitter().Emit("cancel", Payload{Reason: reason})
	if _, err := q.store.RecordEvent(ctx, q.id, fmt.Sprintf("job/%s/cancel", jobID), nil, data); err != nil {
		q.logger.Error("record cancel event failed", "job", jobID, "error", err)
	}
	q.fireSettled(ctx, jobID, taskID, storage.TaskCancelled, data)
	return nil
}

func (q *Queue) fireCancel(ctx context.Context, jobID string, task *storage.Task, reasonType string) {
	job, ok := q.job(jobID)
	if !ok {
		return
	}
	job.emitter().Emit("cancel", Payload{Input: task.Input, Reason: reasonType})
	if _, err := q.store.RecordEvent(ctx, q.id, fmt.Sprintf("job/%s/cancel", jobID), task.Input, task.Data); err != nil {
		q.logger.Error("record cancel event failed", "job", jobID, "error", err)
	}
	q.fireSettled(ctx, jobID, task.ID, storage.TaskCancelled, task.Data)
}

// settledEnvelope is the settled event's Data payload: a shape Invoke's
// WaitFor can unmarshal directly into a result/error/reason regardless of
// how the task actually terminated. TaskID is also mirrored into the
// event's Input so a filter scoped to {"task_id": N} (as Invoke's wait
// step uses) can match it — the settled event carries no other identity
// otherwise, since Data alone isn't visible to the matcher.
type settledEnvelope struct {
	TaskID int64                  `json:"task_id"`
	Result json.RawMessage        `json:"result,omitempty"`
	Error  *canon.SerializedError `json:"error,omitempty"`
	Reason string                 `json:"reason,omitempty"`
}

func buildSettledEnvelope(taskID int64, status storage.TaskStatus, data json.RawMessage) settledEnvelope {
	env := settledEnvelope{TaskID: taskID}
	switch status {
	case storage.TaskCompleted:
		env.Result = data
	case storage.TaskFailed:
		var se canon.SerializedError
		if err := json.Unmarshal(data, &se); err == nil {
			env.Error = &se
		}
	case storage.TaskCancelled:
		var cancelData struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		}
		if err := json.Unmarshal(data, &cancelData); err == nil {
			reason := cancelData.Reason
			if reason == "" {
				reason = cancelData.Type
			}
			env.Reason = reason
		}
	}
	return env
}

func (q *Queue) fireSettled(ctx context.Context, jobID string, taskID int64, status storage.TaskStatus, data json.RawMessage) {
	job, ok := q.job(jobID)
	if !ok {
		return
	}
	job.emitter().Emit("settled", Payload{Result: data})

	envelope, err := json.Marshal(buildSettledEnvelope(taskID, status, data))
	if err != nil {
		q.logger.Error("marshal settled envelope failed", "job", jobID, "error", err)
		envelope = data
	}
	input, err := json.Marshal(map[string]int64{"task_id": taskID})
	if err != nil {
		q.logger.Error("marshal settled input failed", "job", jobID, "error", err)
	}
	if _, err := q.store.RecordEvent(ctx, q.id, fmt.Sprintf("job/%s/settled", jobID), input, envelope); err != nil {
		q.logger.Error("record settled event failed", "job", jobID, "error", err)
	}
}

// executeTask is the Executor the scheduler drives: it runs the picked
// task's job through the replay engine and, on a terminal outcome, fires
// the job's success/error events and always fires settled so Invoke's
// wait_for step can observe it.
func (q *Queue) executeTask(ctx context.Context, task *storage.Task, steps []storage.Step) error {
	job, ok := q.job(task.Job)
	if !ok {
		data, _ := canon.MarshalErrorJSON(fmt.Errorf("engine: unknown job %q", task.Job))
		return q.store.ResolveTask(ctx, task.ID, storage.TaskFailed, data)
	}

	if taskTimedOut(task) {
		return q.timeoutTask(ctx, task)
	}

	runCtx := registration.With(ctx, registration.Active{Queue: q.id, TaskID: task.ID})

	job.emitter().Emit("start", Payload{Input: task.Input})
	if _, err := q.store.RecordEvent(ctx, q.id, fmt.Sprintf("job/%s/start", task.Job), task.Input, nil); err != nil {
		q.logger.Error("record start event failed", "job", task.Job, "error", err)
	}

	q.wg.Add(1)
	defer q.wg.Done()

	outcome, err := execution.Execute(runCtx, q.store, q, task, steps, func(ec *execution.Context) (json.RawMessage, error) {
		return job.Run(ec, task)
	})
	if err != nil {
		return err
	}

	job.emitter().Emit("run", Payload{Input: task.Input})
	if !outcome.Terminal {
		return nil
	}

	switch outcome.Status {
	case storage.TaskCompleted:
		job.emitter().Emit("success", Payload{Result: outcome.Data})
		if _, err := q.store.RecordEvent(ctx, q.id, fmt.Sprintf("job/%s/success", task.Job), task.Input, outcome.Data); err != nil {
			q.logger.Error("record success event failed", "job", task.Job, "error", err)
		}
		if q.history != nil {
			if err := q.history.RecordSuccess(ctx, q.id, task.Job, time.Now(), taskDuration(task)); err != nil {
				q.logger.Error("record history success failed", "job", task.Job, "error", err)
			}
		}
	case storage.TaskFailed:
		job.emitter().Emit("error", Payload{Error: outcome.Data})
		if _, err := q.store.RecordEvent(ctx, q.id, fmt.Sprintf("job/%s/error", task.Job), task.Input, outcome.Data); err != nil {
			q.logger.Error("record error event failed", "job", task.Job, "error", err)
		}
		if q.history != nil {
			if err := q.history.RecordFailure(ctx, q.id, task.Job, time.Now()); err != nil {
				q.logger.Error("record history failure failed", "job", task.Job, "error", err)
			}
		}
	}
	q.fireSettled(ctx, task.Job, task.ID, outcome.Status, outcome.Data)
	return nil
}

// taskTimedOut reports whether task's Options.Timeout deadline (stored as
// timeout_at on AddTask) has already elapsed. A timed-out task is still a
// pick candidate per candidateWhere's timedOutTask clause even while one
// of its steps is blocking (e.g. mid-sleep) — this check is what turns
// that pick into a cancellation instead of a replay of the blocked step.
func taskTimedOut(task *storage.Task) bool {
	return task.TimeoutAt != nil && !task.TimeoutAt.After(time.Now())
}

// timeoutTask resolves task cancelled with {"type":"timeout"} instead of
// driving it through the replay engine. Without this, a task whose
// deadline elapsed while suspended on a still-blocking step (e.g. a future
// sleep) would simply replay that step, suspend again, and get requeued
// to pending forever (spec.md §5 Timeouts, §7 error-kind 3).
func (q *Queue) timeoutTask(ctx context.Context, task *storage.Task) error {
	data, err := json.Marshal(map[string]string{"type": "timeout"})
	if err != nil {
		return err
	}
	if err := q.store.ResolveTask(ctx, task.ID, storage.TaskCancelled, data); err != nil {
		return err
	}
	task.Status = storage.TaskCancelled
	task.Data = data
	q.fireCancel(ctx, task.Job, task, "timeout")
	if q.history != nil {
		if err := q.history.RecordFailure(ctx, q.id, task.Job, time.Now()); err != nil {
			q.logger.Error("record history failure failed", "job", task.Job, "error", err)
		}
	}
	return nil
}

// Executor exposes executeTask to the scheduler package without the
// scheduler needing to import engine's unexported surface.
func (q *Queue) Executor() Executor { return q.executeTask }

func taskDuration(task *storage.Task) time.Duration {
	if task.StartedAt == nil {
		return 0
	}
	return time.Since(*task.StartedAt)
}

// RateLimitedError is returned by Trigger/triggerByID when a rate-limit
// group rejects a dispatch; RetryAfter is the remaining window.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("engine: rate limited, retry after %s", e.RetryAfter)
}
