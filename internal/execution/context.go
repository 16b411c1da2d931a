// Package execution implements the replay engine: the storage-backed
// coroutine that a job function runs inside on every scheduler pick.
// Each call to Run/Go/Sleep/WaitFor/Invoke/Dispatch/Cancel checkpoints a
// Step row on first reach. Sleep, WaitFor, Invoke's wait and Go suspend
// the job there, as does Run when a failed attempt is queued for retry; a
// Run, Dispatch or Cancel that finishes returns directly. On a later pick
// a checkpointed outcome is replayed instead of re-executed.
package execution

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/minisource/taskqueue/internal/canon"
	"github.com/minisource/taskqueue/internal/storage"
)

// InterruptSignal is the sentinel panic value the engine uses to unwind a
// job function back to Execute when a step suspends. It must never
// escape Execute; any code recovering from a panic elsewhere should
// re-panic on seeing this type.
type InterruptSignal struct{}

func (InterruptSignal) String() string { return "execution: suspended" }

// Dispatcher is the narrow callback Invoke/Dispatch use to enqueue a
// sibling task without the execution package depending on the engine
// package (which itself depends on execution).
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID string, input json.RawMessage, parentTaskID int64) (*storage.Task, error)
}

type pendingEffect struct {
	stepName string
	runs     int
	opts     RunOptions
	done     <-chan effectOutcome
}

type effectOutcome struct {
	data json.RawMessage
	err  error
}

// Context is the per-pick execution state: one per (task, steps) handed
// to a job function. Not safe for use from more than one goroutine,
// except for the pending side-effect channels Go() starts internally.
type Context struct {
	ctx        context.Context
	store      storage.Storage
	dispatcher Dispatcher
	task       *storage.Task
	steps      map[string]*storage.Step
	counters   map[string]int
	cancelled  bool

	mu      sync.Mutex
	pending []pendingEffect
}

// New builds a Context for one scheduler pick.
func New(ctx context.Context, store storage.Storage, dispatcher Dispatcher, task *storage.Task, steps []storage.Step) *Context {
	byName := make(map[string]*storage.Step, len(steps))
	for i := range steps {
		byName[steps[i].Step] = &steps[i]
	}
	return &Context{
		ctx:        ctx,
		store:      store,
		dispatcher: dispatcher,
		task:       task,
		steps:      byName,
		counters:   make(map[string]int),
		cancelled:  task.Status == storage.TaskCancelled,
	}
}

func (c *Context) next(namespace, name string) string {
	key := namespace + "/" + name
	idx := c.counters[key]
	c.counters[key]++
	return fmt.Sprintf("%s#%d", key, idx)
}

func (c *Context) suspend() {
	panic(InterruptSignal{})
}

func (c *Context) recordStep(stepName string, fields storage.StepFields) *storage.Step {
	fields.Step = stepName
	step, err := c.store.RecordStep(c.ctx, c.task.ID, fields)
	if err != nil {
		panic(err)
	}
	c.steps[stepName] = step
	return step
}

// RunOptions configures one Run call.
type RunOptions struct {
	Retry   int
	Backoff canon.BackoffFunc
	Timeout *time.Duration
}

// Run executes fn at most opts.Retry+1 times, replaying a prior outcome
// instead of re-executing it when one is already checkpointed.
func (c *Context) Run(name string, opts RunOptions, fn func(ctx context.Context) (json.RawMessage, error)) (json.RawMessage, error) {
	stepName := c.next("user", name)

	if step, ok := c.steps[stepName]; ok {
		switch step.Status {
		case storage.StepCompleted:
			return step.Data, nil
		case storage.StepFailed:
			return nil, hydrateStepError(step.Data)
		case storage.StepStalled:
			if step.SleepUntil != nil && step.SleepUntil.After(time.Now()) {
				c.suspend()
			}
		}
	}

	if c.cancelled {
		c.suspend()
	}

	runs := 0
	if step, ok := c.steps[stepName]; ok {
		runs = step.Runs
	}

	runCtx := c.ctx
	var cancel context.CancelFunc
	if opts.Timeout != nil {
		runCtx, cancel = context.WithTimeout(c.ctx, *opts.Timeout)
	}
	result, err := fn(runCtx)
	if cancel != nil {
		cancel()
	}

	if err == nil {
		c.recordStep(stepName, storage.StepFields{
			Status: storage.StepCompleted, Data: result, IncrementRuns: true,
		})
		return result, nil
	}

	if c.finishAttempt(stepName, runs, opts, nil, err) {
		return nil, err
	}
	c.suspend()
	panic("unreachable")
}

// finishAttempt records the outcome of one attempt and reports whether it
// was terminal (completed or failed-no-retry, true) versus queued for
// another pass (suspend required, false). Shared by Run's synchronous
// path and Go's async join so both apply the same retry/backoff policy.
func (c *Context) finishAttempt(stepName string, runs int, opts RunOptions, result json.RawMessage, err error) bool {
	if err == nil {
		c.recordStep(stepName, storage.StepFields{
			Status: storage.StepCompleted, Data: result, IncrementRuns: true,
		})
		return true
	}

	nonRecoverable := canon.IsNonRecoverable(err)
	canRetry := !nonRecoverable && !c.cancelled && runs+1 <= opts.Retry

	if !canRetry {
		data, marshalErr := canon.MarshalErrorJSON(err)
		if marshalErr != nil {
			panic(marshalErr)
		}
		c.recordStep(stepName, storage.StepFields{
			Status: storage.StepFailed, Data: data, IncrementRuns: true,
		})
		return true
	}

	backoff := opts.Backoff
	if backoff == nil {
		backoff = canon.DefaultBackoff
	}
	delay := backoff(runs + 1)

	if delay <= 0 {
		c.recordStep(stepName, storage.StepFields{
			Status: storage.StepPending, IncrementRuns: true,
		})
	} else {
		c.recordStep(stepName, storage.StepFields{
			Status: storage.StepStalled, NextStatus: storage.StepPending,
			SleepFor: &delay, IncrementRuns: true,
		})
	}
	return false
}

// Go launches fn in its own goroutine and immediately suspends, modeling
// the "fn is asynchronous" outcome of run(): the step is recorded
// running, the in-flight effect is tracked as pending, and Execute joins
// it before the task finishes suspending. On a later pick, once the
// effect has checkpointed, Go returns its recorded outcome directly
// instead of relaunching fn, the same contract Run makes for its
// synchronous steps (spec.md §4.3.1).
func (c *Context) Go(name string, opts RunOptions, fn func(ctx context.Context) (json.RawMessage, error)) (json.RawMessage, error) {
	stepName := c.next("user", name)

	if step, ok := c.steps[stepName]; ok {
		switch step.Status {
		case storage.StepCompleted:
			return step.Data, nil
		case storage.StepFailed:
			return nil, hydrateStepError(step.Data)
		case storage.StepStalled:
			if step.SleepUntil != nil && step.SleepUntil.After(time.Now()) {
				c.suspend()
			}
		}
	}

	if c.cancelled {
		c.suspend()
	}

	runs := 0
	if step, ok := c.steps[stepName]; ok {
		runs = step.Runs
	}

	c.recordStep(stepName, storage.StepFields{Status: storage.StepRunning, IncrementRuns: true})

	done := make(chan effectOutcome, 1)
	go func() {
		data, err := fn(c.ctx)
		done <- effectOutcome{data: data, err: err}
	}()

	c.mu.Lock()
	c.pending = append(c.pending, pendingEffect{stepName: stepName, runs: runs, opts: opts, done: done})
	c.mu.Unlock()

	c.suspend()
	panic("unreachable")
}

// join blocks until every pending side effect launched by Go has
// settled, recording each outcome via the same retry/backoff policy Run
// uses. Called by Execute after a suspension, before deciding whether to
// requeue or resolve the task, matching §4.3's "await all pending
// side-effects so their records land" rule.
func (c *Context) join() {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, p := range pending {
		outcome := <-p.done
		c.finishAttempt(p.stepName, p.runs, p.opts, outcome.data, outcome.err)
	}
}

// Sleep suspends the task until d has elapsed.
func (c *Context) Sleep(name string, d time.Duration) {
	stepName := c.next("system", "sleep:"+name)

	if step, ok := c.steps[stepName]; ok {
		if step.Status == storage.StepCompleted {
			return
		}
		c.suspend()
	}

	c.recordStep(stepName, storage.StepFields{
		Status: storage.StepStalled, NextStatus: storage.StepCompleted, SleepFor: &d,
	})
	c.suspend()
}

// WaitForOptions configures one WaitFor call.
type WaitForOptions struct {
	Filter      json.RawMessage
	Timeout     *time.Duration
	Retroactive bool
}

// WaitFor suspends until an event matching key and opts.Filter is
// recorded, or opts.Timeout elapses.
func (c *Context) WaitFor(name, key string, opts WaitForOptions) (json.RawMessage, error) {
	stepName := c.next("system", "wait_for:"+name)

	if step, ok := c.steps[stepName]; ok {
		switch step.Status {
		case storage.StepCompleted:
			return step.Data, nil
		case storage.StepFailed:
			return nil, hydrateStepError(step.Data)
		}
		c.suspend()
	}

	filter := opts.Filter
	if filter == nil {
		filter = json.RawMessage(`{}`)
	}
	fields := storage.StepFields{
		Status: storage.StepWaiting, NextStatus: storage.StepCompleted,
		WaitFor: &key, WaitFilter: filter, WaitRetroactive: opts.Retroactive,
		Timeout: opts.Timeout,
	}
	c.recordStep(stepName, fields)
	c.suspend()
	panic("unreachable")
}

// Invoke dispatches jobID with input and waits for it to settle, either
// returning its result or raising its error/cancellation.
func (c *Context) Invoke(name, jobID string, input json.RawMessage) (json.RawMessage, error) {
	dispatchName := c.next("system", "invoke_dispatch:"+name)

	var childID int64
	if step, ok := c.steps[dispatchName]; ok {
		if step.Status != storage.StepCompleted {
			c.suspend()
		}
		var payload struct {
			TaskID int64 `json:"task_id"`
		}
		if err := json.Unmarshal(step.Data, &payload); err != nil {
			panic(err)
		}
		childID = payload.TaskID
	} else {
		if c.cancelled {
			c.suspend()
		}
		child, err := c.dispatcher.Dispatch(c.ctx, jobID, input, c.task.ID)
		if err != nil {
			panic(err)
		}
		data, err := json.Marshal(map[string]int64{"task_id": child.ID})
		if err != nil {
			panic(err)
		}
		c.recordStep(dispatchName, storage.StepFields{Status: storage.StepCompleted, Data: data})
		childID = child.ID
	}

	waitKey := fmt.Sprintf("job/%s/settled", jobID)
	filter, err := json.Marshal(map[string]int64{"task_id": childID})
	if err != nil {
		panic(err)
	}

	settled, err := c.WaitFor("invoke:"+name, waitKey, WaitForOptions{Filter: filter, Retroactive: true})
	if err != nil {
		return nil, err
	}

	var outcome struct {
		Result json.RawMessage        `json:"result,omitempty"`
		Error  *canon.SerializedError `json:"error,omitempty"`
		Reason string                 `json:"reason,omitempty"`
	}
	if err := json.Unmarshal(settled, &outcome); err != nil {
		return nil, err
	}
	if outcome.Error != nil {
		return nil, canon.HydrateError(outcome.Error)
	}
	if outcome.Reason != "" {
		return nil, canon.NewNonRecoverable("invoked job was cancelled: "+outcome.Reason, nil)
	}
	return outcome.Result, nil
}

// Dispatch enqueues jobID with input as a single checkpointed step
// (retry=0), returning the created (or pre-existing, on replay) task.
func (c *Context) Dispatch(name, jobID string, input json.RawMessage) (*storage.Task, error) {
	stepName := c.next("system", "dispatch:"+name)

	if step, ok := c.steps[stepName]; ok {
		switch step.Status {
		case storage.StepCompleted:
			var task storage.Task
			if err := json.Unmarshal(step.Data, &task); err != nil {
				panic(err)
			}
			return &task, nil
		case storage.StepFailed:
			return nil, hydrateStepError(step.Data)
		}
		c.suspend()
	}

	if c.cancelled {
		c.suspend()
	}

	child, err := c.dispatcher.Dispatch(c.ctx, jobID, input, c.task.ID)
	if err != nil {
		data, marshalErr := canon.MarshalErrorJSON(err)
		if marshalErr != nil {
			panic(marshalErr)
		}
		c.recordStep(stepName, storage.StepFields{Status: storage.StepFailed, Data: data})
		return nil, err
	}

	data, err := json.Marshal(child)
	if err != nil {
		panic(err)
	}
	c.recordStep(stepName, storage.StepFields{Status: storage.StepCompleted, Data: data})
	return child, nil
}

// Cancel resolves instance's task as cancelled with the given reason,
// checkpointed the same way Dispatch is.
func (c *Context) Cancel(name string, taskID int64, reason string) error {
	stepName := c.next("system", "cancel:"+name)

	if step, ok := c.steps[stepName]; ok {
		if step.Status == storage.StepCompleted {
			return nil
		}
		c.suspend()
	}

	data, err := json.Marshal(map[string]string{"type": "explicit", "reason": reason})
	if err != nil {
		panic(err)
	}
	if err := c.store.ResolveTask(c.ctx, taskID, storage.TaskCancelled, data); err != nil {
		panic(err)
	}
	c.recordStep(stepName, storage.StepFields{Status: storage.StepCompleted})
	return nil
}

func hydrateStepError(data json.RawMessage) error {
	err, unmarshalErr := canon.UnmarshalErrorJSON(data)
	if unmarshalErr != nil {
		return unmarshalErr
	}
	return err
}
