package engine

import (
	"encoding/json"
	"fmt"

	"github.com/minisource/taskqueue/internal/canon"
	"github.com/minisource/taskqueue/internal/execution"
	"github.com/minisource/taskqueue/internal/storage"
)

// registeredJob is the type-erased surface a Queue drives a Job through;
// Go generics can't hold a map of Job[TIn, TOut] with varying type
// parameters, so the Queue keeps this narrow interface instead.
type registeredJob interface {
	ID() string
	Options() Options
	Run(ec *execution.Context, task *storage.Task) (json.RawMessage, error)
	emitter() *Emitter
}

// Job binds an id, orchestration settings, and a user function over typed
// input/output. TIn/TOut are marshaled to/from json.RawMessage at the
// task boundary; the function itself only ever sees the typed values.
type Job[TIn, TOut any] struct {
	id    string
	opts  Options
	fn    func(ec *execution.Context, input TIn) (TOut, error)
	queue *Queue
	emit  *Emitter
}

// NewJob constructs a Job. Register it on a Queue before dispatching.
func NewJob[TIn, TOut any](id string, opts Options, fn func(ec *execution.Context, input TIn) (TOut, error)) *Job[TIn, TOut] {
	return &Job[TIn, TOut]{id: id, opts: opts, fn: fn, emit: NewEmitter()}
}

// ID returns the job's identifier.
func (j *Job[TIn, TOut]) ID() string { return j.id }

// Options returns the job's orchestration settings.
func (j *Job[TIn, TOut]) Options() Options { return j.opts }

// On registers a lifecycle listener (trigger, start, run, success, error,
// cancel, settled).
func (j *Job[TIn, TOut]) On(event string, cb Listener) {
	j.emit.On(event, cb)
}

func (j *Job[TIn, TOut]) emitter() *Emitter { return j.emit }

// Trigger validates input against its `validate` struct tags (if q has a
// validator attached and input is a tagged struct), serializes it,
// computes its canonical key, and dispatches a task for this job through
// q. A duplicate (queue, job, key) returns the existing task row, in its
// current state, rather than creating a new one; no event is fired for it.
func (j *Job[TIn, TOut]) Trigger(q *Queue, input TIn) (*storage.Task, error) {
	j.queue = q
	if err := q.validateInput(input); err != nil {
		return nil, fmt.Errorf("engine: invalid input for job %q: %w", j.id, err)
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, canon.NewNonRecoverable("marshal job input", err)
	}
	return q.trigger(j, json.RawMessage(raw))
}

// Run implements registeredJob: it unmarshals the task's input, invokes
// the user function inside the replay engine, and marshals the output.
// Input/output marshal failures are non-recoverable per spec.md §4.2.
func (j *Job[TIn, TOut]) Run(ec *execution.Context, task *storage.Task) (json.RawMessage, error) {
	var input TIn
	if err := json.Unmarshal(task.Input, &input); err != nil {
		return nil, canon.NewNonRecoverable(fmt.Sprintf("unmarshal input for job %q", j.id), err)
	}

	out, err := j.fn(ec, input)
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(out)
	if err != nil {
		return nil, canon.NewNonRecoverable(fmt.Sprintf("marshal output for job %q", j.id), err)
	}
	return raw, nil
}
