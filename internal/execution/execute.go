package execution

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/minisource/taskqueue/internal/canon"
	"github.com/minisource/taskqueue/internal/storage"
)

// JobFunc is a user job function: it receives the Context bound to one
// task pick and returns the task's final output.
type JobFunc func(ec *Context) (json.RawMessage, error)

// Outcome reports what one Execute call did, so the caller (the engine's
// Queue) knows whether to fire terminal lifecycle events. Terminal is
// false when the task merely suspended and was requeued or cancelled
// mid-suspension with nothing more for the caller to announce.
type Outcome struct {
	Terminal bool
	Status   storage.TaskStatus
	Data     json.RawMessage
}

// Execute runs fn once against one scheduler pick. On normal return it
// resolves the task terminally (completed or failed). On a suspension
// (fn panics InterruptSignal, directly or via Go()), it joins every
// pending side effect first, then either requeues the task for the next
// pick or, if it was cancelled while suspended, leaves it as already
// resolved by whoever cancelled it.
func Execute(ctx context.Context, store storage.Storage, dispatcher Dispatcher, task *storage.Task, steps []storage.Step, fn JobFunc) (Outcome, error) {
	ec := New(ctx, store, dispatcher, task, steps)

	result, fnErr, suspended := runCatchingInterrupt(ec, fn)

	if suspended {
		ec.join()
		if ec.cancelled {
			return Outcome{}, nil
		}
		if err := store.RequeueTask(ctx, task.ID); err != nil {
			return Outcome{}, err
		}
		return Outcome{}, nil
	}

	if fnErr != nil {
		data, err := canon.MarshalErrorJSON(fnErr)
		if err != nil {
			return Outcome{}, err
		}
		if err := store.ResolveTask(ctx, task.ID, storage.TaskFailed, data); err != nil {
			return Outcome{}, err
		}
		return Outcome{Terminal: true, Status: storage.TaskFailed, Data: data}, nil
	}

	if err := store.ResolveTask(ctx, task.ID, storage.TaskCompleted, result); err != nil {
		return Outcome{}, err
	}
	return Outcome{Terminal: true, Status: storage.TaskCompleted, Data: result}, nil
}

func runCatchingInterrupt(ec *Context, fn JobFunc) (result json.RawMessage, fnErr error, suspended bool) {
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(InterruptSignal); ok {
				suspended = true
				return
			}
			fnErr = panicToError(r)
		}
	}()
	result, fnErr = fn(ec)
	return
}

func panicToError(r interface{}) error {
	if err, ok := r.(error); ok {
		return err
	}
	return fmt.Errorf("execution: job panicked: %v", r)
}
