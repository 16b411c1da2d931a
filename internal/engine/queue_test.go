package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/minisource/taskqueue/internal/execution"
	"github.com/minisource/taskqueue/internal/matcher"
	"github.com/minisource/taskqueue/internal/storage"
	"github.com/minisource/taskqueue/internal/validation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is a minimal in-memory Storage, enough to exercise Queue's
// trigger/dispatch/pipe wiring without a real database.
type memStore struct {
	nextID       int64
	tasksByID    map[int64]*storage.Task
	tasksByIdent map[string]int64
	events       []storage.Event
}

func newMemStore() *memStore {
	return &memStore{
		tasksByID:    make(map[int64]*storage.Task),
		tasksByIdent: make(map[string]int64),
	}
}

func identKey(queue, job, key string) string { return queue + "\x00" + job + "\x00" + key }

func (m *memStore) GetTask(ctx context.Context, queue, job, key string) (*storage.Task, error) {
	id, ok := m.tasksByIdent[identKey(queue, job, key)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return m.tasksByID[id], nil
}

func (m *memStore) AddTask(ctx context.Context, task *storage.Task, opts storage.AddTaskOptions) (*storage.AddTaskResult, error) {
	ident := identKey(task.Queue, task.Job, task.Key)
	if id, ok := m.tasksByIdent[ident]; ok {
		return &storage.AddTaskResult{Task: m.tasksByID[id], Inserted: false}, nil
	}
	m.nextID++
	task.ID = m.nextID
	if task.Status == "" {
		task.Status = storage.TaskPending
	}
	m.tasksByID[task.ID] = task
	m.tasksByIdent[ident] = task.ID
	return &storage.AddTaskResult{Task: task, Inserted: true}, nil
}

func (m *memStore) StartNextTask(ctx context.Context, queue string) (*storage.Picked, error) {
	return nil, nil
}

func (m *memStore) NextFutureTask(ctx context.Context, queue string) (*time.Duration, error) {
	return nil, nil
}

func (m *memStore) ResolveTask(ctx context.Context, taskID int64, status storage.TaskStatus, data json.RawMessage) error {
	m.tasksByID[taskID].Status = status
	m.tasksByID[taskID].Data = data
	return nil
}

func (m *memStore) RequeueTask(ctx context.Context, taskID int64) error {
	m.tasksByID[taskID].Status = storage.TaskPending
	return nil
}

func (m *memStore) RecordStep(ctx context.Context, taskID int64, fields storage.StepFields) (*storage.Step, error) {
	return &storage.Step{TaskID: taskID, Step: fields.Step, Status: fields.Status}, nil
}

func (m *memStore) RecordEvent(ctx context.Context, queue, key string, input, data json.RawMessage) (*storage.Event, error) {
	ev := storage.Event{Queue: queue, Key: key, Input: input, Data: data}
	m.events = append(m.events, ev)
	return &ev, nil
}

func (m *memStore) ResetStaleRunning(ctx context.Context, queue string) (int64, error) {
	return 0, nil
}

var _ storage.Storage = (*memStore)(nil)

type greetInput struct {
	Name string `json:"name"`
}

type greetOutput struct {
	Greeting string `json:"greeting"`
}

func TestTriggerDedupsOnIdenticalInput(t *testing.T) {
	store := newMemStore()
	q := NewQueue("q1", store)

	job := NewJob[greetInput, greetOutput]("greet", Options{}, func(ec *execution.Context, in greetInput) (greetOutput, error) {
		return greetOutput{Greeting: "hi " + in.Name}, nil
	})
	require.NoError(t, Register(q, job))

	t1, err := job.Trigger(q, greetInput{Name: "ada"})
	require.NoError(t, err)
	t2, err := job.Trigger(q, greetInput{Name: "ada"})
	require.NoError(t, err)

	assert.Equal(t, t1.ID, t2.ID)
	assert.Len(t, store.tasksByID, 1)
}

func TestTriggerDistinctInputsCreateDistinctTasks(t *testing.T) {
	store := newMemStore()
	q := NewQueue("q2", store)

	job := NewJob[greetInput, greetOutput]("greet", Options{}, func(ec *execution.Context, in greetInput) (greetOutput, error) {
		return greetOutput{}, nil
	})
	require.NoError(t, Register(q, job))

	_, err := job.Trigger(q, greetInput{Name: "a"})
	require.NoError(t, err)
	_, err = job.Trigger(q, greetInput{Name: "b"})
	require.NoError(t, err)

	assert.Len(t, store.tasksByID, 2)
}

type signupInput struct {
	Email string `json:"email" validate:"required,email"`
}

type signupOutput struct{}

func TestTriggerRejectsInvalidInputWhenValidatorAttached(t *testing.T) {
	store := newMemStore()
	q := NewQueue("q3", store, WithValidator(validation.New()))

	job := NewJob[signupInput, signupOutput]("signup", Options{}, func(ec *execution.Context, in signupInput) (signupOutput, error) {
		return signupOutput{}, nil
	})
	require.NoError(t, Register(q, job))

	_, err := job.Trigger(q, signupInput{Email: "not-an-email"})
	require.Error(t, err)
	assert.Empty(t, store.tasksByID)
}

func TestTriggerAllowsValidInputWhenValidatorAttached(t *testing.T) {
	store := newMemStore()
	q := NewQueue("q4", store, WithValidator(validation.New()))

	job := NewJob[signupInput, signupOutput]("signup", Options{}, func(ec *execution.Context, in signupInput) (signupOutput, error) {
		return signupOutput{}, nil
	})
	require.NoError(t, Register(q, job))

	_, err := job.Trigger(q, signupInput{Email: "ada@example.com"})
	require.NoError(t, err)
	assert.Len(t, store.tasksByID, 1)
}

func TestRegisterRejectsDuplicateJobID(t *testing.T) {
	store := newMemStore()
	q := NewQueue("q3", store)

	job1 := NewJob[greetInput, greetOutput]("greet", Options{}, func(ec *execution.Context, in greetInput) (greetOutput, error) {
		return greetOutput{}, nil
	})
	job2 := NewJob[greetInput, greetOutput]("greet", Options{}, func(ec *execution.Context, in greetInput) (greetOutput, error) {
		return greetOutput{}, nil
	})
	require.NoError(t, Register(q, job1))
	assert.Error(t, Register(q, job2))
}

func TestPipeDispatchTriggersBoundJob(t *testing.T) {
	store := newMemStore()
	q := NewQueue("q4", store)

	job := NewJob[greetInput, greetOutput]("hello", Options{
		Triggers: []Trigger{{Pipe: "p"}},
	}, func(ec *execution.Context, in greetInput) (greetOutput, error) {
		return greetOutput{}, nil
	})
	require.NoError(t, Register(q, job))

	pipe := NewPipe[greetInput]("p")
	require.NoError(t, pipe.Dispatch(context.Background(), q, greetInput{Name: "x"}))

	assert.Len(t, store.tasksByID, 1)
}

func TestPriorityIsCarriedIntoTheTask(t *testing.T) {
	store := newMemStore()
	q := NewQueue("q5", store)

	job := NewJob[greetInput, greetOutput]("greet", Options{Priority: 7}, func(ec *execution.Context, in greetInput) (greetOutput, error) {
		return greetOutput{}, nil
	})
	require.NoError(t, Register(q, job))

	task, err := job.Trigger(q, greetInput{Name: "a"})
	require.NoError(t, err)
	assert.Equal(t, 7, task.Priority)
}

func TestExecuteTaskFiresSuccessAndSettled(t *testing.T) {
	store := newMemStore()
	q := NewQueue("q6", store)

	var sawSuccess, sawSettled bool
	job := NewJob[greetInput, greetOutput]("greet", Options{}, func(ec *execution.Context, in greetInput) (greetOutput, error) {
		return greetOutput{Greeting: "hi"}, nil
	})
	job.On("success", func(event string, p Payload) { sawSuccess = true })
	job.On("settled", func(event string, p Payload) { sawSettled = true })
	require.NoError(t, Register(q, job))

	task, err := job.Trigger(q, greetInput{Name: "a"})
	require.NoError(t, err)

	err = q.executeTask(context.Background(), task, nil)
	require.NoError(t, err)
	assert.True(t, sawSuccess)
	assert.True(t, sawSettled)
	assert.Equal(t, storage.TaskCompleted, task.Status)
}

func TestExecuteTaskCancelsElapsedTimeoutInsteadOfReplayingBlockedStep(t *testing.T) {
	store := newMemStore()
	q := NewQueue("q8", store)

	var sawCancel, sawSettled bool
	job := NewJob[greetInput, greetOutput]("sleepy", Options{}, func(ec *execution.Context, in greetInput) (greetOutput, error) {
		ec.Sleep("pause", time.Hour)
		return greetOutput{}, nil
	})
	job.On("cancel", func(event string, p Payload) { sawCancel = true })
	job.On("settled", func(event string, p Payload) { sawSettled = true })
	require.NoError(t, Register(q, job))

	task, err := job.Trigger(q, greetInput{Name: "a"})
	require.NoError(t, err)

	past := time.Now().Add(-time.Minute)
	task.TimeoutAt = &past

	require.NoError(t, q.executeTask(context.Background(), task, nil))

	assert.True(t, sawCancel)
	assert.True(t, sawSettled)
	assert.Equal(t, storage.TaskCancelled, task.Status)
	assert.JSONEq(t, `{"type":"timeout"}`, string(task.Data))
}

func TestFireSettledRecordsTaskIDInInputSoInvokeFilterMatches(t *testing.T) {
	store := newMemStore()
	q := NewQueue("q9", store)

	job := NewJob[greetInput, greetOutput]("greet2", Options{}, func(ec *execution.Context, in greetInput) (greetOutput, error) {
		return greetOutput{Greeting: "hi"}, nil
	})
	require.NoError(t, Register(q, job))

	task, err := job.Trigger(q, greetInput{Name: "a"})
	require.NoError(t, err)
	require.NoError(t, q.executeTask(context.Background(), task, nil))

	var settled *storage.Event
	for i := range store.events {
		if store.events[i].Key == "job/greet2/settled" {
			settled = &store.events[i]
		}
	}
	require.NotNil(t, settled)

	filter, err := json.Marshal(map[string]int64{"task_id": task.ID})
	require.NoError(t, err)
	matched, err := matcher.Match(filter, settled.Input)
	require.NoError(t, err)
	assert.True(t, matched, "invoke's wait_for filter must match the settled event's Input")

	var envelope struct {
		TaskID int64           `json:"task_id"`
		Result json.RawMessage `json:"result"`
	}
	require.NoError(t, json.Unmarshal(settled.Data, &envelope))
	assert.Equal(t, task.ID, envelope.TaskID)
	assert.JSONEq(t, `{"greeting":"hi"}`, string(envelope.Result))
}

type fakeHistory struct {
	successes int
	failures  int
}

func (h *fakeHistory) RecordSuccess(ctx context.Context, queue, job string, at time.Time, duration time.Duration) error {
	h.successes++
	return nil
}

func (h *fakeHistory) RecordFailure(ctx context.Context, queue, job string, at time.Time) error {
	h.failures++
	return nil
}

func TestExecuteTaskRecordsHistoryOnSuccessAndFailure(t *testing.T) {
	store := newMemStore()
	hist := &fakeHistory{}
	q := NewQueue("q7", store, WithHistory(hist))

	ok := NewJob[greetInput, greetOutput]("ok", Options{}, func(ec *execution.Context, in greetInput) (greetOutput, error) {
		return greetOutput{}, nil
	})
	bad := NewJob[greetInput, greetOutput]("bad", Options{}, func(ec *execution.Context, in greetInput) (greetOutput, error) {
		return greetOutput{}, assert.AnError
	})
	require.NoError(t, Register(q, ok))
	require.NoError(t, Register(q, bad))

	okTask, err := ok.Trigger(q, greetInput{Name: "a"})
	require.NoError(t, err)
	require.NoError(t, q.executeTask(context.Background(), okTask, nil))

	badTask, err := bad.Trigger(q, greetInput{Name: "b"})
	require.NoError(t, err)
	require.NoError(t, q.executeTask(context.Background(), badTask, nil))

	assert.Equal(t, 1, hist.successes)
	assert.Equal(t, 1, hist.failures)
}
