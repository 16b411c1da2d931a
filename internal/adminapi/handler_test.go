package adminapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gofiber/fiber/v2"
	"github.com/minisource/taskqueue/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// fakeReader is a canned storage.Reader for handler tests; the real
// query logic is exercised by internal/storage's own integration tests.
type fakeReader struct {
	tasks    []storage.Task
	steps    []storage.Step
	events   []storage.Event
	lastTask storage.TaskFilter
	lastEvt  storage.EventFilter
}

func (f *fakeReader) ListTasks(ctx context.Context, filter storage.TaskFilter) ([]storage.Task, error) {
	f.lastTask = filter
	return f.tasks, nil
}

func (f *fakeReader) ListSteps(ctx context.Context, taskID int64) ([]storage.Step, error) {
	return f.steps, nil
}

func (f *fakeReader) ListEvents(ctx context.Context, filter storage.EventFilter) ([]storage.Event, error) {
	f.lastEvt = filter
	return f.events, nil
}

var _ storage.Reader = (*fakeReader)(nil)

type fakeScheduler struct{ running bool }

func (f fakeScheduler) IsRunning() bool { return f.running }

func mockGormDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{
		Conn:                 mockDB,
		PreferSimpleProtocol: true,
	}), &gorm.Config{})
	require.NoError(t, err)
	return db, mock
}

func newTestApp(t *testing.T, h *Handler) *fiber.App {
	t.Helper()
	app := fiber.New()
	SetupRouter(app, h, nil)
	return app
}

func newTestAppWithGatherer(t *testing.T, h *Handler, gatherer prometheus.Gatherer) *fiber.App {
	t.Helper()
	app := fiber.New()
	SetupRouter(app, h, gatherer)
	return app
}

func decodeResponse(t *testing.T, resp *http.Response) Response {
	t.Helper()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out Response
	require.NoError(t, json.Unmarshal(body, &out))
	return out
}

func TestListTasksReturnsReaderResultsAndMeta(t *testing.T) {
	reader := &fakeReader{tasks: []storage.Task{
		{ID: 1, Queue: "q", Job: "greet", Key: "a", UpdatedAt: time.Now()},
	}}
	db, _ := mockGormDB(t)
	h := NewHandler(db, reader, nil)
	app := newTestApp(t, h)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks?queue=q&job=greet&limit=10", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	out := decodeResponse(t, resp)
	require.True(t, out.Success)
	require.NotNil(t, out.Meta)
	require.Equal(t, 1, out.Meta.Count)
	require.Equal(t, "q", reader.lastTask.Queue)
	require.Equal(t, "greet", reader.lastTask.Job)
	require.Equal(t, 10, reader.lastTask.Limit)
}

func TestListTasksRejectsInvalidCursor(t *testing.T) {
	db, _ := mockGormDB(t)
	h := NewHandler(db, &fakeReader{}, nil)
	app := newTestApp(t, h)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks?after=not-a-time", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListStepsReturnsStepsForTaskID(t *testing.T) {
	reader := &fakeReader{steps: []storage.Step{{ID: 9, TaskID: 42, Step: "user/send#0"}}}
	db, _ := mockGormDB(t)
	h := NewHandler(db, reader, nil)
	app := newTestApp(t, h)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/42/steps", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	out := decodeResponse(t, resp)
	require.True(t, out.Success)
}

func TestListStepsExpandsWaitFilterLeaves(t *testing.T) {
	reader := &fakeReader{steps: []storage.Step{{
		ID: 9, TaskID: 42, Step: "system/wait_for:invoke#0",
		Status:     storage.StepWaiting,
		WaitFilter: json.RawMessage(`{"task_id":7}`),
	}}}
	db, _ := mockGormDB(t)
	h := NewHandler(db, reader, nil)
	app := newTestApp(t, h)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/42/steps", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	out := decodeResponse(t, resp)
	require.True(t, out.Success)
	raw, err := json.Marshal(out.Data)
	require.NoError(t, err)
	var views []struct {
		WaitFilterLeaves []string `json:"wait_filter_leaves"`
	}
	require.NoError(t, json.Unmarshal(raw, &views))
	require.Len(t, views, 1)
	require.Equal(t, []string{"/task_id"}, views[0].WaitFilterLeaves)
}

func TestListStepsRejectsNonNumericID(t *testing.T) {
	db, _ := mockGormDB(t)
	h := NewHandler(db, &fakeReader{}, nil)
	app := newTestApp(t, h)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/not-a-number/steps", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListEventsCursorsOnAfter(t *testing.T) {
	reader := &fakeReader{events: []storage.Event{{ID: 3, Queue: "q", Key: "job/greet/success"}}}
	db, _ := mockGormDB(t)
	h := NewHandler(db, reader, nil)
	app := newTestApp(t, h)

	cursor := time.Now().Format(time.RFC3339)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/events?queue=q&after="+cursor, nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "q", reader.lastEvt.Queue)
	require.Equal(t, cursor, reader.lastEvt.After.Format(time.RFC3339))
}

func TestHealthReportsUnhealthyOnPingFailure(t *testing.T) {
	db, mock := mockGormDB(t)
	mock.ExpectPing().WillReturnError(errors.New("connection refused"))
	h := NewHandler(db, &fakeReader{}, nil)
	app := newTestApp(t, h)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHealthReportsHealthyWhenPingSucceeds(t *testing.T) {
	db, mock := mockGormDB(t)
	mock.ExpectPing()
	h := NewHandler(db, &fakeReader{}, nil)
	app := newTestApp(t, h)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestReadyFailsWhenAnySchedulerIsNotRunning(t *testing.T) {
	db, mock := mockGormDB(t)
	mock.ExpectPing()
	schedulers := map[string]SchedulerStatus{
		"q1": fakeScheduler{running: true},
		"q2": fakeScheduler{running: false},
	}
	h := NewHandler(db, &fakeReader{}, schedulers)
	app := newTestApp(t, h)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/ready", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestReadySucceedsWhenEverySchedulerRunning(t *testing.T) {
	db, mock := mockGormDB(t)
	mock.ExpectPing()
	schedulers := map[string]SchedulerStatus{"q1": fakeScheduler{running: true}}
	h := NewHandler(db, &fakeReader{}, schedulers)
	app := newTestApp(t, h)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/ready", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLiveNeverTouchesDatabase(t *testing.T) {
	db, _ := mockGormDB(t)
	h := NewHandler(db, &fakeReader{}, nil)
	app := newTestApp(t, h)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/live", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
