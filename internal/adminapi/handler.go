package adminapi

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/minisource/taskqueue/internal/matcher"
	"github.com/minisource/taskqueue/internal/storage"
	"gorm.io/gorm"
)

// SchedulerStatus is the narrow surface Handler needs from a running
// scheduler: whether its pick loop is currently active. Satisfied by
// *scheduler.Scheduler; kept as an interface so adminapi doesn't need to
// import the scheduler package's concrete type for tests.
type SchedulerStatus interface {
	IsRunning() bool
}

// Handler serves the read-only admin surface: task/step/event listing
// against storage.Reader, and health/ready/live probes over the
// database and every registered queue's scheduler.
type Handler struct {
	db         *gorm.DB
	reader     storage.Reader
	schedulers map[string]SchedulerStatus
}

// NewHandler builds a Handler. schedulers maps queue id to its
// scheduler, so /ready can report unready if any queue's loop has
// stopped.
func NewHandler(db *gorm.DB, reader storage.Reader, schedulers map[string]SchedulerStatus) *Handler {
	return &Handler{db: db, reader: reader, schedulers: schedulers}
}

const defaultListLimit = 50

func parseTaskFilter(c *fiber.Ctx) (storage.TaskFilter, error) {
	filter := storage.TaskFilter{
		Queue:  c.Query("queue"),
		Job:    c.Query("job"),
		Status: storage.TaskStatus(c.Query("status")),
		Limit:  c.QueryInt("limit", defaultListLimit),
	}
	if after := c.Query("after"); after != "" {
		t, err := time.Parse(time.RFC3339, after)
		if err != nil {
			return filter, err
		}
		filter.After = t
	}
	return filter, nil
}

func parseEventFilter(c *fiber.Ctx) (storage.EventFilter, error) {
	filter := storage.EventFilter{
		Queue: c.Query("queue"),
		Key:   c.Query("key"),
		Limit: c.QueryInt("limit", defaultListLimit),
	}
	if after := c.Query("after"); after != "" {
		t, err := time.Parse(time.RFC3339, after)
		if err != nil {
			return filter, err
		}
		filter.After = t
	}
	return filter, nil
}

// ListTasks handles GET /api/v1/tasks, filtered by queue/job/status and
// cursor-paginated on updated_at via the after query parameter.
//
// @Summary List tasks
// @Description List tasks filtered by queue, job, and status, cursor-paginated on updated_at
// @Tags tasks
// @Produce json
// @Param queue query string false "Queue id"
// @Param job query string false "Job id"
// @Param status query string false "Task status"
// @Param after query string false "RFC3339 cursor, exclusive"
// @Param limit query int false "Page size, default 50"
// @Success 200 {object} Response
// @Failure 400 {object} Response
// @Router /api/v1/tasks [get]
func (h *Handler) ListTasks(c *fiber.Ctx) error {
	filter, err := parseTaskFilter(c)
	if err != nil {
		return badRequest(c, "invalid after cursor, expected RFC3339")
	}

	tasks, err := h.reader.ListTasks(c.Context(), filter)
	if err != nil {
		return internalError(c, err.Error())
	}

	return okWithMeta(c, tasks, listMeta(len(tasks), filter.Limit, func(i int) time.Time { return tasks[i].UpdatedAt }))
}

// stepView adds the wait filter's leaf paths to a waiting step, so admin
// introspection can show what it is actually blocked on without a client
// having to interpret the raw filter tree itself.
type stepView struct {
	storage.Step
	WaitFilterLeaves []string `json:"wait_filter_leaves,omitempty"`
}

// ListSteps handles GET /api/v1/tasks/:id/steps, returning every step
// checkpoint recorded for the task. A waiting step's wait_filter is
// additionally expanded into its leaf paths (matcher.Leaves) to make the
// event it is blocked on inspectable without decoding the filter by hand.
//
// @Summary List a task's steps
// @Description List every step checkpoint recorded for a task
// @Tags tasks
// @Produce json
// @Param id path int true "Task id"
// @Success 200 {object} Response
// @Failure 400 {object} Response
// @Router /api/v1/tasks/{id}/steps [get]
func (h *Handler) ListSteps(c *fiber.Ctx) error {
	taskID, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil {
		return badRequest(c, "invalid task id")
	}

	steps, err := h.reader.ListSteps(c.Context(), taskID)
	if err != nil {
		return internalError(c, err.Error())
	}

	views := make([]stepView, len(steps))
	for i, step := range steps {
		views[i] = stepView{Step: step}
		if step.Status == storage.StepWaiting && len(step.WaitFilter) > 0 {
			leaves, err := matcher.Leaves(step.WaitFilter)
			if err == nil {
				views[i].WaitFilterLeaves = leaves
			}
		}
	}

	return ok(c, views)
}

// ListEvents handles GET /api/v1/events, filtered by queue/key and
// cursor-paginated on created_at via the after query parameter.
//
// @Summary List events
// @Description List events filtered by queue and key, cursor-paginated on created_at
// @Tags events
// @Produce json
// @Param queue query string false "Queue id"
// @Param key query string false "Event key"
// @Param after query string false "RFC3339 cursor, exclusive"
// @Param limit query int false "Page size, default 50"
// @Success 200 {object} Response
// @Failure 400 {object} Response
// @Router /api/v1/events [get]
func (h *Handler) ListEvents(c *fiber.Ctx) error {
	filter, err := parseEventFilter(c)
	if err != nil {
		return badRequest(c, "invalid after cursor, expected RFC3339")
	}

	events, err := h.reader.ListEvents(c.Context(), filter)
	if err != nil {
		return internalError(c, err.Error())
	}

	return okWithMeta(c, events, listMeta(len(events), filter.Limit, func(i int) time.Time { return events[i].CreatedAt }))
}

func listMeta(count, limit int, at func(i int) time.Time) *Meta {
	meta := &Meta{Count: count, HasMore: count == limit && limit > 0}
	if count > 0 {
		meta.Cursor = at(count - 1).Format(time.RFC3339Nano)
	}
	return meta
}

// Health reports process + database health, independent of whether any
// scheduler is currently leading its queue.
//
// @Summary Health check
// @Description Report process and database health
// @Tags health
// @Produce json
// @Success 200 {object} Response
// @Failure 503 {object} Response
// @Router /health [get]
func (h *Handler) Health(c *fiber.Ctx) error {
	if err := h.pingDB(); err != nil {
		return serviceUnavailable(c, "database connection error: "+err.Error())
	}
	return ok(c, fiber.Map{"status": "healthy", "database": "connected"})
}

// Ready reports whether the process is ready to serve: database
// reachable and every registered queue's scheduler loop running.
//
// @Summary Readiness check
// @Description Report readiness: database reachable and every queue's scheduler running
// @Tags health
// @Produce json
// @Success 200 {object} Response
// @Failure 503 {object} Response
// @Router /ready [get]
func (h *Handler) Ready(c *fiber.Ctx) error {
	if err := h.pingDB(); err != nil {
		return serviceUnavailable(c, "database connection error: "+err.Error())
	}
	for queue, sched := range h.schedulers {
		if !sched.IsRunning() {
			return serviceUnavailable(c, "scheduler not running for queue "+queue)
		}
	}
	return ok(c, fiber.Map{"status": "ready"})
}

// Live reports bare liveness; it never touches the database or the
// schedulers, so it still answers during a database outage.
//
// @Summary Liveness check
// @Description Report liveness without touching any dependency
// @Tags health
// @Produce json
// @Success 200 {object} Response
// @Router /live [get]
func (h *Handler) Live(c *fiber.Ctx) error {
	return ok(c, fiber.Map{"status": "alive"})
}

func (h *Handler) pingDB() error {
	sqlDB, err := h.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}
