package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/minisource/taskqueue/internal/matcher"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// waitScanLimit bounds how many candidate events are pulled per waiting
// step on each scan, so a very deep event log can't make one scheduler
// pick unbounded.
const waitScanLimit = 500

// GormStore is the default Storage backend, built on GORM against
// Postgres (or any gorm.io/driver the host wires in).
type GormStore struct {
	db               *gorm.DB
	waitPollInterval time.Duration
}

// NewGormStore creates a GormStore. waitPollInterval is the throttle on
// how often an unmatched waiting step's wait_from is advanced (spec.md §9
// open question; default 50ms).
func NewGormStore(db *gorm.DB, waitPollInterval time.Duration) *GormStore {
	if waitPollInterval <= 0 {
		waitPollInterval = 50 * time.Millisecond
	}
	return &GormStore{db: db, waitPollInterval: waitPollInterval}
}

var _ Storage = (*GormStore)(nil)

// GetTask implements Storage.
func (s *GormStore) GetTask(ctx context.Context, queue, job, key string) (*Task, error) {
	var task Task
	err := s.db.WithContext(ctx).
		Where("queue = ? AND job = ? AND key = ?", queue, job, key).
		First(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// AddTask implements Storage.
func (s *GormStore) AddTask(ctx context.Context, task *Task, opts AddTaskOptions) (*AddTaskResult, error) {
	result := &AddTaskResult{}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Task
		err := tx.Where("queue = ? AND job = ? AND key = ?", task.Queue, task.Job, task.Key).
			First(&existing).Error
		if err == nil {
			result.Task = &existing
			result.Inserted = false
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		if opts.RateLimit != nil {
			var prior Task
			cutoff := time.Now().Add(-opts.RateLimit.Window)
			err := tx.Where("rate_limit_id = ? AND created_at >= ?", opts.RateLimit.ID, cutoff).
				Order("created_at DESC").
				First(&prior).Error
			if err == nil {
				remaining := opts.RateLimit.Window - time.Since(prior.CreatedAt)
				if remaining < 0 {
					remaining = 0
				}
				result.RateLimitRetry = &remaining
				return nil
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
		}

		if opts.Debounce != nil || opts.Throttle != nil {
			task.Status = TaskStalled
		} else if task.Status == "" {
			task.Status = TaskPending
		}

		if opts.Debounce != nil {
			id := opts.Debounce.ID
			task.DebounceID = &id
			wake := time.Now().Add(opts.Debounce.Duration)
			task.SleepUntil = &wake
		}
		if opts.Throttle != nil {
			id := opts.Throttle.ID
			task.ThrottleID = &id
			seconds := opts.Throttle.Duration.Seconds()
			task.ThrottleDuration = &seconds
		}
		if opts.RateLimit != nil {
			id := opts.RateLimit.ID
			task.RateLimitID = &id
		}
		if opts.Timeout != nil {
			t := time.Now().Add(*opts.Timeout)
			task.TimeoutAt = &t
		}

		if err := tx.Create(task).Error; err != nil {
			return err
		}
		result.Task = task
		result.Inserted = true

		if opts.Debounce != nil {
			var sibling Task
			err := tx.Where(
				"debounce_id = ? AND started_at IS NULL AND id <> ? AND status NOT IN ('completed','failed','cancelled')",
				opts.Debounce.ID, task.ID,
			).Order("created_at ASC").First(&sibling).Error
			if err == nil {
				cancelData, marshalErr := json.Marshal(map[string]string{"type": "debounce"})
				if marshalErr != nil {
					return marshalErr
				}
				now := time.Now()
				if err := tx.Model(&Task{}).Where("id = ?", sibling.ID).Updates(map[string]interface{}{
					"status":     TaskCancelled,
					"data":       json.RawMessage(cancelData),
					"updated_at": now,
				}).Error; err != nil {
					return err
				}
				sibling.Status = TaskCancelled
				sibling.Data = cancelData
				result.CancelledSibling = &sibling
			} else if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

const (
	blockingStepSubquery = `NOT EXISTS (
		SELECT 1 FROM steps sb WHERE sb.task_id = tasks.id AND (
			(sb.status = 'stalled' AND sb.sleep_until > NOW()) OR sb.status = 'waiting'
		)
	)`
)

func candidateWhere() string {
	timedOutTask := `(tasks.timeout_at IS NOT NULL AND tasks.timeout_at <= NOW() AND tasks.status IN ('pending','stalled'))`
	timedOutStep := `EXISTS (
		SELECT 1 FROM steps s2 WHERE s2.task_id = tasks.id
		AND s2.timeout_at IS NOT NULL AND s2.timeout_at <= NOW()
		AND s2.status NOT IN ('completed','failed')
	)`
	pendingRunnable := `(tasks.status = 'pending' AND ` + blockingStepSubquery + `)`
	stalledSleepElapsed := `(tasks.status = 'stalled' AND tasks.sleep_until IS NOT NULL AND tasks.sleep_until <= NOW() AND ` + blockingStepSubquery + `)`
	stalledThrottleElapsed := `(tasks.status = 'stalled' AND tasks.throttle_id IS NOT NULL AND NOT EXISTS (
		SELECT 1 FROM tasks t2 WHERE t2.throttle_id = tasks.throttle_id
		AND t2.started_at IS NOT NULL
		AND t2.started_at > NOW() - (COALESCE(tasks.throttle_duration, 0) * INTERVAL '1 second')
	))`

	return "(" + timedOutTask + " OR " + timedOutStep + " OR " + pendingRunnable +
		" OR " + stalledSleepElapsed + " OR " + stalledThrottleElapsed + ")"
}

// StartNextTask implements Storage.
func (s *GormStore) StartNextTask(ctx context.Context, queue string) (*Picked, error) {
	var picked *Picked

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.resolveWaitingSteps(tx, queue); err != nil {
			return err
		}

		var task Task
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("tasks.queue = ? AND tasks.status NOT IN ('completed','failed','cancelled') AND "+candidateWhere(), queue).
			Order("tasks.priority DESC, tasks.created_at ASC").
			Limit(1).
			First(&task).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		now := time.Now()
		updates := map[string]interface{}{
			"status":     TaskRunning,
			"loop":       gorm.Expr("loop + 1"),
			"updated_at": now,
		}
		if task.StartedAt == nil {
			updates["started_at"] = now
		}
		if err := tx.Model(&Task{}).Where("id = ?", task.ID).Updates(updates).Error; err != nil {
			return err
		}

		if err := tx.Model(&Step{}).
			Where("task_id = ? AND status = ? AND sleep_until IS NOT NULL AND sleep_until <= ?", task.ID, StepStalled, now).
			Updates(map[string]interface{}{"status": gorm.Expr("next_status"), "updated_at": now}).Error; err != nil {
			return err
		}

		var refreshed Task
		if err := tx.First(&refreshed, task.ID).Error; err != nil {
			return err
		}

		var steps []Step
		if err := tx.Where("task_id = ?", task.ID).Order("id ASC").Find(&steps).Error; err != nil {
			return err
		}

		var more Task
		hasMore := false
		errMore := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("tasks.queue = ? AND tasks.id <> ? AND tasks.status NOT IN ('completed','failed','cancelled') AND "+candidateWhere(), queue, task.ID).
			Limit(1).
			First(&more).Error
		if errMore == nil {
			hasMore = true
		} else if !errors.Is(errMore, gorm.ErrRecordNotFound) {
			return errMore
		}

		picked = &Picked{Task: &refreshed, Steps: steps, HasMore: hasMore}
		return nil
	}, &sql.TxOptions{Isolation: sql.LevelSerializable})

	if err != nil {
		return nil, err
	}
	return picked, nil
}

// resolveWaitingSteps is the event-matcher sub-transaction run at the top
// of every StartNextTask (spec.md §4.5).
func (s *GormStore) resolveWaitingSteps(tx *gorm.DB, queue string) error {
	var waiting []Step
	err := tx.Joins("JOIN tasks ON tasks.id = steps.task_id").
		Where("tasks.queue = ? AND steps.status = ?", queue, StepWaiting).
		Find(&waiting).Error
	if err != nil {
		return err
	}

	for _, step := range waiting {
		if step.WaitFor == nil {
			continue
		}

		waitFrom := time.Time{}
		if step.WaitFrom != nil {
			waitFrom = *step.WaitFrom
		}

		var events []Event
		err := tx.Where("queue = ? AND key = ? AND created_at >= ?", queue, *step.WaitFor, waitFrom).
			Order("created_at ASC").
			Limit(waitScanLimit).
			Find(&events).Error
		if err != nil {
			return err
		}

		matched := false
		for _, ev := range events {
			ok, err := matcher.Match(step.WaitFilter, ev.Input)
			if err != nil {
				return err
			}
			if ok {
				now := time.Now()
				if err := tx.Model(&Step{}).Where("id = ?", step.ID).Updates(map[string]interface{}{
					"status":     StepCompleted,
					"data":       ev.Data,
					"updated_at": now,
				}).Error; err != nil {
					return err
				}
				matched = true
				break
			}
		}

		if matched {
			continue
		}

		if timedOut(step) {
			now := time.Now()
			timeoutErr, _ := json.Marshal(map[string]string{"message": "wait_for timed out"})
			if err := tx.Model(&Step{}).Where("id = ?", step.ID).Updates(map[string]interface{}{
				"status":     StepFailed,
				"data":       json.RawMessage(timeoutErr),
				"updated_at": now,
			}).Error; err != nil {
				return err
			}
			continue
		}

		if len(events) > 0 && time.Since(step.UpdatedAt) >= s.waitPollInterval {
			last := events[len(events)-1].CreatedAt
			if err := tx.Model(&Step{}).Where("id = ?", step.ID).Updates(map[string]interface{}{
				"wait_from":  last,
				"updated_at": time.Now(),
			}).Error; err != nil {
				return err
			}
		}
	}

	return nil
}

func timedOut(step Step) bool {
	return step.TimeoutAt != nil && !step.TimeoutAt.After(time.Now())
}

// NextFutureTask implements Storage.
func (s *GormStore) NextFutureTask(ctx context.Context, queue string) (*time.Duration, error) {
	var candidates []time.Time

	collect := func(rows []time.Time) {
		candidates = append(candidates, rows...)
	}

	var taskSleeps []time.Time
	if err := s.db.WithContext(ctx).Model(&Task{}).
		Where("queue = ? AND status IN ('pending','stalled') AND sleep_until IS NOT NULL", queue).
		Pluck("sleep_until", &taskSleeps).Error; err != nil {
		return nil, err
	}
	collect(taskSleeps)

	var taskTimeouts []time.Time
	if err := s.db.WithContext(ctx).Model(&Task{}).
		Where("queue = ? AND status IN ('pending','stalled','running') AND timeout_at IS NOT NULL", queue).
		Pluck("timeout_at", &taskTimeouts).Error; err != nil {
		return nil, err
	}
	collect(taskTimeouts)

	var stepSleeps []time.Time
	if err := s.db.WithContext(ctx).Model(&Step{}).
		Joins("JOIN tasks ON tasks.id = steps.task_id").
		Where("tasks.queue = ? AND steps.status = ? AND steps.sleep_until IS NOT NULL", queue, StepStalled).
		Pluck("steps.sleep_until", &stepSleeps).Error; err != nil {
		return nil, err
	}
	collect(stepSleeps)

	var stepTimeouts []time.Time
	if err := s.db.WithContext(ctx).Model(&Step{}).
		Joins("JOIN tasks ON tasks.id = steps.task_id").
		Where("tasks.queue = ? AND steps.status NOT IN ('completed','failed') AND steps.timeout_at IS NOT NULL", queue).
		Pluck("steps.timeout_at", &stepTimeouts).Error; err != nil {
		return nil, err
	}
	collect(stepTimeouts)

	var throttleWaits []struct {
		StartedAt        time.Time
		ThrottleDuration float64
	}
	if err := s.db.WithContext(ctx).Model(&Task{}).
		Select("t2.started_at as started_at, tasks.throttle_duration as throttle_duration").
		Joins("JOIN tasks t2 ON t2.throttle_id = tasks.throttle_id AND t2.started_at IS NOT NULL").
		Where("tasks.queue = ? AND tasks.status = 'stalled' AND tasks.throttle_id IS NOT NULL", queue).
		Order("t2.started_at DESC").
		Limit(1).
		Find(&throttleWaits).Error; err != nil {
		return nil, err
	}
	for _, tw := range throttleWaits {
		collect([]time.Time{tw.StartedAt.Add(time.Duration(tw.ThrottleDuration * float64(time.Second)))})
	}

	if len(candidates) == 0 {
		return nil, nil
	}

	min := candidates[0]
	for _, c := range candidates[1:] {
		if c.Before(min) {
			min = c
		}
	}

	d := time.Until(min)
	if d < 0 {
		d = 0
	}
	return &d, nil
}

// ResolveTask implements Storage.
func (s *GormStore) ResolveTask(ctx context.Context, taskID int64, status TaskStatus, data json.RawMessage) error {
	return s.db.WithContext(ctx).Model(&Task{}).Where("id = ?", taskID).Updates(map[string]interface{}{
		"status":     status,
		"data":       data,
		"updated_at": time.Now(),
	}).Error
}

// RequeueTask implements Storage.
func (s *GormStore) RequeueTask(ctx context.Context, taskID int64) error {
	return s.db.WithContext(ctx).Model(&Task{}).
		Where("id = ? AND status = ?", taskID, TaskRunning).
		Updates(map[string]interface{}{
			"status":     TaskPending,
			"updated_at": time.Now(),
		}).Error
}

// RecordStep implements Storage: upsert on (task, step name).
func (s *GormStore) RecordStep(ctx context.Context, taskID int64, fields StepFields) (*Step, error) {
	var result *Step

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Step
		err := tx.Where("task_id = ? AND step = ?", taskID, fields.Step).First(&existing).Error
		now := time.Now()

		values := map[string]interface{}{
			"status":      fields.Status,
			"next_status": fields.NextStatus,
			"data":        fields.Data,
			"updated_at":  now,
		}
		if fields.SleepFor != nil {
			until := now.Add(*fields.SleepFor)
			values["sleep_until"] = until
		}
		if fields.Timeout != nil {
			until := now.Add(*fields.Timeout)
			values["timeout_at"] = until
		}
		if fields.WaitFor != nil {
			values["wait_for"] = *fields.WaitFor
			values["wait_filter"] = fields.WaitFilter
			if fields.WaitRetroactive {
				values["wait_from"] = time.Time{}
			} else {
				values["wait_from"] = now
			}
		}

		if errors.Is(err, gorm.ErrRecordNotFound) {
			step := Step{
				TaskID:       taskID,
				Step:         fields.Step,
				Status:       fields.Status,
				NextStatus:   fields.NextStatus,
				Data:         fields.Data,
				DiscoveredOn: fields.DiscoveredOn,
				Runs:         1,
			}
			if fields.SleepFor != nil {
				until := now.Add(*fields.SleepFor)
				step.SleepUntil = &until
			}
			if fields.Timeout != nil {
				until := now.Add(*fields.Timeout)
				step.TimeoutAt = &until
			}
			if fields.WaitFor != nil {
				step.WaitFor = fields.WaitFor
				step.WaitFilter = fields.WaitFilter
				if fields.WaitRetroactive {
					step.WaitFrom = &time.Time{}
				} else {
					wf := now
					step.WaitFrom = &wf
				}
			}
			if err := tx.Create(&step).Error; err != nil {
				return err
			}
			result = &step
			return nil
		}
		if err != nil {
			return err
		}

		if fields.IncrementRuns {
			values["runs"] = gorm.Expr("runs + 1")
		}

		if err := tx.Model(&Step{}).Where("id = ?", existing.ID).Updates(values).Error; err != nil {
			return err
		}

		var refreshed Step
		if err := tx.First(&refreshed, existing.ID).Error; err != nil {
			return err
		}
		result = &refreshed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RecordEvent implements Storage.
func (s *GormStore) RecordEvent(ctx context.Context, queue, key string, input, data json.RawMessage) (*Event, error) {
	event := &Event{Queue: queue, Key: key, Input: input, Data: data}
	if err := s.db.WithContext(ctx).Create(event).Error; err != nil {
		return nil, err
	}
	return event, nil
}

// ResetStaleRunning implements Storage.
func (s *GormStore) ResetStaleRunning(ctx context.Context, queue string) (int64, error) {
	result := s.db.WithContext(ctx).Model(&Task{}).
		Where("queue = ? AND status = ?", queue, TaskRunning).
		Updates(map[string]interface{}{
			"status":     TaskPending,
			"updated_at": time.Now(),
		})
	return result.RowsAffected, result.Error
}

// ListTasks implements Reader.
func (s *GormStore) ListTasks(ctx context.Context, filter TaskFilter) ([]Task, error) {
	query := s.db.WithContext(ctx).Model(&Task{})
	if filter.Queue != "" {
		query = query.Where("queue = ?", filter.Queue)
	}
	if filter.Job != "" {
		query = query.Where("job = ?", filter.Job)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if !filter.After.IsZero() {
		query = query.Where("updated_at > ?", filter.After)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var tasks []Task
	err := query.Order("updated_at ASC").Limit(limit).Find(&tasks).Error
	return tasks, err
}

// ListSteps implements Reader.
func (s *GormStore) ListSteps(ctx context.Context, taskID int64) ([]Step, error) {
	var steps []Step
	err := s.db.WithContext(ctx).
		Where("task_id = ?", taskID).
		Order("id ASC").
		Find(&steps).Error
	return steps, err
}

// ListEvents implements Reader.
func (s *GormStore) ListEvents(ctx context.Context, filter EventFilter) ([]Event, error) {
	query := s.db.WithContext(ctx).Model(&Event{})
	if filter.Queue != "" {
		query = query.Where("queue = ?", filter.Queue)
	}
	if filter.Key != "" {
		query = query.Where("key = ?", filter.Key)
	}
	if !filter.After.IsZero() {
		query = query.Where("created_at > ?", filter.After)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var events []Event
	err := query.Order("created_at ASC").Limit(limit).Find(&events).Error
	return events, err
}

var _ Reader = (*GormStore)(nil)
