// Package storage implements the persistent state machine for tasks,
// steps, and events: the storage schema, its invariants, and the
// transactional queries that advance it.
package storage

import (
	"encoding/json"
	"time"
)

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskStalled   TaskStatus = "stalled"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status is one of the final task states.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// StepStatus is the lifecycle state of a Step.
type StepStatus string

const (
	StepRunning   StepStatus = "running"
	StepPending   StepStatus = "pending"
	StepStalled   StepStatus = "stalled"
	StepWaiting   StepStatus = "waiting"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// Blocking reports whether a step in this status prevents its task from
// being picked by the scheduler (per spec.md §3 invariants): a stalled
// step with a future sleep_until, or a waiting step with an unmatched
// filter, makes the whole task un-runnable.
func (s StepStatus) Blocking() bool {
	return s == StepStalled || s == StepWaiting
}

// Task is one execution of a job for one input.
type Task struct {
	ID               int64           `json:"id" gorm:"primaryKey;autoIncrement"`
	ParentID         *int64          `json:"parent_id,omitempty" gorm:"index"`
	Queue            string          `json:"queue" gorm:"size:200;not null;uniqueIndex:uq_tasks_identity,priority:1"`
	Job              string          `json:"job" gorm:"size:200;not null;uniqueIndex:uq_tasks_identity,priority:2"`
	Key              string          `json:"key" gorm:"size:200;not null;uniqueIndex:uq_tasks_identity,priority:3"`
	Input            json.RawMessage `json:"input,omitempty" gorm:"type:jsonb"`
	Priority         int             `json:"priority" gorm:"default:0;index:idx_tasks_pick,priority:2,sort:desc"`
	Status           TaskStatus      `json:"status" gorm:"size:20;not null;index:idx_tasks_pick,priority:1"`
	Loop             int             `json:"loop" gorm:"default:0"`
	TimeoutAt        *time.Time      `json:"timeout_at,omitempty" gorm:"index"`
	SleepUntil       *time.Time      `json:"sleep_until,omitempty" gorm:"index"`
	StartedAt        *time.Time      `json:"started_at,omitempty"`
	CreatedAt        time.Time       `json:"created_at" gorm:"autoCreateTime;index:idx_tasks_pick,priority:3,sort:asc"`
	UpdatedAt        time.Time       `json:"updated_at" gorm:"autoUpdateTime;index"`
	Data             json.RawMessage `json:"data,omitempty" gorm:"type:jsonb"`
	DebounceID       *string         `json:"debounce_id,omitempty" gorm:"size:200;index"`
	ThrottleID       *string         `json:"throttle_id,omitempty" gorm:"size:200;index"`
	ThrottleDuration *float64        `json:"throttle_duration,omitempty"`
	RateLimitID      *string         `json:"rate_limit_id,omitempty" gorm:"size:200;index"`
}

// TableName returns the table name for GORM.
func (Task) TableName() string { return "tasks" }

// Step is a single checkpoint inside one task.
type Step struct {
	ID           int64           `json:"id" gorm:"primaryKey;autoIncrement"`
	TaskID       int64           `json:"task_id" gorm:"not null;uniqueIndex:uq_steps_identity,priority:1;index"`
	Step         string          `json:"step" gorm:"size:300;not null;uniqueIndex:uq_steps_identity,priority:2"`
	Status       StepStatus      `json:"status" gorm:"size:20;not null;index"`
	NextStatus   StepStatus      `json:"next_status,omitempty" gorm:"size:20"`
	Runs         int             `json:"runs" gorm:"default:0"`
	SleepUntil   *time.Time      `json:"sleep_until,omitempty" gorm:"index"`
	TimeoutAt    *time.Time      `json:"timeout_at,omitempty" gorm:"index"`
	WaitFor      *string         `json:"wait_for,omitempty" gorm:"size:300;index"`
	WaitFilter   json.RawMessage `json:"wait_filter,omitempty" gorm:"type:jsonb"`
	WaitFrom     *time.Time      `json:"wait_from,omitempty"`
	Data         json.RawMessage `json:"data,omitempty" gorm:"type:jsonb"`
	DiscoveredOn int             `json:"discovered_on" gorm:"default:0"`
	CreatedAt    time.Time       `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt    time.Time       `json:"updated_at" gorm:"autoUpdateTime;index"`
}

// TableName returns the table name for GORM.
func (Step) TableName() string { return "steps" }

// Event is an append-only record of something that happened on a queue.
// Never updated, never deleted by the core.
type Event struct {
	ID        int64           `json:"id" gorm:"primaryKey;autoIncrement"`
	Queue     string          `json:"queue" gorm:"size:200;not null;index:idx_events_lookup,priority:1"`
	Key       string          `json:"key" gorm:"size:300;not null;index:idx_events_lookup,priority:2"`
	CreatedAt time.Time       `json:"created_at" gorm:"autoCreateTime;index:idx_events_lookup,priority:3,sort:asc"`
	Input     json.RawMessage `json:"input,omitempty" gorm:"type:jsonb"`
	Data      json.RawMessage `json:"data,omitempty" gorm:"type:jsonb"`
}

// TableName returns the table name for GORM.
func (Event) TableName() string { return "events" }
