// Package history maintains daily per-(queue,job) rollups of success and
// failure counts and durations. engine.Queue writes them through
// WithHistory and FindByJob/AggregatedStats read them; the admin API does
// not serve them. This is the one piece of history the distilled specification doesn't call for
// but the original system's admin dashboards need.
package history

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// Daily is one (queue, job, date) rollup row.
type Daily struct {
	ID            int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	Queue         string    `json:"queue" gorm:"size:200;not null;uniqueIndex:uq_history_identity,priority:1"`
	Job           string    `json:"job" gorm:"size:200;not null;uniqueIndex:uq_history_identity,priority:2"`
	Date          time.Time `json:"date" gorm:"type:date;not null;uniqueIndex:uq_history_identity,priority:3"`
	SuccessCount  int64     `json:"success_count"`
	FailureCount  int64     `json:"failure_count"`
	TotalDuration int64     `json:"total_duration_ms"`
	MinDuration   int64     `json:"min_duration_ms"`
	MaxDuration   int64     `json:"max_duration_ms"`
}

// AggregatedStats summarizes a window of Daily rows.
type AggregatedStats struct {
	TotalSuccess  int64   `json:"total_success"`
	TotalFailure  int64   `json:"total_failure"`
	SuccessRate   float64 `json:"success_rate"`
	AvgDuration   float64 `json:"avg_duration_ms"`
	MinDuration   int64   `json:"min_duration_ms"`
	MaxDuration   int64   `json:"max_duration_ms"`
}

// Repository persists Daily rollups over GORM.
type Repository struct {
	db *gorm.DB
}

// NewRepository builds a Repository over db. Callers AutoMigrate(&Daily{})
// alongside the storage package's models.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// RecordSuccess increments the success count and duration stats for
// (queue, job) on date's day.
func (r *Repository) RecordSuccess(ctx context.Context, queue, job string, at time.Time, duration time.Duration) error {
	day := dateOnly(at)
	ms := duration.Milliseconds()

	var row Daily
	err := r.db.WithContext(ctx).
		Where("queue = ? AND job = ? AND date = ?", queue, job, day).
		First(&row).Error

	if err == gorm.ErrRecordNotFound {
		return r.db.WithContext(ctx).Create(&Daily{
			Queue: queue, Job: job, Date: day,
			SuccessCount: 1, TotalDuration: ms, MinDuration: ms, MaxDuration: ms,
		}).Error
	}
	if err != nil {
		return err
	}

	min := row.MinDuration
	if min == 0 || ms < min {
		min = ms
	}
	max := row.MaxDuration
	if ms > max {
		max = ms
	}

	return r.db.WithContext(ctx).
		Model(&Daily{}).
		Where("id = ?", row.ID).
		Updates(map[string]interface{}{
			"success_count":  row.SuccessCount + 1,
			"total_duration": row.TotalDuration + ms,
			"min_duration":   min,
			"max_duration":   max,
		}).Error
}

// RecordFailure increments the failure count for (queue, job) on date's
// day.
func (r *Repository) RecordFailure(ctx context.Context, queue, job string, at time.Time) error {
	day := dateOnly(at)

	var row Daily
	err := r.db.WithContext(ctx).
		Where("queue = ? AND job = ? AND date = ?", queue, job, day).
		First(&row).Error

	if err == gorm.ErrRecordNotFound {
		return r.db.WithContext(ctx).Create(&Daily{
			Queue: queue, Job: job, Date: day, FailureCount: 1,
		}).Error
	}
	if err != nil {
		return err
	}

	return r.db.WithContext(ctx).
		Model(&Daily{}).
		Where("id = ?", row.ID).
		Update("failure_count", gorm.Expr("failure_count + 1")).Error
}

// FindByJob returns the last `days` of rollups for (queue, job).
func (r *Repository) FindByJob(ctx context.Context, queue, job string, days int) ([]Daily, error) {
	var rows []Daily
	since := dateOnly(time.Now().AddDate(0, 0, -days))
	err := r.db.WithContext(ctx).
		Where("queue = ? AND job = ? AND date >= ?", queue, job, since).
		Order("date DESC").
		Find(&rows).Error
	return rows, err
}

// AggregatedStats summarizes (queue, job)'s rollups between start and end,
// inclusive. job may be empty to aggregate across every job in queue.
func (r *Repository) AggregatedStats(ctx context.Context, queue, job string, start, end time.Time) (*AggregatedStats, error) {
	query := r.db.WithContext(ctx).Model(&Daily{}).
		Where("queue = ? AND date >= ? AND date <= ?", queue, dateOnly(start), dateOnly(end))
	if job != "" {
		query = query.Where("job = ?", job)
	}

	var agg struct {
		TotalSuccess  int64
		TotalFailure  int64
		TotalDuration int64
		MinDuration   int64
		MaxDuration   int64
	}
	err := query.Select(`
		COALESCE(SUM(success_count), 0) as total_success,
		COALESCE(SUM(failure_count), 0) as total_failure,
		COALESCE(SUM(total_duration), 0) as total_duration,
		COALESCE(MIN(NULLIF(min_duration, 0)), 0) as min_duration,
		COALESCE(MAX(max_duration), 0) as max_duration
	`).Scan(&agg).Error
	if err != nil {
		return nil, err
	}

	total := agg.TotalSuccess + agg.TotalFailure
	stats := &AggregatedStats{
		TotalSuccess: agg.TotalSuccess,
		TotalFailure: agg.TotalFailure,
		MinDuration:  agg.MinDuration,
		MaxDuration:  agg.MaxDuration,
	}
	if total > 0 {
		stats.AvgDuration = float64(agg.TotalDuration) / float64(total)
		stats.SuccessRate = float64(agg.TotalSuccess) / float64(total) * 100
	}
	return stats, nil
}
