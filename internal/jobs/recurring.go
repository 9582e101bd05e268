package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"wisefido-escalation/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// recurringEntry 周期任务定义
type recurringEntry struct {
	ID        string      `json:"id"`
	Spec      string      `json:"spec"`
	Job       *models.Job `json:"job"`
	NextJobID string      `json:"next_job_id"`
}

// ScheduleRecurringJob 按 cron 表达式（标准 5 段格式）周期执行任务
// 同一个 id 重复注册会替换原定义和已排期的下一次执行
func (q *Queue) ScheduleRecurringJob(ctx context.Context, id string, job *models.Job, spec string) error {
	if id == "" {
		return fmt.Errorf("recurring job id is required")
	}
	if job == nil || job.Type == "" {
		return fmt.Errorf("job type is required")
	}

	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("invalid cron spec %q: %w", spec, err)
	}

	if prev, err := q.loadRecurring(ctx, id); err != nil {
		return err
	} else if prev != nil && prev.NextJobID != "" {
		if _, err := q.DeleteJob(ctx, prev.NextJobID); err != nil {
			return err
		}
	}

	template := *job
	template.ID = ""
	template.RecurringID = id
	entry := &recurringEntry{ID: id, Spec: spec, Job: &template}

	next := schedule.Next(q.opts.Clock())
	if err := q.scheduleOccurrence(ctx, entry, next); err != nil {
		return err
	}

	q.logger.Info("Recurring job registered",
		zap.String("recurring_id", id),
		zap.String("spec", spec),
		zap.Time("next_run", next),
	)
	return nil
}

// RemoveRecurringJob 删除周期任务及其下一次执行
func (q *Queue) RemoveRecurringJob(ctx context.Context, id string) error {
	entry, err := q.loadRecurring(ctx, id)
	if err != nil {
		return err
	}
	if entry == nil {
		return nil
	}
	if _, err := q.DeleteJob(ctx, entry.NextJobID); err != nil {
		return err
	}
	return q.redisClient.HDel(ctx, q.key("recurring"), id).Err()
}

func (q *Queue) loadRecurring(ctx context.Context, id string) (*recurringEntry, error) {
	raw, err := q.redisClient.HGet(ctx, q.key("recurring"), id).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load recurring job %s: %w", id, err)
	}

	var entry recurringEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, fmt.Errorf("failed to decode recurring job %s: %w", id, err)
	}
	return &entry, nil
}

// scheduleOccurrence 排期一次执行，每次执行使用独立的任务 ID
func (q *Queue) scheduleOccurrence(ctx context.Context, entry *recurringEntry, at time.Time) error {
	occurrence := *entry.Job
	occurrence.ID = fmt.Sprintf("recurring:%s:%d", entry.ID, at.Unix())
	occurrence.CreatedAt = time.Time{}

	jobID, err := q.ScheduleJob(ctx, &occurrence, at)
	if err != nil {
		return err
	}
	entry.NextJobID = jobID

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal recurring job: %w", err)
	}
	if err := q.redisClient.HSet(ctx, q.key("recurring"), entry.ID, data).Err(); err != nil {
		return fmt.Errorf("failed to save recurring job: %w", err)
	}
	return nil
}

// scheduleNextOccurrence 认领周期任务时排期下一次执行
func (q *Queue) scheduleNextOccurrence(ctx context.Context, job *models.Job) {
	recurringID := job.RecurringID
	entry, err := q.loadRecurring(ctx, recurringID)
	if err != nil {
		q.logger.Error("Failed to load recurring job", zap.String("recurring_id", recurringID), zap.Error(err))
		return
	}
	// 已被删除或被重新注册替换
	if entry == nil || entry.NextJobID != job.ID {
		return
	}

	schedule, err := cron.ParseStandard(entry.Spec)
	if err != nil {
		q.logger.Error("Invalid stored cron spec",
			zap.String("recurring_id", recurringID),
			zap.String("spec", entry.Spec),
			zap.Error(err),
		)
		return
	}

	from := q.opts.Clock()
	if job.RunAt.After(from) {
		from = job.RunAt
	}
	next := schedule.Next(from)
	if err := q.scheduleOccurrence(ctx, entry, next); err != nil {
		q.logger.Error("Failed to schedule next occurrence",
			zap.String("recurring_id", recurringID),
			zap.Error(err),
		)
	}
}
