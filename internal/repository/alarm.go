package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"wisefido-escalation/internal/models"

	"go.uber.org/zap"
)

// ErrAlarmNotFound 闹钟不存在
var ErrAlarmNotFound = errors.New("alarm not found")

// AlarmRepository 闹钟仓库
type AlarmRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewAlarmRepository 创建闹钟仓库
func NewAlarmRepository(db *sql.DB, logger *zap.Logger) *AlarmRepository {
	return &AlarmRepository{
		db:     db,
		logger: logger,
	}
}

const alarmColumns = `
			alarm_id,
			owner_id,
			name,
			time_of_day,
			fire_at,
			timezone,
			recurring,
			active,
			scheduled_job_id,
			next_fire_at,
			created_at,
			updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanAlarm 扫描一行闹钟数据，处理可空字段
func scanAlarm(row rowScanner) (*models.Alarm, error) {
	var alarm models.Alarm
	var timeOfDay, timezone, jobID sql.NullString
	var fireAt, nextFireAt sql.NullTime

	if err := row.Scan(
		&alarm.ID,
		&alarm.OwnerID,
		&alarm.Name,
		&timeOfDay,
		&fireAt,
		&timezone,
		&alarm.Recurring,
		&alarm.Active,
		&jobID,
		&nextFireAt,
		&alarm.CreatedAt,
		&alarm.UpdatedAt,
	); err != nil {
		return nil, err
	}

	alarm.TimeOfDay = timeOfDay.String
	alarm.Timezone = timezone.String
	if fireAt.Valid {
		alarm.At = &fireAt.Time
	}
	if jobID.Valid && jobID.String != "" {
		alarm.ScheduledJobID = &jobID.String
	}
	if nextFireAt.Valid {
		alarm.NextFireAt = &nextFireAt.Time
	}

	return &alarm, nil
}

// GetByID 根据 alarm_id 获取闹钟（已删除的闹钟视为不存在）
func (r *AlarmRepository) GetByID(ctx context.Context, alarmID string) (*models.Alarm, error) {
	if alarmID == "" {
		return nil, fmt.Errorf("alarm_id is required")
	}

	query := `
		SELECT` + alarmColumns + `
		FROM alarms
		WHERE alarm_id = $1
		  AND deleted_at IS NULL
	`

	alarm, err := scanAlarm(r.db.QueryRowContext(ctx, query, alarmID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: alarm_id=%s", ErrAlarmNotFound, alarmID)
		}
		return nil, fmt.Errorf("failed to get alarm: %w", err)
	}

	return alarm, nil
}

// Update 持久化闹钟定义和启用状态（用户修改、停用路径）
// 任务句柄不在这里写，由 UpdateSchedule、TakeSchedule 维护
func (r *AlarmRepository) Update(ctx context.Context, alarm *models.Alarm) error {
	if alarm == nil || alarm.ID == "" {
		return fmt.Errorf("alarm_id is required")
	}

	query := `
		UPDATE alarms
		SET name = $1,
		    time_of_day = $2,
		    fire_at = $3,
		    timezone = $4,
		    recurring = $5,
		    active = $6,
		    updated_at = $7
		WHERE alarm_id = $8
		  AND deleted_at IS NULL
	`

	now := time.Now()
	result, err := r.db.ExecContext(ctx, query,
		alarm.Name,
		nullableString(&alarm.TimeOfDay),
		nullableTime(alarm.At),
		nullableString(&alarm.Timezone),
		alarm.Recurring,
		alarm.Active,
		now,
		alarm.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update alarm: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: alarm_id=%s", ErrAlarmNotFound, alarm.ID)
	}

	alarm.UpdatedAt = now
	return nil
}

// UpdateSchedule 条件写入任务句柄：存储中的句柄必须仍是 expected
// 写入新句柄时闹钟还必须处于启用状态；jobID 为 nil 表示清空。
// 条件不满足（已停用、已删除或句柄已被改写）时返回 false，不报错。
func (r *AlarmRepository) UpdateSchedule(ctx context.Context, alarmID string, expected, jobID *string, nextFireAt *time.Time) (bool, error) {
	if alarmID == "" {
		return false, fmt.Errorf("alarm_id is required")
	}

	query := `
		UPDATE alarms
		SET scheduled_job_id = $1,
		    next_fire_at = $2,
		    updated_at = $3
		WHERE alarm_id = $4
		  AND deleted_at IS NULL
		  AND scheduled_job_id IS NOT DISTINCT FROM $5
	`
	if nullableString(jobID) != nil {
		query += `  AND active = TRUE
	`
	}

	result, err := r.db.ExecContext(ctx, query,
		nullableString(jobID),
		nullableTime(nextFireAt),
		time.Now(),
		alarmID,
		nullableString(expected),
	)
	if err != nil {
		return false, fmt.Errorf("failed to update alarm schedule: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// TakeSchedule 原子地清空任务句柄并返回清空前的值，调用方负责删除返回的任务
func (r *AlarmRepository) TakeSchedule(ctx context.Context, alarmID string) (*string, error) {
	if alarmID == "" {
		return nil, fmt.Errorf("alarm_id is required")
	}

	query := `
		WITH prev AS (
			SELECT alarm_id, scheduled_job_id
			FROM alarms
			WHERE alarm_id = $1
			  AND deleted_at IS NULL
			FOR UPDATE
		)
		UPDATE alarms a
		SET scheduled_job_id = NULL,
		    next_fire_at = NULL,
		    updated_at = $2
		FROM prev
		WHERE a.alarm_id = prev.alarm_id
		RETURNING prev.scheduled_job_id
	`

	var jobID sql.NullString
	if err := r.db.QueryRowContext(ctx, query, alarmID, time.Now()).Scan(&jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: alarm_id=%s", ErrAlarmNotFound, alarmID)
		}
		return nil, fmt.Errorf("failed to take alarm schedule: %w", err)
	}

	if !jobID.Valid || jobID.String == "" {
		return nil, nil
	}
	return &jobID.String, nil
}

// GetMissedAlarms 查询预定触发时间早于 cutoff 的活跃闹钟
func (r *AlarmRepository) GetMissedAlarms(ctx context.Context, cutoff time.Time) ([]*models.Alarm, error) {
	query := `
		SELECT` + alarmColumns + `
		FROM alarms
		WHERE active = TRUE
		  AND deleted_at IS NULL
		  AND next_fire_at IS NOT NULL
		  AND next_fire_at < $1
		ORDER BY next_fire_at ASC
	`

	rows, err := r.db.QueryContext(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query missed alarms: %w", err)
	}
	defer rows.Close()

	alarms := []*models.Alarm{}
	for rows.Next() {
		alarm, err := scanAlarm(rows)
		if err != nil {
			r.logger.Warn("Failed to scan missed alarm row", zap.Error(err))
			continue
		}
		alarms = append(alarms, alarm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate missed alarms: %w", err)
	}

	return alarms, nil
}

func nullableString(s *string) interface{} {
	if s == nil || *s == "" {
		return nil
	}
	return *s
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}
