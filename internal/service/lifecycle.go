package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"wisefido-escalation/internal/models"
	"wisefido-escalation/internal/scheduler"

	"go.uber.org/zap"
)

// ErrNotOwner 操作者不是闹钟所有者
var ErrNotOwner = errors.New("user does not own alarm")

// TriggerControl 触发调度控制（scheduler.TriggerScheduler 实现）
type TriggerControl interface {
	CancelAlarm(ctx context.Context, alarmID string) error
	RescheduleAlarm(ctx context.Context, alarm *models.Alarm) error
}

// JobScheduler 延迟任务调度
type JobScheduler interface {
	ScheduleJob(ctx context.Context, job *models.Job, at time.Time) (string, error)
}

// AlarmLifecycleService 用户对闹钟的操作：稍后提醒、关闭、停用、修改
// 稍后提醒和关闭只追加事件，运行中的升级链在下一个检查点读取事件后自行结束
type AlarmLifecycleService struct {
	alarms   scheduler.AlarmStore
	events   scheduler.EventStore
	jobs     JobScheduler
	triggers TriggerControl
	logger   *zap.Logger
	now      func() time.Time
}

// NewAlarmLifecycleService 创建闹钟生命周期服务
func NewAlarmLifecycleService(
	alarms scheduler.AlarmStore,
	events scheduler.EventStore,
	jobs JobScheduler,
	triggers TriggerControl,
	logger *zap.Logger,
) *AlarmLifecycleService {
	return &AlarmLifecycleService{
		alarms:   alarms,
		events:   events,
		jobs:     jobs,
		triggers: triggers,
		logger:   logger,
		now:      time.Now,
	}
}

// Snooze 稍后提醒：记录 Snoozed 事件，d 之后重新触发
func (s *AlarmLifecycleService) Snooze(ctx context.Context, alarmID, userID string, d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("snooze duration must be positive, got %s", d)
	}
	alarm, err := s.loadOwned(ctx, alarmID, userID)
	if err != nil {
		return err
	}

	now := s.now()
	if err := s.events.AppendEvent(ctx, &models.AlarmEvent{
		AlarmID:        alarm.ID,
		UserID:         userID,
		EventType:      models.EventSnoozed,
		OccurredAt:     now,
		SnoozeDuration: &d,
	}); err != nil {
		return fmt.Errorf("failed to append snoozed event: %w", err)
	}

	job, err := models.NewJob(models.JobTypeSnoozeRefire, models.TriggerPayload{AlarmID: alarm.ID})
	if err != nil {
		return err
	}
	jobID, err := s.jobs.ScheduleJob(ctx, job, now.Add(d))
	if err != nil {
		s.logger.Error("Failed to schedule snooze re-fire",
			zap.String("alarm_id", alarm.ID),
			zap.Error(err),
		)
		return fmt.Errorf("failed to schedule snooze re-fire: %w", err)
	}

	s.logger.Info("Alarm snoozed",
		zap.String("alarm_id", alarm.ID),
		zap.String("user_id", userID),
		zap.Duration("duration", d),
		zap.String("job_id", jobID),
	)
	return nil
}

// Dismiss 关闭本次提醒
func (s *AlarmLifecycleService) Dismiss(ctx context.Context, alarmID, userID string) error {
	alarm, err := s.loadOwned(ctx, alarmID, userID)
	if err != nil {
		return err
	}

	if err := s.events.AppendEvent(ctx, &models.AlarmEvent{
		AlarmID:    alarm.ID,
		UserID:     userID,
		EventType:  models.EventDismissed,
		OccurredAt: s.now(),
	}); err != nil {
		return fmt.Errorf("failed to append dismissed event: %w", err)
	}

	s.logger.Info("Alarm dismissed",
		zap.String("alarm_id", alarm.ID),
		zap.String("user_id", userID),
	)
	return nil
}

// Disable 停用闹钟：取消触发任务，已调度的检查点经活跃状态检查后不再执行
func (s *AlarmLifecycleService) Disable(ctx context.Context, alarmID, userID string) error {
	alarm, err := s.loadOwned(ctx, alarmID, userID)
	if err != nil {
		return err
	}

	alarm.Active = false
	if err := s.alarms.Update(ctx, alarm); err != nil {
		return fmt.Errorf("failed to disable alarm: %w", err)
	}
	if err := s.triggers.CancelAlarm(ctx, alarm.ID); err != nil {
		return err
	}

	if err := s.events.AppendEvent(ctx, &models.AlarmEvent{
		AlarmID:    alarm.ID,
		UserID:     userID,
		EventType:  models.EventDisabled,
		OccurredAt: s.now(),
	}); err != nil {
		return fmt.Errorf("failed to append disabled event: %w", err)
	}

	s.logger.Info("Alarm disabled",
		zap.String("alarm_id", alarm.ID),
		zap.String("user_id", userID),
	)
	return nil
}

// Modify 修改名称、触发时间、重复规则或启用状态，持久化后先取消再调度生效
// 所有者以存储为准，alarm.OwnerID 不能转移闹钟
func (s *AlarmLifecycleService) Modify(ctx context.Context, alarm *models.Alarm, userID string) error {
	if alarm == nil {
		return fmt.Errorf("alarm is required")
	}
	stored, err := s.loadOwned(ctx, alarm.ID, userID)
	if err != nil {
		return err
	}
	alarm.OwnerID = stored.OwnerID

	if err := s.triggers.RescheduleAlarm(ctx, alarm); err != nil {
		return err
	}

	if err := s.events.AppendEvent(ctx, &models.AlarmEvent{
		AlarmID:    alarm.ID,
		UserID:     userID,
		EventType:  models.EventModified,
		OccurredAt: s.now(),
	}); err != nil {
		return fmt.Errorf("failed to append modified event: %w", err)
	}

	s.logger.Info("Alarm modified",
		zap.String("alarm_id", alarm.ID),
		zap.Bool("active", alarm.Active),
		zap.Timep("next_fire_at", alarm.NextFireAt),
	)
	return nil
}

func (s *AlarmLifecycleService) loadOwned(ctx context.Context, alarmID, userID string) (*models.Alarm, error) {
	alarm, err := s.alarms.GetByID(ctx, alarmID)
	if err != nil {
		return nil, err
	}
	if alarm.OwnerID != userID {
		return nil, fmt.Errorf("%w: alarm_id=%s user_id=%s", ErrNotOwner, alarmID, userID)
	}
	return alarm, nil
}
