package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"wisefido-escalation/internal/models"
	"wisefido-escalation/internal/repository"

	"go.uber.org/zap"
)

// ErrAlreadyScheduled 闹钟已持有触发任务，修改调度必须走 RescheduleAlarm
var ErrAlreadyScheduled = errors.New("alarm already has a scheduled trigger job")

// triggerLookback 查找同一任务已记录的 Triggered 事件的回看范围；任务重试会推后 RunAt
const triggerLookback = 24 * time.Hour

// AlarmStore 闹钟存储
type AlarmStore interface {
	GetByID(ctx context.Context, alarmID string) (*models.Alarm, error)
	Update(ctx context.Context, alarm *models.Alarm) error
	UpdateSchedule(ctx context.Context, alarmID string, expected, jobID *string, nextFireAt *time.Time) (bool, error)
	TakeSchedule(ctx context.Context, alarmID string) (*string, error)
	GetMissedAlarms(ctx context.Context, cutoff time.Time) ([]*models.Alarm, error)
}

// EventStore 闹钟事件存储
type EventStore interface {
	AppendEvent(ctx context.Context, event *models.AlarmEvent) error
	QueryEvents(ctx context.Context, userID string, since time.Time) ([]*models.AlarmEvent, error)
}

// JobScheduler 持久化延迟任务
type JobScheduler interface {
	ScheduleJob(ctx context.Context, job *models.Job, at time.Time) (string, error)
	DeleteJob(ctx context.Context, jobID string) (bool, error)
}

// ChainStarter 升级链入口（escalation.Coordinator 实现）
type ChainStarter interface {
	StartChain(ctx context.Context, alarm *models.Alarm, firedAt time.Time) error
	ResumeMissed(ctx context.Context, alarm *models.Alarm) error
}

// TriggerScheduler 闹钟触发调度
//
// 不变量：活跃闹钟最多只有一个待执行的触发任务，ScheduledJobID 在任务取消或消费后清空。
// 调度路径只做条件写入任务句柄，启用状态只由用户操作（Update）修改。
type TriggerScheduler struct {
	alarms      AlarmStore
	events      EventStore
	jobs        JobScheduler
	chains      ChainStarter
	graceWindow time.Duration
	logger      *zap.Logger
	now         func() time.Time
}

// NewTriggerScheduler 创建触发调度器
func NewTriggerScheduler(
	alarms AlarmStore,
	events EventStore,
	jobs JobScheduler,
	chains ChainStarter,
	graceWindow time.Duration,
	logger *zap.Logger,
) *TriggerScheduler {
	return &TriggerScheduler{
		alarms:      alarms,
		events:      events,
		jobs:        jobs,
		chains:      chains,
		graceWindow: graceWindow,
		logger:      logger,
		now:         time.Now,
	}
}

// ScheduleAlarm 为闹钟调度下一次触发
// 已持有触发任务时返回 ErrAlreadyScheduled，避免产生重复任务
func (s *TriggerScheduler) ScheduleAlarm(ctx context.Context, alarm *models.Alarm) error {
	if alarm == nil {
		return fmt.Errorf("alarm is required")
	}
	if !alarm.Active {
		s.logger.Debug("Alarm inactive, not scheduling", zap.String("alarm_id", alarm.ID))
		return nil
	}
	if alarm.HasScheduledJob() {
		return fmt.Errorf("%w: alarm_id=%s job_id=%s", ErrAlreadyScheduled, alarm.ID, *alarm.ScheduledJobID)
	}

	return s.schedule(ctx, alarm, nil)
}

// schedule 创建触发任务并以 expected 为条件写入句柄
// 条件不满足说明闹钟在此期间被停用、删除或重新调度，删除刚创建的任务后返回 nil
func (s *TriggerScheduler) schedule(ctx context.Context, alarm *models.Alarm, expected *string) error {
	now := s.now()
	at, ok, err := NextFireTime(alarm, now)
	if err != nil {
		return fmt.Errorf("failed to compute next fire time: %w", err)
	}
	if !ok {
		s.logger.Warn("One-time alarm is in the past, not scheduling",
			zap.String("alarm_id", alarm.ID),
			zap.Timep("at", alarm.At),
		)
		if expected != nil {
			return s.clearConsumed(ctx, alarm, expected)
		}
		return nil
	}

	job, err := models.NewJob(models.JobTypeAlarmTrigger, models.TriggerPayload{AlarmID: alarm.ID})
	if err != nil {
		return err
	}
	jobID, err := s.jobs.ScheduleJob(ctx, job, at)
	if err != nil {
		s.logger.Error("Failed to schedule trigger job",
			zap.String("alarm_id", alarm.ID),
			zap.Error(err),
		)
		return fmt.Errorf("failed to schedule trigger job: %w", err)
	}

	written, err := s.alarms.UpdateSchedule(ctx, alarm.ID, expected, &jobID, &at)
	if err != nil || !written {
		// 回滚刚创建的任务，避免孤儿任务
		s.rollbackJob(ctx, alarm.ID, jobID)
		alarm.ClearSchedule()
		if err != nil {
			return fmt.Errorf("failed to persist scheduled job: %w", err)
		}
		s.logger.Info("Alarm changed while scheduling, trigger job discarded",
			zap.String("alarm_id", alarm.ID),
			zap.String("job_id", jobID),
		)
		return nil
	}

	alarm.ScheduledJobID = &jobID
	alarm.NextFireAt = &at
	s.logger.Info("Alarm scheduled",
		zap.String("alarm_id", alarm.ID),
		zap.String("job_id", jobID),
		zap.Time("fire_at", at),
		zap.Duration("delay", at.Sub(now)),
	)
	return nil
}

func (s *TriggerScheduler) rollbackJob(ctx context.Context, alarmID, jobID string) {
	if _, err := s.jobs.DeleteJob(ctx, jobID); err != nil {
		s.logger.Error("Failed to roll back trigger job",
			zap.String("alarm_id", alarmID),
			zap.String("job_id", jobID),
			zap.Error(err),
		)
	}
}

// clearConsumed 清空已消费或过期的句柄；句柄已被改写时保持不变
func (s *TriggerScheduler) clearConsumed(ctx context.Context, alarm *models.Alarm, expected *string) error {
	alarm.ClearSchedule()
	written, err := s.alarms.UpdateSchedule(ctx, alarm.ID, expected, nil, nil)
	if err != nil {
		return fmt.Errorf("failed to clear consumed job: %w", err)
	}
	if !written {
		s.logger.Debug("Schedule changed concurrently, leaving it",
			zap.String("alarm_id", alarm.ID),
			zap.Stringp("expected_job_id", expected),
		)
	}
	return nil
}

// CancelAlarm 取消闹钟的触发任务；闹钟或任务不存在时不报错
func (s *TriggerScheduler) CancelAlarm(ctx context.Context, alarmID string) error {
	alarm, err := s.alarms.GetByID(ctx, alarmID)
	if errors.Is(err, repository.ErrAlarmNotFound) {
		s.logger.Debug("Alarm not found, nothing to cancel", zap.String("alarm_id", alarmID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load alarm: %w", err)
	}
	return s.cancel(ctx, alarm)
}

func (s *TriggerScheduler) cancel(ctx context.Context, alarm *models.Alarm) error {
	prev, err := s.alarms.TakeSchedule(ctx, alarm.ID)
	if errors.Is(err, repository.ErrAlarmNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to clear scheduled job: %w", err)
	}

	// 句柄先清空：删除失败时残留任务触发也会被当作过期任务忽略
	jobIDs := distinctJobIDs(prev, alarm.ScheduledJobID)
	alarm.ClearSchedule()
	for _, jobID := range jobIDs {
		deleted, err := s.jobs.DeleteJob(ctx, jobID)
		if err != nil {
			return fmt.Errorf("failed to delete trigger job: %w", err)
		}
		if !deleted {
			s.logger.Debug("Trigger job already gone",
				zap.String("alarm_id", alarm.ID),
				zap.String("job_id", jobID),
			)
			continue
		}
		s.logger.Info("Alarm trigger cancelled",
			zap.String("alarm_id", alarm.ID),
			zap.String("job_id", jobID),
		)
	}
	return nil
}

// RescheduleAlarm 先取消再调度，修改触发时间、重复规则或启用状态的唯一方式
// alarm 的定义和启用状态先持久化，再按存储中的任务句柄取消，调用方手里的句柄可能已过期
func (s *TriggerScheduler) RescheduleAlarm(ctx context.Context, alarm *models.Alarm) error {
	if alarm == nil {
		return fmt.Errorf("alarm is required")
	}

	if err := s.alarms.Update(ctx, alarm); err != nil {
		return fmt.Errorf("failed to persist alarm: %w", err)
	}
	if err := s.cancel(ctx, alarm); err != nil {
		return err
	}

	if !alarm.Active {
		return nil
	}
	return s.schedule(ctx, alarm, nil)
}

func distinctJobIDs(ids ...*string) []string {
	var out []string
	for _, id := range ids {
		if id == nil || *id == "" {
			continue
		}
		if len(out) > 0 && out[0] == *id {
			continue
		}
		out = append(out, *id)
	}
	return out
}

// OnFire 闹钟触发回调
func (s *TriggerScheduler) OnFire(ctx context.Context, alarmID string) error {
	return s.fire(ctx, alarmID, "", time.Time{})
}

// HandleTriggerJob alarm.trigger 任务处理函数
func (s *TriggerScheduler) HandleTriggerJob(ctx context.Context, job *models.Job) error {
	var payload models.TriggerPayload
	if err := job.DecodePayload(&payload); err != nil {
		return err
	}
	return s.fire(ctx, payload.AlarmID, job.ID, job.RunAt)
}

// fire 处理触发；jobID 非空时只接受闹钟当前持有的任务
//
// 顺序：追加 Triggered 事件 → 启动升级链 → 条件写入已消费的任务句柄（重复闹钟同时调度下一次）。
// 任一步失败都返回错误，由任务队列重试；句柄未写入前重试仍会命中本任务，
// 并复用首次记录的触发时间，升级链检查点按触发时间去重。
func (s *TriggerScheduler) fire(ctx context.Context, alarmID, jobID string, dueAt time.Time) error {
	alarm, err := s.alarms.GetByID(ctx, alarmID)
	if errors.Is(err, repository.ErrAlarmNotFound) {
		s.logger.Warn("Fired alarm not found", zap.String("alarm_id", alarmID))
		return nil
	}
	if err != nil {
		s.logger.Error("Failed to load fired alarm",
			zap.String("alarm_id", alarmID),
			zap.Error(err),
		)
		return fmt.Errorf("failed to load alarm: %w", err)
	}

	if jobID != "" && (!alarm.HasScheduledJob() || *alarm.ScheduledJobID != jobID) {
		s.logger.Info("Ignoring superseded trigger job",
			zap.String("alarm_id", alarm.ID),
			zap.String("job_id", jobID),
			zap.Stringp("current_job_id", alarm.ScheduledJobID),
		)
		return nil
	}

	consumed := alarm.ScheduledJobID
	if !alarm.Active {
		s.logger.Info("Fired alarm is inactive, skipping", zap.String("alarm_id", alarm.ID))
		return s.clearConsumed(ctx, alarm, consumed)
	}

	firedAt, err := s.recordTrigger(ctx, alarm, models.SourceSchedule, jobID, dueAt)
	if err != nil {
		return err
	}

	if err := s.chains.StartChain(ctx, alarm, firedAt); err != nil {
		s.logger.Error("Failed to start escalation chain",
			zap.String("alarm_id", alarm.ID),
			zap.Error(err),
		)
		return fmt.Errorf("failed to start escalation chain: %w", err)
	}

	if alarm.Recurring {
		// 今天触发时立即调度明天，漏掉重调度不会让重复闹钟静默停止
		alarm.ClearSchedule()
		return s.schedule(ctx, alarm, consumed)
	}
	return s.clearConsumed(ctx, alarm, consumed)
}

// recordTrigger 追加 Triggered 事件并返回本次触发时间
// 同一任务重试时不重复追加，返回首次记录的时间
func (s *TriggerScheduler) recordTrigger(ctx context.Context, alarm *models.Alarm, source, jobID string, dueAt time.Time) (time.Time, error) {
	if jobID != "" && !dueAt.IsZero() {
		prev, err := s.findTriggered(ctx, alarm, jobID, dueAt.Add(-triggerLookback))
		if err != nil {
			return time.Time{}, err
		}
		if prev != nil {
			s.logger.Info("Trigger already recorded, resuming",
				zap.String("alarm_id", alarm.ID),
				zap.String("job_id", jobID),
				zap.Time("fired_at", prev.OccurredAt),
			)
			return prev.OccurredAt, nil
		}
	}

	firedAt := s.now()
	metadata := map[string]string{models.MetaSource: source}
	if jobID != "" {
		metadata[models.MetaJobID] = jobID
	}
	if err := s.appendTriggered(ctx, alarm, firedAt, metadata); err != nil {
		return time.Time{}, err
	}
	return firedAt, nil
}

func (s *TriggerScheduler) findTriggered(ctx context.Context, alarm *models.Alarm, jobID string, since time.Time) (*models.AlarmEvent, error) {
	events, err := s.events.QueryEvents(ctx, alarm.OwnerID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query alarm events: %w", err)
	}
	for _, event := range events {
		if event.AlarmID == alarm.ID && event.EventType == models.EventTriggered && event.Metadata[models.MetaJobID] == jobID {
			return event, nil
		}
	}
	return nil, nil
}

// OnSnoozeElapsed 稍后提醒到期，重新触发并开始新的升级链，不影响重复闹钟的触发任务
func (s *TriggerScheduler) OnSnoozeElapsed(ctx context.Context, alarmID string) error {
	return s.refire(ctx, alarmID, "", time.Time{})
}

// HandleSnoozeJob alarm.snooze_refire 任务处理函数
func (s *TriggerScheduler) HandleSnoozeJob(ctx context.Context, job *models.Job) error {
	var payload models.TriggerPayload
	if err := job.DecodePayload(&payload); err != nil {
		return err
	}
	return s.refire(ctx, payload.AlarmID, job.ID, job.RunAt)
}

func (s *TriggerScheduler) refire(ctx context.Context, alarmID, jobID string, dueAt time.Time) error {
	alarm, err := s.alarms.GetByID(ctx, alarmID)
	if errors.Is(err, repository.ErrAlarmNotFound) {
		s.logger.Warn("Snoozed alarm not found", zap.String("alarm_id", alarmID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load alarm: %w", err)
	}
	if !alarm.Active {
		s.logger.Info("Snoozed alarm is inactive, skipping", zap.String("alarm_id", alarm.ID))
		return nil
	}

	firedAt, err := s.recordTrigger(ctx, alarm, models.SourceSnooze, jobID, dueAt)
	if err != nil {
		return err
	}
	if err := s.chains.StartChain(ctx, alarm, firedAt); err != nil {
		return fmt.Errorf("failed to start escalation chain: %w", err)
	}
	return nil
}

// ReconcileMissedAlarms 扫描预定时间已超过宽限期的闹钟
//
// 没有对应 Triggered 事件的闹钟从级别 1 进入升级链（10 分钟回看窗口）；
// 追加的 Triggered 事件保证重复扫描不会再次处理同一闹钟。
// 过期的任务句柄被清理，重复闹钟重新调度。返回补发的闹钟数。
func (s *TriggerScheduler) ReconcileMissedAlarms(ctx context.Context) (int, error) {
	now := s.now()
	cutoff := now.Add(-s.graceWindow)

	alarms, err := s.alarms.GetMissedAlarms(ctx, cutoff)
	if err != nil {
		s.logger.Error("Failed to query missed alarms", zap.Error(err))
		return 0, fmt.Errorf("failed to query missed alarms: %w", err)
	}

	resumed := 0
	var errs []error
	for _, alarm := range alarms {
		fed, err := s.reconcile(ctx, alarm, now)
		if err != nil {
			s.logger.Error("Failed to reconcile missed alarm",
				zap.String("alarm_id", alarm.ID),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("alarm %s: %w", alarm.ID, err))
			continue
		}
		if fed {
			resumed++
		}
	}

	if len(alarms) > 0 {
		s.logger.Info("Missed alarm reconciliation finished",
			zap.Int("candidates", len(alarms)),
			zap.Int("resumed", resumed),
			zap.Time("cutoff", cutoff),
		)
	}
	return resumed, errors.Join(errs...)
}

// HandleReconcileJob alarm.reconcile_missed 周期任务处理函数
func (s *TriggerScheduler) HandleReconcileJob(ctx context.Context, _ *models.Job) error {
	_, err := s.ReconcileMissedAlarms(ctx)
	return err
}

func (s *TriggerScheduler) reconcile(ctx context.Context, alarm *models.Alarm, now time.Time) (bool, error) {
	if alarm.NextFireAt == nil {
		return false, nil
	}
	dueAt := *alarm.NextFireAt

	triggered, err := s.hasTriggeredSince(ctx, alarm, dueAt)
	if err != nil {
		return false, err
	}

	fed := false
	if !triggered {
		s.logger.Warn("Alarm missed its trigger, resuming escalation",
			zap.String("alarm_id", alarm.ID),
			zap.Time("due_at", dueAt),
			zap.Duration("late_by", now.Sub(dueAt)),
		)
		metadata := map[string]string{models.MetaSource: models.SourceReconciliation}
		if err := s.appendTriggered(ctx, alarm, now, metadata); err != nil {
			return false, err
		}
		if err := s.chains.ResumeMissed(ctx, alarm); err != nil {
			return false, fmt.Errorf("failed to resume escalation: %w", err)
		}
		fed = true
	}

	// 过期句柄：删除残留任务，重复闹钟调度下一次
	stale := alarm.ScheduledJobID
	if stale != nil {
		if _, err := s.jobs.DeleteJob(ctx, *stale); err != nil {
			return fed, fmt.Errorf("failed to delete stale trigger job: %w", err)
		}
	}
	if alarm.Recurring {
		alarm.ClearSchedule()
		return fed, s.schedule(ctx, alarm, stale)
	}
	return fed, s.clearConsumed(ctx, alarm, stale)
}

func (s *TriggerScheduler) hasTriggeredSince(ctx context.Context, alarm *models.Alarm, since time.Time) (bool, error) {
	events, err := s.events.QueryEvents(ctx, alarm.OwnerID, since)
	if err != nil {
		return false, fmt.Errorf("failed to query alarm events: %w", err)
	}
	for _, event := range events {
		if event.AlarmID == alarm.ID && event.EventType == models.EventTriggered {
			return true, nil
		}
	}
	return false, nil
}

func (s *TriggerScheduler) appendTriggered(ctx context.Context, alarm *models.Alarm, at time.Time, metadata map[string]string) error {
	event := &models.AlarmEvent{
		AlarmID:    alarm.ID,
		UserID:     alarm.OwnerID,
		EventType:  models.EventTriggered,
		OccurredAt: at,
		Metadata:   metadata,
	}
	if err := s.events.AppendEvent(ctx, event); err != nil {
		s.logger.Error("Failed to append triggered event",
			zap.String("alarm_id", alarm.ID),
			zap.Error(err),
		)
		return fmt.Errorf("failed to append triggered event: %w", err)
	}
	return nil
}

// SetClock 替换时间源
func (s *TriggerScheduler) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}
