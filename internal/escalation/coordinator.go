package escalation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"wisefido-escalation/internal/models"
	"wisefido-escalation/internal/notification"
	"wisefido-escalation/internal/repository"

	"go.uber.org/zap"
)

// Outcome 检查点执行结果（业务结果，不是错误）
type Outcome string

const (
	OutcomeHandled         Outcome = "handled"          // 用户已稍后提醒或关闭
	OutcomeAborted         Outcome = "aborted"          // 闹钟已删除或停用
	OutcomeEscalating      Outcome = "escalating"       // 已发送升级通知并调度下一级
	OutcomeCriticalReached Outcome = "critical_reached" // 到达最高级别，链结束
)

// AlarmReader 闹钟读取
type AlarmReader interface {
	GetByID(ctx context.Context, alarmID string) (*models.Alarm, error)
}

// EventReader 事件查询
type EventReader interface {
	QueryEvents(ctx context.Context, userID string, since time.Time) ([]*models.AlarmEvent, error)
}

// JobScheduler 持久化延迟任务
type JobScheduler interface {
	ScheduleJob(ctx context.Context, job *models.Job, at time.Time) (string, error)
	EnqueueJob(ctx context.Context, job *models.Job) (string, error)
}

// Notifier 通知分发（notification.Dispatcher 实现）
type Notifier interface {
	SendInitial(ctx context.Context, msg notification.Message) (notification.Delivery, error)
	SendEscalated(ctx context.Context, msg notification.Message) (notification.Delivery, error)
	SendCritical(ctx context.Context, msg notification.Message) (notification.Delivery, error)
}

// Config 升级链配置
type Config struct {
	MaxLevel         int
	InitialDelay     time.Duration
	SubsequentDelay  time.Duration
	MaxRetryAttempts int
	RetryBaseDelay   time.Duration
	HandledWindow    time.Duration
	ReconcileWindow  time.Duration
}

// DefaultConfig 默认升级链配置
func DefaultConfig() Config {
	return Config{
		MaxLevel:         3,
		InitialDelay:     5 * time.Minute,
		SubsequentDelay:  10 * time.Minute,
		MaxRetryAttempts: 3,
		RetryBaseDelay:   30 * time.Second,
		HandledWindow:    30 * time.Minute,
		ReconcileWindow:  10 * time.Minute,
	}
}

// Coordinator 升级链协调器
//
// 每个检查点只依赖任务参数和重新读取的闹钟、事件数据，检查点之间没有共享可变状态。
// 同一条链的级别由上一个检查点完成后才调度，因此严格递增。
type Coordinator struct {
	alarms    AlarmReader
	events    EventReader
	jobs      JobScheduler
	notifier  Notifier
	publisher EventPublisher
	cfg       Config
	logger    *zap.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewCoordinator 创建升级链协调器
func NewCoordinator(
	alarms AlarmReader,
	events EventReader,
	jobs JobScheduler,
	notifier Notifier,
	publisher EventPublisher,
	cfg Config,
	logger *zap.Logger,
) *Coordinator {
	return &Coordinator{
		alarms:    alarms,
		events:    events,
		jobs:      jobs,
		notifier:  notifier,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		sleep:     sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// StartChain 闹钟触发后启动升级链
// 先调度级别 1 检查点，再发送级别 0 通知；通知失败不影响升级时间线。
// 检查点任务 ID 由闹钟和 firedAt 决定，同一次触发重试启动时覆盖而不是新开一条链。
func (c *Coordinator) StartChain(ctx context.Context, alarm *models.Alarm, firedAt time.Time) error {
	payload := models.CheckpointPayload{
		AlarmID:        alarm.ID,
		Level:          1,
		Window:         c.cfg.HandledWindow,
		ChainStartedAt: firedAt,
	}
	if err := c.scheduleCheckpoint(ctx, payload, firedAt.Add(c.cfg.InitialDelay)); err != nil {
		return err
	}

	c.sendInitialWithRetry(ctx, alarm)
	return nil
}

// sendInitialWithRetry 指数退避重试：delay = 2^attempt * RetryBaseDelay
func (c *Coordinator) sendInitialWithRetry(ctx context.Context, alarm *models.Alarm) {
	msg := buildMessage(alarm, 0)
	attempts := c.cfg.MaxRetryAttempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		_, err := c.notifier.SendInitial(ctx, msg)
		if err == nil {
			c.logger.Info("Initial alarm notification sent",
				zap.String("alarm_id", alarm.ID),
				zap.Int("attempt", attempt+1),
			)
			return
		}

		if attempt+1 == attempts {
			c.logger.Error("Initial alarm notification failed, retries exhausted",
				zap.String("alarm_id", alarm.ID),
				zap.Int("attempts", attempts),
				zap.Error(err),
			)
			return
		}

		delay := c.cfg.RetryBaseDelay * time.Duration(1<<uint(attempt))
		c.logger.Warn("Initial alarm notification failed, retrying",
			zap.String("alarm_id", alarm.ID),
			zap.Int("attempt", attempt+1),
			zap.Duration("retry_in", delay),
			zap.Error(err),
		)
		if err := c.sleep(ctx, delay); err != nil {
			c.logger.Warn("Initial notification retry cancelled",
				zap.String("alarm_id", alarm.ID),
				zap.Error(err),
			)
			return
		}
	}
}

// ResumeMissed 漏触发补偿：立即执行级别 1 检查点，回看窗口缩短为 ReconcileWindow
func (c *Coordinator) ResumeMissed(ctx context.Context, alarm *models.Alarm) error {
	startedAt := c.now()
	if alarm.NextFireAt != nil {
		startedAt = *alarm.NextFireAt
	}

	payload := models.CheckpointPayload{
		AlarmID:        alarm.ID,
		Level:          1,
		Window:         c.cfg.ReconcileWindow,
		ChainStartedAt: startedAt,
	}
	job, err := models.NewJob(models.JobTypeEscalationCheckpoint, payload)
	if err != nil {
		return err
	}
	job.ID = CheckpointJobID(payload)
	if _, err := c.jobs.EnqueueJob(ctx, job); err != nil {
		c.logger.Error("Failed to enqueue missed alarm checkpoint",
			zap.String("alarm_id", alarm.ID),
			zap.Error(err),
		)
		return fmt.Errorf("failed to enqueue checkpoint: %w", err)
	}
	return nil
}

// HandleCheckpointJob escalation.checkpoint 任务处理函数
func (c *Coordinator) HandleCheckpointJob(ctx context.Context, job *models.Job) error {
	var payload models.CheckpointPayload
	if err := job.DecodePayload(&payload); err != nil {
		return err
	}
	_, err := c.HandleCheckpoint(ctx, payload)
	return err
}

// HandleCheckpoint 执行一个升级检查点
// 基础设施故障返回错误交由任务队列重试；已处理、已中止等业务结果不是错误
func (c *Coordinator) HandleCheckpoint(ctx context.Context, p models.CheckpointPayload) (Outcome, error) {
	logger := c.logger.With(
		zap.String("alarm_id", p.AlarmID),
		zap.Int("level", p.Level),
	)

	alarm, err := c.alarms.GetByID(ctx, p.AlarmID)
	if errors.Is(err, repository.ErrAlarmNotFound) {
		logger.Info("Alarm deleted, aborting escalation")
		return OutcomeAborted, nil
	}
	if err != nil {
		logger.Error("Failed to load alarm for checkpoint", zap.Error(err))
		return "", fmt.Errorf("failed to load alarm: %w", err)
	}
	if !alarm.Active {
		logger.Info("Alarm inactive, aborting escalation")
		return OutcomeAborted, nil
	}

	now := c.now()
	handled, err := c.isHandled(ctx, alarm, p, now)
	if err != nil {
		logger.Error("Failed to check handled state", zap.Error(err))
		return "", err
	}
	if handled {
		logger.Info("Alarm handled by user, escalation stopped")
		return OutcomeHandled, nil
	}

	if p.Level >= c.cfg.MaxLevel {
		return c.reachCritical(ctx, alarm, p, now, logger), nil
	}

	if _, err := c.notifier.SendEscalated(ctx, buildMessage(alarm, p.Level)); err != nil {
		// 时间线由墙上时间驱动，发送失败不阻止下一级
		logger.Error("Escalation notification failed", zap.Error(err))
	}

	next := p
	next.Level = p.Level + 1
	nextAt := now.Add(c.cfg.SubsequentDelay)
	if err := c.scheduleCheckpoint(ctx, next, nextAt); err != nil {
		return "", err
	}

	logger.Info("Alarm escalated",
		zap.Int("next_level", next.Level),
		zap.Time("next_at", nextAt),
	)
	return OutcomeEscalating, nil
}

// reachCritical 终止状态：发送一次最高级别广播并发布领域事件，不再调度
func (c *Coordinator) reachCritical(ctx context.Context, alarm *models.Alarm, p models.CheckpointPayload, now time.Time, logger *zap.Logger) Outcome {
	level := c.cfg.MaxLevel

	if _, err := c.notifier.SendCritical(ctx, buildMessage(alarm, level)); err != nil {
		logger.Error("Critical notification failed", zap.Error(err))
	}

	logger.Error("Maximum escalation level reached",
		zap.String("severity", "critical"),
		zap.String("user_id", alarm.OwnerID),
		zap.Int("max_level", level),
		zap.Time("chain_started_at", p.ChainStartedAt),
	)

	if c.publisher != nil {
		event := DomainEvent{
			Type:           EventMaxEscalationReached,
			AlarmID:        alarm.ID,
			UserID:         alarm.OwnerID,
			Level:          level,
			ChainStartedAt: p.ChainStartedAt,
			OccurredAt:     now,
		}
		if err := c.publisher.Publish(ctx, event); err != nil {
			logger.Error("Failed to publish max escalation event", zap.Error(err))
		}
	}

	return OutcomeCriticalReached
}

// isHandled 在 [max(now-window, chainStartedAt), now] 内是否有该闹钟的稍后提醒或关闭事件
// 早于链开始的确认属于上一条链，不结束本条链
func (c *Coordinator) isHandled(ctx context.Context, alarm *models.Alarm, p models.CheckpointPayload, now time.Time) (bool, error) {
	since := now.Add(-p.Window)
	if p.ChainStartedAt.After(since) {
		since = p.ChainStartedAt
	}

	events, err := c.events.QueryEvents(ctx, alarm.OwnerID, since)
	if err != nil {
		return false, fmt.Errorf("failed to query alarm events: %w", err)
	}
	for _, event := range events {
		if event.AlarmID == alarm.ID && event.EventType.IsAcknowledgement() && !event.OccurredAt.After(now) {
			return true, nil
		}
	}
	return false, nil
}

// CheckpointJobID 检查点任务 ID：同一条链同一级别只有一个任务
// 精确到毫秒，数据库往返截断到微秒后结果不变
func CheckpointJobID(p models.CheckpointPayload) string {
	return fmt.Sprintf("checkpoint:%s:%d:L%d", p.AlarmID, p.ChainStartedAt.UnixMilli(), p.Level)
}

func (c *Coordinator) scheduleCheckpoint(ctx context.Context, p models.CheckpointPayload, at time.Time) error {
	job, err := models.NewJob(models.JobTypeEscalationCheckpoint, p)
	if err != nil {
		return err
	}
	job.ID = CheckpointJobID(p)
	if _, err := c.jobs.ScheduleJob(ctx, job, at); err != nil {
		c.logger.Error("Failed to schedule escalation checkpoint",
			zap.String("alarm_id", p.AlarmID),
			zap.Int("level", p.Level),
			zap.Error(err),
		)
		return fmt.Errorf("failed to schedule checkpoint: %w", err)
	}
	return nil
}

// SetClock 替换时间源和重试等待函数，sleep 为 nil 时保持不变
func (c *Coordinator) SetClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) {
	if now != nil {
		c.now = now
	}
	if sleep != nil {
		c.sleep = sleep
	}
}
