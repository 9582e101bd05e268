package service

import (
	"context"
	"database/sql"
	"fmt"

	"wisefido-escalation/internal/cache"
	"wisefido-escalation/internal/common/database"
	"wisefido-escalation/internal/common/mqtt"
	rediscommon "wisefido-escalation/internal/common/redis"
	"wisefido-escalation/internal/config"
	"wisefido-escalation/internal/escalation"
	"wisefido-escalation/internal/jobs"
	"wisefido-escalation/internal/models"
	"wisefido-escalation/internal/notification"
	"wisefido-escalation/internal/repository"
	"wisefido-escalation/internal/scheduler"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// reconcileJobID 漏触发扫描周期任务 ID
const reconcileJobID = "reconcile-missed-alarms"

// EscalationService 报警升级服务（整合各层）
type EscalationService struct {
	config      *config.Config
	db          *sql.DB
	redisClient *redis.Client
	mqttClient  *mqtt.Client
	logger      *zap.Logger

	// 各层组件
	alarmRepo   *repository.AlarmRepository
	eventsRepo  *repository.AlarmEventsRepository
	queue       *jobs.Queue
	dispatcher  *notification.Dispatcher
	coordinator *escalation.Coordinator
	scheduler   *scheduler.TriggerScheduler
	lifecycle   *AlarmLifecycleService
}

// NewEscalationService 创建报警升级服务
func NewEscalationService(cfg *config.Config, logger *zap.Logger) (*EscalationService, error) {
	ctx := context.Background()

	// 1. 连接数据库
	db, err := database.NewPostgresDB(ctx, &cfg.Database)
	if err != nil {
		return nil, err
	}

	// 2. 连接 Redis
	redisClient := rediscommon.NewRedisClient(&cfg.Redis)
	if err := rediscommon.Ping(ctx, redisClient); err != nil {
		_ = database.Close(db)
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	// 3. 连接 MQTT（失败时禁用实时通道，推送和邮件仍可用）
	mqttClient, err := mqtt.NewClient(&cfg.MQTT, logger)
	if err != nil {
		logger.Warn("MQTT unavailable, real-time channel disabled",
			zap.String("broker", cfg.MQTT.Broker),
			zap.Error(err),
		)
		mqttClient = nil
	}

	// 4. 创建 Repository 层
	alarmRepo := repository.NewAlarmRepository(db, logger)
	eventsRepo := repository.NewAlarmEventsRepository(db, logger)
	recipientRepo := repository.NewRecipientRepository(db, logger)
	recipients := cache.NewRecipientCache(recipientRepo, redisClient, cfg.Notification.RecipientCacheTTL, logger)

	// 5. 创建通知渠道和分发器
	channels := []notification.Channel{
		notification.NewPushChannel(
			cfg.Notification.Push.BaseURL,
			cfg.Notification.Push.APIKey,
			cfg.Notification.Push.Timeout,
			logger,
		),
		notification.NewEmailChannel(
			notification.NewSMTPSender(
				cfg.Notification.SMTP.Host,
				cfg.Notification.SMTP.Port,
				cfg.Notification.SMTP.Username,
				cfg.Notification.SMTP.Password,
				cfg.Notification.SMTP.From,
				cfg.Notification.SMTP.Timeout,
			),
			logger,
		),
	}
	if mqttClient != nil {
		channels = append(channels, notification.NewRealTimeChannel(mqttClient, cfg.Notification.RealtimeTopicPrefix, logger))
	}
	dispatcher := notification.NewDispatcher(recipients, logger, channels...)

	// 6. 创建任务队列
	queue := jobs.New(redisClient, logger,
		jobs.WithKeyPrefix(cfg.Jobs.KeyPrefix),
		jobs.WithPollInterval(cfg.Jobs.PollInterval),
		jobs.WithBatchSize(cfg.Jobs.BatchSize),
		jobs.WithConcurrency(cfg.Jobs.Concurrency),
		jobs.WithVisibilityTimeout(cfg.Jobs.VisibilityTimeout),
		jobs.WithRetry(cfg.Jobs.MaxAttempts, cfg.Jobs.RetryDelay),
	)

	// 7. 创建升级链协调器和触发调度器
	publisher := escalation.NewStreamPublisher(redisClient, cfg.Escalation.EventStream, cfg.Escalation.EventStreamLen, logger)
	coordinator := escalation.NewCoordinator(
		alarmRepo,
		eventsRepo,
		queue,
		dispatcher,
		publisher,
		escalationConfig(cfg),
		logger,
	)
	triggerScheduler := scheduler.NewTriggerScheduler(
		alarmRepo,
		eventsRepo,
		queue,
		coordinator,
		cfg.Scheduler.GraceWindow,
		logger,
	)

	return &EscalationService{
		config:      cfg,
		db:          db,
		redisClient: redisClient,
		mqttClient:  mqttClient,
		logger:      logger,
		alarmRepo:   alarmRepo,
		eventsRepo:  eventsRepo,
		queue:       queue,
		dispatcher:  dispatcher,
		coordinator: coordinator,
		scheduler:   triggerScheduler,
		lifecycle:   NewAlarmLifecycleService(alarmRepo, eventsRepo, queue, triggerScheduler, logger),
	}, nil
}

func escalationConfig(cfg *config.Config) escalation.Config {
	return escalation.Config{
		MaxLevel:         cfg.Escalation.MaxLevel,
		InitialDelay:     cfg.Escalation.InitialDelay,
		SubsequentDelay:  cfg.Escalation.SubsequentDelay,
		MaxRetryAttempts: cfg.Escalation.MaxRetryAttempts,
		RetryBaseDelay:   cfg.Escalation.RetryBaseDelay,
		HandledWindow:    cfg.Escalation.HandledWindow,
		ReconcileWindow:  cfg.Escalation.ReconcileWindow,
	}
}

// registerHandlers 注册各类任务的处理函数
func registerHandlers(queue *jobs.Queue, sched *scheduler.TriggerScheduler, coord *escalation.Coordinator) {
	queue.Register(models.JobTypeAlarmTrigger, sched.HandleTriggerJob)
	queue.Register(models.JobTypeSnoozeRefire, sched.HandleSnoozeJob)
	queue.Register(models.JobTypeEscalationCheckpoint, coord.HandleCheckpointJob)
	queue.Register(models.JobTypeReconcileMissedAlarms, sched.HandleReconcileJob)
}

// Scheduler 触发调度器，供闹钟创建方调用 ScheduleAlarm
func (s *EscalationService) Scheduler() *scheduler.TriggerScheduler {
	return s.scheduler
}

// Lifecycle 用户操作入口
func (s *EscalationService) Lifecycle() *AlarmLifecycleService {
	return s.lifecycle
}

// Start 启动服务，阻塞直到 ctx 取消
func (s *EscalationService) Start(ctx context.Context) error {
	s.logger.Info("Starting escalation service",
		zap.Int("max_level", s.config.Escalation.MaxLevel),
		zap.Int("concurrency", s.config.Jobs.Concurrency),
		zap.Bool("realtime_connected", s.mqttClient != nil && s.mqttClient.IsConnected()),
	)

	registerHandlers(s.queue, s.scheduler, s.coordinator)

	reconcileJob := &models.Job{Type: models.JobTypeReconcileMissedAlarms}
	if err := s.queue.ScheduleRecurringJob(ctx, reconcileJobID, reconcileJob, s.config.Scheduler.ReconcileCron); err != nil {
		return fmt.Errorf("failed to register reconcile job: %w", err)
	}

	// 启动时先补偿一次，不用等第一个 cron 周期
	if resumed, err := s.scheduler.ReconcileMissedAlarms(ctx); err != nil {
		s.logger.Warn("Startup reconciliation incomplete",
			zap.Int("resumed", resumed),
			zap.Error(err),
		)
	}

	if err := s.queue.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("job queue stopped: %w", err)
	}
	return nil
}

// Stop 停止服务
func (s *EscalationService) Stop() error {
	s.logger.Info("Stopping escalation service")

	if s.mqttClient != nil {
		s.mqttClient.Disconnect()
	}

	// 关闭数据库连接
	if err := database.Close(s.db); err != nil {
		s.logger.Error("Failed to close database",
			zap.Error(err),
		)
	}

	// 关闭 Redis 连接
	if err := rediscommon.Close(s.redisClient); err != nil {
		s.logger.Error("Failed to close redis",
			zap.Error(err),
		)
	}

	return nil
}
