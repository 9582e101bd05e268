package config

import (
	"os"
	"strconv"
	"time"

	"wisefido-escalation/internal/common/config"
)

// Config 报警升级服务配置
type Config struct {
	Database config.DatabaseConfig
	Redis    config.RedisConfig
	MQTT     config.MQTTConfig

	// 升级链配置
	Escalation struct {
		MaxLevel         int           // 最高升级级别，默认 3
		InitialDelay     time.Duration // 触发后到第一个检查点的延迟，默认 5 分钟
		SubsequentDelay  time.Duration // 后续检查点间隔，默认 10 分钟
		MaxRetryAttempts int           // 初始通知最大尝试次数，默认 3
		RetryBaseDelay   time.Duration // 重试退避基数（delay = 2^attempt * base），默认 30 秒
		HandledWindow    time.Duration // 标准升级链的回看窗口，默认 30 分钟
		ReconcileWindow  time.Duration // 漏触发补偿路径的回看窗口，默认 10 分钟
		EventStream      string        // 领域事件 Redis Stream 名称
		EventStreamLen   int64         // Stream 近似最大长度
	}

	// 触发调度配置
	Scheduler struct {
		GraceWindow   time.Duration // 判定漏触发的宽限期，默认 10 分钟
		ReconcileCron string        // 漏触发扫描的 cron 表达式
	}

	// 持久化延迟任务队列配置
	Jobs struct {
		KeyPrefix         string
		PollInterval      time.Duration
		BatchSize         int64
		Concurrency       int
		VisibilityTimeout time.Duration
		MaxAttempts       int
		RetryDelay        time.Duration
	}

	// 通知渠道配置
	Notification struct {
		RealtimeTopicPrefix string // 实时通知 MQTT 主题前缀，如 "alarm/user"
		Push                struct {
			BaseURL string
			APIKey  string
			Timeout time.Duration
		}
		SMTP struct {
			Host     string
			Port     int
			Username string
			Password string
			From     string
			Timeout  time.Duration
		}
		RecipientCacheTTL time.Duration
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	// 连接配置：先填默认值，再由 <PREFIX>_* 环境变量覆盖
	cfg.Database = config.DatabaseConfig{
		Host:     "localhost",
		Port:     5432,
		User:     "postgres",
		Password: "postgres",
		Database: "owlrd",
		SSLMode:  "disable",
		MaxConns: 20,
		MaxIdle:  5,
	}
	cfg.Database.LoadFromEnv("DB")

	cfg.Redis = config.RedisConfig{Addr: "localhost:6379"}
	cfg.Redis.LoadFromEnv("REDIS")

	cfg.MQTT = config.MQTTConfig{
		Broker:   "tcp://localhost:1883",
		ClientID: "wisefido-escalation",
		QoS:      1,
	}
	cfg.MQTT.LoadFromEnv("MQTT")

	// 升级链配置
	cfg.Escalation.MaxLevel = getEnvInt("ESCALATION_MAX_LEVEL", 3)
	cfg.Escalation.InitialDelay = getEnvDuration("ESCALATION_INITIAL_DELAY", 5*time.Minute)
	cfg.Escalation.SubsequentDelay = getEnvDuration("ESCALATION_SUBSEQUENT_DELAY", 10*time.Minute)
	cfg.Escalation.MaxRetryAttempts = getEnvInt("ESCALATION_MAX_RETRY_ATTEMPTS", 3)
	cfg.Escalation.RetryBaseDelay = getEnvDuration("ESCALATION_RETRY_BASE_DELAY", 30*time.Second)
	cfg.Escalation.HandledWindow = 30 * time.Minute
	cfg.Escalation.ReconcileWindow = 10 * time.Minute
	cfg.Escalation.EventStream = getEnv("ESCALATION_EVENT_STREAM", "alarm:escalation:events")
	cfg.Escalation.EventStreamLen = 10000

	cfg.Scheduler.GraceWindow = getEnvDuration("SCHEDULER_GRACE_WINDOW", 10*time.Minute)
	cfg.Scheduler.ReconcileCron = getEnv("SCHEDULER_RECONCILE_CRON", "*/5 * * * *")

	cfg.Jobs.KeyPrefix = getEnv("JOBS_KEY_PREFIX", "escalation:jobs:")
	cfg.Jobs.PollInterval = getEnvDuration("JOBS_POLL_INTERVAL", time.Second)
	cfg.Jobs.BatchSize = 50
	cfg.Jobs.Concurrency = getEnvInt("JOBS_CONCURRENCY", 8)
	cfg.Jobs.VisibilityTimeout = getEnvDuration("JOBS_VISIBILITY_TIMEOUT", 5*time.Minute)
	cfg.Jobs.MaxAttempts = getEnvInt("JOBS_MAX_ATTEMPTS", 5)
	cfg.Jobs.RetryDelay = getEnvDuration("JOBS_RETRY_DELAY", 10*time.Second)

	cfg.Notification.RealtimeTopicPrefix = getEnv("NOTIFY_REALTIME_TOPIC_PREFIX", "alarm/user")
	cfg.Notification.Push.BaseURL = getEnv("NOTIFY_PUSH_BASE_URL", "http://localhost:8081")
	cfg.Notification.Push.APIKey = getEnv("NOTIFY_PUSH_API_KEY", "")
	cfg.Notification.Push.Timeout = getEnvDuration("NOTIFY_PUSH_TIMEOUT", 10*time.Second)
	cfg.Notification.SMTP.Host = getEnv("SMTP_HOST", "localhost")
	cfg.Notification.SMTP.Port = getEnvInt("SMTP_PORT", 25)
	cfg.Notification.SMTP.Username = getEnv("SMTP_USERNAME", "")
	cfg.Notification.SMTP.Password = getEnv("SMTP_PASSWORD", "")
	cfg.Notification.SMTP.From = getEnv("SMTP_FROM", "alarms@wisefido.local")
	cfg.Notification.SMTP.Timeout = getEnvDuration("SMTP_TIMEOUT", 15*time.Second)
	cfg.Notification.RecipientCacheTTL = 60 * time.Second

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}

// getEnvDuration 解析 time.ParseDuration 格式（如 "5m", "30s"）
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return defaultValue
	}
	return d
}
