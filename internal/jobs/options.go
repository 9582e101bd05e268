package jobs

import "time"

// Options 任务队列配置
type Options struct {
	KeyPrefix         string
	PollInterval      time.Duration
	BatchSize         int64
	Concurrency       int
	VisibilityTimeout time.Duration // 任务被认领后多久未确认视为执行者失联
	MaxAttempts       int           // 处理函数返回错误时的最大执行次数
	RetryDelay        time.Duration // 重试退避基数
	Clock             func() time.Time
}

// Option 配置 [Options] 的函数
type Option func(*Options)

func defaultOptions() Options {
	return Options{
		KeyPrefix:         "escalation:jobs:",
		PollInterval:      time.Second,
		BatchSize:         50,
		Concurrency:       8,
		VisibilityTimeout: 5 * time.Minute,
		MaxAttempts:       5,
		RetryDelay:        10 * time.Second,
		Clock:             time.Now,
	}
}

// WithKeyPrefix 设置 Redis 键前缀
func WithKeyPrefix(prefix string) Option {
	return func(o *Options) {
		if prefix != "" {
			o.KeyPrefix = prefix
		}
	}
}

// WithPollInterval 设置轮询间隔
func WithPollInterval(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.PollInterval = d
		}
	}
}

// WithBatchSize 设置单次轮询认领的最大任务数
func WithBatchSize(n int64) Option {
	return func(o *Options) {
		if n > 0 {
			o.BatchSize = n
		}
	}
}

// WithConcurrency 设置并发执行的任务数
func WithConcurrency(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.Concurrency = n
		}
	}
}

// WithVisibilityTimeout 设置认领超时
func WithVisibilityTimeout(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.VisibilityTimeout = d
		}
	}
}

// WithRetry 设置失败重试策略
func WithRetry(maxAttempts int, delay time.Duration) Option {
	return func(o *Options) {
		if maxAttempts > 0 {
			o.MaxAttempts = maxAttempts
		}
		if delay > 0 {
			o.RetryDelay = delay
		}
	}
}

// WithClock 替换时间源（测试用）
func WithClock(clock func() time.Time) Option {
	return func(o *Options) {
		if clock != nil {
			o.Clock = clock
		}
	}
}
