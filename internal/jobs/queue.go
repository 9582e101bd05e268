package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"wisefido-escalation/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrNoHandler 任务类型没有注册处理函数
var ErrNoHandler = errors.New("no handler registered for job type")

// HandlerFunc 任务处理函数，返回错误时按队列的重试策略重新执行
type HandlerFunc func(ctx context.Context, job *models.Job) error

// moveScript 原子地把成员从一个 ZSET 移到另一个 ZSET，成员不存在时返回 0
// 只有 ZREM 成功的 worker 才拥有该任务
var moveScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 1 then
	redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
	return 1
end
return 0
`)

// Queue 基于 Redis 的持久化延迟任务队列
//
// 键布局（均带 KeyPrefix）：
//
//   - delayed    ZSET 待执行任务，score 为执行时间（毫秒）
//   - processing ZSET 已认领任务，score 为认领超时时间（毫秒）
//   - data       HASH 任务 ID → 任务 JSON
//   - recurring  HASH 周期任务 ID → 周期定义 JSON
//
// 投递语义为至少一次：认领超时的任务会重新放回 delayed。
type Queue struct {
	redisClient *redis.Client
	logger      *zap.Logger
	opts        Options

	mu       sync.RWMutex
	handlers map[models.JobType]HandlerFunc

	sem chan struct{}
	wg  sync.WaitGroup
}

// New 创建任务队列
func New(redisClient *redis.Client, logger *zap.Logger, opts ...Option) *Queue {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	return &Queue{
		redisClient: redisClient,
		logger:      logger,
		opts:        o,
		handlers:    make(map[models.JobType]HandlerFunc),
		sem:         make(chan struct{}, o.Concurrency),
	}
}

func (q *Queue) key(name string) string {
	return q.opts.KeyPrefix + name
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func scoreArg(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// Register 注册任务类型的处理函数
func (q *Queue) Register(jobType models.JobType, handler HandlerFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[jobType] = handler
}

func (q *Queue) handler(jobType models.JobType) (HandlerFunc, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	h, ok := q.handlers[jobType]
	return h, ok
}

// ScheduleJob 在 at 时刻执行任务，返回任务 ID
func (q *Queue) ScheduleJob(ctx context.Context, job *models.Job, at time.Time) (string, error) {
	if job == nil || job.Type == "" {
		return "", fmt.Errorf("job type is required")
	}

	scheduled := *job
	if scheduled.ID == "" {
		scheduled.ID = uuid.New().String()
	}
	if scheduled.CreatedAt.IsZero() {
		scheduled.CreatedAt = q.opts.Clock()
	}
	scheduled.RunAt = at

	data, err := json.Marshal(&scheduled)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := q.redisClient.TxPipeline()
	pipe.HSet(ctx, q.key("data"), scheduled.ID, data)
	pipe.ZAdd(ctx, q.key("delayed"), &redis.Z{Score: score(at), Member: scheduled.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to schedule job: %w", err)
	}

	q.logger.Debug("Job scheduled",
		zap.String("job_id", scheduled.ID),
		zap.String("job_type", string(scheduled.Type)),
		zap.Time("run_at", at),
	)

	return scheduled.ID, nil
}

// EnqueueJob 立即执行任务
func (q *Queue) EnqueueJob(ctx context.Context, job *models.Job) (string, error) {
	return q.ScheduleJob(ctx, job, q.opts.Clock())
}

// DeleteJob 删除任务，任务不存在时返回 false 且不报错
func (q *Queue) DeleteJob(ctx context.Context, jobID string) (bool, error) {
	if jobID == "" {
		return false, nil
	}

	pipe := q.redisClient.TxPipeline()
	delayed := pipe.ZRem(ctx, q.key("delayed"), jobID)
	processing := pipe.ZRem(ctx, q.key("processing"), jobID)
	pipe.HDel(ctx, q.key("data"), jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("failed to delete job: %w", err)
	}

	return delayed.Val()+processing.Val() > 0, nil
}

// IsScheduled 任务是否仍在等待执行
func (q *Queue) IsScheduled(ctx context.Context, jobID string) (bool, error) {
	_, err := q.redisClient.ZScore(ctx, q.key("delayed"), jobID).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check job: %w", err)
	}
	return true, nil
}

// Pending 等待执行的任务数
func (q *Queue) Pending(ctx context.Context) (int64, error) {
	return q.redisClient.ZCard(ctx, q.key("delayed")).Result()
}

// Run 启动轮询循环，直到 ctx 取消；不再认领新任务，返回前等待执行中的任务跑完
// 执行中的任务不会因 ctx 取消而中断，最长等待 VisibilityTimeout
func (q *Queue) Run(ctx context.Context) error {
	q.logger.Info("Job queue started",
		zap.String("key_prefix", q.opts.KeyPrefix),
		zap.Duration("poll_interval", q.opts.PollInterval),
		zap.Int("concurrency", q.opts.Concurrency),
	)

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		q.tick(ctx)

		select {
		case <-ctx.Done():
			q.wg.Wait()
			q.logger.Info("Job queue stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// ProcessDue 认领并执行所有到期任务，等待本批任务完成后返回认领数量
func (q *Queue) ProcessDue(ctx context.Context) (int, error) {
	if err := q.requeueStale(ctx); err != nil {
		return 0, err
	}
	n, err := q.poll(ctx)
	q.wg.Wait()
	return n, err
}

func (q *Queue) tick(ctx context.Context) {
	if err := q.requeueStale(ctx); err != nil {
		q.logger.Error("Failed to requeue stale jobs", zap.Error(err))
	}
	if _, err := q.poll(ctx); err != nil && ctx.Err() == nil {
		q.logger.Error("Failed to poll due jobs", zap.Error(err))
	}
}

// poll 认领到期任务并异步执行
func (q *Queue) poll(ctx context.Context) (int, error) {
	now := q.opts.Clock()
	ids, err := q.redisClient.ZRangeByScore(ctx, q.key("delayed"), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   scoreArg(now),
		Count: q.opts.BatchSize,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read due jobs: %w", err)
	}

	claimed := 0
	for _, id := range ids {
		job, ok, err := q.claim(ctx, id, now)
		if err != nil {
			return claimed, err
		}
		if !ok {
			continue
		}
		claimed++

		if job.RecurringID != "" {
			q.scheduleNextOccurrence(ctx, job)
		}

		select {
		case q.sem <- struct{}{}:
		case <-ctx.Done():
			return claimed, ctx.Err()
		}

		q.wg.Add(1)
		go q.execute(ctx, job)
	}

	return claimed, nil
}

// claim 认领单个任务，被其他 worker 抢先时返回 false
func (q *Queue) claim(ctx context.Context, id string, now time.Time) (*models.Job, bool, error) {
	deadline := now.Add(q.opts.VisibilityTimeout)
	moved, err := moveScript.Run(ctx, q.redisClient,
		[]string{q.key("delayed"), q.key("processing")},
		id, scoreArg(deadline),
	).Int()
	if err != nil {
		return nil, false, fmt.Errorf("failed to claim job %s: %w", id, err)
	}
	if moved == 0 {
		return nil, false, nil
	}

	raw, err := q.redisClient.HGet(ctx, q.key("data"), id).Result()
	if err != nil {
		q.redisClient.ZRem(ctx, q.key("processing"), id)
		if err == redis.Nil {
			q.logger.Warn("Dropping job without data", zap.String("job_id", id))
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to load job %s: %w", id, err)
	}

	var job models.Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		q.logger.Error("Dropping undecodable job",
			zap.String("job_id", id),
			zap.Error(err),
		)
		q.ack(ctx, id)
		return nil, false, nil
	}

	return &job, true, nil
}

// execute 执行任务并根据结果确认或重试
func (q *Queue) execute(ctx context.Context, job *models.Job) {
	defer q.wg.Done()
	defer func() { <-q.sem }()

	// 确认、重试等记账操作不受关闭信号影响
	bookkeeping := context.WithoutCancel(ctx)
	// 处理函数同样不随关闭取消，执行时长以认领超时为上限，超过后任务本来也会被重新认领
	runCtx, cancel := context.WithTimeout(bookkeeping, q.opts.VisibilityTimeout)
	defer cancel()

	handler, ok := q.handler(job.Type)
	if !ok {
		q.logger.Error("Dropping job",
			zap.String("job_id", job.ID),
			zap.String("job_type", string(job.Type)),
			zap.Error(ErrNoHandler),
		)
		q.ack(bookkeeping, job.ID)
		return
	}

	err := q.safeCall(runCtx, handler, job)
	if err == nil {
		q.ack(bookkeeping, job.ID)
		q.logger.Debug("Job completed",
			zap.String("job_id", job.ID),
			zap.String("job_type", string(job.Type)),
		)
		return
	}

	q.logger.Error("Job handler failed",
		zap.String("job_id", job.ID),
		zap.String("job_type", string(job.Type)),
		zap.Int("attempt", job.Attempt),
		zap.Error(err),
	)
	q.retry(bookkeeping, job)
}

func (q *Queue) safeCall(ctx context.Context, handler HandlerFunc, job *models.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panicked: %v", r)
		}
	}()
	return handler(ctx, job)
}

// ack 确认任务完成，删除认领记录和任务数据
func (q *Queue) ack(ctx context.Context, jobID string) {
	pipe := q.redisClient.TxPipeline()
	pipe.ZRem(ctx, q.key("processing"), jobID)
	pipe.HDel(ctx, q.key("data"), jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		q.logger.Error("Failed to ack job",
			zap.String("job_id", jobID),
			zap.Error(err),
		)
	}
}

// retry 按指数退避重新调度失败任务；任务在执行期间被删除时不再重试
func (q *Queue) retry(ctx context.Context, job *models.Job) {
	owned, err := q.redisClient.ZRem(ctx, q.key("processing"), job.ID).Result()
	if err != nil {
		q.logger.Error("Failed to release job", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	if owned == 0 {
		q.logger.Info("Job deleted while running, not retrying", zap.String("job_id", job.ID))
		return
	}

	if job.Attempt+1 >= q.opts.MaxAttempts {
		q.redisClient.HDel(ctx, q.key("data"), job.ID)
		q.logger.Error("Job exhausted retries, dropped",
			zap.String("job_id", job.ID),
			zap.String("job_type", string(job.Type)),
			zap.Int("max_attempts", q.opts.MaxAttempts),
		)
		return
	}

	delay := q.opts.RetryDelay * time.Duration(1<<uint(job.Attempt))
	next := *job
	next.Attempt++
	if _, err := q.ScheduleJob(ctx, &next, q.opts.Clock().Add(delay)); err != nil {
		q.logger.Error("Failed to reschedule job", zap.String("job_id", job.ID), zap.Error(err))
	}
}

// requeueStale 把认领超时的任务放回 delayed
func (q *Queue) requeueStale(ctx context.Context) error {
	now := q.opts.Clock()
	ids, err := q.redisClient.ZRangeByScore(ctx, q.key("processing"), &redis.ZRangeBy{
		Min: "-inf",
		Max: scoreArg(now),
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to read stale jobs: %w", err)
	}

	for _, id := range ids {
		moved, err := moveScript.Run(ctx, q.redisClient,
			[]string{q.key("processing"), q.key("delayed")},
			id, scoreArg(now),
		).Int()
		if err != nil {
			return fmt.Errorf("failed to requeue job %s: %w", id, err)
		}
		if moved == 1 {
			q.logger.Warn("Requeued stale job", zap.String("job_id", id))
		}
	}

	return nil
}
