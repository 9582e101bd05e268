package redis

import (
	"context"
	"fmt"
	"time"

	"wisefido-escalation/internal/common/config"

	"github.com/go-redis/redis/v8"
)

const pingTimeout = 3 * time.Second

// NewRedisClient 创建Redis客户端
// 任务队列的 Lua 认领脚本和缓存读写共用同一个连接池
func NewRedisClient(cfg *config.RedisConfig) *redis.Client {
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	return redis.NewClient(opts)
}

// Ping 测试Redis连接，超时 3 秒
func Ping(ctx context.Context, client *redis.Client) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis %s unreachable: %w", client.Options().Addr, err)
	}
	return nil
}

// Close 关闭Redis连接
func Close(client *redis.Client) error {
	if client == nil {
		return nil
	}
	return client.Close()
}
