package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"wisefido-escalation/internal/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RecipientSource 接收人数据源（通常是 PostgreSQL 仓库）
type RecipientSource interface {
	GetRecipient(ctx context.Context, userID string) (*models.Recipient, error)
}

// RecipientCache 接收人 Redis 缓存（读穿透，缓存故障降级为直接查询）
type RecipientCache struct {
	source      RecipientSource
	redisClient *redis.Client
	keyPrefix   string
	ttl         time.Duration
	logger      *zap.Logger
}

// NewRecipientCache 创建接收人缓存
func NewRecipientCache(
	source RecipientSource,
	redisClient *redis.Client,
	ttl time.Duration,
	logger *zap.Logger,
) *RecipientCache {
	return &RecipientCache{
		source:      source,
		redisClient: redisClient,
		keyPrefix:   "recipient:",
		ttl:         ttl,
		logger:      logger,
	}
}

// GetRecipient 先读缓存，未命中时查询数据源并回写
func (c *RecipientCache) GetRecipient(ctx context.Context, userID string) (*models.Recipient, error) {
	key := c.keyPrefix + userID

	val, err := c.redisClient.Get(ctx, key).Result()
	switch {
	case err == nil:
		var recipient models.Recipient
		if err := json.Unmarshal([]byte(val), &recipient); err == nil {
			return &recipient, nil
		}
		c.logger.Warn("Discarding corrupt recipient cache entry",
			zap.String("key", key),
		)
	case err != redis.Nil:
		c.logger.Warn("Recipient cache unavailable, falling back to source",
			zap.String("user_id", userID),
			zap.Error(err),
		)
	}

	recipient, err := c.source.GetRecipient(ctx, userID)
	if err != nil {
		return nil, err
	}

	if err := c.set(ctx, key, recipient); err != nil {
		c.logger.Warn("Failed to write recipient cache",
			zap.String("user_id", userID),
			zap.Error(err),
		)
	}

	return recipient, nil
}

// Invalidate 删除缓存（设备注册变化时调用）
func (c *RecipientCache) Invalidate(ctx context.Context, userID string) error {
	if err := c.redisClient.Del(ctx, c.keyPrefix+userID).Err(); err != nil {
		return fmt.Errorf("failed to invalidate recipient cache: %w", err)
	}
	return nil
}

func (c *RecipientCache) set(ctx context.Context, key string, recipient *models.Recipient) error {
	data, err := json.Marshal(recipient)
	if err != nil {
		return fmt.Errorf("failed to marshal recipient: %w", err)
	}
	return c.redisClient.Set(ctx, key, data, c.ttl).Err()
}
