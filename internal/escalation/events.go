package escalation

import (
	"context"
	"fmt"
	"time"

	rediscommon "wisefido-escalation/internal/common/redis"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// EventMaxEscalationReached 升级到最高级别的领域事件类型
const EventMaxEscalationReached = "max_escalation_reached"

// DomainEvent 升级链领域事件
type DomainEvent struct {
	Type           string    `json:"type"`
	AlarmID        string    `json:"alarm_id"`
	UserID         string    `json:"user_id"`
	Level          int       `json:"level"`
	ChainStartedAt time.Time `json:"chain_started_at"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// EventPublisher 领域事件发布
type EventPublisher interface {
	Publish(ctx context.Context, event DomainEvent) error
}

// StreamPublisher 把领域事件写入 Redis Stream
type StreamPublisher struct {
	redisClient *redis.Client
	stream      string
	maxLen      int64
	logger      *zap.Logger
}

// NewStreamPublisher 创建 Redis Stream 事件发布器
func NewStreamPublisher(redisClient *redis.Client, stream string, maxLen int64, logger *zap.Logger) *StreamPublisher {
	return &StreamPublisher{
		redisClient: redisClient,
		stream:      stream,
		maxLen:      maxLen,
		logger:      logger,
	}
}

// Publish 发布事件
func (p *StreamPublisher) Publish(ctx context.Context, event DomainEvent) error {
	id, err := rediscommon.PublishJSONToStream(ctx, p.redisClient, p.stream, p.maxLen, event)
	if err != nil {
		return fmt.Errorf("failed to publish %s event: %w", event.Type, err)
	}

	p.logger.Debug("Domain event published",
		zap.String("stream", p.stream),
		zap.String("message_id", id),
		zap.String("type", event.Type),
		zap.String("alarm_id", event.AlarmID),
	)
	return nil
}
