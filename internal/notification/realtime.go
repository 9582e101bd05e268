package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Publisher MQTT 发布接口（common/mqtt.Client 实现）
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// realtimePayload 实时通知消息体
type realtimePayload struct {
	AlarmID  string            `json:"alarm_id"`
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Level    int               `json:"level"`
	Priority string            `json:"priority"`
	Sound    string            `json:"sound"`
	SentAt   int64             `json:"sent_at"`
	Data     map[string]string `json:"data,omitempty"`
}

// RealTimeChannel 通过 MQTT 推送到用户在线会话
// 主题：<topicPrefix>/<userID>/notify
type RealTimeChannel struct {
	publisher   Publisher
	topicPrefix string
	logger      *zap.Logger
}

// NewRealTimeChannel 创建实时通知渠道
func NewRealTimeChannel(publisher Publisher, topicPrefix string, logger *zap.Logger) *RealTimeChannel {
	return &RealTimeChannel{
		publisher:   publisher,
		topicPrefix: topicPrefix,
		logger:      logger,
	}
}

// Kind 渠道类型
func (c *RealTimeChannel) Kind() ChannelKind { return ChannelRealTime }

// Topic 用户的实时通知主题
func (c *RealTimeChannel) Topic(userID string) string {
	return fmt.Sprintf("%s/%s/notify", c.topicPrefix, userID)
}

// Send 以 QoS 1 发布通知
func (c *RealTimeChannel) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg.UserID == "" {
		return fmt.Errorf("%w: empty user id", ErrNoRecipient)
	}

	payload, err := json.Marshal(realtimePayload{
		AlarmID:  msg.AlarmID,
		Title:    msg.Title,
		Body:     msg.Body,
		Level:    msg.Level,
		Priority: msg.Priority.String(),
		Sound:    msg.Sound,
		SentAt:   time.Now().UnixMilli(),
		Data:     msg.Data,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal realtime payload: %w", err)
	}

	topic := c.Topic(msg.UserID)
	if err := c.publisher.Publish(topic, 1, false, payload); err != nil {
		return fmt.Errorf("failed to publish realtime notification: %w", err)
	}

	c.logger.Debug("Realtime notification published",
		zap.String("topic", topic),
		zap.String("alarm_id", msg.AlarmID),
		zap.Int("level", msg.Level),
	)
	return nil
}
