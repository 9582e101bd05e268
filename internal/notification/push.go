package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// pushRequest 推送网关请求
type pushRequest struct {
	UserID     string            `json:"user_id"`
	Title      string            `json:"title"`
	Body       string            `json:"body"`
	Sound      string            `json:"sound"`
	Priority   string            `json:"priority"`
	TTLSeconds int64             `json:"ttl_seconds"`
	Data       map[string]string `json:"data,omitempty"`
}

// pushResponse 推送网关响应
type pushResponse struct {
	Delivered int    `json:"delivered"`
	Error     string `json:"error,omitempty"`
}

// PushChannel 通用推送网关客户端
type PushChannel struct {
	httpClient *resty.Client
	logger     *zap.Logger
}

// NewPushChannel 创建推送渠道
// 重试由升级流程控制，这里关闭 resty 自带的重试
func NewPushChannel(baseURL, apiKey string, timeout time.Duration, logger *zap.Logger) *PushChannel {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	if apiKey != "" {
		client.SetAuthToken(apiKey)
	}

	return &PushChannel{
		httpClient: client,
		logger:     logger,
	}
}

// Kind 渠道类型
func (c *PushChannel) Kind() ChannelKind { return ChannelPush }

// Send 发送推送
func (c *PushChannel) Send(ctx context.Context, msg Message) error {
	request := pushRequest{
		UserID:     msg.UserID,
		Title:      msg.Title,
		Body:       msg.Body,
		Sound:      msg.Sound,
		Priority:   msg.Priority.String(),
		TTLSeconds: int64(msg.TTL / time.Second),
		Data:       msg.Data,
	}

	var result, failure pushResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(request).
		SetResult(&result).
		SetError(&failure).
		Post("/v1/push")
	if err != nil {
		return fmt.Errorf("failed to call push gateway: %w", err)
	}

	if resp.IsError() {
		c.logger.Warn("Push gateway returned error",
			zap.String("user_id", msg.UserID),
			zap.Int("status_code", resp.StatusCode()),
			zap.String("error", failure.Error),
		)
		return fmt.Errorf("push gateway error: %s (status: %d)", failure.Error, resp.StatusCode())
	}

	c.logger.Debug("Push notification sent",
		zap.String("user_id", msg.UserID),
		zap.String("alarm_id", msg.AlarmID),
		zap.Int("delivered", result.Delivered),
	)
	return nil
}
