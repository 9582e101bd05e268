package notification

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrAllChannelsFailed 所有尝试的渠道都发送失败
	ErrAllChannelsFailed = errors.New("all notification channels failed")
	// ErrNoRecipient 接收人没有可用地址
	ErrNoRecipient = errors.New("no recipient address")
)

// ChannelKind 通知渠道类型
type ChannelKind string

const (
	ChannelRealTime ChannelKind = "realtime"
	ChannelPush     ChannelKind = "push"
	ChannelEmail    ChannelKind = "email"
)

// Message 一条逻辑通知，由 Dispatcher 分发到各渠道
type Message struct {
	UserID   string
	AlarmID  string
	Title    string
	Body     string
	Level    int
	Priority Priority
	TTL      time.Duration
	Sound    string
	Email    string // 邮件渠道的收件地址，由 Dispatcher 从接收人信息填充
	Data     map[string]string
}

// Channel 通知渠道，每个渠道独立失败
type Channel interface {
	Kind() ChannelKind
	Send(ctx context.Context, msg Message) error
}
