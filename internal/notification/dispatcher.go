package notification

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"wisefido-escalation/internal/models"

	"go.uber.org/zap"
)

// RecipientLookup 接收人查询（cache.RecipientCache 实现）
type RecipientLookup interface {
	GetRecipient(ctx context.Context, userID string) (*models.Recipient, error)
}

// Delivery 每个被尝试渠道的发送结果，nil 表示成功
type Delivery map[ChannelKind]error

// Attempted 渠道是否被尝试
func (d Delivery) Attempted(kind ChannelKind) bool {
	_, ok := d[kind]
	return ok
}

// Succeeded 渠道是否发送成功
func (d Delivery) Succeeded(kind ChannelKind) bool {
	err, ok := d[kind]
	return ok && err == nil
}

// Dispatcher 把一条逻辑通知分发到各渠道
// 渠道相互独立：单个渠道失败只记录日志，全部失败才返回错误
type Dispatcher struct {
	recipients RecipientLookup
	channels   map[ChannelKind]Channel
	logger     *zap.Logger
}

// NewDispatcher 创建分发器，未提供的渠道视为不可用
func NewDispatcher(recipients RecipientLookup, logger *zap.Logger, channels ...Channel) *Dispatcher {
	d := &Dispatcher{
		recipients: recipients,
		channels:   make(map[ChannelKind]Channel, len(channels)),
		logger:     logger,
	}
	for _, ch := range channels {
		if ch != nil {
			d.channels[ch.Kind()] = ch
		}
	}
	return d
}

// SendInitial 发送闹钟触发时的首条通知（级别 0）
func (d *Dispatcher) SendInitial(ctx context.Context, msg Message) (Delivery, error) {
	msg.Level = 0
	return d.sendToDevices(ctx, prepare(msg))
}

// SendEscalated 发送升级通知，优先级和有效期由 msg.Level 决定
func (d *Dispatcher) SendEscalated(ctx context.Context, msg Message) (Delivery, error) {
	return d.sendToDevices(ctx, prepare(msg))
}

// SendCritical 最高级别广播：实时、推送和邮件（有地址时）同时发送
func (d *Dispatcher) SendCritical(ctx context.Context, msg Message) (Delivery, error) {
	msg = prepare(msg)
	msg.Priority = PriorityCritical
	msg.TTL = levelTTL[PriorityCritical]
	msg.Sound = SoundUrgent

	kinds := []ChannelKind{ChannelRealTime, ChannelPush}
	recipient, err := d.recipients.GetRecipient(ctx, msg.UserID)
	if err != nil {
		d.logger.Warn("Recipient lookup failed, sending critical without email",
			zap.String("user_id", msg.UserID),
			zap.Error(err),
		)
	} else if recipient.Email != "" {
		msg.Email = recipient.Email
		kinds = append(kinds, ChannelEmail)
	}

	return d.fanOut(ctx, msg, kinds)
}

// sendToDevices 有设备通道时并发发送实时和推送，否则降级为邮件
func (d *Dispatcher) sendToDevices(ctx context.Context, msg Message) (Delivery, error) {
	recipient, err := d.recipients.GetRecipient(ctx, msg.UserID)
	if err != nil {
		// 查询失败时仍尝试设备通道
		d.logger.Warn("Recipient lookup failed, attempting device channels",
			zap.String("user_id", msg.UserID),
			zap.Error(err),
		)
		return d.fanOut(ctx, msg, []ChannelKind{ChannelRealTime, ChannelPush})
	}

	msg.Email = recipient.Email
	if !recipient.HasDeviceTarget() {
		return d.sendFallback(ctx, msg), nil
	}
	return d.fanOut(ctx, msg, []ChannelKind{ChannelRealTime, ChannelPush})
}

// sendFallback 同步发送邮件，失败只记录日志
func (d *Dispatcher) sendFallback(ctx context.Context, msg Message) Delivery {
	delivery := Delivery{}

	ch, ok := d.channels[ChannelEmail]
	if !ok {
		d.logger.Warn("No device target and no email channel configured",
			zap.String("user_id", msg.UserID),
			zap.String("alarm_id", msg.AlarmID),
		)
		return delivery
	}

	err := ch.Send(ctx, msg)
	delivery[ChannelEmail] = err
	if err != nil {
		d.logger.Warn("Email fallback failed",
			zap.String("user_id", msg.UserID),
			zap.String("alarm_id", msg.AlarmID),
			zap.Error(err),
		)
	}
	return delivery
}

// fanOut 并发发送到指定渠道并等待全部完成
func (d *Dispatcher) fanOut(ctx context.Context, msg Message, kinds []ChannelKind) (Delivery, error) {
	targets := make([]Channel, 0, len(kinds))
	for _, kind := range kinds {
		if ch, ok := d.channels[kind]; ok {
			targets = append(targets, ch)
		}
	}
	if len(targets) == 0 {
		return Delivery{}, fmt.Errorf("%w: no channel configured", ErrAllChannelsFailed)
	}

	errs := make([]error, len(targets))
	var wg sync.WaitGroup
	for i, ch := range targets {
		wg.Add(1)
		go func(i int, ch Channel) {
			defer wg.Done()
			errs[i] = safeSend(ctx, ch, msg)
		}(i, ch)
	}
	wg.Wait()

	delivery := make(Delivery, len(targets))
	var failures []error
	for i, ch := range targets {
		delivery[ch.Kind()] = errs[i]
		if errs[i] != nil {
			d.logger.Warn("Notification channel failed",
				zap.String("channel", string(ch.Kind())),
				zap.String("user_id", msg.UserID),
				zap.String("alarm_id", msg.AlarmID),
				zap.Int("level", msg.Level),
				zap.Error(errs[i]),
			)
			failures = append(failures, fmt.Errorf("%s: %w", ch.Kind(), errs[i]))
		}
	}

	if len(failures) == len(targets) {
		return delivery, fmt.Errorf("%w: %w", ErrAllChannelsFailed, errors.Join(failures...))
	}
	return delivery, nil
}

// safeSend 渠道实现 panic 时按失败处理
func safeSend(ctx context.Context, ch Channel, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("channel %s panicked: %v", ch.Kind(), r)
		}
	}()
	return ch.Send(ctx, msg)
}

// prepare 按级别填充优先级、有效期和铃声
func prepare(msg Message) Message {
	msg.Priority = PriorityForLevel(msg.Level)
	msg.TTL = TTLForLevel(msg.Level)
	msg.Sound = SoundForLevel(msg.Level)
	return msg
}
