package notification

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"html"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// MailSender 邮件发送接口
type MailSender interface {
	SendMail(ctx context.Context, to, subject, htmlBody string) error
}

// defaultSMTPTimeout 未配置超时且 ctx 没有截止时间时的整次发送上限
const defaultSMTPTimeout = 30 * time.Second

// SMTPSender 基于 SMTP 的邮件发送
type SMTPSender struct {
	host    string
	addr    string
	from    string
	auth    smtp.Auth
	timeout time.Duration
}

// NewSMTPSender 创建 SMTP 发送器，username 为空时不认证
// timeout 限制一次发送（拨号到 QUIT）的总时长，<=0 时使用 30 秒
func NewSMTPSender(host string, port int, username, password, from string, timeout time.Duration) *SMTPSender {
	if timeout <= 0 {
		timeout = defaultSMTPTimeout
	}
	s := &SMTPSender{
		host:    host,
		addr:    net.JoinHostPort(host, strconv.Itoa(port)),
		from:    from,
		timeout: timeout,
	}
	if username != "" {
		s.auth = smtp.PlainAuth("", username, password, host)
	}
	return s
}

// SendMail 发送 HTML 邮件
// 连接截止时间取 ctx 截止时间和 timeout 中较早者，ctx 取消时立即关闭连接
func (s *SMTPSender) SendMail(ctx context.Context, to, subject, htmlBody string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", s.from)
	fmt.Fprintf(&buf, "To: %s\r\n", to)
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/html; charset=\"utf-8\"\r\n")
	buf.WriteString("\r\n")
	buf.WriteString(htmlBody)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to dial smtp server: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return fmt.Errorf("failed to set smtp deadline: %w", err)
		}
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := s.deliver(conn, to, buf.Bytes()); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("failed to send mail: %w", ctxErr)
		}
		return fmt.Errorf("failed to send mail: %w", err)
	}
	return nil
}

// deliver 与 smtp.SendMail 相同的会话流程，连接由调用方管理
func (s *SMTPSender) deliver(conn net.Conn, to string, msg []byte) error {
	c, err := smtp.NewClient(conn, s.host)
	if err != nil {
		return err
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: s.host}); err != nil {
			return err
		}
	}
	if s.auth != nil {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(s.auth); err != nil {
				return err
			}
		}
	}
	if err := c.Mail(s.from); err != nil {
		return err
	}
	if err := c.Rcpt(to); err != nil {
		return err
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

// EmailChannel 邮件渠道（无设备时的兜底）
type EmailChannel struct {
	sender MailSender
	logger *zap.Logger
}

// NewEmailChannel 创建邮件渠道
func NewEmailChannel(sender MailSender, logger *zap.Logger) *EmailChannel {
	return &EmailChannel{
		sender: sender,
		logger: logger,
	}
}

// Kind 渠道类型
func (c *EmailChannel) Kind() ChannelKind { return ChannelEmail }

// Send 发送邮件，msg.Email 为空时返回 ErrNoRecipient
func (c *EmailChannel) Send(ctx context.Context, msg Message) error {
	if msg.Email == "" {
		return fmt.Errorf("%w: no email for user %s", ErrNoRecipient, msg.UserID)
	}

	if err := c.sender.SendMail(ctx, msg.Email, msg.Title, renderEmail(msg)); err != nil {
		return err
	}

	c.logger.Debug("Email notification sent",
		zap.String("user_id", msg.UserID),
		zap.String("alarm_id", msg.AlarmID),
	)
	return nil
}

func renderEmail(msg Message) string {
	return fmt.Sprintf("<html><body><h2>%s</h2><p>%s</p></body></html>",
		html.EscapeString(msg.Title),
		html.EscapeString(msg.Body),
	)
}
