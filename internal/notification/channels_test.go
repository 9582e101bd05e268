package notification

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakePublisher struct {
	topic   string
	qos     byte
	payload []byte
	err     error
}

func (p *fakePublisher) Publish(topic string, qos byte, _ bool, payload []byte) error {
	p.topic, p.qos, p.payload = topic, qos, payload
	return p.err
}

func TestRealTimeChannel_Send(t *testing.T) {
	pub := &fakePublisher{}
	ch := NewRealTimeChannel(pub, "alarm/user", zap.NewNop())

	err := ch.Send(context.Background(), prepare(Message{UserID: "user-1", AlarmID: "a1", Title: "URGENT: Wake", Level: 2}))
	require.NoError(t, err)

	assert.Equal(t, "alarm/user/user-1/notify", pub.topic)
	assert.Equal(t, byte(1), pub.qos)

	var payload realtimePayload
	require.NoError(t, json.Unmarshal(pub.payload, &payload))
	assert.Equal(t, "a1", payload.AlarmID)
	assert.Equal(t, "URGENT: Wake", payload.Title)
	assert.Equal(t, "urgent", payload.Priority)
	assert.Equal(t, SoundUrgent, payload.Sound)
}

func TestRealTimeChannel_PublishError(t *testing.T) {
	pub := &fakePublisher{err: errors.New("not connected")}
	ch := NewRealTimeChannel(pub, "alarm/user", zap.NewNop())

	err := ch.Send(context.Background(), Message{UserID: "user-1"})
	assert.Error(t, err)
}

func TestRealTimeChannel_CancelledContext(t *testing.T) {
	pub := &fakePublisher{}
	ch := NewRealTimeChannel(pub, "alarm/user", zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, ch.Send(ctx, Message{UserID: "user-1"}), context.Canceled)
	assert.Empty(t, pub.topic)
}

func TestPushChannel_Send(t *testing.T) {
	var got pushRequest
	var auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/push", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		auth = r.Header.Get("Authorization")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"delivered":2}`))
	}))
	defer server.Close()

	ch := NewPushChannel(server.URL, "secret", 5*time.Second, zap.NewNop())
	err := ch.Send(context.Background(), prepare(Message{
		UserID:  "user-1",
		AlarmID: "a1",
		Title:   "Reminder: Wake",
		Body:    "Your alarm is still ringing",
		Level:   1,
		Data:    map[string]string{"alarm_id": "a1"},
	}))
	require.NoError(t, err)

	assert.Equal(t, "Bearer secret", auth)
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, "high", got.Priority)
	assert.Equal(t, int64(1800), got.TTLSeconds)
	assert.Equal(t, SoundDefault, got.Sound)
	assert.Equal(t, "a1", got.Data["alarm_id"])
}

func TestPushChannel_GatewayErrorNotRetried(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"overloaded"}`))
	}))
	defer server.Close()

	ch := NewPushChannel(server.URL, "", 5*time.Second, zap.NewNop())
	err := ch.Send(context.Background(), Message{UserID: "user-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "overloaded")
	assert.Equal(t, 1, calls)
}

type fakeMailSender struct {
	to, subject, body string
	err               error
}

func (s *fakeMailSender) SendMail(_ context.Context, to, subject, body string) error {
	s.to, s.subject, s.body = to, subject, body
	return s.err
}

func TestEmailChannel_Send(t *testing.T) {
	sender := &fakeMailSender{}
	ch := NewEmailChannel(sender, zap.NewNop())

	err := ch.Send(context.Background(), Message{UserID: "user-1", Email: "u@example.com", Title: "Alarm: <Wake>", Body: "Time to get up"})
	require.NoError(t, err)

	assert.Equal(t, "u@example.com", sender.to)
	assert.Equal(t, "Alarm: <Wake>", sender.subject)
	assert.Contains(t, sender.body, "Alarm: &lt;Wake&gt;")
	assert.Contains(t, sender.body, "Time to get up")
}

func TestEmailChannel_NoAddress(t *testing.T) {
	sender := &fakeMailSender{}
	ch := NewEmailChannel(sender, zap.NewNop())

	err := ch.Send(context.Background(), Message{UserID: "user-1"})
	assert.ErrorIs(t, err, ErrNoRecipient)
	assert.Empty(t, sender.to)
}

func TestNewSMTPSender(t *testing.T) {
	s := NewSMTPSender("mail.example.com", 587, "", "", "alarms@example.com", 0)
	assert.Equal(t, "mail.example.com:587", s.addr)
	assert.Nil(t, s.auth)
	assert.Equal(t, defaultSMTPTimeout, s.timeout)

	s = NewSMTPSender("mail.example.com", 587, "user", "pass", "alarms@example.com", 5*time.Second)
	assert.NotNil(t, s.auth)
	assert.Equal(t, 5*time.Second, s.timeout)
}

// listenSMTP 本地 SMTP 服务端，serve 处理每个连接
func listenSMTP(t *testing.T, serve func(conn net.Conn)) (string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serve(conn)
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

func TestSMTPSender_HungServerHonoursContext(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	// 接受连接但从不发送问候
	host, port := listenSMTP(t, func(conn net.Conn) {
		defer conn.Close()
		<-release
	})
	sender := NewSMTPSender(host, port, "", "", "alarms@example.com", time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := sender.SendMail(ctx, "owner@example.com", "Alarm", "<p>wake up</p>")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestSMTPSender_HungServerHonoursTimeout(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	host, port := listenSMTP(t, func(conn net.Conn) {
		defer conn.Close()
		<-release
	})
	sender := NewSMTPSender(host, port, "", "", "alarms@example.com", 100*time.Millisecond)

	start := time.Now()
	err := sender.SendMail(context.Background(), "owner@example.com", "Alarm", "<p>wake up</p>")
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestSMTPSender_Delivers(t *testing.T) {
	received := make(chan string, 1)

	host, port := listenSMTP(t, func(conn net.Conn) {
		defer conn.Close()
		tp := textproto.NewConn(conn)
		_ = tp.PrintfLine("220 test ESMTP")
		for {
			line, err := tp.ReadLine()
			if err != nil {
				return
			}
			switch {
			case strings.HasPrefix(line, "EHLO"):
				_ = tp.PrintfLine("250 test")
			case strings.HasPrefix(line, "DATA"):
				_ = tp.PrintfLine("354 go ahead")
				body, err := tp.ReadDotLines()
				if err != nil {
					return
				}
				received <- strings.Join(body, "\n")
				_ = tp.PrintfLine("250 queued")
			case strings.HasPrefix(line, "QUIT"):
				_ = tp.PrintfLine("221 bye")
				return
			default:
				_ = tp.PrintfLine("250 ok")
			}
		}
	})
	sender := NewSMTPSender(host, port, "", "", "alarms@example.com", time.Second)

	require.NoError(t, sender.SendMail(context.Background(), "owner@example.com", "Alarm", "<p>wake up</p>"))

	select {
	case body := <-received:
		assert.Contains(t, body, "To: owner@example.com")
		assert.Contains(t, body, "<p>wake up</p>")
	case <-time.After(2 * time.Second):
		t.Fatal("message not received")
	}
}
