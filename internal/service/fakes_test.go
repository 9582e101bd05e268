package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"wisefido-escalation/internal/models"
	"wisefido-escalation/internal/notification"
	"wisefido-escalation/internal/repository"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// memAlarmStore 内存闹钟存储，读写都复制以模拟数据库，各方法写的列与 AlarmRepository 一致
type memAlarmStore struct {
	mu     sync.Mutex
	alarms map[string]models.Alarm

	scheduleFailures int // 接下来若干次 UpdateSchedule 返回错误
}

func newMemAlarmStore() *memAlarmStore {
	return &memAlarmStore{alarms: make(map[string]models.Alarm)}
}

func (s *memAlarmStore) put(alarm *models.Alarm) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alarms[alarm.ID] = *alarm
}

func (s *memAlarmStore) get(id string) models.Alarm {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alarms[id]
}

func (s *memAlarmStore) GetByID(_ context.Context, alarmID string) (*models.Alarm, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	alarm, ok := s.alarms[alarmID]
	if !ok {
		return nil, repository.ErrAlarmNotFound
	}
	return &alarm, nil
}

func (s *memAlarmStore) Update(_ context.Context, alarm *models.Alarm) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.alarms[alarm.ID]
	if !ok {
		return repository.ErrAlarmNotFound
	}
	stored.Name = alarm.Name
	stored.TimeOfDay = alarm.TimeOfDay
	stored.At = alarm.At
	stored.Timezone = alarm.Timezone
	stored.Recurring = alarm.Recurring
	stored.Active = alarm.Active
	s.alarms[alarm.ID] = stored
	return nil
}

func (s *memAlarmStore) UpdateSchedule(_ context.Context, alarmID string, expected, jobID *string, nextFireAt *time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scheduleFailures > 0 {
		s.scheduleFailures--
		return false, errBoom
	}
	stored, ok := s.alarms[alarmID]
	if !ok || !sameJobID(stored.ScheduledJobID, expected) || (jobID != nil && !stored.Active) {
		return false, nil
	}
	stored.ScheduledJobID = copyString(jobID)
	stored.NextFireAt = copyTime(nextFireAt)
	s.alarms[alarmID] = stored
	return true, nil
}

func (s *memAlarmStore) TakeSchedule(_ context.Context, alarmID string) (*string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.alarms[alarmID]
	if !ok {
		return nil, repository.ErrAlarmNotFound
	}
	prev := stored.ScheduledJobID
	stored.ClearSchedule()
	s.alarms[alarmID] = stored
	return prev, nil
}

func sameJobID(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func copyString(v *string) *string {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func copyTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func (s *memAlarmStore) GetMissedAlarms(_ context.Context, cutoff time.Time) ([]*models.Alarm, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Alarm
	for _, alarm := range s.alarms {
		if alarm.Active && alarm.NextFireAt != nil && alarm.NextFireAt.Before(cutoff) {
			a := alarm
			out = append(out, &a)
		}
	}
	return out, nil
}

type memEventStore struct {
	mu        sync.Mutex
	events    []*models.AlarmEvent
	appendErr error
}

func (s *memEventStore) AppendEvent(_ context.Context, event *models.AlarmEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return s.appendErr
	}
	e := *event
	s.events = append(s.events, &e)
	return nil
}

func (s *memEventStore) QueryEvents(_ context.Context, userID string, since time.Time) ([]*models.AlarmEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.AlarmEvent
	for _, e := range s.events {
		if e.UserID == userID && !e.OccurredAt.Before(since) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
	return out, nil
}

func (s *memEventStore) ofType(t models.EventType) []*models.AlarmEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.AlarmEvent
	for _, e := range s.events {
		if e.EventType == t {
			out = append(out, e)
		}
	}
	return out
}

// sent 一次渠道发送记录
type sent struct {
	at    time.Time
	level int
}

type recordingChannel struct {
	kind  notification.ChannelKind
	clock *fakeClock

	mu     sync.Mutex
	sent   []sent
	onSend func() // 只在下一次发送时执行一次
}

func (c *recordingChannel) Kind() notification.ChannelKind { return c.kind }

func (c *recordingChannel) Send(_ context.Context, msg notification.Message) error {
	c.mu.Lock()
	c.sent = append(c.sent, sent{at: c.clock.Now(), level: msg.Level})
	hook := c.onSend
	c.onSend = nil
	c.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

func (c *recordingChannel) setOnSend(hook func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSend = hook
}

func (c *recordingChannel) records() []sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sent(nil), c.sent...)
}

type staticRecipients struct {
	recipient models.Recipient
}

func (r staticRecipients) GetRecipient(_ context.Context, userID string) (*models.Recipient, error) {
	out := r.recipient
	out.UserID = userID
	return &out, nil
}

type scheduledJob struct {
	job *models.Job
	at  time.Time
}

type fakeJobs struct {
	scheduled []scheduledJob
	err       error
}

func (j *fakeJobs) ScheduleJob(_ context.Context, job *models.Job, at time.Time) (string, error) {
	if j.err != nil {
		return "", j.err
	}
	j.scheduled = append(j.scheduled, scheduledJob{job: job, at: at})
	return "snooze-job", nil
}

type fakeTriggers struct {
	cancelled   []string
	rescheduled []string
	err         error
}

func (t *fakeTriggers) CancelAlarm(_ context.Context, alarmID string) error {
	if t.err != nil {
		return t.err
	}
	t.cancelled = append(t.cancelled, alarmID)
	return nil
}

func (t *fakeTriggers) RescheduleAlarm(_ context.Context, alarm *models.Alarm) error {
	if t.err != nil {
		return t.err
	}
	t.rescheduled = append(t.rescheduled, alarm.ID)
	return nil
}

var errBoom = errors.New("boom")
