package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"wisefido-escalation/internal/models"
	"wisefido-escalation/internal/repository"
)

type memAlarmStore struct {
	mu        sync.Mutex
	alarms    map[string]*models.Alarm
	updateErr error
	updates   int
}

func newMemAlarmStore(alarms ...*models.Alarm) *memAlarmStore {
	s := &memAlarmStore{alarms: make(map[string]*models.Alarm)}
	for _, a := range alarms {
		s.put(a)
	}
	return s
}

func cloneAlarm(a *models.Alarm) *models.Alarm {
	c := *a
	if a.ScheduledJobID != nil {
		id := *a.ScheduledJobID
		c.ScheduledJobID = &id
	}
	if a.NextFireAt != nil {
		t := *a.NextFireAt
		c.NextFireAt = &t
	}
	return &c
}

func (s *memAlarmStore) put(a *models.Alarm) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alarms[a.ID] = cloneAlarm(a)
}

func (s *memAlarmStore) get(id string) *models.Alarm {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alarms[id]
	if !ok {
		return nil
	}
	return cloneAlarm(a)
}

func (s *memAlarmStore) GetByID(_ context.Context, id string) (*models.Alarm, error) {
	if a := s.get(id); a != nil {
		return a, nil
	}
	return nil, fmt.Errorf("%w: alarm_id=%s", repository.ErrAlarmNotFound, id)
}

// Update 只写定义和启用状态，与 AlarmRepository.Update 的列一致
func (s *memAlarmStore) Update(_ context.Context, a *models.Alarm) error {
	if s.updateErr != nil {
		return s.updateErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates++
	stored, ok := s.alarms[a.ID]
	if !ok {
		return fmt.Errorf("%w: alarm_id=%s", repository.ErrAlarmNotFound, a.ID)
	}
	c := cloneAlarm(a)
	c.ScheduledJobID = stored.ScheduledJobID
	c.NextFireAt = stored.NextFireAt
	s.alarms[a.ID] = c
	return nil
}

func (s *memAlarmStore) UpdateSchedule(_ context.Context, alarmID string, expected, jobID *string, nextFireAt *time.Time) (bool, error) {
	if s.updateErr != nil {
		return false, s.updateErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates++
	stored, ok := s.alarms[alarmID]
	if !ok || !sameJobID(stored.ScheduledJobID, expected) {
		return false, nil
	}
	if jobID != nil && !stored.Active {
		return false, nil
	}
	c := cloneAlarm(&models.Alarm{ScheduledJobID: jobID, NextFireAt: nextFireAt})
	stored.ScheduledJobID = c.ScheduledJobID
	stored.NextFireAt = c.NextFireAt
	return true, nil
}

func (s *memAlarmStore) TakeSchedule(_ context.Context, alarmID string) (*string, error) {
	if s.updateErr != nil {
		return nil, s.updateErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates++
	stored, ok := s.alarms[alarmID]
	if !ok {
		return nil, fmt.Errorf("%w: alarm_id=%s", repository.ErrAlarmNotFound, alarmID)
	}
	prev := stored.ScheduledJobID
	stored.ClearSchedule()
	return prev, nil
}

// disable 模拟用户停用：写 active=false 并取走句柄
func (s *memAlarmStore) disable(alarmID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := s.alarms[alarmID]
	stored.Active = false
	stored.ClearSchedule()
}

func sameJobID(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (s *memAlarmStore) GetMissedAlarms(_ context.Context, cutoff time.Time) ([]*models.Alarm, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Alarm
	for _, a := range s.alarms {
		if a.Active && a.NextFireAt != nil && a.NextFireAt.Before(cutoff) {
			out = append(out, cloneAlarm(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type memEventStore struct {
	mu        sync.Mutex
	events    []*models.AlarmEvent
	appendErr error
}

func (s *memEventStore) AppendEvent(_ context.Context, e *models.AlarmEvent) error {
	if s.appendErr != nil {
		return s.appendErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *e
	s.events = append(s.events, &c)
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

type scheduledJob struct {
	job *models.Job
	at  time.Time
}

type memJobs struct {
	mu          sync.Mutex
	seq         int
	jobs        map[string]scheduledJob
	scheduleErr error
}

func newMemJobs() *memJobs {
	return &memJobs{jobs: make(map[string]scheduledJob)}
}

func (j *memJobs) ScheduleJob(_ context.Context, job *models.Job, at time.Time) (string, error) {
	if j.scheduleErr != nil {
		return "", j.scheduleErr
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.seq++
	id := fmt.Sprintf("job-%d", j.seq)
	c := *job
	c.ID = id
	c.RunAt = at
	j.jobs[id] = scheduledJob{job: &c, at: at}
	return id, nil
}

func (j *memJobs) DeleteJob(_ context.Context, id string) (bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	_, ok := j.jobs[id]
	delete(j.jobs, id)
	return ok, nil
}

// liveFor 指向该闹钟的待执行触发任务
func (j *memJobs) liveFor(alarmID string) []scheduledJob {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []scheduledJob
	for _, sj := range j.jobs {
		var p models.TriggerPayload
		if sj.job.Type == models.JobTypeAlarmTrigger && sj.job.DecodePayload(&p) == nil && p.AlarmID == alarmID {
			out = append(out, sj)
		}
	}
	return out
}

func (j *memJobs) get(id string) (scheduledJob, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	sj, ok := j.jobs[id]
	return sj, ok
}

type chainCall struct {
	alarmID string
	firedAt time.Time
	resumed bool
	dueAt   *time.Time
}

type fakeChains struct {
	mu      sync.Mutex
	calls   []chainCall
	err     error
	onStart func() // 在发送级别 0 期间执行，模拟并发的用户操作
}

func (c *fakeChains) StartChain(_ context.Context, alarm *models.Alarm, firedAt time.Time) error {
	c.mu.Lock()
	c.calls = append(c.calls, chainCall{alarmID: alarm.ID, firedAt: firedAt})
	hook := c.onStart
	c.mu.Unlock()
	if hook != nil {
		hook()
	}
	return c.err
}

func (c *fakeChains) ResumeMissed(_ context.Context, alarm *models.Alarm) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	call := chainCall{alarmID: alarm.ID, resumed: true}
	if alarm.NextFireAt != nil {
		t := *alarm.NextFireAt
		call.dueAt = &t
	}
	c.calls = append(c.calls, call)
	return c.err
}
