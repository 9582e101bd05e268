package service

import (
	"context"
	"testing"
	"time"

	"wisefido-escalation/internal/models"
	"wisefido-escalation/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var lifecycleNow = time.Date(2026, 3, 2, 7, 3, 0, 0, time.UTC)

type lifecycleHarness struct {
	svc      *AlarmLifecycleService
	alarms   *memAlarmStore
	events   *memEventStore
	jobs     *fakeJobs
	triggers *fakeTriggers
}

func newLifecycleHarness() *lifecycleHarness {
	h := &lifecycleHarness{
		alarms:   newMemAlarmStore(),
		events:   &memEventStore{},
		jobs:     &fakeJobs{},
		triggers: &fakeTriggers{},
	}
	h.alarms.put(&models.Alarm{ID: "a1", OwnerID: "user-1", TimeOfDay: "07:00", Recurring: true, Active: true})
	h.svc = NewAlarmLifecycleService(h.alarms, h.events, h.jobs, h.triggers, zap.NewNop())
	h.svc.now = func() time.Time { return lifecycleNow }
	return h
}

func TestSnooze_AppendsEventAndSchedulesRefire(t *testing.T) {
	h := newLifecycleHarness()

	require.NoError(t, h.svc.Snooze(context.Background(), "a1", "user-1", 9*time.Minute))

	snoozed := h.events.ofType(models.EventSnoozed)
	require.Len(t, snoozed, 1)
	require.NotNil(t, snoozed[0].SnoozeDuration)
	assert.Equal(t, 9*time.Minute, *snoozed[0].SnoozeDuration)
	assert.True(t, snoozed[0].OccurredAt.Equal(lifecycleNow))

	require.Len(t, h.jobs.scheduled, 1)
	job := h.jobs.scheduled[0]
	assert.Equal(t, models.JobTypeSnoozeRefire, job.job.Type)
	assert.True(t, job.at.Equal(lifecycleNow.Add(9*time.Minute)))

	var payload models.TriggerPayload
	require.NoError(t, job.job.DecodePayload(&payload))
	assert.Equal(t, "a1", payload.AlarmID)
}

func TestSnooze_RejectsNonPositiveDuration(t *testing.T) {
	h := newLifecycleHarness()

	assert.Error(t, h.svc.Snooze(context.Background(), "a1", "user-1", 0))
	assert.Error(t, h.svc.Snooze(context.Background(), "a1", "user-1", -time.Minute))
	assert.Empty(t, h.events.ofType(models.EventSnoozed))
	assert.Empty(t, h.jobs.scheduled)
}

func TestSnooze_NotOwner(t *testing.T) {
	h := newLifecycleHarness()

	err := h.svc.Snooze(context.Background(), "a1", "user-2", time.Minute)
	assert.ErrorIs(t, err, ErrNotOwner)
	assert.Empty(t, h.jobs.scheduled)
}

func TestSnooze_ScheduleFailure(t *testing.T) {
	h := newLifecycleHarness()
	h.jobs.err = errBoom

	err := h.svc.Snooze(context.Background(), "a1", "user-1", time.Minute)
	assert.ErrorIs(t, err, errBoom)
}

func TestDismiss(t *testing.T) {
	h := newLifecycleHarness()

	require.NoError(t, h.svc.Dismiss(context.Background(), "a1", "user-1"))
	dismissed := h.events.ofType(models.EventDismissed)
	require.Len(t, dismissed, 1)
	assert.Equal(t, "a1", dismissed[0].AlarmID)

	err := h.svc.Dismiss(context.Background(), "missing", "user-1")
	assert.ErrorIs(t, err, repository.ErrAlarmNotFound)
}

func TestDismiss_AppendFailure(t *testing.T) {
	h := newLifecycleHarness()
	h.events.appendErr = errBoom

	assert.ErrorIs(t, h.svc.Dismiss(context.Background(), "a1", "user-1"), errBoom)
}

func TestDisable(t *testing.T) {
	h := newLifecycleHarness()

	require.NoError(t, h.svc.Disable(context.Background(), "a1", "user-1"))

	assert.False(t, h.alarms.get("a1").Active)
	assert.Equal(t, []string{"a1"}, h.triggers.cancelled)
	assert.Len(t, h.events.ofType(models.EventDisabled), 1)
}

func TestDisable_CancelFailure(t *testing.T) {
	h := newLifecycleHarness()
	h.triggers.err = errBoom

	assert.ErrorIs(t, h.svc.Disable(context.Background(), "a1", "user-1"), errBoom)
	assert.Empty(t, h.events.ofType(models.EventDisabled))
}

func TestModify(t *testing.T) {
	h := newLifecycleHarness()
	alarm := h.alarms.get("a1")
	alarm.TimeOfDay = "08:30"

	require.NoError(t, h.svc.Modify(context.Background(), &alarm, "user-1"))

	assert.Equal(t, []string{"a1"}, h.triggers.rescheduled)
	modified := h.events.ofType(models.EventModified)
	require.Len(t, modified, 1)
	assert.Equal(t, "user-1", modified[0].UserID)

	assert.Error(t, h.svc.Modify(context.Background(), nil, "user-1"))
}

func TestModify_NotOwner(t *testing.T) {
	h := newLifecycleHarness()
	alarm := h.alarms.get("a1")
	alarm.Active = false

	err := h.svc.Modify(context.Background(), &alarm, "intruder")
	assert.ErrorIs(t, err, ErrNotOwner)
	assert.Empty(t, h.triggers.rescheduled)
	assert.Empty(t, h.events.ofType(models.EventModified))
	assert.True(t, h.alarms.get("a1").Active)
}

func TestModify_CannotTransferOwnership(t *testing.T) {
	h := newLifecycleHarness()
	alarm := h.alarms.get("a1")
	alarm.OwnerID = "user-2"

	require.NoError(t, h.svc.Modify(context.Background(), &alarm, "user-1"))
	assert.Equal(t, "user-1", alarm.OwnerID)
}

func TestModify_MissingAlarm(t *testing.T) {
	h := newLifecycleHarness()
	err := h.svc.Modify(context.Background(), &models.Alarm{ID: "missing"}, "user-1")
	assert.ErrorIs(t, err, repository.ErrAlarmNotFound)
	assert.Empty(t, h.triggers.rescheduled)
}
