package models

import (
	"time"
)

// EventType 闹钟生命周期事件类型
type EventType string

const (
	EventCreated   EventType = "Created"
	EventTriggered EventType = "Triggered"
	EventSnoozed   EventType = "Snoozed"
	EventDismissed EventType = "Dismissed"
	EventDisabled  EventType = "Disabled"
	EventModified  EventType = "Modified"
)

// IsValid 是否为已知事件类型
func (t EventType) IsValid() bool {
	switch t {
	case EventCreated, EventTriggered, EventSnoozed, EventDismissed, EventDisabled, EventModified:
		return true
	}
	return false
}

// IsAcknowledgement 用户是否已处理（稍后提醒或关闭）
func (t EventType) IsAcknowledgement() bool {
	return t == EventSnoozed || t == EventDismissed
}

// AlarmEvent 闹钟生命周期事件（对应 alarm_events 表，只追加不修改）
type AlarmEvent struct {
	EventID        string            `json:"event_id" db:"event_id"`
	AlarmID        string            `json:"alarm_id" db:"alarm_id"`
	UserID         string            `json:"user_id" db:"user_id"`
	EventType      EventType         `json:"event_type" db:"event_type"`
	OccurredAt     time.Time         `json:"occurred_at" db:"occurred_at"`
	SnoozeDuration *time.Duration    `json:"snooze_duration,omitempty" db:"snooze_duration_sec"`
	Metadata       map[string]string `json:"metadata,omitempty" db:"metadata"` // JSONB
}

// 事件 metadata 常用键
const (
	MetaSource = "source"
	MetaJobID  = "job_id"
)

// 触发来源
const (
	SourceSchedule       = "schedule"
	SourceSnooze         = "snooze"
	SourceReconciliation = "reconciliation"
)
