package models

import (
	"fmt"
	"time"
)

// Alarm 用户闹钟（对应 alarms 表）
type Alarm struct {
	ID        string     `json:"id" db:"alarm_id"`
	OwnerID   string     `json:"owner_id" db:"owner_id"`
	Name      string     `json:"name" db:"name"`
	TimeOfDay string     `json:"time_of_day" db:"time_of_day"` // 重复闹钟的每日时间，"HH:MM" 或 "HH:MM:SS"
	At        *time.Time `json:"at,omitempty" db:"fire_at"`    // 一次性闹钟的绝对时间
	Timezone  string     `json:"timezone" db:"timezone"`       // IANA 时区，空值按 UTC 处理
	Recurring bool       `json:"recurring" db:"recurring"`
	Active    bool       `json:"active" db:"active"`

	// ScheduledJobID 当前待执行的触发任务句柄，任务被取消或消费后必须清空
	ScheduledJobID *string `json:"scheduled_job_id,omitempty" db:"scheduled_job_id"`
	// NextFireAt 当前触发任务的预定时间，用于漏触发扫描
	NextFireAt *time.Time `json:"next_fire_at,omitempty" db:"next_fire_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// HasScheduledJob 是否持有待执行的触发任务
func (a *Alarm) HasScheduledJob() bool {
	return a.ScheduledJobID != nil && *a.ScheduledJobID != ""
}

// ClearSchedule 清空触发任务句柄和预定时间
func (a *Alarm) ClearSchedule() {
	a.ScheduledJobID = nil
	a.NextFireAt = nil
}

// Location 闹钟所在时区
func (a *Alarm) Location() (*time.Location, error) {
	if a.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(a.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", a.Timezone, err)
	}
	return loc, nil
}

// ParseTimeOfDay 解析 "HH:MM" 或 "HH:MM:SS"
func ParseTimeOfDay(s string) (hour, minute, second int, err error) {
	for _, layout := range []string{"15:04:05", "15:04"} {
		t, parseErr := time.Parse(layout, s)
		if parseErr == nil {
			return t.Hour(), t.Minute(), t.Second(), nil
		}
	}
	return 0, 0, 0, fmt.Errorf("invalid time of day %q", s)
}
