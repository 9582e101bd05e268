package scheduler

import (
	"fmt"
	"time"

	"wisefido-escalation/internal/models"
)

// NextFireTime 计算闹钟在 now 之后的下一次触发时间
//
// 一次性闹钟：At 严格晚于 now 时返回 At，否则返回 false（不调度过去的触发）。
// 重复闹钟：按闹钟时区取当天的 TimeOfDay，逐日推进直到严格晚于 now，
// 保证 0 < 延迟 ≤ 24h（夏令时切换日按墙上时间计算）。
func NextFireTime(alarm *models.Alarm, now time.Time) (time.Time, bool, error) {
	if !alarm.Recurring {
		if alarm.At == nil {
			return time.Time{}, false, fmt.Errorf("one-time alarm %s has no fire time", alarm.ID)
		}
		if !alarm.At.After(now) {
			return time.Time{}, false, nil
		}
		return *alarm.At, true, nil
	}

	hour, minute, second, err := models.ParseTimeOfDay(alarm.TimeOfDay)
	if err != nil {
		return time.Time{}, false, err
	}
	loc, err := alarm.Location()
	if err != nil {
		return time.Time{}, false, err
	}

	local := now.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, second, 0, loc)
	for !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next, true, nil
}
