package notification

import "time"

// Priority 通知优先级，随升级级别单调递增
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
	PriorityUrgent
	PriorityCritical
)

const (
	SoundDefault = "default"
	SoundUrgent  = "alarm_urgent"
)

// 按级别的推送有效期，级别越高越短，紧急通知不能过期后才送达
var levelTTL = [...]time.Duration{
	PriorityNormal:   time.Hour,
	PriorityHigh:     30 * time.Minute,
	PriorityUrgent:   10 * time.Minute,
	PriorityCritical: 5 * time.Minute,
}

func (p Priority) String() string {
	switch p {
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// PriorityForLevel 升级级别 → 优先级（≥3 封顶为 critical）
func PriorityForLevel(level int) Priority {
	switch {
	case level <= 0:
		return PriorityNormal
	case level >= int(PriorityCritical):
		return PriorityCritical
	default:
		return Priority(level)
	}
}

// TTLForLevel 升级级别 → 推送有效期
func TTLForLevel(level int) time.Duration {
	return levelTTL[PriorityForLevel(level)]
}

// SoundForLevel 级别 2 起使用紧急铃声
func SoundForLevel(level int) string {
	if PriorityForLevel(level) >= PriorityUrgent {
		return SoundUrgent
	}
	return SoundDefault
}
