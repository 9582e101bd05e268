package escalation

import (
	"fmt"
	"strconv"

	"wisefido-escalation/internal/models"
	"wisefido-escalation/internal/notification"
)

// titlePrefix 按级别的标题前缀
func titlePrefix(level int) string {
	switch {
	case level <= 0:
		return "Alarm"
	case level == 1:
		return "Reminder"
	case level == 2:
		return "URGENT"
	default:
		return "CRITICAL"
	}
}

func bodyFor(level int, name string) string {
	switch {
	case level <= 0:
		return fmt.Sprintf("Your alarm %q is ringing.", name)
	case level == 1:
		return fmt.Sprintf("Your alarm %q is still ringing.", name)
	case level == 2:
		return fmt.Sprintf("Your alarm %q has not been acknowledged. Please respond.", name)
	default:
		return fmt.Sprintf("Your alarm %q was never acknowledged. All contacts notified.", name)
	}
}

// buildMessage 构建按级别递进的通知
func buildMessage(alarm *models.Alarm, level int) notification.Message {
	return notification.Message{
		UserID:  alarm.OwnerID,
		AlarmID: alarm.ID,
		Title:   fmt.Sprintf("%s: %s", titlePrefix(level), alarm.Name),
		Body:    bodyFor(level, alarm.Name),
		Level:   level,
		Data: map[string]string{
			"alarm_id": alarm.ID,
			"level":    strconv.Itoa(level),
		},
	}
}
