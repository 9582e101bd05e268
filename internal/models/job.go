package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobType 延迟任务类型
type JobType string

const (
	JobTypeAlarmTrigger          JobType = "alarm.trigger"
	JobTypeSnoozeRefire          JobType = "alarm.snooze_refire"
	JobTypeEscalationCheckpoint  JobType = "escalation.checkpoint"
	JobTypeReconcileMissedAlarms JobType = "alarm.reconcile_missed"
)

// Job 持久化延迟任务
type Job struct {
	ID      string          `json:"id"`
	Type    JobType         `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Attempt int             `json:"attempt"`
	// RecurringID 非空表示该任务是周期任务的一次执行
	RecurringID string    `json:"recurring_id,omitempty"`
	RunAt       time.Time `json:"run_at"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewJob 构建任务，payload 序列化为 JSON
func NewJob(jobType JobType, payload interface{}) (*Job, error) {
	job := &Job{Type: jobType}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", jobType, err)
		}
		job.Payload = data
	}
	return job, nil
}

// DecodePayload 反序列化任务 payload
func (j *Job) DecodePayload(dest interface{}) error {
	if len(j.Payload) == 0 {
		return fmt.Errorf("job %s (%s) has empty payload", j.ID, j.Type)
	}
	if err := json.Unmarshal(j.Payload, dest); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", j.Type, err)
	}
	return nil
}

// TriggerPayload 闹钟触发任务参数
type TriggerPayload struct {
	AlarmID string `json:"alarm_id"`
}

// CheckpointPayload 升级检查点参数
// 升级链的全部状态都在这里，检查点之间不共享可变状态
type CheckpointPayload struct {
	AlarmID        string        `json:"alarm_id"`
	Level          int           `json:"level"`
	Window         time.Duration `json:"window"`           // 已处理状态的回看窗口
	ChainStartedAt time.Time     `json:"chain_started_at"` // 早于此时间的确认不结束本条链
}
