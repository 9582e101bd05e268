package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"wisefido-escalation/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AlarmEventsRepository 闹钟生命周期事件仓库（只追加、按时间查询）
type AlarmEventsRepository struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewAlarmEventsRepository 创建事件仓库
func NewAlarmEventsRepository(db *sql.DB, logger *zap.Logger) *AlarmEventsRepository {
	return &AlarmEventsRepository{
		db:     db,
		logger: logger,
		now:    time.Now,
	}
}

// AppendEvent 追加事件，event_id 和 occurred_at 为空时自动生成
func (r *AlarmEventsRepository) AppendEvent(ctx context.Context, event *models.AlarmEvent) error {
	if event == nil {
		return fmt.Errorf("event is required")
	}
	if event.AlarmID == "" {
		return fmt.Errorf("alarm_id is required")
	}
	if event.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if !event.EventType.IsValid() {
		return fmt.Errorf("invalid event_type: %s", event.EventType)
	}

	if event.EventID == "" {
		event.EventID = uuid.New().String()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = r.now()
	}

	metadata := []byte("{}")
	if len(event.Metadata) > 0 {
		data, err := json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		metadata = data
	}

	var snoozeSec interface{}
	if event.SnoozeDuration != nil {
		snoozeSec = int64(event.SnoozeDuration.Seconds())
	}

	query := `
		INSERT INTO alarm_events (
			event_id,
			alarm_id,
			user_id,
			event_type,
			occurred_at,
			snooze_duration_sec,
			metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.db.ExecContext(ctx, query,
		event.EventID,
		event.AlarmID,
		event.UserID,
		string(event.EventType),
		event.OccurredAt,
		snoozeSec,
		metadata,
	)
	if err != nil {
		return fmt.Errorf("failed to append alarm event: %w", err)
	}

	r.logger.Debug("Alarm event appended",
		zap.String("event_id", event.EventID),
		zap.String("alarm_id", event.AlarmID),
		zap.String("event_type", string(event.EventType)),
	)

	return nil
}

// QueryEvents 查询用户在 since 之后的全部事件，按时间升序
func (r *AlarmEventsRepository) QueryEvents(ctx context.Context, userID string, since time.Time) ([]*models.AlarmEvent, error) {
	if userID == "" {
		return nil, fmt.Errorf("user_id is required")
	}

	query := `
		SELECT
			event_id,
			alarm_id,
			user_id,
			event_type,
			occurred_at,
			snooze_duration_sec,
			metadata
		FROM alarm_events
		WHERE user_id = $1
		  AND occurred_at >= $2
		ORDER BY occurred_at ASC, event_id ASC
	`

	rows, err := r.db.QueryContext(ctx, query, userID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query alarm events: %w", err)
	}
	defer rows.Close()

	events := []*models.AlarmEvent{}
	for rows.Next() {
		var event models.AlarmEvent
		var eventType string
		var snoozeSec sql.NullInt64
		var metadata []byte

		if err := rows.Scan(
			&event.EventID,
			&event.AlarmID,
			&event.UserID,
			&eventType,
			&event.OccurredAt,
			&snoozeSec,
			&metadata,
		); err != nil {
			return nil, fmt.Errorf("failed to scan alarm event: %w", err)
		}

		event.EventType = models.EventType(eventType)
		if snoozeSec.Valid {
			d := time.Duration(snoozeSec.Int64) * time.Second
			event.SnoozeDuration = &d
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &event.Metadata); err != nil {
				// metadata 损坏不影响事件本身
				r.logger.Warn("Failed to unmarshal alarm event metadata",
					zap.String("event_id", event.EventID),
					zap.Error(err),
				)
			}
		}

		events = append(events, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate alarm events: %w", err)
	}

	return events, nil
}
