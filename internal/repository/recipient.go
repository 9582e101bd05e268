package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"wisefido-escalation/internal/models"

	"go.uber.org/zap"
)

// ErrRecipientNotFound 用户不存在
var ErrRecipientNotFound = errors.New("recipient not found")

// RecipientRepository 通知接收人仓库（users + user_devices）
type RecipientRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewRecipientRepository 创建接收人仓库
func NewRecipientRepository(db *sql.DB, logger *zap.Logger) *RecipientRepository {
	return &RecipientRepository{
		db:     db,
		logger: logger,
	}
}

// GetRecipient 获取用户邮箱及已注册的设备通道
func (r *RecipientRepository) GetRecipient(ctx context.Context, userID string) (*models.Recipient, error) {
	if userID == "" {
		return nil, fmt.Errorf("user_id is required")
	}

	query := `
		SELECT
			u.user_id,
			COALESCE(u.email, ''),
			COUNT(d.device_id) FILTER (WHERE d.channel = 'push' AND d.active),
			COALESCE(BOOL_OR(d.channel = 'realtime' AND d.active), FALSE)
		FROM users u
		LEFT JOIN user_devices d ON d.user_id = u.user_id
		WHERE u.user_id = $1
		GROUP BY u.user_id, u.email
	`

	var recipient models.Recipient
	err := r.db.QueryRowContext(ctx, query, userID).Scan(
		&recipient.UserID,
		&recipient.Email,
		&recipient.PushTokens,
		&recipient.RealtimeEnabled,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: user_id=%s", ErrRecipientNotFound, userID)
		}
		return nil, fmt.Errorf("failed to get recipient: %w", err)
	}

	return &recipient, nil
}
