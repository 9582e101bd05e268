package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestGetRecipient_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewRecipientRepository(db, zap.NewNop())

	rows := sqlmock.NewRows([]string{"user_id", "email", "push_tokens", "realtime_enabled"}).
		AddRow("user-1", "a@example.com", 2, false)
	mock.ExpectQuery(`SELECT .* FROM users`).
		WithArgs("user-1").
		WillReturnRows(rows)

	recipient, err := repo.GetRecipient(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", recipient.Email)
	assert.Equal(t, 2, recipient.PushTokens)
	assert.True(t, recipient.HasDeviceTarget())

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRecipient_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewRecipientRepository(db, zap.NewNop())

	mock.ExpectQuery(`SELECT`).
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	_, err = repo.GetRecipient(context.Background(), "ghost")
	assert.True(t, errors.Is(err, ErrRecipientNotFound))

	require.NoError(t, mock.ExpectationsWereMet())
}
