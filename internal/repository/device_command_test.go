package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/alpesh15gb/apextime-core/internal/domain"
)

func setupMockCommandDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *DeviceCommandRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	logger := zap.NewNop()
	repo := NewDeviceCommandRepository(db, logger)

	return db, mock, repo
}

func commandRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"command_id", "tenant_id", "device_id", "command_type",
		"payload", "priority", "status", "created_at",
		"sent_at", "completed_at", "result", "error_text",
	})
}

func TestDrain_MarksAllSent(t *testing.T) {
	db, mock, repo := setupMockCommandDB(t)
	defer db.Close()

	ctx := context.Background()
	tenantID := uuid.New().String()
	deviceID := uuid.New().String()
	restartID := uuid.New().String()
	uploadID := uuid.New().String()
	now := time.Now()

	// 高优先级命令先出队
	rows := commandRows().
		AddRow(restartID, tenantID, deviceID, domain.CmdRestart,
			`{}`, 10, domain.CmdPending, now.Add(-time.Minute),
			nil, nil, nil, nil).
		AddRow(uploadID, tenantID, deviceID, domain.CmdUploadUser,
			`{"user_id":"38"}`, 5, domain.CmdPending, now.Add(-2*time.Minute),
			nil, nil, nil, nil)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT`).
		WithArgs(deviceID, domain.CmdPending, 10).
		WillReturnRows(rows)
	mock.ExpectExec(`UPDATE device_commands SET status`).
		WithArgs(domain.CmdSent, now, restartID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE device_commands SET status`).
		WithArgs(domain.CmdSent, now, uploadID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	commands, err := repo.Drain(ctx, deviceID, 10, now)

	require.NoError(t, err)
	require.Len(t, commands, 2)
	assert.Equal(t, domain.CmdRestart, commands[0].CommandType)
	assert.Equal(t, domain.CmdSent, commands[0].Status)
	assert.True(t, commands[1].SentAt.Valid)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDrain_NoPending(t *testing.T) {
	db, mock, repo := setupMockCommandDB(t)
	defer db.Close()

	deviceID := uuid.New().String()
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT`).
		WithArgs(deviceID, domain.CmdPending, 10).
		WillReturnRows(commandRows())
	mock.ExpectCommit()

	commands, err := repo.Drain(context.Background(), deviceID, 10, now)

	require.NoError(t, err)
	assert.Empty(t, commands)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLatestSent_NotFound(t *testing.T) {
	db, mock, repo := setupMockCommandDB(t)
	defer db.Close()

	deviceID := uuid.New().String()

	mock.ExpectQuery(`SELECT`).
		WithArgs(deviceID, domain.CmdSent).
		WillReturnError(sql.ErrNoRows)

	_, err := repo.LatestSent(context.Background(), deviceID)

	assert.Equal(t, sql.ErrNoRows, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestComplete_UpdatesResult(t *testing.T) {
	db, mock, repo := setupMockCommandDB(t)
	defer db.Close()

	commandID := uuid.New().String()
	now := time.Now()

	mock.ExpectExec(`UPDATE device_commands`).
		WithArgs(domain.CmdCompleted, "Return=0", now, commandID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Complete(context.Background(), commandID, "Return=0", now)

	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCountByStatus(t *testing.T) {
	db, mock, repo := setupMockCommandDB(t)
	defer db.Close()

	tenantID := uuid.New().String()

	mock.ExpectQuery(`SELECT status, COUNT`).
		WithArgs(tenantID).
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
			AddRow(domain.CmdPending, 3).
			AddRow(domain.CmdCompleted, 12))

	counts, err := repo.CountByStatus(context.Background(), tenantID)

	require.NoError(t, err)
	assert.Equal(t, 3, counts[domain.CmdPending])
	assert.Equal(t, 12, counts[domain.CmdCompleted])
	require.NoError(t, mock.ExpectationsWereMet())
}
