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

func setupMockRawPunchDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *RawPunchRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	logger := zap.NewNop()
	repo := NewRawPunchRepository(db, logger)

	return db, mock, repo
}

func TestUpsertRawPunch_Inserted(t *testing.T) {
	db, mock, repo := setupMockRawPunchDB(t)
	defer db.Close()

	ctx := context.Background()
	punchTime := time.Date(2026, 1, 15, 9, 3, 0, 0, time.UTC)
	punch := &domain.RawPunch{
		PunchID:      domain.PunchKey(domain.ProtocolIclock, "CJXE201360845", "38", punchTime),
		TenantID:     uuid.New().String(),
		DeviceID:     uuid.New().String(),
		DeviceUserID: "38",
		PunchTime:    punchTime,
		PunchType:    "0",
		Source:       domain.ProtocolIclock,
	}

	mock.ExpectExec(`INSERT INTO raw_punches`).
		WithArgs(punch.PunchID, punch.TenantID, punch.DeviceID, punch.DeviceUserID,
			punch.UserName, punch.PunchTime, punch.PunchType, punch.Source, false).
		WillReturnResult(sqlmock.NewResult(0, 1))

	inserted, err := repo.Upsert(ctx, punch)

	require.NoError(t, err)
	assert.True(t, inserted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertRawPunch_ProcessedFlagBindsThrough(t *testing.T) {
	db, mock, repo := setupMockRawPunchDB(t)
	defer db.Close()

	punchTime := time.Date(2026, 1, 15, 9, 3, 0, 0, time.UTC)
	punch := &domain.RawPunch{
		PunchID:      domain.PunchKey(domain.ProtocolSQLLogs, "CJXE201360845", "38", punchTime),
		TenantID:     uuid.New().String(),
		DeviceID:     uuid.New().String(),
		DeviceUserID: "38",
		PunchTime:    punchTime,
		PunchType:    "0",
		Source:       "device_logs",
		IsProcessed:  true,
	}

	mock.ExpectExec(`INSERT INTO raw_punches`).
		WithArgs(punch.PunchID, punch.TenantID, punch.DeviceID, punch.DeviceUserID,
			punch.UserName, punch.PunchTime, punch.PunchType, punch.Source, true).
		WillReturnResult(sqlmock.NewResult(0, 1))

	inserted, err := repo.Upsert(context.Background(), punch)

	require.NoError(t, err)
	assert.True(t, inserted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertRawPunch_DuplicateIsNoop(t *testing.T) {
	db, mock, repo := setupMockRawPunchDB(t)
	defer db.Close()

	ctx := context.Background()
	punchTime := time.Date(2026, 1, 15, 9, 3, 0, 0, time.UTC)
	punch := &domain.RawPunch{
		PunchID:      domain.PunchKey(domain.ProtocolIclock, "CJXE201360845", "38", punchTime),
		TenantID:     uuid.New().String(),
		DeviceID:     uuid.New().String(),
		DeviceUserID: "38",
		PunchTime:    punchTime,
		PunchType:    "0",
		Source:       domain.ProtocolIclock,
	}

	// ON CONFLICT DO NOTHING 命中时 RowsAffected 为 0
	mock.ExpectExec(`INSERT INTO raw_punches`).
		WithArgs(punch.PunchID, punch.TenantID, punch.DeviceID, punch.DeviceUserID,
			punch.UserName, punch.PunchTime, punch.PunchType, punch.Source, false).
		WillReturnResult(sqlmock.NewResult(0, 0))

	inserted, err := repo.Upsert(ctx, punch)

	require.NoError(t, err)
	assert.False(t, inserted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListByUserWindow_OrderedAscending(t *testing.T) {
	db, mock, repo := setupMockRawPunchDB(t)
	defer db.Close()

	ctx := context.Background()
	tenantID := uuid.New().String()
	deviceID := uuid.New().String()
	from := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 0, 1)

	rows := sqlmock.NewRows([]string{
		"punch_id", "tenant_id", "device_id", "device_user_id",
		"user_name", "punch_time", "punch_type", "source", "is_processed",
	}).AddRow(
		"iclock_CJXE201360845_38_1768467780", tenantID, deviceID, "38",
		nil, from.Add(9*time.Hour), "0", domain.ProtocolIclock, true,
	).AddRow(
		"iclock_CJXE201360845_38_1768499400", tenantID, deviceID, "38",
		nil, from.Add(18*time.Hour), "1", domain.ProtocolIclock, true,
	)

	mock.ExpectQuery(`SELECT`).
		WithArgs(tenantID, "38", from, to).
		WillReturnRows(rows)

	punches, err := repo.ListByUserWindow(ctx, tenantID, "38", from, to)

	require.NoError(t, err)
	require.Len(t, punches, 2)
	assert.True(t, punches[0].PunchTime.Before(punches[1].PunchTime))
	assert.Equal(t, "38", punches[0].DeviceUserID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListByUserWindow_Empty(t *testing.T) {
	db, mock, repo := setupMockRawPunchDB(t)
	defer db.Close()

	ctx := context.Background()
	tenantID := uuid.New().String()
	from := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT`).
		WithArgs(tenantID, "99", from, from.AddDate(0, 0, 1)).
		WillReturnRows(sqlmock.NewRows([]string{
			"punch_id", "tenant_id", "device_id", "device_user_id",
			"user_name", "punch_time", "punch_type", "source", "is_processed",
		}))

	punches, err := repo.ListByUserWindow(ctx, tenantID, "99", from, from.AddDate(0, 0, 1))

	require.NoError(t, err)
	assert.Empty(t, punches)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkProcessed_EmptyIsNoop(t *testing.T) {
	db, mock, repo := setupMockRawPunchDB(t)
	defer db.Close()

	err := repo.MarkProcessed(context.Background(), nil)

	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
